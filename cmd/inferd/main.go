// Command inferd is the local inference server's CLI: list, show,
// prepare, and remove configured models. It uses the standard library
// flag package with a subcommand dispatcher, not a third-party CLI
// framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/inferd/internal/config"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s list                     Table of configured models, status, instance counts
  %s show <id>                Config + stored metadata + live instances for one model
  %s prepare <id>             Prepare a model's artifact, printing download progress
  %s remove <id>              Delete a prepared model's on-disk artifact

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $INFERD_HOME/config.yaml)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "list":
		os.Exit(runListCommand(ctx, cfg, args[1:]))
	case "show":
		os.Exit(runShowCommand(ctx, cfg, args[1:]))
	case "prepare":
		os.Exit(runPrepareCommand(ctx, cfg, args[1:]))
	case "remove":
		os.Exit(runRemoveCommand(ctx, cfg, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
