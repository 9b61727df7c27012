package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/inferd"
)

func runRemoveCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: inferd remove <id>")
		return 2
	}
	id := args[0]
	if _, ok := cfg.Models[id]; !ok {
		fmt.Fprintf(os.Stderr, "unknown model %q\n", id)
		return 1
	}

	srv, err := inferd.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build server: %v\n", err)
		return 1
	}
	defer srv.Stop()

	if err := srv.RemoveModel(id); err != nil {
		fmt.Fprintf(os.Stderr, "remove %q: %v\n", id, err)
		return 1
	}
	fmt.Printf("removed model %q\n", id)
	return 0
}
