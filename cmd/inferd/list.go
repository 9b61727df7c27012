package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/inferd"
)

func runListCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: inferd list")
		return 2
	}

	srv, err := inferd.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build server: %v\n", err)
		return 1
	}
	defer srv.Stop()

	st := srv.Status()

	ids := make([]string, 0, len(cfg.Models))
	for id := range cfg.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENGINE\tTASK\tSTATUS\tINSTANCES")
	instanceCounts := make(map[string]int)
	for _, entry := range st.Pool.Instances {
		instanceCounts[entry.ModelID]++
	}
	for _, id := range ids {
		m := cfg.Models[id]
		status := "unknown"
		if sm, ok := st.Models[id]; ok {
			status = string(sm.Status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", id, m.Engine, m.Task, status, instanceCounts[id])
	}
	tw.Flush()
	return 0
}
