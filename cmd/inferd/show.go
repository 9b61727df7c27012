package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/inferd/internal/config"
	"github.com/basket/inferd/internal/inferd"
)

func runShowCommand(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: inferd show <id>")
		return 2
	}
	id := args[0]

	m, ok := cfg.Models[id]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown model %q\n", id)
		return 1
	}

	srv, err := inferd.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build server: %v\n", err)
		return 1
	}
	defer srv.Stop()

	st := srv.Status()

	fmt.Printf("model:        %s\n", id)
	fmt.Printf("engine:       %s\n", m.Engine)
	fmt.Printf("task:         %s\n", m.Task)
	fmt.Printf("min/max:      %d/%d\n", m.MinInstances, m.MaxInstances)
	fmt.Printf("ttl_seconds:  %d\n", m.TTLSeconds)
	fmt.Printf("context_size: %d\n", m.ContextSize)

	if sm, ok := st.Models[id]; ok {
		fmt.Printf("status:       %s\n", sm.Status)
		if sm.Err != nil {
			fmt.Printf("error:        %v\n", sm.Err)
		}
		if len(sm.Meta) > 0 {
			fmt.Println("meta:")
			for k, v := range sm.Meta {
				fmt.Printf("  %s: %v\n", k, v)
			}
		}
	}

	fmt.Println("instances:")
	found := false
	for _, entry := range st.Pool.Instances {
		if entry.ModelID != id {
			continue
		}
		found = true
		fmt.Printf("  %s  status=%s  gpu=%t\n", entry.InstanceID, entry.Status, entry.GPU)
	}
	if !found {
		fmt.Println("  (none live)")
	}
	return 0
}
