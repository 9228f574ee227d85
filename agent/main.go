// Command fleetgate-agent receives signed tasks from the control plane,
// verifies them and runs them without a shell.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Agent config: %v", err)
	}
	log.Printf("Agent starting. Node ID: %s tenant: %s", cfg.NodeID, cfg.TenantID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	control := NewControlClient(cfg)
	if err := control.RegisterWithBackoff(ctx); err != nil {
		return
	}

	server := NewServer(ctx, cfg, NewExecutor(cfg, control))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		control.HeartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Printf("Agent stopped: %v", err)
	}
	log.Println("Agent shutting down.")
}
