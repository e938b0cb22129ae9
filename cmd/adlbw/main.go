// Command adlbw is a minimal single-worker embedding example: it stands up
// one server rank and one worker rank over a transport.LocalHub, puts a
// handful of tasks, and drains them with internal/client's blocking Get -
// the smallest program that demonstrates the worker-facing API an embedded
// task executor would actually call (spec.md §6.1), as opposed to cmd/adlbd's
// full multi-rank job driver.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swift-lang/swift-t-sub000/internal/client"
	"github.com/swift-lang/swift-t-sub000/internal/config"
	"github.com/swift-lang/swift-t-sub000/internal/layout"
	"github.com/swift-lang/swift-t-sub000/internal/logging"
	"github.com/swift-lang/swift-t-sub000/internal/metrics"
	"github.com/swift-lang/swift-t-sub000/internal/queue"
	"github.com/swift-lang/swift-t-sub000/internal/server"
	"github.com/swift-lang/swift-t-sub000/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var tasks int
	cmd := &cobra.Command{
		Use:   "adlbw",
		Short: "Run a single embedded worker against an in-process ADLB server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), tasks)
		},
	}
	cmd.Flags().IntVar(&tasks, "tasks", 5, "number of tasks to put and then drain")
	return cmd
}

func run(ctx context.Context, tasks int) error {
	cfg, err := config.FromEnviron()
	if err != nil {
		return fmt.Errorf("adlbw: %w", err)
	}

	l, err := layout.New(1, 1, func(rank int) string { return "local" })
	if err != nil {
		return fmt.Errorf("adlbw: %w", err)
	}
	hub := transport.NewLocalHub(2)
	serverRank := l.ServerRank(0)
	ids := layout.NewIDSpace(0, 1)
	srv := server.New(serverRank, l, hub.Fabric(serverRank), ids, 1, cfg, logging.New(cfg, "server", serverRank), metrics.New(nil, cfg.PerfCounters), 1)

	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Run(ctx) }()

	c, err := client.Init(0, l, hub.Fabric(0), logging.New(cfg, "worker", 0))
	if err != nil {
		return fmt.Errorf("adlbw: %w", err)
	}

	for i := 0; i < tasks; i++ {
		payload := []byte(fmt.Sprintf("hello-%d", i))
		if err := c.Put(ctx, payload, queue.NoTarget, 0, 0, client.DefaultOptions()); err != nil {
			return fmt.Errorf("adlbw: put %d: %w", i, err)
		}
	}

	for i := 0; i < tasks; i++ {
		task, err := c.Get(ctx, 0)
		if err != nil {
			return fmt.Errorf("adlbw: get %d: %w", i, err)
		}
		fmt.Printf("worker received: %s\n", task.Payload)
	}

	if err := c.Finalize(ctx); err != nil {
		return fmt.Errorf("adlbw: finalize: %w", err)
	}

	return <-srvDone
}
