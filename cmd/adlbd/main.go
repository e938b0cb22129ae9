// Command adlbd runs a complete ADLB-style job - every server rank and
// every worker rank - inside one OS process over a transport.LocalHub, so
// the full layout/transport/store/notify/queue/steal/depengine/syncproto/
// server/client pipeline can be exercised without a real MPI binding.
//
// It plays the role of the original's server-side adlb_server_main: each
// simulated server rank runs server.Server.Run to completion; unlike a real
// deployment, adlbd also drives the worker ranks itself (see cmd/adlbw for
// a minimal single-worker embedding example), since LocalFabric only
// connects ranks that share a process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

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
	var workers, servers, workTypes, tasks int
	var seed int64

	cmd := &cobra.Command{
		Use:   "adlbd",
		Short: "Run a simulated ADLB job (all server and worker ranks in one process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), workers, servers, workTypes, tasks, seed)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "number of simulated worker ranks")
	cmd.Flags().IntVar(&servers, "servers", 1, "number of simulated server ranks")
	cmd.Flags().IntVar(&workTypes, "work-types", 1, "number of distinct work types")
	cmd.Flags().IntVar(&tasks, "tasks", 20, "number of untargeted tasks seeded by worker 0 at startup")
	cmd.Flags().Int64Var(&seed, "seed", 1, "steal-probe RNG seed, per server")
	return cmd
}

func runJob(ctx context.Context, workers, servers, workTypes, tasks int, seed int64) error {
	if workers <= 0 || servers <= 0 {
		return fmt.Errorf("adlbd: workers and servers must both be positive")
	}

	cfg, err := config.FromEnviron()
	if err != nil {
		return fmt.Errorf("adlbd: %w", err)
	}

	l, err := layout.New(workers, servers, func(rank int) string { return "local" })
	if err != nil {
		return fmt.Errorf("adlbd: %w", err)
	}
	hub := transport.NewLocalHub(workers + servers)
	mtr := metrics.New(nil, cfg.PerfCounters)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < servers; i++ {
		rank := l.ServerRank(i)
		ids := layout.NewIDSpace(i, servers)
		log := logging.New(cfg, "server", rank)
		srv := server.New(rank, l, hub.Fabric(rank), ids, workTypes, cfg, log, mtr, seed+int64(i))
		g.Go(func() error {
			err := srv.Run(gctx)
			if err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	for rank := 0; rank < workers; rank++ {
		rank := rank
		log := logging.New(cfg, "worker", rank)
		seedTasks := 0
		if rank == 0 {
			seedTasks = tasks
		}
		g.Go(func() error {
			return runWorker(gctx, l, hub.Fabric(rank), log, rank, workTypes, seedTasks)
		})
	}

	return g.Wait()
}

// runWorker seeds seedTasks untargeted tasks (only nonzero for one
// designated rank, so the job has a bounded amount of work), task i getting
// work type i%workTypes, then loops fetching and "executing" tasks of the one
// work type rank%workTypes until global shutdown.
func runWorker(ctx context.Context, l *layout.Layout, fabric transport.Fabric, log *logrus.Entry, rank, workTypes, seedTasks int) error {
	c, err := client.Init(rank, l, fabric, log)
	if err != nil {
		return fmt.Errorf("adlbd: init: %w", err)
	}

	for i := 0; i < seedTasks; i++ {
		payload := []byte(fmt.Sprintf("task-%d", i))
		opts := client.DefaultOptions()
		if err := c.Put(ctx, payload, queue.NoTarget, rank, i%workTypes, opts); err != nil {
			return fmt.Errorf("adlbd: seeding task %d: %w", i, err)
		}
	}

	for {
		task, err := c.Get(ctx, rank%workTypes)
		if err == client.ErrShutdown {
			return c.Finalize(ctx)
		}
		if err != nil {
			return fmt.Errorf("adlbd: worker %d: %w", rank, err)
		}
		log.Infof("worker %d executed %q (type %d)", rank, task.Payload, task.Type)
		time.Sleep(time.Millisecond)
	}
}
