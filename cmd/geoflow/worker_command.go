package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/geoflow/internal/callbacks"
	"github.com/petrijr/geoflow/internal/observability"
	"github.com/petrijr/geoflow/internal/taskqueue"
	"github.com/petrijr/geoflow/pkg/worker"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var (
		concurrency   int
		drain         bool
		purgeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued executions",
		Long: "Worker dequeues executions, completes them and submits the next stage\n" +
			"of each payload. Tasks are passed through unchanged; custom task code\n" +
			"embeds pkg/worker with its own handler. Metric totals are logged\n" +
			"when the worker stops.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withServices(cmd, func(s *services) error {
				cfg := worker.Config{
					MaxAttempts: s.cfg.Worker.MaxAttempts,
					Backoff:     s.cfg.Worker.Backoff,
					Concurrency: s.cfg.Worker.Concurrency,
					Logger:      s.logger,
				}
				if concurrency > 0 {
					cfg.Concurrency = concurrency
				}
				handler := observability.InstrumentHandler(s.metrics.Meter(), worker.Passthrough)
				w := worker.NewWithConfig(s.engine, s.backend.Queue, handler, cfg)

				if drain {
					return drainQueue(cmd.Context(), w, s.backend.Queue, s.logger)
				}

				s.logger.Info("worker started",
					slog.String("backend", s.backend.Kind),
					slog.Int("concurrency", cfg.Concurrency),
				)
				g, gctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error { return w.Run(gctx) })
				g.Go(func() error { return purgeLoop(gctx, s.callbacks, purgeInterval, s.logger) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel tasks (default from worker.concurrency)")
	cmd.Flags().BoolVar(&drain, "drain", false, "Exit once the queue is empty")
	cmd.Flags().DurationVar(&purgeInterval, "purge-interval", time.Hour, "How often expired callback tokens are purged")
	return cmd
}

// drainQueue processes tasks one at a time until the queue is empty.
func drainQueue(ctx context.Context, w *worker.Worker, q taskqueue.Queue, logger *slog.Logger) error {
	for {
		n, err := q.Len(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WarnContext(ctx, "task failed", slog.Any("error", err))
		}
	}
}

// purgeLoop removes expired callback tokens every interval until ctx ends.
func purgeLoop(ctx context.Context, r *callbacks.Registry, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.PurgeExpired(ctx); err != nil {
				logger.WarnContext(ctx, "purge expired callbacks failed", slog.Any("error", err))
			}
		}
	}
}
