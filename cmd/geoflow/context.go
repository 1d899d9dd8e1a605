package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/geoflow/internal/backend"
	"github.com/petrijr/geoflow/internal/callbacks"
	"github.com/petrijr/geoflow/internal/config"
	"github.com/petrijr/geoflow/internal/engine"
	"github.com/petrijr/geoflow/internal/observability"
	"github.com/petrijr/geoflow/internal/statedb"
	"github.com/petrijr/geoflow/pkg/api"
)

type commandContext struct {
	configFlag *string
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// services are the engine and stores opened for one command.
type services struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   *backend.Backend
	engine    *engine.Engine
	states    *statedb.StateDB
	callbacks *callbacks.Registry
	metrics   *observability.Recorder
}

func (c *commandContext) loadConfig() (*config.Config, error) {
	var path string
	if c.configFlag != nil {
		path = strings.TrimSpace(*c.configFlag)
	}
	return config.Load(path)
}

// withServices opens the configured backend, runs fn and closes it again.
func (c *commandContext) withServices(cmd *cobra.Command, fn func(s *services) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			logger.Warn("closing backend failed", slog.Any("error", err))
		}
	}()

	// No exporter is configured; metric totals go to the log on exit.
	metrics := observability.NewRecorder()
	defer func() {
		metrics.LogTotals(context.Background(), logger)
		_ = metrics.Shutdown(context.Background())
	}()

	obs := api.NewCompositeObserver(
		api.NewLoggingObserver(logger),
		observability.NewMetricsObserverWithMeter(metrics.Meter()),
	)
	states := statedb.New(statedb.Config{Store: b.Store, Observer: obs, Logger: logger})
	registry := callbacks.New(callbacks.Config{
		Store:    b.Store,
		Observer: obs,
		Logger:   logger,
		TTL:      cfg.Callbacks.TTL,
		MaxPages: cfg.Callbacks.MaxPages,
		PageSize: cfg.Callbacks.PageSize,
	})
	eng, err := engine.New(engine.Config{
		States:      states,
		Callbacks:   registry,
		Blobs:       b.Blobs,
		Executor:    &engine.QueueExecutor{Queue: b.Queue},
		Logger:      logger,
		InlineLimit: cfg.Payloads.InlineLimit,
	})
	if err != nil {
		return err
	}

	return fn(&services{
		cfg:       cfg,
		logger:    logger,
		backend:   b,
		engine:    eng,
		states:    states,
		callbacks: registry,
		metrics:   metrics,
	})
}

// readInputs returns the contents of each named file, or stdin when no file
// or "-" is given.
func readInputs(cmd *cobra.Command, paths []string) ([][]byte, error) {
	if len(paths) == 0 {
		paths = []string{"-"}
	}
	out := make([][]byte, 0, len(paths))
	for _, path := range paths {
		var (
			data []byte
			err  error
		)
		if path == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func parseStateFlag(v string) (api.State, error) {
	if v == "" {
		return "", nil
	}
	return api.ParseState(v)
}
