package geoflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/geoflow/internal/blobstore"
	"github.com/petrijr/geoflow/internal/callbacks"
	"github.com/petrijr/geoflow/internal/engine"
	"github.com/petrijr/geoflow/internal/persistence"
	"github.com/petrijr/geoflow/internal/statedb"
	"github.com/petrijr/geoflow/internal/taskqueue"
	"github.com/petrijr/geoflow/pkg/worker"
)

// LocalRunnerConfig configures NewLocalRunner. All fields are optional.
type LocalRunnerConfig struct {
	Observer Observer
	Logger   *slog.Logger
	Worker   WorkerConfig
}

// LocalRunner bundles in-memory stores, an in-memory task queue, an Engine
// and a Worker for development and tests.
//
// Typical usage:
//
//	runner := geoflow.NewLocalRunner(handler, geoflow.LocalRunnerConfig{})
//	_ = runner.StartWorkers(ctx, 2)
//	id, err := runner.Submit(ctx, payload)
//	...
//	runner.Stop()
type LocalRunner struct {
	*services

	// Worker processes tasks from the runner's queue.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner running handler for every task.
func NewLocalRunner(handler Handler, cfg LocalRunnerConfig) *LocalRunner {
	svc, err := newServices(persistence.NewInMemoryStore(), taskqueue.NewInMemoryQueue(1024),
		blobstore.NewMemoryStore(), cfg.Observer, cfg.Logger)
	if err != nil {
		// Only reachable with nil dependencies, which are all set above.
		panic(err)
	}
	wcfg := cfg.Worker
	wcfg.Logger = svc.logger
	return &LocalRunner{
		services: svc,
		Worker:   worker.NewWithConfig(svc.Engine, svc.Queue, handler, wcfg),
	}
}

// StartWorkers starts concurrency goroutines processing tasks until Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("geoflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()
			for {
				_, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					// A single bad task must not stop the loop.
					r.logger.WarnContext(ctx, "local runner task error", slog.Any("error", err))
				}
			}
		}()
	}
	return nil
}

// Stop cancels the worker goroutines and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// services are the engine and state services shared by runners and bundles.
type services struct {
	// Engine submits payloads and records their outcomes.
	Engine *engine.Engine
	// States reads and lists payload state.
	States *statedb.StateDB
	// Callbacks manages fan-in tokens.
	Callbacks *callbacks.Registry
	// Queue carries executions to workers.
	Queue taskqueue.Queue

	logger *slog.Logger
}

type store interface {
	persistence.StateStore
	persistence.CallbackStore
}

func newServices(st store, q taskqueue.Queue, blobs blobstore.Store, obs Observer, logger *slog.Logger) (*services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	states := statedb.New(statedb.Config{Store: st, Observer: obs, Logger: logger})
	registry := callbacks.New(callbacks.Config{Store: st, Observer: obs, Logger: logger})
	eng, err := engine.New(engine.Config{
		States:    states,
		Callbacks: registry,
		Blobs:     blobs,
		Executor:  &engine.QueueExecutor{Queue: q},
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &services{Engine: eng, States: states, Callbacks: registry, Queue: q, logger: logger}, nil
}

// Submit claims p and queues its current stage.
func (s *services) Submit(ctx context.Context, p *Payload) (PayloadID, error) {
	return s.Engine.Submit(ctx, p)
}

// SubmitBatch queues the payloads that are new, FAILED or ABORTED.
func (s *services) SubmitBatch(ctx context.Context, payloads []*Payload, replace bool) ([]PayloadID, error) {
	return s.Engine.SubmitBatch(ctx, payloads, replace)
}

// State returns the state of a payload; ok is false when it is unknown.
func (s *services) State(ctx context.Context, id PayloadID) (state State, ok bool, err error) {
	return s.States.GetState(ctx, id)
}

// Await registers a callback token resolved when p reaches a final state.
func (s *services) Await(ctx context.Context, token string, p *Payload) error {
	return s.Engine.RegisterCallback(ctx, token, p)
}
