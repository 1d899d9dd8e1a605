package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/geoflow/internal/engine"
	"github.com/petrijr/geoflow/internal/taskqueue"
	"github.com/petrijr/geoflow/pkg/api"
)

// Handler runs the tasks of a workflow on a payload and returns the output
// payload. Returning nil reuses the input. Wrapping api.ErrInvalidInput marks
// the payload INVALID instead of retrying it.
type Handler func(ctx context.Context, p *api.Payload) (*api.Payload, error)

// Passthrough is a Handler that returns its input unchanged.
func Passthrough(ctx context.Context, p *api.Payload) (*api.Payload, error) {
	return p, nil
}

// Mux dispatches to a Handler by workflow name.
type Mux map[string]Handler

// ErrNoHandler is returned when a Mux has no handler for a workflow.
var ErrNoHandler = errors.New("no handler for workflow")

// Handle implements Handler.
func (m Mux) Handle(ctx context.Context, p *api.Payload) (*api.Payload, error) {
	h, ok := m[p.Workflow()]
	if !ok {
		return nil, fmt.Errorf("%w %q: %w", ErrNoHandler, p.Workflow(), api.ErrInvalidInput)
	}
	return h(ctx, p)
}

// Config controls worker retry behaviour.
type Config struct {
	// MaxAttempts is the total number of runs per task, including the first.
	// Zero or one disables retries.
	MaxAttempts int
	// Backoff is the delay before the first retry.
	Backoff time.Duration
	// BackoffMultiplier grows the delay per attempt; zero means 2.
	BackoffMultiplier float64
	// MaxBackoff caps the delay when positive.
	MaxBackoff time.Duration
	// Concurrency is the number of tasks Run processes in parallel.
	Concurrency int
	Logger      *slog.Logger
}

// Delay returns the wait before the retry following the given number of
// failed attempts.
func (c Config) Delay(failed int) time.Duration {
	mult := c.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(c.Backoff)
	for i := 1; i < failed; i++ {
		d *= mult
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Worker pulls tasks from a Queue, runs them through a Handler and reports
// the outcome to an Engine.
type Worker struct {
	engine  *engine.Engine
	queue   taskqueue.Queue
	handler Handler
	cfg     Config
	logger  *slog.Logger
}

// New creates a Worker without retries.
func New(eng *engine.Engine, queue taskqueue.Queue, handler Handler) *Worker {
	return NewWithConfig(eng, queue, handler, Config{})
}

// NewWithConfig creates a Worker using cfg.
func NewWithConfig(eng *engine.Engine, queue taskqueue.Queue, handler Handler, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{engine: eng, queue: queue, handler: handler, cfg: cfg, logger: logger}
}

// Run processes tasks until ctx is cancelled. Task failures are logged and
// recorded on the payload; only queue errors stop Run.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				_, err := w.ProcessOne(ctx)
				switch {
				case ctx.Err() != nil:
					return nil
				case errors.Is(err, errDequeue):
					return err
				}
			}
		})
	}
	return g.Wait()
}

var errDequeue = errors.New("dequeue task")

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the queue or context error.
//   - processed == true: err reports the outcome. A task scheduled for retry
//     returns nil.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: %w", errDequeue, err)
	}
	if task == nil {
		return false, nil
	}
	return true, w.process(ctx, task)
}

func (w *Worker) process(ctx context.Context, task *taskqueue.Task) error {
	id := api.PayloadID(task.PayloadID)
	log := w.logger.With(
		slog.String("payload_id", task.PayloadID),
		slog.String("workflow", task.Workflow),
		slog.String("execution", task.ID),
		slog.Int("attempt", task.Attempts+1),
	)

	in, err := w.engine.ResolvePayload(ctx, task.Input)
	if err != nil {
		return w.failed(ctx, log, task, err)
	}

	out, err := w.run(ctx, in)
	if err != nil {
		return w.failed(ctx, log, task, err)
	}
	if out == nil {
		out = in
	}
	if len(out.Process.Nodes) == 0 {
		out.Process = in.Process
	}
	out.ID = in.ID

	if err := w.engine.Complete(ctx, id, outputs(out)...); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	next, err := w.engine.Advance(ctx, out)
	if err != nil {
		return fmt.Errorf("advance %s: %w", id, err)
	}
	log.InfoContext(ctx, "task completed", slog.Int("successors", len(next)))
	return nil
}

// run calls the handler, turning a panic into an error.
func (w *Worker) run(ctx context.Context, p *api.Payload) (out *api.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, p)
}

func (w *Worker) failed(ctx context.Context, log *slog.Logger, task *taskqueue.Task, cause error) error {
	id := api.PayloadID(task.PayloadID)
	if engine.IsInvalidPayload(cause) {
		log.WarnContext(ctx, "payload invalid", slog.Any("error", cause))
		return errors.Join(cause, w.engine.Invalidate(ctx, id, cause.Error()))
	}

	if task.Attempts+1 < w.cfg.MaxAttempts {
		retry := *task
		retry.Attempts++
		retry.NotBefore = time.Now().Add(w.cfg.Delay(retry.Attempts))
		log.WarnContext(ctx, "task failed, retrying",
			slog.Any("error", cause),
			slog.Time("not_before", retry.NotBefore),
		)
		if err := w.queue.Enqueue(ctx, retry); err != nil {
			return errors.Join(cause, w.engine.Fail(ctx, id, cause.Error()), err)
		}
		return nil
	}

	log.ErrorContext(ctx, "task failed", slog.Any("error", cause))
	return errors.Join(cause, w.engine.Fail(ctx, id, cause.Error()))
}

// outputs lists the self hrefs of the output items.
func outputs(p *api.Payload) []string {
	var out []string
	for _, it := range p.Features {
		if href := it.SelfHref(); href != "" {
			out = append(out, href)
		}
	}
	return out
}
