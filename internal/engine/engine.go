// Package engine drives payloads through their process definitions.
//
// The engine claims a payload, hands its input to an Executor and records
// the execution. When a worker reports the outcome, the engine writes the
// final state, resolves fan-in callbacks waiting on the payload and submits
// the successor payloads of the next process node.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/geoflow/internal/blobstore"
	"github.com/petrijr/geoflow/internal/callbacks"
	"github.com/petrijr/geoflow/internal/statedb"
	"github.com/petrijr/geoflow/pkg/api"
)

// DefaultInlineLimit is the largest serialized payload passed inline to an
// executor, in bytes. Larger payloads are passed as a {"url": ...} reference.
const DefaultInlineLimit = 30000

// ExecutionRequest asks an executor to run one workflow for a payload.
type ExecutionRequest struct {
	PayloadID api.PayloadID
	Workflow  string
	// Input is the payload JSON or a {"url": ...} reference to it.
	Input []byte
}

// Executor starts workflow executions. Start returns a reference to the
// execution that is recorded in the payload's history.
type Executor interface {
	Start(ctx context.Context, req ExecutionRequest) (ref string, err error)
}

// Config describes how to construct an Engine.
type Config struct {
	States *statedb.StateDB
	// Callbacks is optional; without it no fan-in tokens are resolved.
	Callbacks   *callbacks.Registry
	Blobs       blobstore.Store
	Executor    Executor
	Logger      *slog.Logger
	InlineLimit int
}

// Engine coordinates payload submission and completion.
type Engine struct {
	states      *statedb.StateDB
	callbacks   *callbacks.Registry
	blobs       blobstore.Store
	executor    Executor
	logger      *slog.Logger
	inlineLimit int
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.States == nil {
		return nil, errors.New("engine: States is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("engine: Blobs is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("engine: Executor is required")
	}
	e := &Engine{
		states:      cfg.States,
		callbacks:   cfg.Callbacks,
		blobs:       cfg.Blobs,
		executor:    cfg.Executor,
		logger:      cfg.Logger,
		inlineLimit: cfg.InlineLimit,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.inlineLimit <= 0 {
		e.inlineLimit = DefaultInlineLimit
	}
	return e, nil
}

// States returns the state service the engine writes to.
func (e *Engine) States() *statedb.StateDB { return e.states }

// Callbacks returns the callback registry, which may be nil.
func (e *Engine) Callbacks() *callbacks.Registry { return e.callbacks }

// Submit prepares p, claims it and starts an execution of its current
// workflow. When the payload is already PROCESSING, Submit returns its id and
// an error matching api.ErrAlreadyProcessing. Any failure after the claim
// marks the payload FAILED.
func (e *Engine) Submit(ctx context.Context, p *api.Payload) (api.PayloadID, error) {
	if err := p.Prepare(); err != nil {
		return "", err
	}
	id := p.ID
	log := e.logger.With(slog.String("payload_id", string(id)))

	if err := e.states.Claim(ctx, id); err != nil {
		if errors.Is(err, api.ErrAlreadyProcessing) {
			log.WarnContext(ctx, "payload already processing, not submitted")
		}
		return id, err
	}

	body, err := e.externalize(ctx, p, string(id)+"/input.json", true)
	if err != nil {
		return id, e.failAttempt(ctx, id, err)
	}

	ref, err := e.executor.Start(ctx, ExecutionRequest{PayloadID: id, Workflow: p.Workflow(), Input: body})
	if err != nil {
		return id, e.failAttempt(ctx, id, fmt.Errorf("start %s: %w", p.Workflow(), err))
	}
	if err := e.states.RecordExecution(ctx, id, ref); err != nil {
		return id, e.failAttempt(ctx, id, err)
	}
	log.InfoContext(ctx, "payload submitted",
		slog.String("workflow", p.Workflow()),
		slog.String("execution", ref),
	)
	return id, nil
}

// failAttempt marks id FAILED after cause. If that write fails as well both
// errors are returned.
func (e *Engine) failAttempt(ctx context.Context, id api.PayloadID, cause error) error {
	e.logger.ErrorContext(ctx, "payload submission failed",
		slog.String("payload_id", string(id)),
		slog.Any("error", cause),
	)
	if err := e.Fail(ctx, id, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// resubmittable are the states in which a known payload is submitted again
// without replace.
var resubmittable = map[api.State]bool{
	api.StateFailed:  true,
	api.StateAborted: true,
}

// SubmitBatch submits payloads that are unknown, FAILED or ABORTED. Others
// are skipped unless replace is set, either here or on the payload's current
// stage. Duplicate ids are submitted once. Failures of single payloads do not
// stop the batch; they are joined into the returned error.
func (e *Engine) SubmitBatch(ctx context.Context, payloads []*api.Payload, replace bool) ([]api.PayloadID, error) {
	var (
		unique []*api.Payload
		ids    []api.PayloadID
		seen   = make(map[api.PayloadID]bool, len(payloads))
	)
	for _, p := range payloads {
		if err := p.Prepare(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		unique = append(unique, p)
		ids = append(ids, p.ID)
	}

	states, err := e.states.GetStates(ctx, ids)
	if err != nil {
		return nil, err
	}

	var (
		submitted []api.PayloadID
		errs      []error
	)
	for _, p := range unique {
		state, known := states[p.ID]
		force := replace || (p.Stage() != nil && p.Stage().Replace)
		if known && !force && !resubmittable[state] {
			e.logger.InfoContext(ctx, "skipping payload",
				slog.String("payload_id", string(p.ID)),
				slog.String("state", string(state)),
			)
			continue
		}
		id, err := e.Submit(ctx, p)
		switch {
		case errors.Is(err, api.ErrAlreadyProcessing):
		case err != nil:
			errs = append(errs, err)
		default:
			submitted = append(submitted, id)
		}
	}
	return submitted, errors.Join(errs...)
}

// Advance submits the successors of a payload whose current stage has
// completed. Successors left without items by a chain filter are skipped.
func (e *Engine) Advance(ctx context.Context, completed *api.Payload) ([]api.PayloadID, error) {
	next, err := completed.NextPayloads()
	if err != nil {
		return nil, err
	}
	var keep []*api.Payload
	for _, p := range next {
		if len(p.Features) == 0 {
			e.logger.InfoContext(ctx, "no items left for next stage",
				slog.String("payload_id", string(completed.ID)),
				slog.String("workflow", p.Workflow()),
			)
			continue
		}
		keep = append(keep, p)
	}
	if len(keep) == 0 {
		return nil, nil
	}
	return e.SubmitBatch(ctx, keep, false)
}

// Complete marks id COMPLETED and resolves callbacks waiting on it.
func (e *Engine) Complete(ctx context.Context, id api.PayloadID, outputs ...string) error {
	if err := e.states.Complete(ctx, id, outputs...); err != nil {
		return err
	}
	return e.resolveCallbacks(ctx, id, api.StateCompleted)
}

// Fail marks id FAILED and resolves callbacks waiting on it.
func (e *Engine) Fail(ctx context.Context, id api.PayloadID, msg string) error {
	if err := e.states.Fail(ctx, id, msg); err != nil {
		return err
	}
	return e.resolveCallbacks(ctx, id, api.StateFailed)
}

// Invalidate marks id INVALID and resolves callbacks waiting on it.
func (e *Engine) Invalidate(ctx context.Context, id api.PayloadID, msg string) error {
	if err := e.states.Invalidate(ctx, id, msg); err != nil {
		return err
	}
	return e.resolveCallbacks(ctx, id, api.StateInvalid)
}

// Abort marks id ABORTED and resolves callbacks waiting on it.
func (e *Engine) Abort(ctx context.Context, id api.PayloadID) error {
	if err := e.states.Abort(ctx, id); err != nil {
		return err
	}
	return e.resolveCallbacks(ctx, id, api.StateAborted)
}

func (e *Engine) resolveCallbacks(ctx context.Context, id api.PayloadID, state api.State) error {
	if e.callbacks == nil {
		return nil
	}
	key, err := id.Key()
	if err != nil {
		return err
	}
	report, err := e.callbacks.ResolveFingerprint(ctx, key.Fingerprint(), state)
	if err != nil {
		return fmt.Errorf("resolve callbacks for %s: %w", id, err)
	}
	if !report.OK() {
		e.logger.WarnContext(ctx, "some callbacks were not resolved",
			slog.String("payload_id", string(id)),
			slog.Int("failed", len(report.Failed())),
		)
	}
	return nil
}

// RegisterCallback registers token to be resolved when p reaches a final
// state. A payload that is already final resolves the token at once.
func (e *Engine) RegisterCallback(ctx context.Context, token string, p *api.Payload) error {
	if e.callbacks == nil {
		return errors.New("engine: no callback registry configured")
	}
	if err := p.Prepare(); err != nil {
		return err
	}
	key, err := p.Key()
	if err != nil {
		return err
	}
	state, known, err := e.states.GetState(ctx, p.ID)
	if err != nil {
		return err
	}
	if !known {
		state = api.StateQueued
	}
	return e.callbacks.Create(ctx, token, key.Fingerprint(), p.CallbackItems(), state)
}
