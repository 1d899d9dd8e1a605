package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives lifecycle notifications from the state store and callback
// registry services for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay payload processing.
type Observer interface {
	// OnClaimed is called when a claim moved a payload into PROCESSING.
	OnClaimed(ctx context.Context, key Key)

	// OnClaimConflict is called when a claim found the payload already in
	// PROCESSING.
	OnClaimConflict(ctx context.Context, key Key)

	// OnTransition is called after any other state write, including QUEUED.
	OnTransition(ctx context.Context, key Key, state State)

	// OnCallbackResolved is called when a waiter token receives its final
	// state.
	OnCallbackResolved(ctx context.Context, token string, state State)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnClaimed(ctx context.Context, key Key)                            {}
func (NoopObserver) OnClaimConflict(ctx context.Context, key Key)                      {}
func (NoopObserver) OnTransition(ctx context.Context, key Key, state State)            {}
func (NoopObserver) OnCallbackResolved(ctx context.Context, token string, state State) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnClaimed(ctx context.Context, key Key) {
	for _, o := range c.observers {
		o.OnClaimed(ctx, key)
	}
}

func (c *CompositeObserver) OnClaimConflict(ctx context.Context, key Key) {
	for _, o := range c.observers {
		o.OnClaimConflict(ctx, key)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, key Key, state State) {
	for _, o := range c.observers {
		o.OnTransition(ctx, key, state)
	}
}

func (c *CompositeObserver) OnCallbackResolved(ctx context.Context, token string, state State) {
	for _, o := range c.observers {
		o.OnCallbackResolved(ctx, token, state)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs state and callback events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnClaimed(ctx context.Context, key Key) {
	o.Logger.InfoContext(ctx, "payload_claimed",
		slog.String("payload_id", key.PayloadID().String()),
		slog.String("workflow", key.Workflow),
	)
}

func (o *LoggingObserver) OnClaimConflict(ctx context.Context, key Key) {
	o.Logger.WarnContext(ctx, "payload_already_processing",
		slog.String("payload_id", key.PayloadID().String()),
		slog.String("workflow", key.Workflow),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, key Key, state State) {
	level := slog.LevelInfo
	if state == StateFailed || state == StateInvalid {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "payload_state",
		slog.String("payload_id", key.PayloadID().String()),
		slog.String("workflow", key.Workflow),
		slog.String("state", state.String()),
	)
}

func (o *LoggingObserver) OnCallbackResolved(ctx context.Context, token string, state State) {
	o.Logger.DebugContext(ctx, "callback_resolved",
		slog.String("token", token),
		slog.String("state", state.String()),
	)
}

// BasicMetrics collects simple counters.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	claims            atomic.Int64
	claimConflicts    atomic.Int64
	completed         atomic.Int64
	failed            atomic.Int64
	invalid           atomic.Int64
	aborted           atomic.Int64
	callbacksResolved atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Claims         int64
	ClaimConflicts int64
	Completed      int64
	Failed         int64
	Invalid        int64
	Aborted        int64
	InFlight       int64

	CallbacksResolved int64
}

func (m *BasicMetrics) OnClaimed(ctx context.Context, key Key) {
	m.claims.Add(1)
}

func (m *BasicMetrics) OnClaimConflict(ctx context.Context, key Key) {
	m.claimConflicts.Add(1)
}

func (m *BasicMetrics) OnTransition(ctx context.Context, key Key, state State) {
	switch state {
	case StateCompleted:
		m.completed.Add(1)
	case StateFailed:
		m.failed.Add(1)
	case StateInvalid:
		m.invalid.Add(1)
	case StateAborted:
		m.aborted.Add(1)
	}
}

func (m *BasicMetrics) OnCallbackResolved(ctx context.Context, token string, state State) {
	m.callbacksResolved.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	claims := m.claims.Load()
	completed := m.completed.Load()
	failed := m.failed.Load()
	invalid := m.invalid.Load()
	aborted := m.aborted.Load()

	return BasicMetricsSnapshot{
		Claims:            claims,
		ClaimConflicts:    m.claimConflicts.Load(),
		Completed:         completed,
		Failed:            failed,
		Invalid:           invalid,
		Aborted:           aborted,
		InFlight:          claims - completed - failed - invalid - aborted,
		CallbacksResolved: m.callbacksResolved.Load(),
	}
}
