// Package taskqueue carries payload executions from the engine to workers.
package taskqueue

import (
	"context"
	"time"
)

// Task is one execution of a workflow for a payload.
type Task struct {
	// ID is the execution reference recorded in the payload's history.
	ID        string
	Workflow  string
	PayloadID string
	// Input is the payload JSON, or a {"url": ...} reference to it.
	Input []byte

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts earlier failed runs of this task.
	Attempts int
}

// Due reports whether the task may run at now.
func (t *Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len(ctx context.Context) (int, error)
}

// stamp fills EnqueuedAt when unset.
func stamp(t *Task) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
}

// notBefore is the unix-nanosecond eligibility time of t.
func notBefore(t Task) int64 {
	if t.NotBefore.IsZero() {
		return t.EnqueuedAt.UnixNano()
	}
	return t.NotBefore.UnixNano()
}

// waitTimer sleeps on a reusable timer for d or until ctx is done.
func waitTimer(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// newStoppedTimer returns a timer that is not running.
func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	return tmr
}
