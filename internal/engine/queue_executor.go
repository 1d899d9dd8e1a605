package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/geoflow/internal/taskqueue"
)

// QueueExecutor starts executions by enqueuing tasks for workers.
type QueueExecutor struct {
	Queue taskqueue.Queue
}

var _ Executor = (*QueueExecutor)(nil)

// Start enqueues a task and returns its id as the execution reference.
func (x *QueueExecutor) Start(ctx context.Context, req ExecutionRequest) (string, error) {
	ref := uuid.NewString()
	err := x.Queue.Enqueue(ctx, taskqueue.Task{
		ID:         ref,
		Workflow:   req.Workflow,
		PayloadID:  string(req.PayloadID),
		Input:      req.Input,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}
