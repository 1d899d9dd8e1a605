// Package worker runs queued payload executions.
//
// The engine's QueueExecutor enqueues one task per execution. A Worker
// dequeues it, resolves the payload (following {"url": ...} references),
// calls a Handler and reports the outcome back to the engine:
//
//   - success marks the payload COMPLETED with the output items' self hrefs,
//     resolves waiting callback tokens and submits the next process stage
//   - an error wrapping api.ErrInvalidInput, or an unusable payload, marks
//     it INVALID
//   - any other error is retried with exponential backoff up to
//     Config.MaxAttempts runs, then marks it FAILED
//
// Retries are re-enqueued with a NotBefore time, so every queue backend
// delays them the same way. Several workers may share one queue.
//
// Handlers are plain functions. A Mux routes by the workflow of the
// payload's current stage:
//
//	w := worker.NewWithConfig(eng, queue, worker.Mux{
//		"cog-archive": archive,
//		"mosaic":      mosaic,
//	}.Handle, worker.Config{MaxAttempts: 3, Backoff: time.Second})
//	err := w.Run(ctx)
package worker
