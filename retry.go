package geoflow

import (
	"time"

	"github.com/petrijr/geoflow/pkg/worker"
)

// RetryBuilder provides a fluent way to construct the retry part of a
// WorkerConfig.
type RetryBuilder struct {
	cfg worker.Config
}

// Retry creates a RetryBuilder allowing maxAttempts runs per task.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{cfg: worker.Config{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - maxDelay caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(time.Second, 2.0, time.Minute)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, maxDelay time.Duration) RetryBuilder {
	c := r.cfg
	c.Backoff = initial
	c.MaxBackoff = maxDelay
	if multiplier <= 0 {
		multiplier = 2.0
	}
	c.BackoffMultiplier = multiplier
	return RetryBuilder{cfg: c}
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	c := r.cfg
	c.Backoff = delay
	c.MaxBackoff = 0
	c.BackoffMultiplier = 1.0
	return RetryBuilder{cfg: c}
}

// Immediate disables any wait between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	c := r.cfg
	c.Backoff = 0
	c.MaxBackoff = 0
	c.BackoffMultiplier = 0
	return RetryBuilder{cfg: c}
}

// Config returns the worker configuration. Fields other than the retry
// settings are zero.
func (r RetryBuilder) Config() worker.Config {
	return r.cfg
}
