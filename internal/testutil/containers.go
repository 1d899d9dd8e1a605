// Package testutil starts shared backing services for integration tests.
//
// Each service is started at most once per test binary and reused by every
// test that asks for it. Tests are skipped when no container provider is
// available.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// startTimeout is generous for CI environments pulling images.
const startTimeout = 3 * time.Minute

type shared struct {
	once sync.Once
	addr string
	err  error
}

// get starts the service on first use and skips t when it could not start.
func (s *shared) get(t *testing.T, name string, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		s.addr, s.err = start(ctx)
	})
	if s.err != nil {
		t.Skipf("%s container unavailable: %v", name, s.err)
	}
	return s.addr
}
