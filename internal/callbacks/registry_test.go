package callbacks

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/geoflow/internal/persistence"
	"github.com/petrijr/geoflow/pkg/api"
)

var fp = api.Key{Collections: "landsat-c2l2", Workflow: "mosaic", ItemIDs: "LC09_001"}.Fingerprint()

var items = []string{"landsat-c2l2/LC09_001"}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *api.BasicMetrics) {
	t.Helper()
	metrics := &api.BasicMetrics{}
	if cfg.Store == nil {
		cfg.Store = persistence.NewInMemoryStore()
	}
	cfg.Observer = metrics
	return New(cfg), metrics
}

func TestCreateAndResolve(t *testing.T) {
	r, metrics := newTestRegistry(t, Config{})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "tok-1", fp, items, api.StateProcessing))

	rec, err := r.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.False(t, rec.Resolved())
	require.Equal(t, items, rec.Items)

	require.NoError(t, r.Resolve(ctx, "tok-1", api.StateCompleted))
	rec, err = r.Get(ctx, "tok-1")
	require.NoError(t, err)
	require.True(t, rec.Resolved())
	require.Equal(t, api.StateCompleted, rec.WorkflowState)
	require.WithinDuration(t, time.Now().Add(DefaultTTL), *rec.ExpiresAt, time.Minute)

	err = r.Resolve(ctx, "tok-1", api.StateFailed)
	require.ErrorIs(t, err, api.ErrCallbackResolved)

	err = r.Create(ctx, "tok-1", fp, items, api.StateProcessing)
	require.ErrorIs(t, err, api.ErrCallbackResolved)

	require.Equal(t, int64(1), metrics.Snapshot().CallbacksResolved)
}

func TestCreateInFinalStateResolvesImmediately(t *testing.T) {
	r, _ := newTestRegistry(t, Config{TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "tok", fp, items, api.StateFailed))
	rec, err := r.Get(ctx, "tok")
	require.NoError(t, err)
	require.True(t, rec.Resolved())
	require.WithinDuration(t, time.Now().Add(time.Hour), *rec.ExpiresAt, time.Minute)
}

func TestCreateRejectsBadInput(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	require.ErrorIs(t, r.Create(ctx, "", fp, items, api.StateQueued), api.ErrInvalidInput)
	require.ErrorIs(t, r.Create(ctx, "tok", fp, items, "RUNNING"), api.ErrInvalidState)
}

func TestResolveRejectsNonFinalState(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "tok", fp, items, api.StateQueued))

	require.ErrorIs(t, r.Resolve(ctx, "tok", api.StateProcessing), api.ErrInvalidState)

	_, err := r.ResolveMany(ctx, []string{"tok"}, api.StateQueued)
	require.ErrorIs(t, err, api.ErrInvalidState)

	rec, err := r.Get(ctx, "tok")
	require.NoError(t, err)
	require.False(t, rec.Resolved(), "nothing is written for a rejected state")
}

func TestResolveUnknownToken(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	err := r.Resolve(context.Background(), "nope", api.StateCompleted)
	require.ErrorIs(t, err, persistence.ErrCallbackNotFound)
}

func TestCreateManyReportsPerToken(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "done", fp, items, api.StateCompleted))

	report := r.CreateMany(ctx, []string{"a", "done", "b"}, fp, items, api.StateProcessing)
	require.Len(t, report.Results, 3)
	require.Equal(t, 2, report.Succeeded())
	require.False(t, report.OK())

	failed := report.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, "done", failed[0].Token)
	require.Equal(t, api.OutcomeConflict, failed[0].Outcome)
}

func TestResolveManyReportsPerToken(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()
	r.CreateMany(ctx, []string{"a", "b"}, fp, items, api.StateProcessing)
	require.NoError(t, r.Resolve(ctx, "b", api.StateCompleted))

	report, err := r.ResolveMany(ctx, []string{"a", "b", "missing"}, api.StateAborted)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	require.Equal(t, api.TokenResult{Token: "a", Outcome: api.OutcomeOK}, report.Results[0])
	require.Equal(t, api.OutcomeConflict, report.Results[1].Outcome)
	require.Equal(t, api.OutcomeError, report.Results[2].Outcome)
	require.ErrorIs(t, report.Results[2].Err, persistence.ErrCallbackNotFound)
}

func TestTokensExcludesResolved(t *testing.T) {
	r, _ := newTestRegistry(t, Config{PageSize: 2})
	ctx := context.Background()
	r.CreateMany(ctx, []string{"t1", "t2", "t3", "t4", "t5"}, fp, items, api.StateProcessing)
	require.NoError(t, r.Resolve(ctx, "t3", api.StateCompleted))

	lookup, err := r.Tokens(ctx, fp, false)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t3", "t4", "t5"}, lookup.Tokens)
	require.False(t, lookup.Truncated)

	lookup, err = r.Tokens(ctx, fp, true)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t4", "t5"}, lookup.Tokens)
}

func TestTokensTruncatedAtMaxPages(t *testing.T) {
	r, _ := newTestRegistry(t, Config{PageSize: 2, MaxPages: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Create(ctx, fmt.Sprintf("t%d", i), fp, items, api.StateProcessing))
	}

	lookup, err := r.Tokens(ctx, fp, false)
	require.NoError(t, err)
	require.True(t, lookup.Truncated)
	require.Equal(t, []string{"t0", "t1", "t2", "t3"}, lookup.Tokens)
}

func TestResolveFingerprint(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()
	other := api.Key{Collections: "sentinel-2", Workflow: "mosaic", ItemIDs: "S2A"}.Fingerprint()

	r.CreateMany(ctx, []string{"a", "b"}, fp, items, api.StateProcessing)
	require.NoError(t, r.Create(ctx, "c", other, nil, api.StateProcessing))
	require.NoError(t, r.Resolve(ctx, "b", api.StateFailed))

	report, err := r.ResolveFingerprint(ctx, fp, api.StateCompleted)
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded())
	require.True(t, report.OK())

	rec, err := r.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, api.StateCompleted, rec.WorkflowState)

	rec, err = r.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, api.StateFailed, rec.WorkflowState, "resolved tokens keep their first state")

	rec, err = r.Get(ctx, "c")
	require.NoError(t, err)
	require.False(t, rec.Resolved())
}

func TestPurgeExpiredOnSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := persistence.NewSQLiteStore(db)
	require.NoError(t, err)

	now := time.Now()
	r, _ := newTestRegistry(t, Config{Store: store, TTL: time.Hour, Now: func() time.Time { return now }})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "old", fp, items, api.StateCompleted))
	require.NoError(t, r.Create(ctx, "open", fp, items, api.StateProcessing))

	n, err := r.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = r.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	lookup, err := r.Tokens(ctx, fp, false)
	require.NoError(t, err)
	require.Equal(t, []string{"open"}, lookup.Tokens)
}

func TestPurgeExpiredWithoutSupport(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	n, err := r.PurgeExpired(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
