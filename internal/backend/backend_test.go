package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/geoflow/internal/blobstore"
	"github.com/petrijr/geoflow/internal/config"
	"github.com/petrijr/geoflow/internal/persistence"
	"github.com/petrijr/geoflow/internal/taskqueue"
	"github.com/petrijr/geoflow/internal/testutil"
	"github.com/petrijr/geoflow/pkg/api"
)

func testConfig(kind string) *config.Config {
	return &config.Config{
		Backend:  config.Backend{Kind: kind, Prefix: "geoflow:backend-test:", Database: "geoflow_backend_test"},
		Payloads: config.Payloads{InlineLimit: 30000},
		Worker:   config.Worker{QueueCapacity: 8},
	}
}

// exercise writes a record, reads it back and round-trips a task.
func exercise(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	key := api.Key{Collections: "sentinel-2", Workflow: "backend-" + b.Kind, ItemIDs: time.Now().Format("150405.000000")}

	require.NoError(t, b.Store.Claim(ctx, key, time.Now()))
	rec, err := b.Store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, api.StateProcessing, rec.State)

	require.NoError(t, b.Queue.Enqueue(ctx, taskqueue.Task{ID: "t1", PayloadID: string(key.PayloadID())}))
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := b.Queue.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, "t1", task.ID)

	url, err := b.Blobs.Put(ctx, "check.json", []byte(`{}`))
	require.NoError(t, err)
	data, err := b.Blobs.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, `{}`, string(data))
}

func TestOpenMemory(t *testing.T) {
	b, err := Open(context.Background(), testConfig(config.BackendMemory))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	require.IsType(t, &persistence.InMemoryStore{}, b.Store)
	require.IsType(t, &blobstore.MemoryStore{}, b.Blobs)
	exercise(t, b)
}

func TestOpenSQLiteWithBlobDir(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(config.BackendSQLite)
	cfg.Backend.DSN = filepath.Join(dir, "geoflow.db")
	cfg.Payloads.BlobDir = filepath.Join(dir, "blobs")

	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &blobstore.FileStore{}, b.Blobs)
	exercise(t, b)
	require.NoError(t, b.Close(context.Background()))

	// State survives reopening the file.
	b, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	page, err := b.Store.Page(context.Background(), persistence.ListQuery{
		Group: "sentinel-2_backend-sqlite",
		Index: persistence.IndexPrimary,
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
}

func TestSQLiteDSN(t *testing.T) {
	for _, c := range []struct{ in, want string }{
		{"geoflow.db", "geoflow.db?_pragma=busy_timeout(5000)"},
		{"file:geoflow.db?_pragma=journal_mode(WAL)", "file:geoflow.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"},
		{"file:geoflow.db?_pragma=busy_timeout(100)", "file:geoflow.db?_pragma=busy_timeout(100)"},
	} {
		if got := sqliteDSN(c.in); got != c.want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// Two backends on one file stand in for the submit and worker processes.
func TestOpenSQLiteConcurrentClaimsAcrossPools(t *testing.T) {
	cfg := testConfig(config.BackendSQLite)
	cfg.Backend.DSN = "file:" + filepath.Join(t.TempDir(), "geoflow.db") + "?_pragma=journal_mode(WAL)"

	var backends []*Backend
	for i := 0; i < 2; i++ {
		b, err := Open(context.Background(), cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close(context.Background()) })
		backends = append(backends, b)
	}

	for round := 0; round < 5; round++ {
		key := api.Key{Collections: "sentinel-2", Workflow: "claims", ItemIDs: fmt.Sprintf("S2A_%02d", round)}
		const callers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(store Store) {
				defer wg.Done()
				err := store.Claim(context.Background(), key, time.Now())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, api.ErrAlreadyProcessing):
					conflicts++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}(backends[i%2].Store)
		}
		wg.Wait()

		if wins != 1 || conflicts != callers-1 {
			t.Fatalf("round %d: expected 1 win and %d conflicts, got %d and %d", round, callers-1, wins, conflicts)
		}
	}
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), testConfig("cassandra"))
	require.ErrorContains(t, err, `unknown backend kind "cassandra"`)
}

func TestOpenPostgres(t *testing.T) {
	cfg := testConfig(config.BackendPostgres)
	cfg.Backend.DSN = testutil.GetPostgresDSN(t)
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	exercise(t, b)
}

func TestOpenRedis(t *testing.T) {
	cfg := testConfig(config.BackendRedis)
	cfg.Backend.Addr = testutil.GetRedisAddress(t)
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	exercise(t, b)
}

func TestOpenMongo(t *testing.T) {
	cfg := testConfig(config.BackendMongo)
	cfg.Backend.DSN = testutil.GetMongoURI(t)
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	exercise(t, b)
}
