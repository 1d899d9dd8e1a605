// Package backend opens the stores, task queue and blob store selected by
// configuration.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/geoflow/internal/blobstore"
	"github.com/petrijr/geoflow/internal/config"
	"github.com/petrijr/geoflow/internal/persistence"
	"github.com/petrijr/geoflow/internal/taskqueue"
)

// sqliteBusyTimeout is how long a SQLite writer waits for another process
// holding the write lock.
const sqliteBusyTimeout = 5 * time.Second

// connectTimeout bounds the initial connection check of remote backends.
const connectTimeout = 10 * time.Second

// Store is a state store that also keeps callback tokens. Every backend
// implements both in one place.
type Store interface {
	persistence.StateStore
	persistence.CallbackStore
}

// Backend holds the opened storage of one process.
type Backend struct {
	Kind  string
	Store Store
	Queue taskqueue.Queue
	Blobs blobstore.Store

	closers []func(context.Context) error
}

// Open connects to the backend named by cfg.Backend and prepares its schema
// or indexes.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	b := &Backend{Kind: cfg.Backend.Kind}
	if err := b.openStore(ctx, cfg); err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend.Kind, err)
	}
	if cfg.Payloads.BlobDir != "" {
		fs, err := blobstore.NewFileStore(cfg.Payloads.BlobDir)
		if err != nil {
			_ = b.Close(ctx)
			return nil, err
		}
		b.Blobs = fs
	} else {
		b.Blobs = blobstore.NewMemoryStore()
	}
	return b, nil
}

func (b *Backend) openStore(ctx context.Context, cfg *config.Config) error {
	bc := cfg.Backend
	switch bc.Kind {
	case config.BackendMemory:
		b.Store = persistence.NewInMemoryStore()
		b.Queue = taskqueue.NewInMemoryQueue(cfg.Worker.QueueCapacity)
		return nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(bc.DSN))
		if err != nil {
			return err
		}
		// One connection per process; busy_timeout covers other processes
		// writing the same file.
		db.SetMaxOpenConns(1)
		b.onClose(func(context.Context) error { return db.Close() })
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		queue, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return err
		}
		b.Store, b.Queue = store, queue
		return nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", bc.DSN)
		if err != nil {
			return err
		}
		b.onClose(func(context.Context) error { return db.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return err
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			return err
		}
		queue, err := taskqueue.NewPostgresQueue(db)
		if err != nil {
			return err
		}
		b.Store, b.Queue = store, queue
		return nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: bc.Addr, Password: bc.Password})
		b.onClose(func(context.Context) error { return client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return err
		}
		b.Store = persistence.NewRedisStore(client, bc.Prefix)
		b.Queue = taskqueue.NewRedisQueue(client, bc.Prefix)
		return nil

	case config.BackendMongo:
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := mongo.Connect(connCtx, options.Client().ApplyURI(bc.DSN))
		if err != nil {
			return err
		}
		b.onClose(client.Disconnect)
		if err := client.Ping(connCtx, nil); err != nil {
			return err
		}
		store := persistence.NewMongoStore(client, bc.Database)
		if err := store.EnsureIndexes(connCtx); err != nil {
			return err
		}
		queue := taskqueue.NewMongoQueue(client, bc.Database, "")
		if err := queue.EnsureIndexes(connCtx); err != nil {
			return err
		}
		b.Store, b.Queue = store, queue
		return nil

	default:
		return fmt.Errorf("unknown backend kind %q", bc.Kind)
	}
}

func (b *Backend) onClose(fn func(context.Context) error) {
	b.closers = append(b.closers, fn)
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i](ctx))
	}
	b.closers = nil
	return errors.Join(errs...)
}

// sqliteDSN adds a busy_timeout pragma to dsn unless it sets one.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", dsn, sep, sqliteBusyTimeout.Milliseconds())
}
