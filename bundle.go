package geoflow

import (
	"database/sql"
	"log/slog"

	"github.com/petrijr/geoflow/internal/blobstore"
	"github.com/petrijr/geoflow/internal/persistence"
	"github.com/petrijr/geoflow/internal/taskqueue"
	"github.com/petrijr/geoflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	*services

	Worker *worker.Worker
}

// BundleConfig configures NewSQLiteBundle.
type BundleConfig struct {
	// BlobDir keeps externalised payloads on disk. Required for payloads
	// above the inline limit to survive a restart.
	BlobDir  string
	Observer Observer
	Logger   *slog.Logger
	Worker   WorkerConfig
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Payload state, callback tokens and queued tasks
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:geoflow.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
//	bundle, err := geoflow.NewSQLiteBundle(db, handler, geoflow.BundleConfig{BlobDir: "blobs"})
//	id, err := bundle.Submit(ctx, payload)
//	err = bundle.Worker.Run(ctx)
func NewSQLiteBundle(db *sql.DB, handler Handler, cfg BundleConfig) (*WorkerBundle, error) {
	db.SetMaxOpenConns(1)
	st, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	var blobs blobstore.Store = blobstore.NewMemoryStore()
	if cfg.BlobDir != "" {
		if blobs, err = blobstore.NewFileStore(cfg.BlobDir); err != nil {
			return nil, err
		}
	}

	svc, err := newServices(st, q, blobs, cfg.Observer, cfg.Logger)
	if err != nil {
		return nil, err
	}
	wcfg := cfg.Worker
	wcfg.Logger = svc.logger
	return &WorkerBundle{
		services: svc,
		Worker:   worker.NewWithConfig(svc.Engine, q, handler, wcfg),
	}, nil
}
