package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLQueue is a persistent FIFO task queue backed by database/sql. Tasks are
// stored JSON-encoded and become eligible at their not_before time.
type SQLQueue struct {
	db           *sql.DB
	dialect      queueDialect
	pollInterval time.Duration
}

type queueDialect struct {
	schema  []string
	insert  string
	next    string
	remove  string
	pending string
}

var sqliteQueueDialect = queueDialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS queue_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			task BLOB NOT NULL,
			not_before INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS queue_tasks_due ON queue_tasks (not_before, seq)`,
	},
	insert:  `INSERT INTO queue_tasks (id, task, not_before) VALUES (?, ?, ?)`,
	next:    `SELECT seq, task FROM queue_tasks WHERE not_before <= ? ORDER BY not_before, seq LIMIT 1`,
	remove:  `DELETE FROM queue_tasks WHERE seq = ?`,
	pending: `SELECT COUNT(*) FROM queue_tasks`,
}

// Concurrent consumers skip rows locked by each other.
var postgresQueueDialect = queueDialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS queue_tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			task BYTEA NOT NULL,
			not_before BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS queue_tasks_due ON queue_tasks (not_before, seq)`,
	},
	insert:  `INSERT INTO queue_tasks (id, task, not_before) VALUES ($1, $2, $3)`,
	next:    `SELECT seq, task FROM queue_tasks WHERE not_before <= $1 ORDER BY not_before, seq LIMIT 1 FOR UPDATE SKIP LOCKED`,
	remove:  `DELETE FROM queue_tasks WHERE seq = $1`,
	pending: `SELECT COUNT(*) FROM queue_tasks`,
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, sqliteQueueDialect, 20*time.Millisecond)
}

// NewPostgresQueue initializes the tasks table in the given DB and returns a
// new queue. The DB must use the pgx stdlib driver.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, postgresQueueDialect, 100*time.Millisecond)
}

func newSQLQueue(db *sql.DB, d queueDialect, poll time.Duration) (*SQLQueue, error) {
	q := &SQLQueue{db: db, dialect: d, pollInterval: poll}
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("init queue schema: %w", err)
		}
	}
	return q, nil
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.dialect.insert, t.ID, data, notBefore(t))
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		task, err := q.take(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		// Nothing available: sleep a bit and retry.
		if err := waitTimer(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// take removes the next due task in one transaction. It returns nil when
// none is due.
func (q *SQLQueue) take(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		data []byte
	)
	err = tx.QueryRowContext(ctx, q.dialect.next, time.Now().UnixNano()).Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, q.dialect.remove, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task, err := DecodeTask(data)
	if err != nil {
		return nil, fmt.Errorf("decode task %d: %w", seq, err)
	}
	return task, nil
}

func (q *SQLQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, q.dialect.pending).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
