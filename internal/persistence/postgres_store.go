package persistence

import "database/sql"

// Key columns use the "C" collation so that comparisons are bytewise and
// range scans over state timestamps follow lexical order.
var postgresDialect = sqlDialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS payload_states (
			collections_workflow TEXT COLLATE "C" NOT NULL,
			item_ids TEXT COLLATE "C" NOT NULL,
			collections TEXT NOT NULL,
			workflow TEXT NOT NULL,
			state TEXT NOT NULL,
			state_updated TEXT COLLATE "C" NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT COLLATE "C" NOT NULL,
			executions TEXT NOT NULL DEFAULT '[]',
			outputs TEXT,
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (collections_workflow, item_ids)
		)`,
		`CREATE INDEX IF NOT EXISTS payload_states_state_updated
			ON payload_states (collections_workflow, state_updated, item_ids)`,
		`CREATE INDEX IF NOT EXISTS payload_states_updated_at
			ON payload_states (collections_workflow, updated_at, item_ids)`,
		`CREATE TABLE IF NOT EXISTS payload_callbacks (
			token TEXT COLLATE "C" PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			items TEXT NOT NULL DEFAULT '[]',
			workflow_state TEXT NOT NULL,
			expires_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS payload_callbacks_fingerprint
			ON payload_callbacks (fingerprint, token)`,
	},
	appendExecution: `(executions::jsonb || jsonb_build_array(?::text))::text`,
	numbered:        true,
}

// NewPostgresStore initializes the required schema in the given database and
// returns a store backed by it.
//
// It expects an *sql.DB opened with the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect)
}
