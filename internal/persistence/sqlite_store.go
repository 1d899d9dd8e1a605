package persistence

import "database/sql"

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS payload_states (
			collections_workflow TEXT NOT NULL,
			item_ids TEXT NOT NULL,
			collections TEXT NOT NULL,
			workflow TEXT NOT NULL,
			state TEXT NOT NULL,
			state_updated TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
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
			token TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			items TEXT NOT NULL DEFAULT '[]',
			workflow_state TEXT NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS payload_callbacks_fingerprint
			ON payload_callbacks (fingerprint, token)`,
	},
	appendExecution: `json_insert(executions, '$[#]', ?)`,
}

// NewSQLiteStore initializes the required schema in the given database and
// returns a store backed by it.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). For ":memory:" databases, limit the pool to one
// connection so every query sees the same database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect)
}
