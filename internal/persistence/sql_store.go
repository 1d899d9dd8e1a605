package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/geoflow/pkg/api"
)

// SQLStore is a StateStore and CallbackStore backed by database/sql. The same
// queries serve SQLite and PostgreSQL; dialect differences are limited to the
// schema, placeholders and the JSON append used for execution history.
//
// The caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// Ensure SQLStore implements the interfaces.
var _ StateStore = (*SQLStore)(nil)

var _ CallbackStore = (*SQLStore)(nil)

type sqlDialect struct {
	name   string
	schema []string
	// appendExecution is the SET expression appending the single bound
	// parameter to the executions JSON array.
	appendExecution string
	numbered        bool
}

func newSQLStore(db *sql.DB, d sqlDialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

const stateColumns = `collections, workflow, item_ids, state, state_updated, created_at, updated_at, executions, outputs, last_error`

const claimQuery = `
	INSERT INTO payload_states (collections_workflow, item_ids, collections, workflow, state, state_updated, created_at, updated_at, executions, outputs, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', NULL, '')
	ON CONFLICT (collections_workflow, item_ids) DO UPDATE SET
		state = excluded.state,
		state_updated = excluded.state_updated,
		updated_at = excluded.updated_at,
		outputs = NULL,
		last_error = ''
	WHERE payload_states.state <> ?`

func (s *SQLStore) Claim(ctx context.Context, key api.Key, now time.Time) error {
	return s.claim(ctx, key, api.StateProcessing, now)
}

func (s *SQLStore) Enqueue(ctx context.Context, key api.Key, now time.Time) error {
	return s.claim(ctx, key, api.StateQueued, now)
}

func (s *SQLStore) claim(ctx context.Context, key api.Key, state api.State, now time.Time) error {
	ts := api.FormatTimestamp(now)
	res, err := s.exec(ctx, claimQuery,
		key.CollectionsWorkflow(),
		key.ItemIDs,
		key.Collections,
		key.Workflow,
		string(state),
		api.StateTimestamp(state, now),
		ts,
		ts,
		string(api.StateProcessing),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrAlreadyProcessing
	}
	return nil
}

const transitionQuery = `
	INSERT INTO payload_states (collections_workflow, item_ids, collections, workflow, state, state_updated, created_at, updated_at, executions, outputs, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?)
	ON CONFLICT (collections_workflow, item_ids) DO UPDATE SET
		state = excluded.state,
		state_updated = excluded.state_updated,
		updated_at = excluded.updated_at,
		outputs = COALESCE(excluded.outputs, payload_states.outputs),
		last_error = CASE WHEN excluded.last_error <> '' THEN excluded.last_error ELSE payload_states.last_error END`

func (s *SQLStore) Transition(ctx context.Context, key api.Key, t Transition) error {
	var outputs sql.NullString
	if t.Outputs != nil {
		data, err := json.Marshal(t.Outputs)
		if err != nil {
			return err
		}
		outputs = sql.NullString{String: string(data), Valid: true}
	}
	ts := api.FormatTimestamp(t.At)
	_, err := s.exec(ctx, transitionQuery,
		key.CollectionsWorkflow(),
		key.ItemIDs,
		key.Collections,
		key.Workflow,
		string(t.State),
		api.StateTimestamp(t.State, t.At),
		ts,
		ts,
		outputs,
		t.Error,
	)
	return err
}

func (s *SQLStore) AppendExecution(ctx context.Context, key api.Key, ref string) error {
	res, err := s.exec(ctx,
		`UPDATE payload_states SET executions = `+s.dialect.appendExecution+`
		WHERE collections_workflow = ? AND item_ids = ?`,
		ref, key.CollectionsWorkflow(), key.ItemIDs,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key api.Key) (*api.StateRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+stateColumns+`
		FROM payload_states
		WHERE collections_workflow = ? AND item_ids = ?`),
		key.CollectionsWorkflow(), key.ItemIDs,
	)
	rec, err := scanStateRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// getManyChunk bounds the number of keys per query.
const getManyChunk = 100

func (s *SQLStore) GetMany(ctx context.Context, keys []api.Key) ([]*api.StateRecord, error) {
	keys = uniqueKeys(keys)
	out := make([]*api.StateRecord, 0, len(keys))
	for start := 0; start < len(keys); start += getManyChunk {
		end := min(start+getManyChunk, len(keys))
		conds := make([]string, 0, end-start)
		args := make([]any, 0, 2*(end-start))
		for _, k := range keys[start:end] {
			conds = append(conds, "(collections_workflow = ? AND item_ids = ?)")
			args = append(args, k.CollectionsWorkflow(), k.ItemIDs)
		}
		recs, err := s.queryRecords(ctx,
			`SELECT `+stateColumns+` FROM payload_states WHERE `+strings.Join(conds, " OR "),
			args...,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// rangeClause renders the WHERE clause shared by Page and Count.
func rangeClause(group string, idx IndexKind, lower, upper string) (string, []any) {
	where := "collections_workflow = ?"
	args := []any{group}
	col := sortColumn(idx)
	if idx != IndexPrimary {
		if lower != "" {
			where += " AND " + col + " >= ?"
			args = append(args, lower)
		}
		if upper != "" {
			where += " AND " + col + " <= ?"
			args = append(args, upper)
		}
	}
	return where, args
}

func sortColumn(idx IndexKind) string {
	switch idx {
	case IndexState:
		return "state_updated"
	case IndexUpdated:
		return "updated_at"
	default:
		return "item_ids"
	}
}

func (s *SQLStore) Page(ctx context.Context, q ListQuery) (*Page, error) {
	where, args := rangeClause(q.Group, q.Index, q.Lower, q.Upper)
	col := sortColumn(q.Index)
	order := col
	if q.After != nil {
		if q.Index == IndexPrimary {
			where += " AND item_ids > ?"
			args = append(args, q.After.ItemIDs)
		} else {
			where += " AND (" + col + " > ? OR (" + col + " = ? AND item_ids > ?))"
			args = append(args, q.After.Sort, q.After.Sort, q.After.ItemIDs)
		}
	}
	if q.Index != IndexPrimary {
		order += ", item_ids"
	}
	limit := fetchLimit(q.Limit)
	args = append(args, limit+1)

	recs, err := s.queryRecords(ctx,
		`SELECT `+stateColumns+` FROM payload_states WHERE `+where+` ORDER BY `+order+` LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	page := &Page{Records: recs}
	if len(recs) > limit {
		page.Records = recs[:limit]
		page.Next = pageCursor(q, recs[limit-1])
	}
	return page, nil
}

func (s *SQLStore) Count(ctx context.Context, q CountQuery) (int64, bool, error) {
	where, args := rangeClause(q.Group, q.Index, q.Lower, q.Upper)
	query := `SELECT COUNT(*) FROM payload_states WHERE ` + where
	if q.Limit > 0 {
		query = `SELECT COUNT(*) FROM (SELECT 1 FROM payload_states WHERE ` + where + ` LIMIT ?) capped`
		args = append(args, q.Limit+1)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, false, err
	}
	return capCount(n, q.Limit)
}

func (s *SQLStore) Delete(ctx context.Context, key api.Key) error {
	_, err := s.exec(ctx,
		`DELETE FROM payload_states WHERE collections_workflow = ? AND item_ids = ?`,
		key.CollectionsWorkflow(), key.ItemIDs,
	)
	return err
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]*api.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.StateRecord
	for rows.Next() {
		rec, err := scanStateRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateRecord(row rowScanner) (*api.StateRecord, error) {
	var (
		rec                  api.StateRecord
		state                string
		createdAt, updatedAt string
		executions           string
		outputs              sql.NullString
	)
	if err := row.Scan(
		&rec.Key.Collections,
		&rec.Key.Workflow,
		&rec.Key.ItemIDs,
		&state,
		&rec.StateUpdated,
		&createdAt,
		&updatedAt,
		&executions,
		&outputs,
		&rec.LastError,
	); err != nil {
		return nil, err
	}
	rec.State = api.State(state)

	var err error
	if rec.CreatedAt, err = api.ParseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = api.ParseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(executions), &rec.Executions); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	if outputs.Valid {
		if err := json.Unmarshal([]byte(outputs.String), &rec.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	return &rec, nil
}

func uniqueKeys(keys []api.Key) []api.Key {
	seen := make(map[api.Key]bool, len(keys))
	out := make([]api.Key, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

const putCallbackQuery = `
	INSERT INTO payload_callbacks (token, fingerprint, items, workflow_state, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (token) DO UPDATE SET
		fingerprint = excluded.fingerprint,
		items = excluded.items,
		workflow_state = excluded.workflow_state,
		expires_at = excluded.expires_at
	WHERE payload_callbacks.expires_at IS NULL`

func (s *SQLStore) PutCallback(ctx context.Context, rec *api.CallbackRecord) error {
	items, err := json.Marshal(nonNil(rec.Items))
	if err != nil {
		return err
	}
	var expires sql.NullInt64
	if rec.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: rec.ExpiresAt.Unix(), Valid: true}
	}
	res, err := s.exec(ctx, putCallbackQuery,
		rec.Token, string(rec.Fingerprint), string(items), string(rec.WorkflowState), expires,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrCallbackResolved
	}
	return nil
}

func (s *SQLStore) ResolveCallback(ctx context.Context, token string, state api.State, expiresAt time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE payload_callbacks SET workflow_state = ?, expires_at = ?
		WHERE token = ? AND expires_at IS NULL`,
		string(state), expiresAt.Unix(), token,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetCallback(ctx, token); err != nil {
		return err
	}
	return api.ErrCallbackResolved
}

func (s *SQLStore) GetCallback(ctx context.Context, token string) (*api.CallbackRecord, error) {
	var (
		rec     api.CallbackRecord
		fp      string
		items   string
		state   string
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT token, fingerprint, items, workflow_state, expires_at
		FROM payload_callbacks WHERE token = ?`), token,
	).Scan(&rec.Token, &fp, &items, &state, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallbackNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Fingerprint = api.Fingerprint(fp)
	rec.WorkflowState = api.State(state)
	if err := json.Unmarshal([]byte(items), &rec.Items); err != nil {
		return nil, fmt.Errorf("decode callback items: %w", err)
	}
	if expires.Valid {
		exp := time.Unix(expires.Int64, 0).UTC()
		rec.ExpiresAt = &exp
	}
	return &rec, nil
}

func (s *SQLStore) QueryCallbacks(ctx context.Context, fp api.Fingerprint, excludeFinal bool, after string, limit int) ([]string, string, error) {
	limit = fetchLimit(limit)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT token, workflow_state FROM payload_callbacks
		WHERE fingerprint = ? AND token > ?
		ORDER BY token
		LIMIT ?`),
		string(fp), after, limit+1,
	)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var (
		tokens []string
		states []api.State
	)
	for rows.Next() {
		var token, state string
		if err := rows.Scan(&token, &state); err != nil {
			return nil, "", err
		}
		tokens = append(tokens, token)
		states = append(states, api.State(state))
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(tokens) > limit {
		tokens, states = tokens[:limit], states[:limit]
		next = tokens[limit-1]
	}
	out := make([]string, 0, len(tokens))
	for i, token := range tokens {
		if excludeFinal && states[i].IsFinal() {
			continue
		}
		out = append(out, token)
	}
	return out, next, nil
}

func (s *SQLStore) DeleteCallback(ctx context.Context, token string) error {
	_, err := s.exec(ctx, `DELETE FROM payload_callbacks WHERE token = ?`, token)
	return err
}

// PurgeExpired deletes callback records whose expiration has passed and
// returns how many were removed. SQL backends have no native TTL, so this is
// meant to run periodically.
func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`DELETE FROM payload_callbacks WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
