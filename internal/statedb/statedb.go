// Package statedb tracks the processing state of payloads.
//
// A StateDB wraps a persistence.StateStore with payload-id parsing, the
// claim-once protocol, list index selection and observer notifications.
//
// Lists and counts are not snapshots: records written while a scan is in
// progress may be missed or seen twice.
package statedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/petrijr/geoflow/internal/persistence"
	"github.com/petrijr/geoflow/pkg/api"
)

// Config describes how to construct a StateDB.
type Config struct {
	Store    persistence.StateStore
	Observer api.Observer
	Logger   *slog.Logger
	// Now is the clock used for state timestamps. Defaults to time.Now.
	Now func() time.Time
}

// StateDB is the payload state service.
type StateDB struct {
	store    persistence.StateStore
	observer api.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a StateDB from cfg.
func New(cfg Config) *StateDB {
	db := &StateDB{
		store:    cfg.Store,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if db.observer == nil {
		db.observer = api.NoopObserver{}
	}
	if db.logger == nil {
		db.logger = slog.Default()
	}
	if db.now == nil {
		db.now = time.Now
	}
	return db
}

// Claim moves the payload to PROCESSING. Exactly one of several concurrent
// callers succeeds; the others get an error matching
// api.ErrAlreadyProcessing. A payload in any other state, or unknown, can be
// claimed.
func (db *StateDB) Claim(ctx context.Context, id api.PayloadID) error {
	key, err := id.Key()
	if err != nil {
		return err
	}
	err = db.store.Claim(ctx, key, db.now())
	if errors.Is(err, api.ErrAlreadyProcessing) {
		db.observer.OnClaimConflict(ctx, key)
		return fmt.Errorf("claim %s: %w", id, err)
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	db.observer.OnClaimed(ctx, key)
	return nil
}

// Enqueue records the payload as QUEUED unless it is PROCESSING.
func (db *StateDB) Enqueue(ctx context.Context, id api.PayloadID) error {
	key, err := id.Key()
	if err != nil {
		return err
	}
	if err := db.store.Enqueue(ctx, key, db.now()); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	db.observer.OnTransition(ctx, key, api.StateQueued)
	return nil
}

// RecordExecution appends an execution reference to the payload's history.
func (db *StateDB) RecordExecution(ctx context.Context, id api.PayloadID, ref string) error {
	key, err := id.Key()
	if err != nil {
		return err
	}
	if err := db.store.AppendExecution(ctx, key, ref); err != nil {
		return fmt.Errorf("record execution %s: %w", id, err)
	}
	return nil
}

// Complete marks the payload COMPLETED with the given output references.
func (db *StateDB) Complete(ctx context.Context, id api.PayloadID, outputs ...string) error {
	if outputs == nil {
		outputs = []string{}
	}
	return db.transition(ctx, id, persistence.Transition{State: api.StateCompleted, Outputs: outputs})
}

// Fail marks the payload FAILED.
func (db *StateDB) Fail(ctx context.Context, id api.PayloadID, msg string) error {
	return db.transition(ctx, id, persistence.Transition{State: api.StateFailed, Error: msg})
}

// Invalidate marks the payload INVALID.
func (db *StateDB) Invalidate(ctx context.Context, id api.PayloadID, msg string) error {
	return db.transition(ctx, id, persistence.Transition{State: api.StateInvalid, Error: msg})
}

// Abort marks the payload ABORTED.
func (db *StateDB) Abort(ctx context.Context, id api.PayloadID) error {
	return db.transition(ctx, id, persistence.Transition{State: api.StateAborted})
}

// transition writes unconditionally; the last writer wins.
func (db *StateDB) transition(ctx context.Context, id api.PayloadID, t persistence.Transition) error {
	key, err := id.Key()
	if err != nil {
		return err
	}
	t.At = db.now()
	if err := db.store.Transition(ctx, key, t); err != nil {
		return fmt.Errorf("set %s %s: %w", id, t.State, err)
	}
	db.observer.OnTransition(ctx, key, t.State)
	return nil
}

// GetState returns the current state of a payload. ok is false when the
// payload is unknown.
func (db *StateDB) GetState(ctx context.Context, id api.PayloadID) (state api.State, ok bool, err error) {
	rec, err := db.GetRecord(ctx, id)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.State, true, nil
}

// GetStates returns the states of the known payloads among ids.
func (db *StateDB) GetStates(ctx context.Context, ids []api.PayloadID) (map[api.PayloadID]api.State, error) {
	recs, err := db.GetRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[api.PayloadID]api.State, len(recs))
	for _, rec := range recs {
		out[rec.PayloadID()] = rec.State
	}
	return out, nil
}

// GetRecord returns the full record of a payload, or an error matching
// persistence.ErrRecordNotFound.
func (db *StateDB) GetRecord(ctx context.Context, id api.PayloadID) (*api.StateRecord, error) {
	key, err := id.Key()
	if err != nil {
		return nil, err
	}
	rec, err := db.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return rec, nil
}

// GetRecords returns the records of the known payloads among ids, in the
// order of ids.
func (db *StateDB) GetRecords(ctx context.Context, ids []api.PayloadID) ([]*api.StateRecord, error) {
	keys := make([]api.Key, 0, len(ids))
	for _, id := range ids {
		key, err := id.Key()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	recs, err := db.store.GetMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	byKey := make(map[api.Key]*api.StateRecord, len(recs))
	for _, rec := range recs {
		byKey[rec.Key] = rec
	}
	out := make([]*api.StateRecord, 0, len(recs))
	for _, key := range keys {
		if rec, ok := byKey[key]; ok {
			out = append(out, rec)
			delete(byKey, key)
		}
	}
	return out, nil
}

// Delete removes a payload's record.
func (db *StateDB) Delete(ctx context.Context, id api.PayloadID) error {
	key, err := id.Key()
	if err != nil {
		return err
	}
	if err := db.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// ListOptions selects the records of one collection group.
type ListOptions struct {
	// Group is "<collections>_<workflow>".
	Group string
	// State restricts the list to one state.
	State api.State
	// Since restricts the list to records updated within a window such as
	// "7d", "12h" or "30m".
	Since  string
	Limit  int
	Cursor string
}

// Page is one page of a list. NextCursor is empty on the last page.
type Page struct {
	Records    []*api.StateRecord `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type scan struct {
	group        string
	idx          persistence.IndexKind
	lower, upper string
}

// plan chooses the index and bounds for a query.
func (db *StateDB) plan(group string, state api.State, since string) (scan, error) {
	if group == "" {
		return scan{}, fmt.Errorf("%w: collections_workflow is required", api.ErrInvalidInput)
	}
	s := scan{group: group, idx: persistence.IndexPrimary}

	var window time.Duration
	if since != "" {
		d, err := api.ParseSince(since)
		if err != nil {
			return scan{}, err
		}
		window = d
	}
	now := db.now()

	switch {
	case state != "":
		if !state.Valid() {
			return scan{}, fmt.Errorf("%w: %q", api.ErrInvalidState, state)
		}
		s.idx = persistence.IndexState
		if since != "" {
			s.lower = api.StateTimestamp(state, now.Add(-window))
			s.upper = api.StateTimestamp(state, now)
		} else {
			s.lower = string(state) + "_"
			s.upper = string(state) + "_" + api.MaxTimestamp
		}
	case since != "":
		s.idx = persistence.IndexUpdated
		s.lower = api.FormatTimestamp(now.Add(-window))
	}
	return s, nil
}

// List returns one page of records. The index walked depends on the options:
// with a state, records are ordered by the time they entered it; with only a
// window, by last update; otherwise by item ids.
func (db *StateDB) List(ctx context.Context, opts ListOptions) (*Page, error) {
	s, err := db.plan(opts.Group, opts.State, opts.Since)
	if err != nil {
		return nil, err
	}
	after, err := persistence.DecodeCursor(opts.Cursor)
	if err != nil {
		return nil, err
	}
	if err := after.Matches(s.group, s.idx); err != nil {
		return nil, err
	}

	page, err := db.store.Page(ctx, persistence.ListQuery{
		Group: s.group,
		Index: s.idx,
		Lower: s.lower,
		Upper: s.upper,
		After: after,
		Limit: opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.group, err)
	}
	return &Page{Records: page.Records, NextCursor: page.Next.Encode()}, nil
}

// ListAll follows cursors until the list is exhausted or limit records have
// been collected. limit <= 0 means no limit.
func (db *StateDB) ListAll(ctx context.Context, opts ListOptions, limit int) ([]*api.StateRecord, error) {
	var out []*api.StateRecord
	for {
		page, err := db.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if page.NextCursor == "" {
			return out, nil
		}
		opts.Cursor = page.NextCursor
	}
}

// CountOptions selects what Counts counts.
type CountOptions struct {
	Group string
	// State counts a single state; empty counts every state.
	State api.State
	Since string
	// Limit caps each count; zero counts everything.
	Limit int
}

// Count is a possibly capped record count.
type Count struct {
	N    int64
	Over bool
}

// String renders the count, "N+" when the cap was exceeded.
func (c Count) String() string {
	if c.Over {
		return strconv.FormatInt(c.N, 10) + "+"
	}
	return strconv.FormatInt(c.N, 10)
}

// MarshalJSON renders an exact count as a number and a capped one as "N+".
func (c Count) MarshalJSON() ([]byte, error) {
	if c.Over {
		return json.Marshal(c.String())
	}
	return json.Marshal(c.N)
}

// Counts returns record counts per state.
func (db *StateDB) Counts(ctx context.Context, opts CountOptions) (map[api.State]Count, error) {
	states := api.States
	if opts.State != "" {
		states = []api.State{opts.State}
	}
	out := make(map[api.State]Count, len(states))
	for _, state := range states {
		s, err := db.plan(opts.Group, state, opts.Since)
		if err != nil {
			return nil, err
		}
		n, over, err := db.store.Count(ctx, persistence.CountQuery{
			Group: s.group,
			Index: s.idx,
			Lower: s.lower,
			Upper: s.upper,
			Limit: opts.Limit,
		})
		if err != nil {
			return nil, fmt.Errorf("count %s %s: %w", s.group, state, err)
		}
		out[state] = Count{N: n, Over: over}
	}
	db.logger.DebugContext(ctx, "counted payload states",
		slog.String("collections_workflow", opts.Group),
		slog.Int("states", len(out)),
	)
	return out, nil
}
