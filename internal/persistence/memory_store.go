package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/geoflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of StateStore and
// CallbackStore backed by maps.
type InMemoryStore struct {
	mu        sync.RWMutex
	records   map[api.Key]*api.StateRecord
	callbacks map[string]*api.CallbackRecord
	now       func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:   make(map[api.Key]*api.StateRecord),
		callbacks: make(map[string]*api.CallbackRecord),
		now:       time.Now,
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ StateStore = (*InMemoryStore)(nil)

var _ CallbackStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) Claim(ctx context.Context, key api.Key, now time.Time) error {
	return s.claim(key, api.StateProcessing, now)
}

func (s *InMemoryStore) Enqueue(ctx context.Context, key api.Key, now time.Time) error {
	return s.claim(key, api.StateQueued, now)
}

func (s *InMemoryStore) claim(key api.Key, state api.State, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if ok && rec.State == api.StateProcessing {
		return api.ErrAlreadyProcessing
	}
	if !ok {
		rec = &api.StateRecord{Key: key, CreatedAt: now.UTC()}
		s.records[key] = rec
	}
	rec.State = state
	rec.StateUpdated = api.StateTimestamp(state, now)
	rec.UpdatedAt = now.UTC()
	rec.Outputs = nil
	rec.LastError = ""
	return nil
}

func (s *InMemoryStore) Transition(ctx context.Context, key api.Key, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &api.StateRecord{Key: key, CreatedAt: t.At.UTC()}
		s.records[key] = rec
	}
	rec.State = t.State
	rec.StateUpdated = api.StateTimestamp(t.State, t.At)
	rec.UpdatedAt = t.At.UTC()
	if t.Outputs != nil {
		rec.Outputs = slices.Clone(t.Outputs)
	}
	if t.Error != "" {
		rec.LastError = t.Error
	}
	return nil
}

func (s *InMemoryStore) AppendExecution(ctx context.Context, key api.Key, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Executions = append(rec.Executions, ref)
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, key api.Key) (*api.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (s *InMemoryStore) GetMany(ctx context.Context, keys []api.Key) ([]*api.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.StateRecord, 0, len(keys))
	seen := make(map[api.Key]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if rec, ok := s.records[k]; ok {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

// matching returns the records of q's group within bounds, sorted by the
// index order.
func (s *InMemoryStore) matching(group string, idx IndexKind, lower, upper string) []*api.StateRecord {
	var out []*api.StateRecord
	for _, rec := range s.records {
		if rec.Key.CollectionsWorkflow() != group {
			continue
		}
		if idx != IndexPrimary && !withinBounds(sortValue(rec, idx), lower, upper) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := sortValue(out[i], idx), sortValue(out[j], idx)
		if si != sj {
			return si < sj
		}
		return out[i].Key.ItemIDs < out[j].Key.ItemIDs
	})
	return out
}

func (s *InMemoryStore) Page(ctx context.Context, q ListQuery) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := fetchLimit(q.Limit)
	page := &Page{}
	for _, rec := range s.matching(q.Group, q.Index, q.Lower, q.Upper) {
		if !q.After.after(sortValue(rec, q.Index), rec.Key.ItemIDs) {
			continue
		}
		if len(page.Records) == limit {
			page.Next = pageCursor(q, page.Records[limit-1])
			break
		}
		page.Records = append(page.Records, copyRecord(rec))
	}
	return page, nil
}

func (s *InMemoryStore) Count(ctx context.Context, q CountQuery) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int64(len(s.matching(q.Group, q.Index, q.Lower, q.Upper)))
	return capCount(n, q.Limit)
}

func (s *InMemoryStore) Delete(ctx context.Context, key api.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *InMemoryStore) PutCallback(ctx context.Context, rec *api.CallbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.liveCallback(rec.Token); existing != nil && existing.Resolved() {
		return api.ErrCallbackResolved
	}
	s.callbacks[rec.Token] = copyCallback(rec)
	return nil
}

func (s *InMemoryStore) ResolveCallback(ctx context.Context, token string, state api.State, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.liveCallback(token)
	if rec == nil {
		return ErrCallbackNotFound
	}
	if rec.Resolved() {
		return api.ErrCallbackResolved
	}
	exp := expiresAt.UTC()
	rec.WorkflowState = state
	rec.ExpiresAt = &exp
	return nil
}

func (s *InMemoryStore) GetCallback(ctx context.Context, token string) (*api.CallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.liveCallback(token)
	if rec == nil {
		return nil, ErrCallbackNotFound
	}
	return copyCallback(rec), nil
}

func (s *InMemoryStore) QueryCallbacks(ctx context.Context, fp api.Fingerprint, excludeFinal bool, after string, limit int) ([]string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []string
	for token := range s.callbacks {
		rec := s.liveCallback(token)
		if rec == nil || rec.Fingerprint != fp || token <= after {
			continue
		}
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	limit = fetchLimit(limit)
	next := ""
	if len(tokens) > limit {
		tokens = tokens[:limit]
		next = tokens[limit-1]
	}
	out := tokens[:0]
	for _, token := range tokens {
		if excludeFinal && s.callbacks[token].WorkflowState.IsFinal() {
			continue
		}
		out = append(out, token)
	}
	return out, next, nil
}

func (s *InMemoryStore) DeleteCallback(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.callbacks, token)
	return nil
}

// liveCallback returns the record for token, dropping it when expired.
// Callers must hold the write lock.
func (s *InMemoryStore) liveCallback(token string) *api.CallbackRecord {
	rec, ok := s.callbacks[token]
	if !ok {
		return nil
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(s.now()) {
		delete(s.callbacks, token)
		return nil
	}
	return rec
}

func copyRecord(rec *api.StateRecord) *api.StateRecord {
	out := *rec
	out.Executions = slices.Clone(rec.Executions)
	out.Outputs = slices.Clone(rec.Outputs)
	return &out
}

func copyCallback(rec *api.CallbackRecord) *api.CallbackRecord {
	out := *rec
	out.Items = slices.Clone(rec.Items)
	if rec.ExpiresAt != nil {
		exp := rec.ExpiresAt.UTC()
		out.ExpiresAt = &exp
	}
	return &out
}

// capCount applies the count limit contract of StateStore.Count.
func capCount(n int64, limit int) (int64, bool, error) {
	if limit > 0 && n > int64(limit) {
		return int64(limit), true, nil
	}
	return n, false, nil
}
