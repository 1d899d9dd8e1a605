// Package callbacks maintains fan-in callback tokens.
//
// A token is registered against the fingerprint of a payload that some
// external process waits on. When that payload reaches a final state the
// waiting tokens are resolved, once each, and expire after a retention
// period.
package callbacks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/geoflow/internal/persistence"
	"github.com/petrijr/geoflow/pkg/api"
)

const (
	// DefaultTTL is how long a resolved token is retained.
	DefaultTTL = 60 * 24 * time.Hour
	// DefaultMaxPages bounds the pages read by Tokens.
	DefaultMaxPages = 100
	// DefaultPageSize is the number of records read per page.
	DefaultPageSize = 100
)

// Config describes how to construct a Registry.
type Config struct {
	Store    persistence.CallbackStore
	Observer api.Observer
	Logger   *slog.Logger
	TTL      time.Duration
	MaxPages int
	PageSize int
	Now      func() time.Time
}

// Registry is the callback token service.
type Registry struct {
	store    persistence.CallbackStore
	observer api.Observer
	logger   *slog.Logger
	ttl      time.Duration
	maxPages int
	pageSize int
	now      func() time.Time
}

// New creates a Registry from cfg, applying defaults to unset fields.
func New(cfg Config) *Registry {
	r := &Registry{
		store:    cfg.Store,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		ttl:      cfg.TTL,
		maxPages: cfg.MaxPages,
		pageSize: cfg.PageSize,
		now:      cfg.Now,
	}
	if r.observer == nil {
		r.observer = api.NoopObserver{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.maxPages <= 0 {
		r.maxPages = DefaultMaxPages
	}
	if r.pageSize <= 0 {
		r.pageSize = DefaultPageSize
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Create registers token for the payload with fingerprint fp. A token created
// in a final state is resolved immediately. Creating a token that has already
// been resolved fails with api.ErrCallbackResolved.
func (r *Registry) Create(ctx context.Context, token string, fp api.Fingerprint, items []string, state api.State) error {
	if token == "" {
		return fmt.Errorf("%w: empty callback token", api.ErrInvalidInput)
	}
	if !state.Valid() {
		return fmt.Errorf("%w: %q", api.ErrInvalidState, state)
	}
	rec := &api.CallbackRecord{
		Token:         token,
		Fingerprint:   fp,
		Items:         items,
		WorkflowState: state,
	}
	if state.IsFinal() {
		exp := r.now().Add(r.ttl)
		rec.ExpiresAt = &exp
	}
	if err := r.store.PutCallback(ctx, rec); err != nil {
		return fmt.Errorf("create callback %s: %w", token, err)
	}
	return nil
}

// CreateMany registers several tokens against the same payload. Individual
// failures are reported and logged; the batch always runs to the end.
func (r *Registry) CreateMany(ctx context.Context, tokens []string, fp api.Fingerprint, items []string, state api.State) api.BatchReport {
	var report api.BatchReport
	for _, token := range tokens {
		err := r.Create(ctx, token, fp, items, state)
		r.record(ctx, &report, "create", token, err)
	}
	return report
}

func (r *Registry) record(ctx context.Context, report *api.BatchReport, op, token string, err error) {
	switch {
	case err == nil:
		report.Add(token, api.OutcomeOK, nil)
	case errors.Is(err, api.ErrCallbackResolved):
		r.logger.WarnContext(ctx, "callback already resolved",
			slog.String("op", op),
			slog.String("token", token),
		)
		report.Add(token, api.OutcomeConflict, err)
	default:
		r.logger.ErrorContext(ctx, "callback operation failed",
			slog.String("op", op),
			slog.String("token", token),
			slog.Any("error", err),
		)
		report.Add(token, api.OutcomeError, err)
	}
}

// TokenLookup is the result of Tokens.
type TokenLookup struct {
	Tokens []string
	// Truncated is set when the page limit stopped the lookup early.
	Truncated bool
}

// Tokens returns the tokens registered for fp in token order. With
// excludeFinal, resolved tokens are left out.
func (r *Registry) Tokens(ctx context.Context, fp api.Fingerprint, excludeFinal bool) (*TokenLookup, error) {
	out := &TokenLookup{}
	after := ""
	for page := 0; ; page++ {
		if page == r.maxPages {
			r.logger.WarnContext(ctx, "callback token lookup truncated",
				slog.String("fingerprint", string(fp)),
				slog.Int("max_pages", r.maxPages),
			)
			out.Truncated = true
			return out, nil
		}
		tokens, next, err := r.store.QueryCallbacks(ctx, fp, excludeFinal, after, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("query callbacks %s: %w", fp, err)
		}
		out.Tokens = append(out.Tokens, tokens...)
		if next == "" {
			return out, nil
		}
		after = next
	}
}

// Get returns the record of a token.
func (r *Registry) Get(ctx context.Context, token string) (*api.CallbackRecord, error) {
	rec, err := r.store.GetCallback(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get callback %s: %w", token, err)
	}
	return rec, nil
}

// Resolve records the final state of the payload a token waits on. A token
// resolves once; later attempts fail with api.ErrCallbackResolved.
func (r *Registry) Resolve(ctx context.Context, token string, state api.State) error {
	if err := checkFinal(state); err != nil {
		return err
	}
	return r.resolve(ctx, token, state)
}

func (r *Registry) resolve(ctx context.Context, token string, state api.State) error {
	if err := r.store.ResolveCallback(ctx, token, state, r.now().Add(r.ttl)); err != nil {
		return fmt.Errorf("resolve callback %s: %w", token, err)
	}
	r.observer.OnCallbackResolved(ctx, token, state)
	return nil
}

func checkFinal(state api.State) error {
	if !state.IsFinal() {
		return fmt.Errorf("%w: %q is not a final state", api.ErrInvalidState, state)
	}
	return nil
}

// ResolveMany resolves each token. A non-final state is rejected before any
// token is touched; otherwise per-token failures are reported.
func (r *Registry) ResolveMany(ctx context.Context, tokens []string, state api.State) (api.BatchReport, error) {
	var report api.BatchReport
	if err := checkFinal(state); err != nil {
		return report, err
	}
	for _, token := range tokens {
		r.record(ctx, &report, "resolve", token, r.resolve(ctx, token, state))
	}
	return report, nil
}

// ResolveFingerprint resolves every unresolved token registered for fp.
func (r *Registry) ResolveFingerprint(ctx context.Context, fp api.Fingerprint, state api.State) (api.BatchReport, error) {
	if err := checkFinal(state); err != nil {
		return api.BatchReport{}, err
	}
	lookup, err := r.Tokens(ctx, fp, true)
	if err != nil {
		return api.BatchReport{}, err
	}
	return r.ResolveMany(ctx, lookup.Tokens, state)
}

// Delete removes a token regardless of its state.
func (r *Registry) Delete(ctx context.Context, token string) error {
	if err := r.store.DeleteCallback(ctx, token); err != nil {
		return fmt.Errorf("delete callback %s: %w", token, err)
	}
	return nil
}

// expirer is implemented by stores without native expiry.
type expirer interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PurgeExpired removes expired tokens from stores that do not expire them
// on their own. It returns how many were removed.
func (r *Registry) PurgeExpired(ctx context.Context) (int64, error) {
	e, ok := r.store.(expirer)
	if !ok {
		return 0, nil
	}
	n, err := e.PurgeExpired(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired callbacks: %w", err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "purged expired callbacks", slog.Int64("count", n))
	}
	return n, nil
}
