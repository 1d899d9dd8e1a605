package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/geoflow/pkg/api"
)

var (
	// ErrRecordNotFound is returned when a state record does not exist.
	ErrRecordNotFound = errors.New("state record not found")

	// ErrCallbackNotFound is returned when a callback token does not exist.
	ErrCallbackNotFound = errors.New("callback token not found")
)

// IndexKind names the ordering a list query walks.
type IndexKind string

const (
	// IndexPrimary orders a collection group by item ids.
	IndexPrimary IndexKind = "primary"
	// IndexState orders a collection group by "<STATE>_<timestamp>".
	IndexState IndexKind = "state"
	// IndexUpdated orders a collection group by last update time.
	IndexUpdated IndexKind = "updated"
)

// ListQuery selects one page of records of a collection group.
//
// For IndexState and IndexUpdated, Lower and Upper are inclusive bounds on
// the sort value; empty means unbounded. They are ignored for IndexPrimary.
type ListQuery struct {
	Group string
	Index IndexKind
	Lower string
	Upper string
	After *Cursor
	Limit int
}

// CountQuery counts records of a collection group within a sort value range.
// When Limit is positive, backends may stop counting after Limit+1 records.
type CountQuery struct {
	Group string
	Index IndexKind
	Lower string
	Upper string
	Limit int
}

// Page is one page of a list query. Next is nil on the last page.
type Page struct {
	Records []*api.StateRecord
	Next    *Cursor
}

// Transition describes an unconditional state write. Outputs replace the
// stored outputs when non-nil; Error replaces the stored error when non-empty.
type Transition struct {
	State   api.State
	At      time.Time
	Outputs []string
	Error   string
}

// StateStore persists payload state records.
type StateStore interface {
	// Claim moves the record to PROCESSING, creating it when missing. It
	// returns api.ErrAlreadyProcessing, without writing, when the record is
	// already PROCESSING. A claim keeps created_at and the execution history
	// and clears outputs and the last error.
	Claim(ctx context.Context, key api.Key, now time.Time) error
	// Enqueue is Claim for the QUEUED state.
	Enqueue(ctx context.Context, key api.Key, now time.Time) error
	// Transition writes t unconditionally, creating the record when missing.
	Transition(ctx context.Context, key api.Key, t Transition) error
	// AppendExecution appends ref to the execution history.
	AppendExecution(ctx context.Context, key api.Key, ref string) error
	Get(ctx context.Context, key api.Key) (*api.StateRecord, error)
	// GetMany returns the records that exist, in no particular order.
	GetMany(ctx context.Context, keys []api.Key) ([]*api.StateRecord, error)
	Page(ctx context.Context, q ListQuery) (*Page, error)
	// Count returns the number of matching records and whether it exceeds
	// q.Limit. When exceeded, the count is q.Limit.
	Count(ctx context.Context, q CountQuery) (int64, bool, error)
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, key api.Key) error
}

// CallbackStore persists fan-in callback tokens.
type CallbackStore interface {
	// PutCallback creates or overwrites the record for rec.Token. It returns
	// api.ErrCallbackResolved when the stored record already has an
	// expiration.
	PutCallback(ctx context.Context, rec *api.CallbackRecord) error
	// ResolveCallback sets the final state and expiration of an unresolved
	// token. It returns ErrCallbackNotFound or api.ErrCallbackResolved.
	ResolveCallback(ctx context.Context, token string, state api.State, expiresAt time.Time) error
	GetCallback(ctx context.Context, token string) (*api.CallbackRecord, error)
	// QueryCallbacks returns one page of tokens for fp in token order,
	// starting after the token after. The page covers at most limit stored
	// records; with excludeFinal, resolved tokens are filtered out of the
	// page afterwards, so a page may hold fewer tokens. next is empty on the
	// last page.
	QueryCallbacks(ctx context.Context, fp api.Fingerprint, excludeFinal bool, after string, limit int) (tokens []string, next string, err error)
	DeleteCallback(ctx context.Context, token string) error
}

// sortValue returns the value a record is ordered by in idx.
func sortValue(rec *api.StateRecord, idx IndexKind) string {
	switch idx {
	case IndexState:
		return rec.StateUpdated
	case IndexUpdated:
		return api.FormatTimestamp(rec.UpdatedAt)
	default:
		return rec.Key.ItemIDs
	}
}

// withinBounds reports whether v lies in [lower, upper], empty bounds being
// open.
func withinBounds(v, lower, upper string) bool {
	if lower != "" && v < lower {
		return false
	}
	if upper != "" && v > upper {
		return false
	}
	return true
}

// pageCursor builds the cursor continuing after rec.
func pageCursor(q ListQuery, rec *api.StateRecord) *Cursor {
	return &Cursor{
		Group:   q.Group,
		Index:   q.Index,
		Sort:    sortValue(rec, q.Index),
		ItemIDs: rec.Key.ItemIDs,
	}
}

func fetchLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

// DefaultPageSize is used when a list query carries no limit.
const DefaultPageSize = 100
