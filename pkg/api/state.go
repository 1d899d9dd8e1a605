package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a payload as tracked by the state store.
type State string

const (
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateInvalid    State = "INVALID"
	StateAborted    State = "ABORTED"
)

// States lists every known state in display order.
var States = []State{
	StateQueued,
	StateProcessing,
	StateCompleted,
	StateFailed,
	StateInvalid,
	StateAborted,
}

// FinalStates are the states after which a payload needs no further work.
var FinalStates = []State{StateCompleted, StateFailed, StateInvalid, StateAborted}

// InProgressStates are the non-final states.
var InProgressStates = []State{StateQueued, StateProcessing}

func (s State) String() string { return string(s) }

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// IsFinal reports whether s is a final state.
func (s State) IsFinal() bool {
	switch s {
	case StateCompleted, StateFailed, StateInvalid, StateAborted:
		return true
	default:
		return false
	}
}

// ParseState parses a state name case-insensitively.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, v)
	}
	return s, nil
}

// TimestampLayout is the fixed-width UTC layout used for every stored
// timestamp, so that lexical order equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// MaxTimestamp sorts after every timestamp produced by FormatTimestamp.
const MaxTimestamp = "9999-12-31T23:59:59.999999Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp.
func ParseTimestamp(v string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

// StateTimestamp builds the composite "<STATE>_<timestamp>" sort value.
func StateTimestamp(s State, t time.Time) string {
	return string(s) + "_" + FormatTimestamp(t)
}

// SplitStateTimestamp is the inverse of StateTimestamp.
func SplitStateTimestamp(v string) (State, time.Time, error) {
	name, ts, ok := strings.Cut(v, "_")
	if !ok {
		return "", time.Time{}, fmt.Errorf("malformed state timestamp %q", v)
	}
	s := State(name)
	if !s.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidState, name)
	}
	t, err := ParseTimestamp(ts)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, t, nil
}

// StateRecord is the persisted lifecycle record of one payload.
type StateRecord struct {
	Key          Key       `json:"-"`
	State        State     `json:"state"`
	StateUpdated string    `json:"state_updated"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Executions   []string  `json:"executions"`
	Outputs      []string  `json:"outputs,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// PayloadID returns the payload id the record belongs to.
func (r *StateRecord) PayloadID() PayloadID {
	return r.Key.PayloadID()
}

// MarshalJSON adds the derived payload id and key fields.
func (r StateRecord) MarshalJSON() ([]byte, error) {
	type plain StateRecord
	executions := r.Executions
	if executions == nil {
		executions = []string{}
	}
	out := struct {
		plain
		PayloadID   PayloadID `json:"payload_id"`
		Collections string    `json:"collections"`
		Workflow    string    `json:"workflow"`
		ItemIDs     string    `json:"item_ids"`
		Executions  []string  `json:"executions"`
	}{
		plain:       plain(r),
		PayloadID:   r.Key.PayloadID(),
		Collections: r.Key.Collections,
		Workflow:    r.Key.Workflow,
		ItemIDs:     r.Key.ItemIDs,
		Executions:  executions,
	}
	return json.Marshal(out)
}
