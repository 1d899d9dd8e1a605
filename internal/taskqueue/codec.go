package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedTask is returned when a stored task cannot be decoded.
var ErrMalformedTask = errors.New("malformed task")

// taskRecord is the stored form of a Task. Input is kept as raw JSON so that
// queued payloads stay readable in the backing store.
type taskRecord struct {
	ID         string          `json:"id"`
	Workflow   string          `json:"workflow"`
	PayloadID  string          `json:"payload_id"`
	Input      json.RawMessage `json:"input"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	NotBefore  time.Time       `json:"not_before,omitzero"`
	Attempts   int             `json:"attempts,omitempty"`
}

// EncodeTask serializes t. Its Input must be JSON.
func EncodeTask(t Task) ([]byte, error) {
	if !json.Valid(t.Input) {
		return nil, fmt.Errorf("%w: task %s input is not JSON", ErrMalformedTask, t.ID)
	}
	return json.Marshal(taskRecord{
		ID:         t.ID,
		Workflow:   t.Workflow,
		PayloadID:  t.PayloadID,
		Input:      t.Input,
		EnqueuedAt: t.EnqueuedAt,
		NotBefore:  t.NotBefore,
		Attempts:   t.Attempts,
	})
}

// DecodeTask parses a task written by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var rec taskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTask, err)
	}
	if rec.ID == "" || rec.PayloadID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedTask)
	}
	return &Task{
		ID:         rec.ID,
		Workflow:   rec.Workflow,
		PayloadID:  rec.PayloadID,
		Input:      []byte(rec.Input),
		EnqueuedAt: rec.EnqueuedAt,
		NotBefore:  rec.NotBefore,
		Attempts:   rec.Attempts,
	}, nil
}
