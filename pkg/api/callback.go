package api

import "time"

// CallbackRecord binds a waiter token to the fingerprint of the payload it is
// waiting for. Once ExpiresAt is set the record carries a final state and no
// longer changes.
type CallbackRecord struct {
	Token         string      `json:"token"`
	Fingerprint   Fingerprint `json:"fingerprint"`
	Items         []string    `json:"items"`
	WorkflowState State       `json:"workflow_state"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
}

// Resolved reports whether the record has been given its final state.
func (r *CallbackRecord) Resolved() bool { return r.ExpiresAt != nil }

// Outcome classifies one element of a batch operation.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeConflict Outcome = "conflict"
	OutcomeError    Outcome = "error"
)

// TokenResult is the outcome of a batch operation for one token.
type TokenResult struct {
	Token   string
	Outcome Outcome
	Err     error
}

// BatchReport collects per-token results of a batch operation. A batch never
// aborts on an individual failure.
type BatchReport struct {
	Results []TokenResult
}

// Add records the result for one token.
func (r *BatchReport) Add(token string, outcome Outcome, err error) {
	r.Results = append(r.Results, TokenResult{Token: token, Outcome: outcome, Err: err})
}

// OK reports whether every token succeeded.
func (r BatchReport) OK() bool {
	return len(r.Failed()) == 0
}

// Succeeded counts the tokens that succeeded.
func (r BatchReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeOK {
			n++
		}
	}
	return n
}

// Failed returns the results that did not succeed.
func (r BatchReport) Failed() []TokenResult {
	var out []TokenResult
	for _, res := range r.Results {
		if res.Outcome != OutcomeOK {
			out = append(out, res)
		}
	}
	return out
}
