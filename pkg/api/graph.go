package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// NextPayloads computes the successor payloads of p once its current stage
// has completed. A single-stage process, or a list with one node, has no
// successors. When slot 1 is a single stage there is one successor; when it
// is a fork there is one successor per branch.
//
// Each successor is an independent deep copy with the id cleared and the
// first node removed. Slot 0 holds the branch stage. A branch that declares a
// chain filter keeps only the items matching it, and may end up with none.
// NextPayloads never touches a store.
func (p *Payload) NextPayloads() ([]*Payload, error) {
	if !p.Process.IsList() || len(p.Process.Nodes) <= 1 {
		return nil, nil
	}
	next := p.Process.Nodes[1]
	branches := 1
	if next.Stage == nil {
		branches = len(next.Branches)
	}

	out := make([]*Payload, 0, branches)
	for i := 0; i < branches; i++ {
		succ, err := p.Clone()
		if err != nil {
			return nil, err
		}
		succ.ID = ""
		nodes := succ.Process.Nodes[1:]
		if nodes[0].Stage == nil {
			branch := nodes[0].Branches[i]
			nodes[0] = Node{Stage: &branch}
		}
		succ.Process = Process{Nodes: nodes, list: true}

		if filter := nodes[0].Stage.ChainFilter; filter != "" {
			kept, err := FilterItems(succ.Features, filter)
			if err != nil {
				return nil, err
			}
			succ.Features = kept
		}
		out = append(out, succ)
	}
	return out, nil
}

// FilterItems returns the items matching a JSONPath filter expression such as
// `@.properties.platform == "sentinel-2b"`. The expression is evaluated as
// `$[?(<expr>)]` against each item on its own.
func FilterItems(items []Item, expr string) ([]Item, error) {
	eval, err := jsonpath.New("$[?(" + expr + ")]")
	if err != nil {
		return nil, &ValidationError{Field: "process.chain_filter", Reason: "invalid filter expression", Err: err}
	}
	kept := make([]Item, 0, len(items))
	for _, it := range items {
		doc, err := genericItem(it)
		if err != nil {
			return nil, err
		}
		res, err := eval(context.Background(), []any{doc})
		if err != nil {
			return nil, &ValidationError{Field: "process.chain_filter", Reason: "filter evaluation failed", Err: err}
		}
		if matched, ok := res.([]any); ok && len(matched) > 0 {
			kept = append(kept, it)
		}
	}
	return kept, nil
}

func genericItem(it Item) (any, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("encode item %s: %w", it.ID, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", it.ID, err)
	}
	return doc, nil
}
