package api

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ParsePayload decodes and prepares a payload. Decoding and validation
// failures are returned as *ValidationError.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed JSON", Err: err}
	}
	if err := p.Prepare(); err != nil {
		return nil, err
	}
	return &p, nil
}

// NewPayload assembles and prepares a payload from its parts.
func NewPayload(features []Item, process Process) (*Payload, error) {
	p := &Payload{Type: FeatureCollection, Features: features, Process: process}
	if err := p.Prepare(); err != nil {
		return nil, err
	}
	return p, nil
}

// Prepare validates p, fills in its id when absent and assigns item
// collections from the current stage's upload options. Nothing is modified
// when validation fails.
func (p *Payload) Prepare() error {
	if err := p.Validate(); err != nil {
		return err
	}
	for i := range p.Features {
		if p.Features[i].Links == nil {
			p.Features[i].Links = []Link{}
		}
		if p.Features[i].Properties == nil {
			p.Features[i].Properties = map[string]any{}
		}
	}
	if p.ID == "" {
		p.ID = p.DeriveID()
	}
	return p.AssignCollections()
}

// Validate checks the structural requirements of a payload.
func (p *Payload) Validate() error {
	if p.Type == "" {
		return invalid("type", "missing")
	}
	if p.Type != FeatureCollection {
		return invalid("type", fmt.Sprintf("expected %q, got %q", FeatureCollection, p.Type))
	}
	if len(p.Process.Nodes) == 0 {
		return invalid("process", "missing")
	}
	st := p.Process.Current()
	if st == nil {
		return invalid("process[0]", "current stage must be a single stage, not a fork")
	}
	if st.Workflow == "" {
		return invalid("process.workflow", "missing")
	}
	if strings.Contains(st.Workflow, "/") {
		return invalid("process.workflow", "must not contain '/'")
	}
	if st.UploadOptions == nil {
		return invalid("process.upload_options", "missing")
	}
	if st.Tasks == nil {
		return invalid("process.tasks", "missing")
	}
	if _, err := compileRules(st.UploadOptions.Collections); err != nil {
		return err
	}
	if len(p.Features) == 0 {
		return invalid("features", "at least one item required")
	}
	for i, it := range p.Features {
		if it.ID == "" {
			return invalid(fmt.Sprintf("features[%d].id", i), "missing")
		}
	}
	if p.ID != "" {
		if _, err := p.ID.Key(); err != nil {
			return err
		}
	}
	return nil
}

// CollectionsSegment returns the collections part of the id: the stage
// override when set, otherwise the sorted unique item collections, or "none".
func (p *Payload) CollectionsSegment() string {
	if st := p.Stage(); st != nil && st.Collections != "" {
		return st.Collections
	}
	cols := make([]string, 0, len(p.Features))
	for _, it := range p.Features {
		cols = append(cols, it.Collection)
	}
	return joinCollections(cols)
}

// ItemIDs returns the ids of all items in order.
func (p *Payload) ItemIDs() []string {
	ids := make([]string, 0, len(p.Features))
	for _, it := range p.Features {
		ids = append(ids, it.ID)
	}
	return ids
}

// DeriveID computes the canonical id from the payload contents, ignoring any
// id already set.
func (p *Payload) DeriveID() PayloadID {
	return Key{
		Collections: p.CollectionsSegment(),
		Workflow:    p.Workflow(),
		ItemIDs:     strings.Join(sortedUnique(p.ItemIDs()), "/"),
	}.PayloadID()
}

// Key returns the store key of the prepared payload.
func (p *Payload) Key() (Key, error) {
	if p.ID == "" {
		return Key{}, invalid("id", "payload has no id; call Prepare first")
	}
	return p.ID.Key()
}

// Fingerprint returns the callback fingerprint of the prepared payload.
func (p *Payload) Fingerprint() (Fingerprint, error) {
	k, err := p.Key()
	if err != nil {
		return "", err
	}
	return k.Fingerprint(), nil
}

// CallbackItems lists the items as "collection/id" pairs.
func (p *Payload) CallbackItems() []string {
	out := make([]string, 0, len(p.Features))
	for _, it := range p.Features {
		out = append(out, it.Collection+"/"+it.ID)
	}
	return out
}

// AssignCollections sets item collections from the current stage's upload
// option rules. Every rule is tried in definition order and the last matching
// rule wins. Patterns are anchored at the start of the item id.
func (p *Payload) AssignCollections() error {
	st := p.Stage()
	if st == nil || st.UploadOptions == nil {
		return nil
	}
	rules, err := compileRules(st.UploadOptions.Collections)
	if err != nil {
		return err
	}
	for i := range p.Features {
		for j, re := range rules {
			if re.MatchString(p.Features[i].ID) {
				p.Features[i].Collection = st.UploadOptions.Collections[j].Name
			}
		}
	}
	return nil
}

func compileRules(rules []CollectionRule) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(`^(?:` + r.Pattern + `)`)
		if err != nil {
			return nil, &ValidationError{
				Field:  "process.upload_options.collections." + r.Name,
				Reason: "invalid pattern",
				Err:    err,
			}
		}
		out = append(out, re)
	}
	return out, nil
}
