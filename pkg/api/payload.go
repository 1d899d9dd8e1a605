package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// FeatureCollection is the only accepted payload type marker.
const FeatureCollection = "FeatureCollection"

// Payload is a STAC feature collection plus the process definition that says
// what to do with it.
type Payload struct {
	Type     string
	Features []Item
	Process  Process
	ID       PayloadID

	// Extra keeps unknown top-level keys so they survive a round trip.
	Extra map[string]json.RawMessage
}

type payloadWire struct {
	Type     string    `json:"type"`
	Features []Item    `json:"features"`
	Process  *Process  `json:"process,omitempty"`
	ID       PayloadID `json:"id,omitempty"`
}

var payloadKeys = []string{"type", "features", "process", "id"}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var w payloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	extra, err := extraKeys(data, payloadKeys)
	if err != nil {
		return err
	}
	*p = Payload{Type: w.Type, Features: w.Features, ID: w.ID, Extra: extra}
	if w.Process != nil {
		p.Process = *w.Process
	}
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	w := payloadWire{Type: p.Type, Features: p.Features, ID: p.ID}
	if w.Features == nil {
		w.Features = []Item{}
	}
	if len(p.Process.Nodes) > 0 {
		w.Process = &p.Process
	}
	return marshalWithExtra(w, p.Extra)
}

// Clone returns a deep copy of p.
func (p *Payload) Clone() (*Payload, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("clone payload: %w", err)
	}
	var out Payload
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone payload: %w", err)
	}
	return &out, nil
}

// Stage returns the current stage (slot 0 of the process), or nil.
func (p *Payload) Stage() *Stage {
	return p.Process.Current()
}

// Workflow returns the workflow name of the current stage.
func (p *Payload) Workflow() string {
	if st := p.Stage(); st != nil {
		return st.Workflow
	}
	return ""
}

// Item is a STAC item. Numbers in Properties and Assets decode as
// json.Number so that large integers keep their exact value; members the
// struct does not model are kept in Extra.
type Item struct {
	Type           string
	StacVersion    string
	StacExtensions []string
	ID             string
	Collection     string
	Geometry       json.RawMessage
	BBox           []float64
	Properties     map[string]any
	Assets         map[string]any
	Links          []Link

	Extra map[string]json.RawMessage
}

type itemWire struct {
	Type           string          `json:"type,omitempty"`
	StacVersion    string          `json:"stac_version,omitempty"`
	StacExtensions []string        `json:"stac_extensions,omitempty"`
	ID             string          `json:"id"`
	Collection     string          `json:"collection,omitempty"`
	Geometry       json.RawMessage `json:"geometry,omitempty"`
	BBox           []float64       `json:"bbox,omitempty"`
	Properties     map[string]any  `json:"properties"`
	Assets         map[string]any  `json:"assets,omitempty"`
	Links          []Link          `json:"links"`
}

var itemKeys = []string{
	"type", "stac_version", "stac_extensions", "id", "collection",
	"geometry", "bbox", "properties", "assets", "links",
}

func (it *Item) UnmarshalJSON(data []byte) error {
	var w itemWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	extra, err := extraKeys(data, itemKeys)
	if err != nil {
		return err
	}
	*it = Item{
		Type:           w.Type,
		StacVersion:    w.StacVersion,
		StacExtensions: w.StacExtensions,
		ID:             w.ID,
		Collection:     w.Collection,
		Geometry:       w.Geometry,
		BBox:           w.BBox,
		Properties:     w.Properties,
		Assets:         w.Assets,
		Links:          w.Links,
		Extra:          extra,
	}
	return nil
}

func (it Item) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(itemWire{
		Type:           it.Type,
		StacVersion:    it.StacVersion,
		StacExtensions: it.StacExtensions,
		ID:             it.ID,
		Collection:     it.Collection,
		Geometry:       it.Geometry,
		BBox:           it.BBox,
		Properties:     it.Properties,
		Assets:         it.Assets,
		Links:          it.Links,
	}, it.Extra)
}

// Link is a STAC link object. Members other than rel, href, type and title
// (method, body, headers, ...) are kept in Extra.
type Link struct {
	Rel   string
	Href  string
	Type  string
	Title string

	Extra map[string]json.RawMessage
}

type linkWire struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

var linkKeys = []string{"rel", "href", "type", "title"}

func (l *Link) UnmarshalJSON(data []byte) error {
	var w linkWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	extra, err := extraKeys(data, linkKeys)
	if err != nil {
		return err
	}
	*l = Link{Rel: w.Rel, Href: w.Href, Type: w.Type, Title: w.Title, Extra: extra}
	return nil
}

func (l Link) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(linkWire{Rel: l.Rel, Href: l.Href, Type: l.Type, Title: l.Title}, l.Extra)
}

// SelfHref returns the href of the item's "self" link, if any.
func (it Item) SelfHref() string {
	for _, l := range it.Links {
		if l.Rel == "self" {
			return l.Href
		}
	}
	return ""
}

// Process is the ordered list of pipeline stages. Each node is either a single
// stage or a fork of parallel stages. A process that arrived as a bare stage
// object is written back in that form.
type Process struct {
	Nodes []Node
	list  bool
}

// Node is one slot of a process: a single Stage, or a fork of Branches.
type Node struct {
	Stage    *Stage
	Branches []Stage
}

// IsFork reports whether n holds parallel branches.
func (n Node) IsFork() bool { return n.Stage == nil && n.Branches != nil }

// Step wraps a single stage as a node.
func Step(s Stage) Node { return Node{Stage: &s} }

// Fork builds a node of parallel branches.
func Fork(branches ...Stage) Node { return Node{Branches: branches} }

// SingleStage builds a process holding one stage in the bare-object form.
func SingleStage(s Stage) Process {
	return Process{Nodes: []Node{Step(s)}}
}

// Pipeline builds a process in the list form.
func Pipeline(nodes ...Node) Process {
	return Process{Nodes: nodes, list: true}
}

// IsList reports whether the process uses the list form.
func (p Process) IsList() bool { return p.list }

// Current returns the stage in slot 0, or nil when slot 0 is empty or a fork.
func (p Process) Current() *Stage {
	if len(p.Nodes) == 0 {
		return nil
	}
	return p.Nodes[0].Stage
}

func (p *Process) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = Process{}
		return nil
	}
	if len(data) == 0 || data[0] != '[' {
		var st Stage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		*p = SingleStage(st)
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nodes := make([]Node, 0, len(raw))
	for _, r := range raw {
		r = bytes.TrimSpace(r)
		if len(r) > 0 && r[0] == '[' {
			var branches []Stage
			if err := json.Unmarshal(r, &branches); err != nil {
				return err
			}
			if branches == nil {
				branches = []Stage{}
			}
			nodes = append(nodes, Fork(branches...))
			continue
		}
		var st Stage
		if err := json.Unmarshal(r, &st); err != nil {
			return err
		}
		nodes = append(nodes, Step(st))
	}
	*p = Process{Nodes: nodes, list: true}
	return nil
}

func (p Process) MarshalJSON() ([]byte, error) {
	if !p.list && len(p.Nodes) == 1 && p.Nodes[0].Stage != nil {
		return json.Marshal(p.Nodes[0].Stage)
	}
	out := make([]any, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.Stage != nil {
			out = append(out, n.Stage)
			continue
		}
		branches := n.Branches
		if branches == nil {
			branches = []Stage{}
		}
		out = append(out, branches)
	}
	return json.Marshal(out)
}

// Stage is one pipeline stage.
type Stage struct {
	Workflow      string
	Tasks         map[string]json.RawMessage
	UploadOptions *UploadOptions
	ItemQueries   map[string]map[string]any
	// Collections overrides the collections segment of the payload id.
	Collections string
	ChainFilter string
	Replace     bool

	Extra map[string]json.RawMessage
}

type stageWire struct {
	Workflow      string                    `json:"workflow,omitempty"`
	Tasks         json.RawMessage           `json:"tasks,omitempty"`
	UploadOptions *UploadOptions            `json:"upload_options,omitempty"`
	ItemQueries   map[string]map[string]any `json:"item-queries,omitempty"`
	Collections   string                    `json:"collections,omitempty"`
	ChainFilter   string                    `json:"chain_filter,omitempty"`
	Replace       bool                      `json:"replace,omitempty"`
}

var stageKeys = []string{
	"workflow", "tasks", "upload_options", "item-queries", "collections", "chain_filter", "replace",
	"functions", "output_options", "item_queries",
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var w struct {
		Workflow          string                     `json:"workflow"`
		Tasks             map[string]json.RawMessage `json:"tasks"`
		UploadOptions     *UploadOptions             `json:"upload_options"`
		ItemQueries       map[string]map[string]any  `json:"item-queries"`
		Collections       string                     `json:"collections"`
		ChainFilter       string                     `json:"chain_filter"`
		Replace           bool                       `json:"replace"`
		Functions         map[string]json.RawMessage `json:"functions"`
		OutputOptions     *UploadOptions             `json:"output_options"`
		ItemQueriesLegacy map[string]map[string]any  `json:"item_queries"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	extra, err := extraKeys(data, stageKeys)
	if err != nil {
		return err
	}
	*s = Stage{
		Workflow:      w.Workflow,
		Tasks:         w.Tasks,
		UploadOptions: w.UploadOptions,
		ItemQueries:   w.ItemQueries,
		Collections:   w.Collections,
		ChainFilter:   w.ChainFilter,
		Replace:       w.Replace,
		Extra:         extra,
	}
	if s.Tasks == nil {
		s.Tasks = w.Functions
	}
	if s.UploadOptions == nil {
		s.UploadOptions = w.OutputOptions
	}
	if s.ItemQueries == nil {
		s.ItemQueries = w.ItemQueriesLegacy
	}
	return nil
}

func (s Stage) MarshalJSON() ([]byte, error) {
	w := stageWire{
		Workflow:      s.Workflow,
		UploadOptions: s.UploadOptions,
		ItemQueries:   s.ItemQueries,
		Collections:   s.Collections,
		ChainFilter:   s.ChainFilter,
		Replace:       s.Replace,
	}
	if s.Tasks != nil {
		tasks, err := json.Marshal(s.Tasks)
		if err != nil {
			return nil, err
		}
		w.Tasks = tasks
	}
	return marshalWithExtra(w, s.Extra)
}

// UploadOptions controls where stage outputs are published.
type UploadOptions struct {
	// Collections maps collection names to item-id patterns, in definition
	// order.
	Collections  []CollectionRule
	PathTemplate string
	Headers      map[string]string
	Public       bool

	Extra map[string]json.RawMessage
}

// CollectionRule assigns Name to items whose id matches Pattern.
type CollectionRule struct {
	Name    string
	Pattern string
}

type uploadOptionsWire struct {
	Collections  *orderedmap.OrderedMap[string, string] `json:"collections,omitempty"`
	PathTemplate string                                 `json:"path_template,omitempty"`
	Headers      map[string]string                      `json:"headers,omitempty"`
	Public       bool                                   `json:"public_assets,omitempty"`
}

var uploadOptionsKeys = []string{"collections", "path_template", "headers", "public_assets"}

func (u *UploadOptions) UnmarshalJSON(data []byte) error {
	w := uploadOptionsWire{Collections: orderedmap.New[string, string]()}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	extra, err := extraKeys(data, uploadOptionsKeys)
	if err != nil {
		return err
	}
	*u = UploadOptions{
		PathTemplate: w.PathTemplate,
		Headers:      w.Headers,
		Public:       w.Public,
		Extra:        extra,
	}
	if w.Collections != nil {
		for pair := w.Collections.Oldest(); pair != nil; pair = pair.Next() {
			u.Collections = append(u.Collections, CollectionRule{Name: pair.Key, Pattern: pair.Value})
		}
	}
	return nil
}

func (u UploadOptions) MarshalJSON() ([]byte, error) {
	w := uploadOptionsWire{
		PathTemplate: u.PathTemplate,
		Headers:      u.Headers,
		Public:       u.Public,
	}
	if len(u.Collections) > 0 {
		w.Collections = orderedmap.New[string, string]()
		for _, r := range u.Collections {
			w.Collections.Set(r.Name, r.Pattern)
		}
	}
	return marshalWithExtra(w, u.Extra)
}

// PayloadRef points at an externalised payload.
type PayloadRef struct {
	URL string `json:"url"`
}

// extraKeys returns the members of a JSON object that are not in known.
func extraKeys(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// marshalWithExtra marshals v and merges extra into the resulting object.
// Known keys win over extra.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}
