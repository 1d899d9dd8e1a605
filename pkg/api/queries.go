package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sort"
)

// ItemsByQuery returns the items whose properties equal every value of the
// named item query of the current stage. A property the item lacks compares
// as the empty string.
func (p *Payload) ItemsByQuery(name string) ([]Item, error) {
	st := p.Stage()
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, name)
	}
	query, ok := st.ItemQueries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, name)
	}

	props := make([]string, 0, len(query))
	for k := range query {
		props = append(props, k)
	}
	sort.Strings(props)

	var out []Item
	for _, it := range p.Features {
		if propertiesMatch(it, props, query) {
			out = append(out, it)
		}
	}
	return out, nil
}

// ItemByQuery is ItemsByQuery for queries expected to select at most one
// item. It returns nil when nothing matches.
func (p *Payload) ItemByQuery(name string) (*Item, error) {
	items, err := p.ItemsByQuery(name)
	if err != nil {
		return nil, err
	}
	switch len(items) {
	case 0:
		return nil, nil
	case 1:
		return &items[0], nil
	default:
		return nil, fmt.Errorf("%w: %s matched %d items", ErrAmbiguousQuery, name, len(items))
	}
}

func propertiesMatch(it Item, props []string, query map[string]any) bool {
	for _, k := range props {
		v, ok := it.Properties[k]
		if !ok {
			v = ""
		}
		if !sameValue(v, query[k]) {
			return false
		}
	}
	return true
}

// sameValue compares two decoded JSON values. Numbers compare by value
// whatever their Go type, so a json.Number property matches a float64 query.
func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	if bytes.Equal(ja, jb) {
		return true
	}
	ra, okA := new(big.Rat).SetString(string(ja))
	rb, okB := new(big.Rat).SetString(string(jb))
	return okA && okB && ra.Cmp(rb) == 0
}
