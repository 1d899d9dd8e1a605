package persistence

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/petrijr/geoflow/pkg/api"
)

// Cursor marks the position after the last record of a page.
type Cursor struct {
	Group   string    `json:"g"`
	Index   IndexKind `json:"i"`
	Sort    string    `json:"s,omitempty"`
	ItemIDs string    `json:"k"`
}

// Encode renders the cursor as an opaque URL-safe token.
func (c *Cursor) Encode() string {
	if c == nil {
		return ""
	}
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token produced by Encode. An empty token yields a nil
// cursor.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidCursor, err)
	}
	switch c.Index {
	case IndexPrimary, IndexState, IndexUpdated:
	default:
		return nil, fmt.Errorf("%w: unknown index %q", api.ErrInvalidCursor, c.Index)
	}
	return &c, nil
}

// Matches checks that the cursor was produced by a query of the same shape.
func (c *Cursor) Matches(group string, idx IndexKind) error {
	if c == nil {
		return nil
	}
	if c.Group != group || c.Index != idx {
		return fmt.Errorf("%w: cursor belongs to %s/%s, query is %s/%s",
			api.ErrInvalidCursor, c.Group, c.Index, group, idx)
	}
	return nil
}

// after reports whether a record with the given sort value and item ids comes
// strictly after the cursor position.
func (c *Cursor) after(sort, itemIDs string) bool {
	if c == nil {
		return true
	}
	if c.Index == IndexPrimary {
		return itemIDs > c.ItemIDs
	}
	if sort != c.Sort {
		return sort > c.Sort
	}
	return itemIDs > c.ItemIDs
}
