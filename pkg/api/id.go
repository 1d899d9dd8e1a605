package api

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// PayloadID identifies a payload: "<collections>/workflow-<name>/<item-ids>".
type PayloadID string

const workflowMarker = "/workflow-"

// NoCollections stands in for the collections segment when no item carries a
// collection.
const NoCollections = "none"

func (id PayloadID) String() string { return string(id) }

// DerivePayloadID builds the canonical id from unordered inputs. Collections
// and item ids are sorted and de-duplicated, so permutations of the same
// inputs produce the same id.
func DerivePayloadID(collections []string, workflow string, itemIDs []string) PayloadID {
	return Key{
		Collections: joinCollections(collections),
		Workflow:    workflow,
		ItemIDs:     strings.Join(sortedUnique(itemIDs), "/"),
	}.PayloadID()
}

func joinCollections(collections []string) string {
	cols := sortedUnique(collections)
	if len(cols) == 0 {
		return NoCollections
	}
	return strings.Join(cols, "/")
}

func sortedUnique(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Key splits the id into its store key. The split happens at the first
// "/workflow-" marker; the workflow name ends at the next "/".
func (id PayloadID) Key() (Key, error) {
	s := string(id)
	i := strings.Index(s, workflowMarker)
	if i < 0 {
		return Key{}, invalid("id", "missing /workflow- segment in "+s)
	}
	rest := s[i+len(workflowMarker):]
	j := strings.IndexByte(rest, '/')
	if j <= 0 || j == len(rest)-1 {
		return Key{}, invalid("id", "expected <collections>/workflow-<name>/<item-ids>, got "+s)
	}
	return Key{Collections: s[:i], Workflow: rest[:j], ItemIDs: rest[j+1:]}, nil
}

// Key is the store key of a payload.
type Key struct {
	Collections string
	Workflow    string
	ItemIDs     string
}

// PayloadID reassembles the id. For every valid id, id.Key() followed by
// PayloadID() returns the original string.
func (k Key) PayloadID() PayloadID {
	return PayloadID(k.Collections + workflowMarker + k.Workflow + "/" + k.ItemIDs)
}

// CollectionsWorkflow is the partition value "<collections>_<workflow>" that
// groups records for listing and counting.
func (k Key) CollectionsWorkflow() string {
	return k.Collections + "_" + k.Workflow
}

// Fingerprint is a fixed-size surrogate of a PayloadID used to index callback
// tokens.
type Fingerprint string

// Fingerprint returns "<workflow>_<sha256(collections)>_<sha256(item-ids)>".
func (k Key) Fingerprint() Fingerprint {
	return Fingerprint(k.Workflow + "_" + sha256Hex(k.Collections) + "_" + sha256Hex(k.ItemIDs))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
