package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextPayloads_SingleStageHasNone(t *testing.T) {
	p, err := NewPayload([]Item{testItem("a", "x")}, SingleStage(testStage("A")))
	require.NoError(t, err)

	next, err := p.NextPayloads()
	require.NoError(t, err)
	require.Empty(t, next)
}

func TestNextPayloads_ListOfOneHasNone(t *testing.T) {
	p, err := NewPayload([]Item{testItem("a", "x")}, Pipeline(Step(testStage("A"))))
	require.NoError(t, err)

	next, err := p.NextPayloads()
	require.NoError(t, err)
	require.Empty(t, next)
}

func TestNextPayloads_Linear(t *testing.T) {
	p, err := NewPayload([]Item{testItem("a", "x")}, Pipeline(
		Step(testStage("A")), Step(testStage("B")), Step(testStage("C")), Step(testStage("D")),
	))
	require.NoError(t, err)

	next, err := p.NextPayloads()
	require.NoError(t, err)
	require.Len(t, next, 1)

	succ := next[0]
	require.Empty(t, succ.ID)
	require.Len(t, succ.Process.Nodes, 3)
	require.Equal(t, "B", succ.Workflow())

	require.NoError(t, succ.Prepare())
	require.Equal(t, PayloadID("x/workflow-B/a"), succ.ID)

	// the source payload is untouched
	require.Equal(t, "A", p.Workflow())
	require.Len(t, p.Process.Nodes, 4)
}

func TestNextPayloads_Fork(t *testing.T) {
	p, err := NewPayload([]Item{testItem("a", "x"), testItem("b", "x")}, Pipeline(
		Step(testStage("A")),
		Fork(testStage("B1"), testStage("B2")),
		Step(testStage("C")),
	))
	require.NoError(t, err)

	next, err := p.NextPayloads()
	require.NoError(t, err)
	require.Len(t, next, 2)

	for i, wf := range []string{"B1", "B2"} {
		succ := next[i]
		require.Len(t, succ.Process.Nodes, 2)
		require.Equal(t, wf, succ.Workflow())
		require.Equal(t, "C", succ.Process.Nodes[1].Stage.Workflow)
		require.Len(t, succ.Features, 2)
		require.NoError(t, succ.Prepare())
		require.Equal(t, PayloadID("x/workflow-"+wf+"/a/b"), succ.ID)
	}

	// successors are independent copies
	next[0].Features[0].Properties["touched"] = true
	require.NotContains(t, next[1].Features[0].Properties, "touched")
	require.NotContains(t, p.Features[0].Properties, "touched")
}

func TestNextPayloads_Deterministic(t *testing.T) {
	p, err := NewPayload([]Item{testItem("a", "x")}, Pipeline(
		Step(testStage("A")), Fork(testStage("B1"), testStage("B2")),
	))
	require.NoError(t, err)

	first, err := p.NextPayloads()
	require.NoError(t, err)
	second, err := p.NextPayloads()
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.JSONEq(t, string(a), string(b))
}

func TestNextPayloads_ChainFilter(t *testing.T) {
	s2a := testItem("s2a", "x")
	s2a.Properties = map[string]any{"platform": "sentinel-2a", "cloud_cover": 10}
	s2b := testItem("s2b", "x")
	s2b.Properties = map[string]any{"platform": "sentinel-2b", "cloud_cover": 80}

	onlyB := testStage("B")
	onlyB.ChainFilter = `@.properties.platform == "sentinel-2b"`
	clear := testStage("C")
	clear.ChainFilter = `@.properties.cloud_cover < 50`

	p, err := NewPayload([]Item{s2a, s2b}, Pipeline(Step(testStage("A")), Fork(onlyB, clear, testStage("D"))))
	require.NoError(t, err)

	next, err := p.NextPayloads()
	require.NoError(t, err)
	require.Len(t, next, 3)

	require.Len(t, next[0].Features, 1)
	require.Equal(t, "s2b", next[0].Features[0].ID)
	require.Len(t, next[1].Features, 1)
	require.Equal(t, "s2a", next[1].Features[0].ID)
	require.Len(t, next[2].Features, 2)
}

func TestFilterItems_InvalidExpression(t *testing.T) {
	_, err := FilterItems([]Item{testItem("a", "x")}, `@.properties.platform ==`)
	require.Error(t, err)
	require.True(t, IsValidationError(err))
}

func TestProcessJSON_ForkForm(t *testing.T) {
	raw := `[
		{"workflow": "A", "tasks": {}, "upload_options": {}},
		[{"workflow": "B1", "tasks": {}, "upload_options": {}}, {"workflow": "B2", "tasks": {}, "upload_options": {}}],
		{"workflow": "C", "tasks": {}, "upload_options": {}}
	]`
	var proc Process
	require.NoError(t, json.Unmarshal([]byte(raw), &proc))
	require.True(t, proc.IsList())
	require.Len(t, proc.Nodes, 3)
	require.True(t, proc.Nodes[1].IsFork())
	require.Len(t, proc.Nodes[1].Branches, 2)

	out, err := json.Marshal(proc)
	require.NoError(t, err)
	var generic []any
	require.NoError(t, json.Unmarshal(out, &generic))
	require.Len(t, generic, 3)
	_, isList := generic[1].([]any)
	require.True(t, isList)
}

func TestItemQueries(t *testing.T) {
	st := testStage("wf")
	st.ItemQueries = map[string]map[string]any{
		"l2a":     {"processing:level": "L2A"},
		"missing": {"platform": ""},
	}
	a := testItem("a", "x")
	a.Properties = map[string]any{"processing:level": "L2A", "platform": "s2"}
	b := testItem("b", "x")
	b.Properties = map[string]any{"processing:level": "L1C"}

	p, err := NewPayload([]Item{a, b}, SingleStage(st))
	require.NoError(t, err)

	it, err := p.ItemByQuery("l2a")
	require.NoError(t, err)
	require.Equal(t, "a", it.ID)

	items, err := p.ItemsByQuery("missing")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "b", items[0].ID)

	_, err = p.ItemsByQuery("nope")
	require.ErrorIs(t, err, ErrQueryNotFound)
}

func TestNextPayloads_KeepsItemMembersAndExactNumbers(t *testing.T) {
	raw := `{
		"type": "FeatureCollection",
		"features": [{
			"type": "Feature",
			"id": "S2B_T33UUP",
			"collection": "sentinel-2-l2a",
			"sci:doi": "10.5270/S2_-742ikth",
			"license": "proprietary",
			"properties": {"orbit_id": 12345678901234567, "cloud_cover": 12.5},
			"links": [{"rel": "self", "href": "https://example.com/a", "method": "POST", "body": {"x": 1}}]
		}],
		"process": [
			{"workflow": "A", "tasks": {}, "item-queries": {"orbit": {"orbit_id": 12345678901234567}}},
			{"workflow": "B", "tasks": {}}
		]
	}`
	p, err := ParsePayload([]byte(raw))
	require.NoError(t, err)

	it, err := p.ItemByQuery("orbit")
	require.NoError(t, err)
	require.Equal(t, "S2B_T33UUP", it.ID)

	next, err := p.NextPayloads()
	require.NoError(t, err)
	require.Len(t, next, 1)

	out, err := json.Marshal(next[0])
	require.NoError(t, err)
	require.Contains(t, string(out), `"orbit_id":12345678901234567`)
	require.Contains(t, string(out), `"cloud_cover":12.5`)

	var doc struct {
		Features []map[string]json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Len(t, doc.Features, 1)
	require.JSONEq(t, `"10.5270/S2_-742ikth"`, string(doc.Features[0]["sci:doi"]))
	require.JSONEq(t, `"proprietary"`, string(doc.Features[0]["license"]))

	var links []map[string]any
	require.NoError(t, json.Unmarshal(doc.Features[0]["links"], &links))
	require.Len(t, links, 1)
	require.Equal(t, "POST", links[0]["method"])
	require.Equal(t, map[string]any{"x": 1.0}, links[0]["body"])
}
