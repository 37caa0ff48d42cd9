package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWellKnownIDDeterministic(t *testing.T) {
	a := WellKnownID("stage-one")
	b := WellKnownID("stage-one")
	require.Equal(t, a, b)

	c := WellKnownID("stage-two")
	require.NotEqual(t, a, c)
}

func TestBuilderRejectsConstructionOutsideBlock(t *testing.T) {
	b := NewBuilder()
	_, err := b.NewFunctionCall("dfm.api.GreetMe", "local", map[string]any{"name": "Test"})
	require.Error(t, err)
}

func TestBuilderAllowOutsideBlock(t *testing.T) {
	b := NewBuilder()
	b.AllowOutsideBlock(true)
	fc, err := b.NewFunctionCall("dfm.api.GreetMe", "local", map[string]any{"name": "Test"})
	require.NoError(t, err)
	require.NotEmpty(t, fc.NodeID)
}

func TestBuilderProcessAndReferenceNormalization(t *testing.T) {
	b := NewBuilder()
	proc, err := b.NewProcess(nil, nil)
	require.NoError(t, err)

	upstream, err := b.NewFunctionCall("dfm.api.GreetMe", "local", map[string]any{"name": "Test"})
	require.NoError(t, err)

	downstream, err := b.NewFunctionCall("dfm.api.Shout", "local", map[string]any{
		"input": upstream,
	}, WithOutput())
	require.NoError(t, err)

	require.NoError(t, b.Finish(proc))

	require.Equal(t, string(upstream.NodeID), downstream.Params["input"])
	require.Equal(t, []NodeID{upstream.NodeID}, downstream.References())

	require.NoError(t, proc.Validate())

	order, err := proc.DependencyOrder()
	require.NoError(t, err)
	require.Len(t, order, 2)
	require.Equal(t, upstream.NodeID, order[0].ID())
	require.Equal(t, downstream.NodeID, order[1].ID())
}

func TestBuilderDuplicateNodeIDRejected(t *testing.T) {
	b := NewBuilder()
	proc, err := b.NewProcess(nil, nil)
	require.NoError(t, err)

	id := WellKnownID("fixed")
	_, err = b.NewFunctionCall("dfm.api.GreetMe", "local", nil, WithNodeID(id))
	require.NoError(t, err)

	_, err = b.NewFunctionCall("dfm.api.GreetMe", "local", nil, WithNodeID(id))
	require.Error(t, err)

	require.NoError(t, b.Finish(proc))
}

func TestBuilderWellKnownForwardReference(t *testing.T) {
	b := NewBuilder()
	proc, err := b.NewProcess(nil, nil)
	require.NoError(t, err)

	target := WellKnownID("greet-node")

	// Reference the node before it exists.
	_, err = b.NewFunctionCall("dfm.api.Shout", "local", map[string]any{
		"input": Ref(target),
	})
	require.NoError(t, err)

	_, err = b.NewFunctionCall("dfm.api.GreetMe", "local", map[string]any{"name": "Test"}, WithNodeID(target))
	require.NoError(t, err)

	require.NoError(t, b.Finish(proc))
	// Validate still succeeds: "Shout" was added before "GreetMe" but both
	// resolve within the same block regardless of construction order.
	require.NoError(t, proc.Validate())
}

func TestExecuteNestingAndSiteScoping(t *testing.T) {
	b := NewBuilder()
	proc, err := b.NewProcess(nil, nil)
	require.NoError(t, err)

	outer, err := b.NewFunctionCall("dfm.api.GreetMe", "local", map[string]any{"name": "Outer"})
	require.NoError(t, err)

	site := "remote-site"
	nested, err := b.EnterExecute(&site)
	require.NoError(t, err)

	// A node inside the nested Execute may reference a node in the
	// enclosing (ancestor) block.
	_, err = b.NewFunctionCall("dfm.api.Shout", "remote", map[string]any{"input": outer})
	require.NoError(t, err)

	require.NoError(t, b.ExitExecute(nested))
	require.NoError(t, b.Finish(proc))
	require.NoError(t, proc.Validate())

	require.Len(t, proc.Execute.Body.Nodes(), 2)
}

func TestExitExecuteRejectsOutOfOrderPop(t *testing.T) {
	b := NewBuilder()
	proc, err := b.NewProcess(nil, nil)
	require.NoError(t, err)

	first, err := b.EnterExecute(nil)
	require.NoError(t, err)
	second, err := b.EnterExecute(nil)
	require.NoError(t, err)

	err = b.ExitExecute(first)
	require.Error(t, err, "popping a block that is not on top must fail")

	require.NoError(t, b.ExitExecute(second))
	require.NoError(t, b.ExitExecute(first))
	require.NoError(t, b.Finish(proc))
}

func TestReferenceOutOfScopeRejected(t *testing.T) {
	b := NewBuilder()
	proc, err := b.NewProcess(nil, nil)
	require.NoError(t, err)

	site := "remote-site"
	nested, err := b.EnterExecute(&site)
	require.NoError(t, err)
	sibling, err := b.NewFunctionCall("dfm.api.GreetMe", "remote", nil)
	require.NoError(t, err)
	require.NoError(t, b.ExitExecute(nested))

	// Referencing a node from a sibling/descendant block that is not an
	// ancestor must fail validation.
	_, err = b.NewFunctionCall("dfm.api.Shout", "local", map[string]any{"input": sibling})
	require.NoError(t, err) // construction itself always succeeds (forward refs allowed)

	require.NoError(t, b.Finish(proc))
	require.Error(t, proc.Validate())
}

func TestCycleDetection(t *testing.T) {
	b := NewBuilder()
	proc, err := b.NewProcess(nil, nil)
	require.NoError(t, err)

	idA := WellKnownID("a")
	idB := WellKnownID("b")

	_, err = b.NewFunctionCall("dfm.api.GreetMe", "local", map[string]any{"other": Ref(idB)}, WithNodeID(idA))
	require.NoError(t, err)
	_, err = b.NewFunctionCall("dfm.api.GreetMe", "local", map[string]any{"other": Ref(idA)}, WithNodeID(idB))
	require.NoError(t, err)

	require.NoError(t, b.Finish(proc))
	err = proc.Validate()
	require.Error(t, err)
}

func TestProcessJSONRoundTrip(t *testing.T) {
	b := NewBuilder()
	proc, err := b.NewProcess(strPtr("localhost"), nil)
	require.NoError(t, err)

	upstream, err := b.NewFunctionCall("dfm.api.GreetMe", "local", map[string]any{"name": "Test"})
	require.NoError(t, err)
	_, err = b.NewFunctionCall("dfm.api.Shout", "local", map[string]any{"input": upstream}, WithOutput())
	require.NoError(t, err)
	require.NoError(t, b.Finish(proc))

	data, err := json.Marshal(proc)
	require.NoError(t, err)

	var decoded Process
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, decoded.Validate())

	order, err := decoded.DependencyOrder()
	require.NoError(t, err)
	require.Len(t, order, 2)

	data2, err := json.Marshal(&decoded)
	require.NoError(t, err)

	var decoded2 Process
	require.NoError(t, json.Unmarshal(data2, &decoded2))
	require.NoError(t, decoded2.Validate())
}

func TestParseDeadlineRequiresZone(t *testing.T) {
	_, err := ParseDeadline("2026-08-01T10:00:00")
	require.Error(t, err)

	ts, err := ParseDeadline("2026-08-01T10:00:00Z")
	require.NoError(t, err)
	require.Equal(t, 2026, ts.Year())

	_, err = ParseDeadline("2026-08-01T10:00:00+02:00")
	require.NoError(t, err)
}

func TestProcessDeadlineRejectedWithoutZoneOnWire(t *testing.T) {
	raw := []byte(`{"api_class":"dfm.api.Process","deadline":"2026-08-01T10:00:00","execute":{"api_class":"dfm.api.dfm.Execute","body":{}}}`)
	var p Process
	err := json.Unmarshal(raw, &p)
	require.Error(t, err)
}

func strPtr(s string) *string { return &s }

var _ = time.Now
