package ir

// ExecuteAPIClass is the wire discriminator for an Execute node.
const ExecuteAPIClass = "dfm.api.dfm.Execute"

// Execute is a Block subtype carrying an optional site. Nesting an Execute
// inside a body expresses "schedule this subgraph on another site"
// (spec.md §3). A Process's top-level Execute is itself one, with a nil
// parent block.
type Execute struct {
	NodeID NodeID
	Site   *string
	Body   *Block
}

func (e *Execute) ID() NodeID    { return e.NodeID }
func (e *Execute) Class() string { return ExecuteAPIClass }

// DependencyOrder topologically sorts e's own body, the same way
// Process.DependencyOrder sorts the top-level Execute — used by the
// Execute service when it recurses into a nested Execute scheduled to run
// on the current site (spec.md §4.8).
func (e *Execute) DependencyOrder() ([]Node, error) {
	return topoSort(e.Body)
}
