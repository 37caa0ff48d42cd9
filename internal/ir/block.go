package ir

// Block is an ordered mapping from node identifier to the Node (FunctionCall
// or nested Execute) occupying that slot. Order is preserved so that
// dependency-order iteration (spec.md §4.8, "for each node in dependency
// order") has a deterministic tie-break for nodes with no relative
// ordering constraint between them.
//
// parent is the block lexically enclosing this one: nil for the block
// forming a Process's top-level Execute, otherwise the block that contains
// the Execute node this block is the body of. parent is exactly the
// "ancestor" chain spec.md §4.1 requires reference resolution to respect.
type Block struct {
	parent  *Block
	order   []NodeID
	entries map[NodeID]Node
}

func newBlock(parent *Block) *Block {
	return &Block{parent: parent, entries: make(map[NodeID]Node)}
}

// add appends n to the block body. Callers (the Builder) are responsible
// for uniqueness checks across the whole process before calling add.
func (b *Block) add(n Node) {
	b.order = append(b.order, n.ID())
	b.entries[n.ID()] = n
}

// Nodes returns the block's body in construction order.
func (b *Block) Nodes() []Node {
	out := make([]Node, len(b.order))
	for i, id := range b.order {
		out[i] = b.entries[id]
	}
	return out
}

// Get returns the node with the given id directly in this block (not its
// ancestors), and whether it was found.
func (b *Block) Get(id NodeID) (Node, bool) {
	n, ok := b.entries[id]
	return n, ok
}

// Parent returns the enclosing block, or nil at the root.
func (b *Block) Parent() *Block { return b.parent }

// visible reports whether id names a node reachable from this block's
// scope: this block or any ancestor. It does not look inside sibling or
// descendant blocks, matching spec.md §4.1's "same enclosing block or an
// ancestor" rule.
func (b *Block) visible(id NodeID) (Node, bool) {
	for blk := b; blk != nil; blk = blk.parent {
		if n, ok := blk.entries[id]; ok {
			return n, true
		}
	}
	return nil, false
}
