package ir

import (
	"sync"
	"time"

	"github.com/dfm-io/dfm/internal/dfmerr"
)

// Builder replaces the source's implicit process-global "current block"
// with an explicit construction context. A Builder is single-process-scoped
// (one per Process being assembled) and is safe for concurrent use, but
// callers constructing a single pipeline from one goroutine never need the
// locking.
//
// This is the re-architecture spec.md §9 calls for: "keep the process-wide
// stack but make it an explicit, thread-local (or task-local) handle stored
// on the builder context." Nothing about block scoping lives in a package
// global here.
type Builder struct {
	mu                sync.Mutex
	stack             []*Block
	seen              map[NodeID]Node
	allowOutsideBlock bool
}

// NewBuilder returns an empty Builder with nothing on its block stack.
func NewBuilder() *Builder {
	return &Builder{seen: make(map[NodeID]Node)}
}

// AllowOutsideBlock toggles whether NewFunctionCall may run with no block
// on the stack. Off by default: construction fails with "no surrounding
// block" per spec.md §4.1. Tests and advisors that build detached
// FunctionCalls for validation purposes (§4.5, "Okay() used only for
// validating a user-supplied value") turn this on explicitly rather than
// relying on ambient global state.
func (b *Builder) AllowOutsideBlock(allow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowOutsideBlock = allow
}

// Current returns the block on top of the stack, if any.
func (b *Builder) Current() (*Block, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stack) == 0 {
		return nil, false
	}
	return b.stack[len(b.stack)-1], true
}

// NewProcess begins a Process: it allocates the top-level Execute and
// pushes its body block as the current block. Construction of the
// process's nodes happens between NewProcess and Finish.
func (b *Builder) NewProcess(site *string, deadline *time.Time) (*Process, error) {
	b.mu.Lock()
	if len(b.stack) != 0 {
		b.mu.Unlock()
		return nil, dfmerr.Server(nil, "ir: builder already has an active process")
	}
	root := newBlock(nil)
	exec := &Execute{NodeID: newNodeID(), Site: site, Body: root}
	b.stack = append(b.stack, root)
	b.mu.Unlock()

	return &Process{Site: site, Deadline: deadline, Execute: exec}, nil
}

// Finish pops the process's root block. Call it once all nodes have been
// added. Returns an error if the builder's stack is not exactly the root
// block (i.e. a nested Execute was entered but never exited).
func (b *Builder) Finish(p *Process) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stack) != 1 || b.stack[0] != p.Execute.Body {
		return dfmerr.Server(nil, "ir: finish called with unbalanced block stack")
	}
	b.stack = b.stack[:0]
	return nil
}

// EnterExecute constructs a nested Execute node in the current block (the
// "schedule this subgraph on another site" idiom from spec.md §3), adds it
// to the current block's body, and pushes its own body block as the new
// current block.
func (b *Builder) EnterExecute(site *string) (*Execute, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var parent *Block
	if len(b.stack) > 0 {
		parent = b.stack[len(b.stack)-1]
	} else if !b.allowOutsideBlock {
		return nil, dfmerr.Data("ir: no surrounding block")
	}

	exec := &Execute{NodeID: newNodeID(), Site: site, Body: newBlock(parent)}
	if _, exists := b.seen[exec.NodeID]; exists {
		return nil, dfmerr.Server(nil, "ir: duplicate node id %s", exec.NodeID)
	}
	b.seen[exec.NodeID] = exec
	if parent != nil {
		parent.add(exec)
	}
	b.stack = append(b.stack, exec.Body)
	return exec, nil
}

// ExitExecute pops ex's body block. Popping a block that is not on top of
// the stack is a programming error (spec.md §4.1) and returns an error
// rather than silently repairing the stack.
func (b *Builder) ExitExecute(ex *Execute) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stack) == 0 || b.stack[len(b.stack)-1] != ex.Body {
		return dfmerr.Server(nil, "ir: exit execute: block is not on top of the stack")
	}
	b.stack = b.stack[:len(b.stack)-1]
	return nil
}

// Option mutates a FunctionCall at construction time.
type Option func(*FunctionCall)

// WithNodeID pins a specific identifier instead of auto-generating one —
// used together with WellKnownID to construct the node a forward reference
// already pointed at.
func WithNodeID(id NodeID) Option {
	return func(f *FunctionCall) { f.NodeID = id }
}

// WithOutput marks the call as is_output: its yielded values are surfaced
// to the client as Value responses.
func WithOutput() Option {
	return func(f *FunctionCall) { f.IsOutput = true }
}

// WithForceCompute marks the call to ignore any cached stream and always
// recompute (local only — spec.md §9 open question, decided in
// SPEC_FULL.md §13 not to cascade to inputs).
func WithForceCompute() Option {
	return func(f *FunctionCall) { f.ForceCompute = true }
}

// NewFunctionCall constructs a FunctionCall, normalizes params, assigns it
// a node identifier if WithNodeID wasn't supplied, and adds it to the
// current block.
func (b *Builder) NewFunctionCall(apiClass, provider string, params map[string]any, opts ...Option) (*FunctionCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cur *Block
	if len(b.stack) > 0 {
		cur = b.stack[len(b.stack)-1]
	} else if !b.allowOutsideBlock {
		return nil, dfmerr.Data("ir: no surrounding block")
	}

	fc := &FunctionCall{APIClass: apiClass, Provider: provider}
	for _, opt := range opts {
		opt(fc)
	}
	if fc.NodeID == "" {
		fc.NodeID = newNodeID()
	}
	if _, exists := b.seen[fc.NodeID]; exists {
		return nil, dfmerr.Data("ir: duplicate node id %s", fc.NodeID)
	}

	normalized, refs := normalizeParams(params)
	fc.Params = normalized
	fc.refs = refs

	b.seen[fc.NodeID] = fc
	if cur != nil {
		cur.add(fc)
	}
	return fc, nil
}

// normalizeParams rewrites any *FunctionCall, *Execute, or Ref value found
// in params (recursively through maps and slices) to its plain NodeID
// string, and collects every such NodeID into refs — spec.md §4.1's
// "any field whose value is itself a FunctionCall is normalized to that
// call's node identifier; any list of references is normalized
// elementwise", generalized here to arbitrary nesting.
func normalizeParams(params map[string]any) (map[string]any, []NodeID) {
	var refs []NodeID
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v, &refs)
	}
	return out, refs
}

func normalizeValue(v any, refs *[]NodeID) any {
	switch t := v.(type) {
	case *FunctionCall:
		*refs = append(*refs, t.NodeID)
		return string(t.NodeID)
	case *Execute:
		*refs = append(*refs, t.NodeID)
		return string(t.NodeID)
	case Ref:
		*refs = append(*refs, NodeID(t))
		return string(t)
	case NodeID:
		*refs = append(*refs, t)
		return string(t)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = normalizeValue(vv, refs)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = normalizeValue(vv, refs)
		}
		return s
	case []*FunctionCall:
		s := make([]string, len(t))
		for i, vv := range t {
			*refs = append(*refs, vv.NodeID)
			s[i] = string(vv.NodeID)
		}
		return s
	case []Ref:
		s := make([]string, len(t))
		for i, vv := range t {
			*refs = append(*refs, NodeID(vv))
			s[i] = string(vv)
		}
		return s
	default:
		return v
	}
}
