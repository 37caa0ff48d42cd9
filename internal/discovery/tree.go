package discovery

import (
	"sort"

	"github.com/dfm-io/dfm/internal/ir"
)

// FieldAdvisor is one parameter's annotation: a name, an ordering hint, and
// the function that inspects the in-progress assignment and returns an
// Advice for that field (spec.md §4.5, §9 "enumerate advisors via an
// explicit list on each adapter type ... avoiding reflection").
type FieldAdvisor struct {
	Name  string
	Order int
	Fn    func(ctx Context) Advice
}

// Context is what a FieldAdvisor's Fn is called with: the field values
// already committed along the current path (by value, ancestor edges
// resolved eagerly rather than walked lazily — see buildField) plus the
// user-supplied value for every field, so an advisor can both advise an
// unset field and validate a field the caller already filled in.
type Context struct {
	Assigned map[string]any
	Supplied map[string]any
}

// Get returns the committed value for field along this path, consulting
// the assignment accumulated so far — spec.md §4.5: "each edge remembers
// the partial field assignment along its path and can answer get(field) by
// consulting its source node's incoming edge recursively."
func (c Context) Get(field string) (any, bool) {
	v, ok := c.Assigned[field]
	return v, ok
}

// Edge is one branch out of a FieldNode: either a concrete committed value,
// an error (this path is infeasible), a partial commit (the client must
// submit this value and re-run discovery before learning more), or nothing
// (a constraint with no single value to commit, e.g. an un-split range).
type Edge struct {
	Value    any
	HasValue bool
	Err      string
	IsError  bool
	Partial  bool
	Next     *FieldNode
}

// FieldNode is one field in the advice tree: spec.md §4.5's
// "SingleFieldAdvice" (one edge) or "BranchFieldAdvice" (several).
type FieldNode struct {
	Field string
	Edges []Edge
}

// Tree is the root of one node's advice tree, or nil if the node declared
// no advisors at all.
type Tree = *FieldNode

// Response maps each input pipeline node identifier to its advice tree
// root, or nil when the node has no advisors — spec.md §4.5's
// "DiscoveryResponse mapping each input node identifier to either its
// advice tree root or null."
type Response map[ir.NodeID]Tree

// Advisable is implemented by adapter types that annotate parameters with
// field advisors (spec.md §4.5). The Execute service's discovery traversal
// type-asserts an instantiated Adapter against this interface; an adapter
// that doesn't implement it has no advisors at all, per Build's nil-tree
// return for an empty advisor list.
type Advisable interface {
	Advisors() []FieldAdvisor
}

// orderAdvisors returns advisors in the order spec.md §4.5 describes:
// positive Order ascending, Order == 0 defaulting to "last" in declaration
// order, and negative Order counting backward from the end (-1 is the
// final advisor, -2 second-to-last, ...). Sorting the negative group
// ascending (-2 before -1) and appending it after the zero-order group
// reproduces that "descending from the end" placement without needing to
// know the final slice length up front.
func orderAdvisors(advisors []FieldAdvisor) []FieldAdvisor {
	var pos, zero, neg []FieldAdvisor
	for _, a := range advisors {
		switch {
		case a.Order > 0:
			pos = append(pos, a)
		case a.Order < 0:
			neg = append(neg, a)
		default:
			zero = append(zero, a)
		}
	}
	sort.SliceStable(pos, func(i, j int) bool { return pos[i].Order < pos[j].Order })
	sort.SliceStable(neg, func(i, j int) bool { return neg[i].Order < neg[j].Order })

	out := make([]FieldAdvisor, 0, len(advisors))
	out = append(out, pos...)
	out = append(out, zero...)
	out = append(out, neg...)
	return out
}

// Build runs the field-advisor traversal for one node's advisors against
// the user-supplied params, producing the advice tree (spec.md §4.5). A
// node with no advisors returns (nil, nil) — the caller records a null
// entry in the DiscoveryResponse.
func Build(advisors []FieldAdvisor, supplied map[string]any) (Tree, error) {
	if len(advisors) == 0 {
		return nil, nil
	}
	ordered := orderAdvisors(advisors)
	return buildField(ordered, 0, make(map[string]any), supplied)
}

func buildField(advisors []FieldAdvisor, idx int, assigned map[string]any, supplied map[string]any) (*FieldNode, error) {
	adv := advisors[idx]
	ctx := Context{Assigned: assigned, Supplied: supplied}
	advice := adv.Fn(ctx)

	userVal, hasUser := supplied[adv.Name]

	node := &FieldNode{Field: adv.Name}

	if _, isErr := advice.(ErrorAdvice); isErr {
		node.Edges = []Edge{{IsError: true, Err: advice.(ErrorAdvice).Message}}
		return node, nil
	}

	if hasUser {
		// The caller already supplied a concrete value: validate it rather
		// than enumerate branches (spec.md §4.5, "If the user already
		// supplied a concrete value, the advisor is called for validation").
		edge, err := validateEdge(advice, userVal)
		if err != nil {
			return nil, err
		}
		node.Edges = []Edge{edge}
		if !edge.IsError && !edge.Partial && idx+1 < len(advisors) {
			child, err := buildField(advisors, idx+1, assignWith(assigned, adv.Name, userVal), supplied)
			if err != nil {
				return nil, err
			}
			node.Edges[0].Next = child
		}
		return node, nil
	}

	edges, err := adviseEdges(advice)
	if err != nil {
		return nil, err
	}
	for i := range edges {
		e := &edges[i]
		if e.IsError || e.Partial {
			continue
		}
		if idx+1 >= len(advisors) {
			continue // leaf: None, no further advice
		}
		var next map[string]any
		if e.HasValue {
			next = assignWith(assigned, adv.Name, e.Value)
		} else {
			next = assigned
		}
		child, err := buildField(advisors, idx+1, next, supplied)
		if err != nil {
			return nil, err
		}
		e.Next = child
	}
	node.Edges = edges
	return node, nil
}

func assignWith(assigned map[string]any, field string, value any) map[string]any {
	out := make(map[string]any, len(assigned)+1)
	for k, v := range assigned {
		out[k] = v
	}
	out[field] = value
	return out
}

// validateEdge handles the "user already supplied a value" path: Okay or a
// nil validation error means the edge continues unchanged; any other
// advice kind defers to its own Validate.
func validateEdge(advice Advice, value any) (Edge, error) {
	if _, ok := advice.(Okay); ok {
		return Edge{Value: value, HasValue: true}, nil
	}
	v, ok := advice.(Validator)
	if !ok {
		return Edge{Value: value, HasValue: true}, nil
	}
	if err := v.Validate(value); err != nil {
		return Edge{IsError: true, Err: err.Error()}, nil
	}
	return Edge{Value: value, HasValue: true}, nil
}

// adviseEdges handles the "field is unset, advise it" path: a new node is
// inserted with one edge per branch (spec.md §4.5). OneOf/SubsetOf/
// DateRange/Dict/Literal each decide how many edges they contribute and
// whether those edges are concrete, partial, or bare constraints.
func adviseEdges(advice Advice) ([]Edge, error) {
	switch a := advice.(type) {
	case Literal:
		return []Edge{{Value: a.Value, HasValue: true}}, nil
	case OneOf:
		edges := make([]Edge, len(a.Values))
		for i, v := range a.Values {
			edges[i] = Edge{Value: v, HasValue: true, Partial: a.BreakOnAdvice}
		}
		return edges, nil
	case SubsetOf:
		// No single value to commit to — the field stays unconstrained in
		// the assignment map until the caller submits a concrete subset.
		return []Edge{{}}, nil
	case DateRange:
		return []Edge{{Partial: a.BreakOnAdvice}}, nil
	case Dict:
		return []Edge{{}}, nil
	case Okay:
		return []Edge{{}}, nil
	default:
		return []Edge{{}}, nil
	}
}
