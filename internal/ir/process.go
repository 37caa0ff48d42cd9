package ir

import (
	"strings"
	"time"

	"github.com/dfm-io/dfm/internal/dfmerr"
)

// ProcessAPIClass is the wire discriminator for a Process document.
const ProcessAPIClass = "dfm.api.Process"

// Process is a frozen record wrapping a top-level Execute block, an
// optional target site, and an optional deadline.
type Process struct {
	Site     *string
	Deadline *time.Time
	Execute  *Execute
}

// ParseDeadline parses an RFC3339 timestamp that MUST carry an explicit
// zone offset (including "Z"). spec.md §3 requires this: "a timestamp WITH
// explicit zone; absence of zone is an error". time.Time values in Go always
// carry a location once parsed, so the zone check has to happen against the
// literal wire string, not the parsed value — this rejects inputs like
// "2026-07-31T10:00:00" (no offset) that time.RFC3339 parsing would
// otherwise silently accept as local time in some layouts.
func ParseDeadline(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, dfmerr.Data("deadline: empty timestamp")
	}
	if !hasExplicitZone(s) {
		return time.Time{}, dfmerr.Data("deadline %q: missing explicit timezone offset", s)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, dfmerr.Data("deadline %q: %v", s, err)
	}
	return t, nil
}

// hasExplicitZone reports whether s ends with a 'Z' or a "+hh:mm"/"-hh:mm"
// offset, as RFC3339 requires for a zone-qualified timestamp.
func hasExplicitZone(s string) bool {
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		return true
	}
	if len(s) < 6 {
		return false
	}
	tail := s[len(s)-6:]
	if tail[0] != '+' && tail[0] != '-' {
		return false
	}
	return tail[3] == ':'
}

// DependencyOrder returns the nodes of the process's top-level body (a
// nested Execute appears there as one node), in an order where each node appears
// after every node it references (spec.md §9: "the graph is required
// acyclic; enforce during compilation by topological sort, rejecting
// cycles with a DataError"). It does not descend into a nested Execute's
// body as part of the parent's ordering — callers compile each Execute's
// body independently once they decide whether it runs locally or is
// relayed (spec.md §4.8).
func (p *Process) DependencyOrder() ([]Node, error) {
	return topoSort(p.Execute.Body)
}

// Validate checks process-wide invariants: every FunctionCall reference
// resolves to a node in scope (same block or an ancestor), and the
// reference graph is acyclic.
func (p *Process) Validate() error {
	if err := validateScopes(p.Execute.Body); err != nil {
		return err
	}
	_, err := topoSort(p.Execute.Body)
	return err
}

// validateScopes walks every block recursively, checking that each
// FunctionCall's references resolve within its own block's visible scope,
// and recursing into nested Execute bodies.
func validateScopes(blk *Block) error {
	for _, n := range blk.Nodes() {
		switch v := n.(type) {
		case *FunctionCall:
			for _, ref := range v.References() {
				if _, ok := blk.visible(ref); !ok {
					return dfmerr.Data("node %s: reference %s does not resolve in scope", v.NodeID, ref)
				}
			}
		case *Execute:
			if err := validateScopes(v.Body); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort performs a DFS-based topological sort over blk's nodes using
// each FunctionCall's References() as incoming edges (an edge A->B means A
// depends on B and B must be ordered first). It rejects cycles as a
// DataError per spec.md §9.
func topoSort(blk *Block) ([]Node, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[NodeID]int)
	order := make([]Node, 0, len(blk.order))

	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return dfmerr.Data("cycle detected at node %s", id)
		}
		state[id] = visiting

		n, ok := blk.visible(id)
		if !ok {
			return dfmerr.Data("reference %s does not resolve", id)
		}
		if fc, ok := n.(*FunctionCall); ok {
			for _, dep := range fc.References() {
				// Only order against dependencies within the same block;
				// an ancestor's node is already ordered before this block
				// runs at all.
				if _, local := blk.entries[dep]; local {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		state[id] = done
		if local, ok := blk.entries[id]; ok {
			order = append(order, local)
		}
		return nil
	}

	for _, id := range blk.order {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}
