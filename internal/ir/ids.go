// Package ir implements the pipeline intermediate representation: the
// FunctionCall node type, the Block/Execute scoping model, well-known
// identifier derivation, and a Builder that replaces the source's implicit
// "current block is process-global state" with an explicit, caller-owned
// construction context (spec.md §9, "Block stack as process-global state").
package ir

import (
	"crypto/sha256"

	"github.com/google/uuid"
)

// NodeID uniformly names a FunctionCall or Execute node within a Process.
type NodeID string

// Ref is an explicit forward reference to a node identifier that may not
// have been constructed yet — the only way to express "point at this node"
// without holding its Go value in hand, e.g. when the target was derived
// with WellKnownID.
type Ref NodeID

// Node is implemented by both FunctionCall and Execute: anything that can
// occupy a slot in a Block's body and be the target of a reference.
type Node interface {
	ID() NodeID
	Class() string
}

// newNodeID mints a fresh, time-ordered node identifier using UUIDv7, the
// same id scheme arkeep's db.base.BeforeCreate uses for primary keys.
func newNodeID() NodeID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system entropy source is broken;
		// fall back to a random v4 rather than panicking mid-build.
		id = uuid.New()
	}
	return NodeID(id.String())
}

// WellKnownID deterministically derives a NodeID from an arbitrary string.
// wellKnownID(s) == wellKnownID(s) always — the same string never produces
// two different identifiers, and two different strings practically never
// collide (we pack a SHA-256 digest into the id). This is the only
// sanctioned way to produce a forward reference to a node identifier before
// the node itself has been constructed: callers must not reuse a string for
// two different nodes in the same process.
func WellKnownID(s string) NodeID {
	sum := sha256.Sum256([]byte(s))

	var b [16]byte
	copy(b[:], sum[:16])
	// Tag the bytes as a valid (if synthetic) UUID: version 8 ("custom"),
	// RFC 4122 variant. This keeps the identifier format indistinguishable
	// from a randomly generated node id on the wire.
	b[6] = (b[6] & 0x0f) | 0x80
	b[8] = (b[8] & 0x3f) | 0x80

	id, err := uuid.FromBytes(b[:])
	if err != nil {
		// unreachable: FromBytes only fails on wrong-length input.
		return NodeID(s)
	}
	return NodeID(id.String())
}
