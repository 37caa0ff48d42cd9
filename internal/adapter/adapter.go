// Package adapter implements the Adapter/operator model (spec.md §4.3): the
// Adapter interface every node implementation satisfies, the Nullary/Unary/
// BinaryZip operator subtypes that unfold upstream pulls into a linear
// output sequence, and the Runtime that implements the
// get_or_create_stream() contract tying an adapter to the cache substrate.
package adapter

import (
	"context"

	"github.com/dfm-io/dfm/internal/discovery"
	"github.com/dfm-io/dfm/internal/ir"
	"github.com/dfm-io/dfm/internal/response"
)

// Adapter is the executor of one FunctionCall. Concrete domain adapters
// (weather providers and the like) are out of this core's scope — spec.md
// §1 enumerates them as interfaces only — but the framework here is
// exercised end-to-end by internal/builtin's demonstration adapters.
type Adapter interface {
	// NodeID identifies the FunctionCall this adapter executes.
	NodeID() ir.NodeID
	// StreamBody is the asynchronous producer: it calls emit for each
	// value it yields and returns when exhausted (nil) or on failure.
	StreamBody(ctx context.Context, emit func(v any) bool) error
	// PrepareToSend converts a yielded value into a Response body.
	PrepareToSend(v any) response.Body
	// CollectLocalHashDict returns the parameter subset contributing to
	// this adapter's cache fingerprint (node id, is_output and
	// force_compute are never included — FunctionCall.Params already
	// excludes them, see ir.FunctionCall.CacheParams).
	CollectLocalHashDict() map[string]any
}

// Base supplies the common bookkeeping every concrete adapter needs:
// its node id, its cache-relevant params, and the default
// wrap-as-Value PrepareToSend (spec.md §4.3: "default wraps as a Value
// response"). Concrete adapters embed Base and implement StreamBody.
type Base struct {
	ID     ir.NodeID
	Params map[string]any
}

// Advisable re-exports discovery.Advisable so callers that only import
// adapter (not discovery directly) can still name the interface.
type Advisable = discovery.Advisable

func (b *Base) NodeID() ir.NodeID { return b.ID }

func (b *Base) PrepareToSend(v any) response.Body { return response.Value{Data: v} }

func (b *Base) CollectLocalHashDict() map[string]any { return b.Params }
