package ir

// The wire discriminator every FunctionCall carries as its "api_class"
// field is NOT fixed, so there is no constant for it — callers supply the concrete
// variant name (e.g. "provider.weather.CurrentConditions"). There is no
// typed-per-variant Go struct: a FunctionCall's Params map is deliberately
// generic, since the api_class is resolved downstream against the site's
// provider/adapter registry (internal/site), not against a Go type.

// FunctionCall is a frozen record describing one dataflow node: a
// discriminator, a stable unique node identifier, an optional provider tag,
// and the two execution flags from spec.md §3.
//
// Fields are immutable after construction — callers that need a modified
// copy should build a new FunctionCall via the Builder.
type FunctionCall struct {
	APIClass     string
	NodeID       NodeID
	Provider     string
	IsOutput     bool
	ForceCompute bool

	// Params holds every other field supplied at construction. Any value
	// that was a *FunctionCall or *Execute reference at construction time
	// has already been normalized to its NodeID (recursively through lists
	// and maps) by the Builder — see normalizeParams.
	Params map[string]any

	// refs is populated by normalizeParams with every NodeID discovered
	// while normalizing Params, regardless of nesting depth. It backs
	// References() without requiring a second walk of Params that would
	// have to guess which plain strings are references.
	refs []NodeID
}

func (f *FunctionCall) ID() NodeID    { return f.NodeID }
func (f *FunctionCall) Class() string { return f.APIClass }

// CacheParams returns the subset of Params relevant to cache fingerprinting:
// spec.md §4.4 excludes node identifier, is_output, and force_compute from
// the hash input, but those three are never stored in Params to begin with
// (they are typed fields), so the full Params map is already the correct
// "collect_local_hash_dict" base the cache package starts from before
// folding in each input adapter's own fingerprint.
func (f *FunctionCall) CacheParams() map[string]any {
	return f.Params
}

// WithProvider returns a shallow copy of f with Provider set to p, leaving
// f itself untouched. Used by the discovery engine when a call arrives
// with no provider set and exactly one configured provider declares its
// api_class (spec.md §4.2): the copy is discovered as if the client had
// supplied that provider, without mutating the frozen original.
func (f *FunctionCall) WithProvider(p string) *FunctionCall {
	cp := *f
	cp.Provider = p
	return &cp
}

// References returns every NodeID this call points at. For a call built
// through the Builder, a value only becomes a reference if the caller
// supplied a *FunctionCall, *Execute, or Ref at construction time —
// normalizeParams records it in refs as it rewrites Params. For a call
// decoded from JSON, linkReferences fills refs instead, treating any string
// in Params that equals a node id of the same process as a reference.
func (f *FunctionCall) References() []NodeID {
	out := make([]NodeID, len(f.refs))
	copy(out, f.refs)
	return out
}
