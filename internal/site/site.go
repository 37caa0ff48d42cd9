// Package site implements the Site/Provider/Adapter registry (spec.md
// §4.2): declarative provider configuration keyed by tag, lazy memoized
// provider instantiation, and adapter pre-instantiation bound to a
// provider, an optional adapter config, and a FunctionCall's params plus
// already-instantiated input adapters.
package site

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/adapter"
	"github.com/dfm-io/dfm/internal/dfmerr"
	"github.com/dfm-io/dfm/internal/ir"
)

// RequestContext is the per-request handle spec.md §4.8 describes as
// "{this_site, home_site, request_id, store_handle}" minus the store
// handle, which callers thread separately since it isn't a site concept.
type RequestContext struct {
	ThisSite  string
	HomeSite  string
	RequestID string
}

// AdapterFactory constructs an Adapter for one FunctionCall, given the
// provider it resolved under, the call's raw params, the already-
// instantiated upstream Runtimes keyed by the declared dependency name the
// adapter itself knows to look for, and the adapter's own config record (nil
// if the provider named a bare implementation class with no per-adapter
// knobs — spec.md §4.2: "either (a) the implementation class name of its
// adapter or (b) an AdapterConfig record").
type AdapterFactory func(reqCtx RequestContext, provider *Provider, params map[string]any, bound map[string]*adapter.Runtime, config map[string]any) (adapter.Adapter, error)

// AdapterEntry is what a Provider maps a FunctionCall discriminator to.
type AdapterEntry struct {
	Factory AdapterFactory
	Config  map[string]any
}

// ProviderSpec is a provider's declarative configuration: its tag and the
// api_class -> AdapterEntry map its interface declares.
type ProviderSpec struct {
	Tag      string
	Adapters map[string]AdapterEntry
}

// Provider is one instantiated, site-scoped singleton (spec.md §3: "one
// instance per (site, provider tag); lifetime = site lifetime").
type Provider struct {
	Tag      string
	adapters map[string]AdapterEntry
}

// ResolveAdapter looks up the AdapterEntry this provider declares for
// apiClass.
func (p *Provider) ResolveAdapter(apiClass string) (AdapterEntry, bool) {
	e, ok := p.adapters[apiClass]
	return e, ok
}

// Site holds every provider's declarative configuration and memoizes each
// provider's instantiation the first time it's needed.
type Site struct {
	name              string
	heartbeatInterval time.Duration

	mu        sync.Mutex
	specs     map[string]ProviderSpec
	instances map[string]*Provider

	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// New returns an empty Site; call Configure to register each provider's
// declarative spec before the site is usable.
func New(name string, heartbeatInterval time.Duration, log *zap.Logger) *Site {
	return &Site{
		name:              name,
		heartbeatInterval: heartbeatInterval,
		specs:             make(map[string]ProviderSpec),
		instances:         make(map[string]*Provider),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "site-provider-construction",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		log: log.Named("site"),
	}
}

// Name returns the site's configured name (its "this_site" value absent an
// authoritative store-published override — spec.md §4.8).
func (s *Site) Name() string { return s.name }

// HeartbeatInterval returns the configured heartbeat cadence.
func (s *Site) HeartbeatInterval() time.Duration { return s.heartbeatInterval }

// Configure registers (or replaces) a provider's declarative spec under its
// tag, without instantiating it.
func (s *Site) Configure(tag string, spec ProviderSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec.Tag = tag
	s.specs[tag] = spec
	delete(s.instances, tag) // a reconfigured provider must be rebuilt
}

// Provider lazily instantiates and memoizes the provider registered under
// tag. Instantiation fails if the tag is unknown (spec.md §4.2).
// Construction runs inside one circuit breaker shared by every tag of this
// site; building a Provider from its registered spec has no failure path of
// its own, so nothing here counts as a breaker failure.
func (s *Site) Provider(tag string) (*Provider, error) {
	s.mu.Lock()
	if p, ok := s.instances[tag]; ok {
		s.mu.Unlock()
		return p, nil
	}
	spec, ok := s.specs[tag]
	s.mu.Unlock()
	if !ok {
		return nil, dfmerr.Data("site: unknown provider tag %q", tag)
	}

	result, err := s.breaker.Execute(func() (any, error) {
		return &Provider{Tag: tag, adapters: spec.Adapters}, nil
	})
	if err != nil {
		return nil, dfmerr.Resource(err, "site: construct provider %q", tag)
	}
	p := result.(*Provider)

	s.mu.Lock()
	s.instances[tag] = p
	s.mu.Unlock()
	return p, nil
}

// ProvidersDeclaring enumerates every configured provider tag whose spec
// declares apiClass, without instantiating any of them — spec.md §4.2:
// "If the call's provider is unset during discovery, the registry
// enumerates every provider whose interface declares the api_class,
// yielding a branching advice over providers."
func (s *Site) ProvidersDeclaring(apiClass string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tags []string
	for tag, spec := range s.specs {
		if _, ok := spec.Adapters[apiClass]; ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// InstantiateAdapter resolves and constructs the Adapter for call: look up
// its provider, resolve the adapter entry for its api_class, then invoke
// the entry's factory with the call's params and bound upstream runtimes
// (spec.md §4.2, steps i-iv). call.Provider must already be set — callers
// handle the unset/discovery case via ProvidersDeclaring before reaching
// here.
func (s *Site) InstantiateAdapter(reqCtx RequestContext, call *ir.FunctionCall, bound map[string]*adapter.Runtime) (adapter.Adapter, error) {
	if call.Provider == "" {
		return nil, dfmerr.Data("node %s: no provider set", call.NodeID)
	}
	provider, err := s.Provider(call.Provider)
	if err != nil {
		return nil, err
	}
	entry, ok := provider.ResolveAdapter(call.APIClass)
	if !ok {
		return nil, dfmerr.MissingImplementation("provider %q has no adapter for %q", call.Provider, call.APIClass).WithNode(string(call.NodeID))
	}
	a, err := entry.Factory(reqCtx, provider, call.Params, bound, entry.Config)
	if err != nil {
		return nil, dfmerr.FromError(err).WithNode(string(call.NodeID))
	}
	return a, nil
}
