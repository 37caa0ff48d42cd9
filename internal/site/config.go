package site

import (
	"encoding/json"
	"time"

	"github.com/dfm-io/dfm/internal/cache"
	"github.com/dfm-io/dfm/internal/dfmerr"
	"github.com/dfm-io/dfm/internal/registry"
)

// Providers is the polymorphic registry resolving a provider_class
// discriminator to a ProviderBuilder factory (spec.md §4.2: "ProviderConfig
// is a polymorphic record keyed on provider_class ... the discriminator
// resolves to both a configuration record type and an implementation class
// via a fixed naming scheme"). Each provider package registers its
// provider_class from an init() function, the same one-registry-per-
// tagged-union-kind convention internal/registry's doc comment describes.
var Providers = registry.New("provider_class")

// ProviderBuilder is implemented by every concrete ProviderConfig variant.
// UnmarshalJSON (via registry.New + json.Unmarshal) fills in the variant's
// own fields; BuildProviderSpec then resolves those fields, closing over
// whatever shared infrastructure (a cache.Store, a provider-specific client)
// bctx supplies, into the ProviderSpec this site configures the tag with.
type ProviderBuilder interface {
	BuildProviderSpec(tag string, bctx BuildContext) (ProviderSpec, error)
}

// BuildContext carries the shared infrastructure a ProviderBuilder may need
// to close its adapter factories over — today just the cache substrate,
// since that's the only cross-cutting dependency spec.md's adapters share.
type BuildContext struct {
	CacheStore *cache.Store
}

// Config is the declarative site configuration spec.md §4.2 describes:
// "{site, providers: {tag: ProviderConfig}, heartbeat_interval, resources?}".
// Resources is carried through as an opaque map: nothing in this core reads
// it (spec.md scopes actual resource accounting to collaborators), but it
// round-trips so a config file written by an operator isn't silently
// dropped.
type Config struct {
	Site              string                     `json:"site"`
	HeartbeatInterval time.Duration              `json:"-"`
	Providers         map[string]json.RawMessage `json:"providers"`
	Resources         map[string]any             `json:"resources,omitempty"`

	heartbeatSeconds float64
}

type wireConfig struct {
	Site              string                     `json:"site"`
	HeartbeatInterval float64                    `json:"heartbeat_interval"`
	Providers         map[string]json.RawMessage `json:"providers"`
	Resources         map[string]any             `json:"resources,omitempty"`
}

// LoadConfig parses a declarative site configuration document (the
// SITE_CONFIG file spec.md §6 names).
func LoadConfig(data []byte) (*Config, error) {
	var w wireConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, dfmerr.Data("site: parse config: %v", err)
	}
	if w.Site == "" {
		return nil, dfmerr.Data("site: config missing \"site\"")
	}
	return &Config{
		Site:              w.Site,
		HeartbeatInterval: time.Duration(w.HeartbeatInterval * float64(time.Second)),
		Providers:         w.Providers,
		Resources:         w.Resources,
	}, nil
}

// providerClassPeek reads just the discriminator field every ProviderConfig
// variant's JSON carries, before the registry resolves the concrete type.
type providerClassPeek struct {
	ProviderClass string `json:"provider_class"`
}

// Apply instantiates every provider this config declares (resolving each
// one's provider_class through Providers) and registers the resulting
// ProviderSpec on s under its tag. A provider_class unknown to the registry
// fails the whole Apply — an operator's config naming a provider this
// binary was not built with is a configuration error, not a runtime one to
// swallow per-provider.
func (c *Config) Apply(s *Site, bctx BuildContext) error {
	for tag, raw := range c.Providers {
		var peek providerClassPeek
		if err := json.Unmarshal(raw, &peek); err != nil {
			return dfmerr.Data("site: provider %q: %v", tag, err)
		}
		if peek.ProviderClass == "" {
			return dfmerr.Data("site: provider %q: missing provider_class", tag)
		}

		inst, err := Providers.New(peek.ProviderClass)
		if err != nil {
			return dfmerr.Data("site: provider %q: %v", tag, err)
		}
		if err := json.Unmarshal(raw, inst); err != nil {
			return dfmerr.Data("site: provider %q: decode %s config: %v", tag, peek.ProviderClass, err)
		}
		builder, ok := inst.(ProviderBuilder)
		if !ok {
			return dfmerr.Server(nil, "site: provider_class %q does not implement ProviderBuilder", peek.ProviderClass)
		}

		spec, err := builder.BuildProviderSpec(tag, bctx)
		if err != nil {
			return dfmerr.Data("site: provider %q: build: %v", tag, err)
		}
		s.Configure(tag, spec)
	}
	return nil
}
