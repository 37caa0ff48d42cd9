// Package builtin implements a small, self-contained provider used by the
// DFM core's own tests and by a fresh deployment's default site config: a
// handful of demonstration adapters exercising every seam the runtime
// provides (a cacheable nullary producer, a unary transform bound to an
// upstream by a declared param name, and a field-advisor-annotated adapter
// for discovery). Spec.md §1 scopes real domain adapters (weather
// providers and the like) out of this core as external collaborators
// enumerated only as interfaces — builtin is the stand-in that proves the
// interfaces are exercisable end to end.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dfm-io/dfm/internal/adapter"
	"github.com/dfm-io/dfm/internal/dfmerr"
	"github.com/dfm-io/dfm/internal/discovery"
	"github.com/dfm-io/dfm/internal/site"
)

// ProviderClass is the provider_class discriminator a SITE_CONFIG document
// names to wire this package's adapters under a chosen provider tag
// (spec.md §4.2).
const ProviderClass = "dfm.builtin.DemoProvider"

// api_class discriminators this provider's adapters answer to.
const (
	GreetMeAPIClass    = "dfm.builtin.GreetMe"
	UppercaseAPIClass  = "dfm.builtin.Uppercase"
	SelectCityAPIClass = "dfm.builtin.SelectCity"
)

func init() {
	site.Providers.Register(ProviderClass, func() any { return &ProviderConfig{} })
}

// ProviderConfig is this provider's (empty) ProviderConfig variant: builtin
// needs no per-deployment knobs, only its provider_class discriminator.
type ProviderConfig struct {
	ProviderClass string `json:"provider_class"`
}

// BuildProviderSpec implements site.ProviderBuilder, wiring each
// demonstration adapter's factory into a site.ProviderSpec. bctx is not
// read: the cache substrate is attached by the Execute service, not here.
func (c *ProviderConfig) BuildProviderSpec(tag string, bctx site.BuildContext) (site.ProviderSpec, error) {
	return site.ProviderSpec{
		Tag: tag,
		Adapters: map[string]site.AdapterEntry{
			GreetMeAPIClass:    {Factory: greetMeFactory},
			UppercaseAPIClass:  {Factory: uppercaseFactory},
			SelectCityAPIClass: {Factory: selectCityFactory},
		},
	}, nil
}

// --- GreetMe: a cacheable nullary producer ---

// greetMe yields one greeting for a supplied name. It implements
// cache.Loader/cache.Writer directly so the runtime's cache substrate
// (internal/cache) can replay or persist its single value without any
// adapter-specific glue in the Execute service.
type greetMe struct {
	adapter.Base
	name string
}

func greetMeFactory(reqCtx site.RequestContext, provider *site.Provider, params map[string]any, bound map[string]*adapter.Runtime, config map[string]any) (adapter.Adapter, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, dfmerr.Data("%s: missing \"name\" param", GreetMeAPIClass)
	}
	return &greetMe{Base: adapter.Base{Params: params}, name: name}, nil
}

func (g *greetMe) StreamBody(ctx context.Context, emit func(v any) bool) error {
	emit(fmt.Sprintf("hello, %s", g.name))
	return nil
}

func (g *greetMe) LoadValuesFromCache(ctx context.Context, dir string, n int) ([]any, error) {
	values := make([]any, 0, n)
	for i := 0; i < n; i++ {
		data, err := os.ReadFile(filepath.Join(dir, artifactName(i)))
		if err != nil {
			return nil, err
		}
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (g *greetMe) WriteValueToCache(ctx context.Context, dir string, index int, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, artifactName(index)), data, 0o644)
}

func artifactName(index int) string { return fmt.Sprintf("value-%d.json", index) }

// --- Uppercase: a unary transform bound to an upstream by a declared name ---

// uppercaseFactory expects its upstream bound under the conventional
// "input" accessor — the param name its FunctionCall definition points at
// another node's identifier (spec.md §4.2: "Each adapter declares its
// dependency shape by naming constructor parameters").
func uppercaseFactory(reqCtx site.RequestContext, provider *site.Provider, params map[string]any, bound map[string]*adapter.Runtime, config map[string]any) (adapter.Adapter, error) {
	up, ok := bound["input"]
	if !ok {
		return nil, dfmerr.Data("%s: no adapter bound under \"input\"", UppercaseAPIClass)
	}
	return &adapter.Unary{
		Base:     adapter.Base{Params: params},
		Upstream: up,
		Body: func(ctx context.Context, x any, emit func(v any) bool) error {
			s, _ := x.(string)
			emit(strings.ToUpper(s))
			return nil
		},
	}, nil
}

// --- SelectCity: a discovery-only adapter demonstrating dependent advisors ---

// selectCityFactory requires "city" to already be committed ("region" is
// not checked) — it only ever runs for real once discovery has resolved it, mirroring
// spec.md §8 scenario 4's two-advisor dependent chain.
func selectCityFactory(reqCtx site.RequestContext, provider *site.Provider, params map[string]any, bound map[string]*adapter.Runtime, config map[string]any) (adapter.Adapter, error) {
	city, _ := params["city"].(string)
	if city == "" {
		return nil, dfmerr.Data("%s: missing \"city\" param", SelectCityAPIClass)
	}
	return &selectCity{Base: adapter.Base{Params: params}, city: city}, nil
}

type selectCity struct {
	adapter.Base
	city string
}

func (s *selectCity) StreamBody(ctx context.Context, emit func(v any) bool) error {
	emit(s.city)
	return nil
}

var citiesByRegion = map[string][]any{
	"us-west": {"Seattle", "Portland"},
	"us-east": {"Boston", "New York"},
}

// Advisors implements adapter.Advisable: "region" is a plain OneOf that
// breaks on advice (the client must commit a region before city choices are
// known), "city" depends on whatever region was just committed.
func (s *selectCity) Advisors() []discovery.FieldAdvisor {
	return []discovery.FieldAdvisor{
		{
			Name:  "region",
			Order: 1,
			Fn: func(ctx discovery.Context) discovery.Advice {
				regions := make([]any, 0, len(citiesByRegion))
				for r := range citiesByRegion {
					regions = append(regions, r)
				}
				return discovery.OneOf{Values: regions, BreakOnAdvice: true}
			},
		},
		{
			Name:  "city",
			Order: 2,
			Fn: func(ctx discovery.Context) discovery.Advice {
				region, ok := ctx.Get("region")
				if !ok {
					return discovery.ErrorAdvice{Message: "region must be selected first"}
				}
				cities, ok := citiesByRegion[fmt.Sprint(region)]
				if !ok {
					return discovery.ErrorAdvice{Message: fmt.Sprintf("no cities known for region %v", region)}
				}
				return discovery.OneOf{Values: cities}
			},
		},
	}
}
