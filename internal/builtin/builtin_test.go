package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dfm-io/dfm/internal/adapter"
	"github.com/dfm-io/dfm/internal/discovery"
	"github.com/dfm-io/dfm/internal/site"
)

func TestProviderConfigRegisteredAndBuildable(t *testing.T) {
	inst, err := site.Providers.New(ProviderClass)
	require.NoError(t, err)
	cfg, ok := inst.(*ProviderConfig)
	require.True(t, ok)

	spec, err := cfg.BuildProviderSpec("builtin", site.BuildContext{})
	require.NoError(t, err)
	require.Contains(t, spec.Adapters, GreetMeAPIClass)
	require.Contains(t, spec.Adapters, UppercaseAPIClass)
	require.Contains(t, spec.Adapters, SelectCityAPIClass)
}

func TestGreetMeStreamsGreeting(t *testing.T) {
	a, err := greetMeFactory(site.RequestContext{}, nil, map[string]any{"name": "Test"}, nil, nil)
	require.NoError(t, err)

	var got []any
	err = a.StreamBody(context.Background(), func(v any) bool {
		got = append(got, v)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []any{"hello, Test"}, got)
}

func TestGreetMeMissingNameIsDataError(t *testing.T) {
	_, err := greetMeFactory(site.RequestContext{}, nil, map[string]any{}, nil, nil)
	require.Error(t, err)
}

func TestGreetMeCacheRoundTrip(t *testing.T) {
	a, err := greetMeFactory(site.RequestContext{}, nil, map[string]any{"name": "Cached"}, nil, nil)
	require.NoError(t, err)
	g := a.(*greetMe)

	dir := t.TempDir()
	require.NoError(t, g.WriteValueToCache(context.Background(), dir, 0, "hello, Cached"))

	values, err := g.LoadValuesFromCache(context.Background(), dir, 1)
	require.NoError(t, err)
	require.Equal(t, []any{"hello, Cached"}, values)
}

func TestUppercaseRequiresInputBinding(t *testing.T) {
	_, err := uppercaseFactory(site.RequestContext{}, nil, map[string]any{}, nil, nil)
	require.Error(t, err)
}

func TestUppercaseTransformsUpstreamValues(t *testing.T) {
	up := &adapter.Nullary{
		Produce: func(ctx context.Context, emit func(v any) bool) error {
			emit("shout")
			return nil
		},
	}
	upRuntime := adapter.NewRuntime(up)

	a, err := uppercaseFactory(site.RequestContext{}, nil, map[string]any{}, map[string]*adapter.Runtime{"input": upRuntime}, nil)
	require.NoError(t, err)

	var got []any
	err = a.StreamBody(context.Background(), func(v any) bool {
		got = append(got, v)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []any{"SHOUT"}, got)
}

func TestSelectCityAdvisorsDependOnRegion(t *testing.T) {
	a, err := selectCityFactory(site.RequestContext{}, nil, map[string]any{"city": "Seattle"}, nil, nil)
	require.NoError(t, err)
	adv, ok := a.(discovery.Advisable)
	require.True(t, ok)

	tree, err := discovery.Build(adv.Advisors(), map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "region", tree.Field)
	for _, e := range tree.Edges {
		require.True(t, e.Partial)
		require.Nil(t, e.Next)
	}

	tree2, err := discovery.Build(adv.Advisors(), map[string]any{"region": "us-west"})
	require.NoError(t, err)
	require.False(t, tree2.Edges[0].IsError)
	cityNode := tree2.Edges[0].Next
	require.NotNil(t, cityNode)
	require.Equal(t, "city", cityNode.Field)
}
