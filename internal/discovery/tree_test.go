package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBuildPartialThenDependent mirrors spec.md §8 scenario 4: advisor #2
// returns OneOf with break_on_advice=true, advisor #3 depends on #2's
// value. With all three fields unset, the tree must stop after field #2
// with a Partial edge — advisor #3 never runs.
func TestBuildPartialThenDependent(t *testing.T) {
	thirdCalled := false
	advisors := []FieldAdvisor{
		{Name: "region", Order: 1, Fn: func(ctx Context) Advice {
			return Literal{Value: "us-west"}
		}},
		{Name: "provider_variant", Order: 2, Fn: func(ctx Context) Advice {
			return OneOf{Values: []any{"a", "b"}, BreakOnAdvice: true}
		}},
		{Name: "variant_param", Order: 3, Fn: func(ctx Context) Advice {
			thirdCalled = true
			region, _ := ctx.Get("region")
			return Literal{Value: region}
		}},
	}

	tree, err := Build(advisors, map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, tree)
	require.Equal(t, "region", tree.Field)
	require.Len(t, tree.Edges, 1)

	variantNode := tree.Edges[0].Next
	require.NotNil(t, variantNode)
	require.Equal(t, "provider_variant", variantNode.Field)
	require.Len(t, variantNode.Edges, 2)
	for _, e := range variantNode.Edges {
		require.True(t, e.Partial)
		require.Nil(t, e.Next, "a Partial edge must not recurse into the dependent advisor")
	}
	require.False(t, thirdCalled, "advisor #3 must not run until the client commits #2 and re-discovers")
}

// TestBuildErrorForEveryBranch mirrors spec.md §8's boundary case: a
// field-advisor producing Error for every branch still returns a tree
// rather than failing discovery outright.
func TestBuildErrorForEveryBranch(t *testing.T) {
	advisors := []FieldAdvisor{
		{Name: "doomed", Order: 1, Fn: func(ctx Context) Advice {
			return ErrorAdvice{Message: "no viable configuration"}
		}},
	}
	tree, err := Build(advisors, map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, tree)
	require.Len(t, tree.Edges, 1)
	require.True(t, tree.Edges[0].IsError)
	require.Equal(t, "no viable configuration", tree.Edges[0].Err)
}

// TestBuildValidatesSuppliedValue mirrors spec.md §8 scenario 5: a
// user-supplied value that violates its advisor yields an Error edge
// rather than silently passing through.
func TestBuildValidatesSuppliedValue(t *testing.T) {
	advisors := []FieldAdvisor{
		{Name: "units", Order: 1, Fn: func(ctx Context) Advice {
			return OneOf{Values: []any{"metric", "imperial"}}
		}},
	}
	tree, err := Build(advisors, map[string]any{"units": "furlongs"})
	require.NoError(t, err)
	require.Len(t, tree.Edges, 1)
	require.True(t, tree.Edges[0].IsError)

	tree2, err := Build(advisors, map[string]any{"units": "metric"})
	require.NoError(t, err)
	require.False(t, tree2.Edges[0].IsError)
	require.Equal(t, "metric", tree2.Edges[0].Value)
}

func TestBuildNoAdvisorsReturnsNilTree(t *testing.T) {
	tree, err := Build(nil, nil)
	require.NoError(t, err)
	require.Nil(t, tree)
}

func TestOrderAdvisorsNegativeFromEnd(t *testing.T) {
	advisors := []FieldAdvisor{
		{Name: "last", Order: -1},
		{Name: "second_to_last", Order: -2},
		{Name: "first", Order: 1},
		{Name: "middle", Order: 0},
	}
	ordered := orderAdvisors(advisors)
	names := make([]string, len(ordered))
	for i, a := range ordered {
		names[i] = a.Name
	}
	require.Equal(t, []string{"first", "middle", "second_to_last", "last"}, names)
}
