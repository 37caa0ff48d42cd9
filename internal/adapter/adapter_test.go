package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/cache"
	"github.com/dfm-io/dfm/internal/ir"
)

func drainRuntime(t *testing.T, r *Runtime) []any {
	t.Helper()
	cur := r.GetOrCreateStream(context.Background()).NewCursor()
	var out []any
	for {
		v, ok, err := cur.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestNullaryRuntime(t *testing.T) {
	n := &Nullary{
		Base: Base{ID: ir.NodeID("n1")},
		Produce: func(ctx context.Context, emit func(v any) bool) error {
			emit(1)
			emit(2)
			return nil
		},
	}
	r := NewRuntime(n)
	require.Equal(t, []any{1, 2}, drainRuntime(t, r))
}

func TestUnaryRuntimeDoublesEachUpstreamValue(t *testing.T) {
	up := &Nullary{
		Base: Base{ID: ir.NodeID("up")},
		Produce: func(ctx context.Context, emit func(v any) bool) error {
			emit(1)
			emit(2)
			return nil
		},
	}
	upRuntime := NewRuntime(up)

	u := &Unary{
		Base:     Base{ID: ir.NodeID("down")},
		Upstream: upRuntime,
		Body: func(ctx context.Context, x any, emit func(v any) bool) error {
			emit(x.(int) * 2)
			return nil
		},
	}
	r := NewRuntime(u)
	require.Equal(t, []any{2, 4}, drainRuntime(t, r))
}

func TestBinaryZipTerminatesOnShorterUpstream(t *testing.T) {
	left := NewRuntime(&Nullary{
		Base: Base{ID: ir.NodeID("left")},
		Produce: func(ctx context.Context, emit func(v any) bool) error {
			emit("a")
			emit("b")
			return nil
		},
	})
	right := NewRuntime(&Nullary{
		Base: Base{ID: ir.NodeID("right")},
		Produce: func(ctx context.Context, emit func(v any) bool) error {
			emit(1)
			return nil
		},
	})

	z := &BinaryZip{
		Base:  Base{ID: ir.NodeID("zip")},
		Left:  left,
		Right: right,
		Body: func(ctx context.Context, l, r any, emit func(v any) bool) error {
			emit([2]any{l, r})
			return nil
		},
	}
	result := drainRuntime(t, NewRuntime(z))
	require.Len(t, result, 1)
}

type stringLoader struct {
	values []any
}

func (s *stringLoader) LoadValuesFromCache(ctx context.Context, dir string, n int) ([]any, error) {
	return s.values, nil
}

type stringWriter struct{}

func (stringWriter) WriteValueToCache(ctx context.Context, dir string, index int, value any) error {
	return nil
}

func TestRuntimeOutputCallbackFires(t *testing.T) {
	var seen []any
	n := &Nullary{
		Base: Base{ID: ir.NodeID("n")},
		Produce: func(ctx context.Context, emit func(v any) bool) error {
			emit("x")
			return nil
		},
	}
	r := NewRuntime(n, WithOutput(func(v any) { seen = append(seen, v) }))
	drainRuntime(t, r)
	require.Equal(t, []any{"x"}, seen)
}

func TestRuntimeCachesLiveThenReplays(t *testing.T) {
	store, err := cache.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	fp := cache.Fingerprint("fp1")

	calls := 0
	makeAdapter := func() *Nullary {
		return &Nullary{
			Base: Base{ID: ir.NodeID("n")},
			Produce: func(ctx context.Context, emit func(v any) bool) error {
				calls++
				emit("computed")
				return nil
			},
		}
	}

	writer := stringWriter{}
	loader := &stringLoader{}

	r1 := NewRuntime(makeAdapter(), WithCache(store, fp, loader, writer))
	got := drainRuntime(t, r1)
	require.Equal(t, []any{"computed"}, got)
	require.Equal(t, 1, calls)

	// The cache writer runs in its own goroutine and its result is not
	// reported back, so poll until the sentinel lands before the second
	// runtime tries to read it.
	loader.values = []any{"computed"}

	waitForSentinel(t, store, fp, loader)

	r2 := NewRuntime(makeAdapter(), WithCache(store, fp, loader, writer))
	got2 := drainRuntime(t, r2)
	require.Equal(t, []any{"computed"}, got2)
	require.Equal(t, 1, calls, "second runtime should have replayed from cache, not recomputed")
}

func waitForSentinel(t *testing.T, store *cache.Store, fp cache.Fingerprint, loader cache.Loader) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if _, ok := store.TryLoad(context.Background(), fp, loader); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cache sentinel never became visible")
}
