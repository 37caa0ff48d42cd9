package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	values []any
	failAt int // -1 disables
}

func (f *fakeAdapter) WriteValueToCache(ctx context.Context, dir string, index int, value any) error {
	if f.failAt >= 0 && index == f.failAt {
		return fmt.Errorf("boom at %d", index)
	}
	return nil
}

func (f *fakeAdapter) LoadValuesFromCache(ctx context.Context, dir string, n int) ([]any, error) {
	if n > len(f.values) {
		return nil, fmt.Errorf("not enough values")
	}
	return f.values[:n], nil
}

func TestFingerprintDeterministic(t *testing.T) {
	params := map[string]any{"b": 2, "a": 1}
	inputs := map[string]Fingerprint{"x": "abc"}

	fp1, err := ComputeFingerprint(params, inputs)
	require.NoError(t, err)
	fp2, err := ComputeFingerprint(params, inputs)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	fp3, err := ComputeFingerprint(map[string]any{"a": 1, "b": 3}, inputs)
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp3)
}

func TestWriteThenLoad(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base, zap.NewNop())
	require.NoError(t, err)

	fp := Fingerprint("deadbeef")
	adapter := &fakeAdapter{values: []any{"a", "b", "c"}, failAt: -1}

	ch := make(chan any, 3)
	ch <- "a"
	ch <- "b"
	ch <- "c"
	close(ch)

	res := store.Write(context.Background(), fp, Metadata{Params: map[string]any{"k": "v"}}, ch, adapter)
	require.NoError(t, res.Err)
	require.Equal(t, 3, res.Written)

	values, ok := store.TryLoad(context.Background(), fp, adapter)
	require.True(t, ok)
	require.Equal(t, []any{"a", "b", "c"}, values)
}

func TestLoadAbsentWithoutSentinel(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base, zap.NewNop())
	require.NoError(t, err)

	fp := Fingerprint("nosentinel")
	_, ok := store.TryLoad(context.Background(), fp, &fakeAdapter{})
	require.False(t, ok)
}

func TestWriteFailureLeavesNoSentinel(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base, zap.NewNop())
	require.NoError(t, err)

	fp := Fingerprint("partial")
	adapter := &fakeAdapter{values: []any{"a", "b"}, failAt: 1}

	ch := make(chan any, 2)
	ch <- "a"
	ch <- "b"
	close(ch)

	res := store.Write(context.Background(), fp, Metadata{}, ch, adapter)
	require.Error(t, res.Err)

	_, err = os.Stat(filepath.Join(base, fp.Dir(), "sentinel.json"))
	require.Error(t, err, "a failed writer must not leave a sentinel behind")

	_, ok := store.TryLoad(context.Background(), fp, adapter)
	require.False(t, ok)
}
