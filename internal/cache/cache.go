// Package cache implements the fingerprint-addressed, sentinel-validated
// artifact cache (spec.md §4.4): a fingerprint computed over an adapter's
// cache-relevant parameters plus its inputs' fingerprints names a directory;
// a sentinel file, written only after every element is persisted, is the
// sole readiness signal.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/dfmerr"
)

// Fingerprint is a cache directory's content-addressed identifier.
type Fingerprint string

// Dir returns the cache folder name for fp: dfm_cache_<digest>.
func (fp Fingerprint) Dir() string { return "dfm_cache_" + string(fp) }

// ComputeFingerprint hashes params (the adapter's collect_local_hash_dict(),
// already excluding node id / is_output / force_compute per spec.md §4.4)
// together with the recursively computed fingerprints of its input
// adapters, keyed by dependency name. encoding/json sorts map keys when
// marshaling, so two calls with the same logical content always produce
// identical bytes regardless of Go map iteration order.
func ComputeFingerprint(params map[string]any, inputFingerprints map[string]Fingerprint) (Fingerprint, error) {
	canon := struct {
		Params map[string]any        `json:"params"`
		Inputs map[string]Fingerprint `json:"inputs"`
	}{Params: params, Inputs: inputFingerprints}

	data, err := json.Marshal(canon)
	if err != nil {
		return "", dfmerr.Server(err, "cache: canonicalize fingerprint input")
	}
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// Metadata is written alongside a cache's artifacts for debugging — the raw
// fingerprint inputs, not just the digest.
type Metadata struct {
	Params    map[string]any          `json:"params"`
	Inputs    map[string]Fingerprint  `json:"inputs"`
	CreatedAt time.Time               `json:"created_at"`
}

// Sentinel is written only once every element has been persisted. A
// directory without a valid, parseable sentinel is considered absent.
type Sentinel struct {
	Created          time.Time `json:"created"`
	NumElementsWritten int     `json:"num_elements_written"`
}

// Loader materializes n cached artifacts for an adapter back into values.
// Implemented by each concrete adapter (spec.md §4.4: "the adapter is
// responsible for the actual artifact file format").
type Loader interface {
	LoadValuesFromCache(ctx context.Context, dir string, n int) ([]any, error)
}

// Writer persists one produced value as an artifact file under dir.
type Writer interface {
	WriteValueToCache(ctx context.Context, dir string, index int, value any) error
}

// Store roots the cache filesystem namespace and guards the read path with
// a circuit breaker: repeated filesystem failures trip the breaker and the
// read path fails fast to "absent" instead of hammering a broken volume on
// every request (spec.md §5: "Cache reads DO NOT retry; on any failure they
// degrade to 'no cache'" — the breaker extends that per-read degradation
// across a burst of reads against the same failing backend).
type Store struct {
	baseDir string
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewStore roots the cache at baseDir, creating it if necessary.
func NewStore(baseDir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, dfmerr.Server(err, "cache: create base dir %s", baseDir)
	}
	st := gobreaker.Settings{
		Name:    "cache-read",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Store{
		baseDir: baseDir,
		breaker: gobreaker.NewCircuitBreaker(st),
		log:     log.Named("cache"),
	}, nil
}

func (s *Store) path(fp Fingerprint) string {
	return filepath.Join(s.baseDir, fp.Dir())
}

// TryLoad attempts to replay fp's cache through loader. ok is false for any
// reason at all (missing sentinel, malformed sentinel, IO error, loader
// error, or an open circuit breaker) — spec.md §4.4's "On any failure ...
// treat the cache as absent and fall through to live computation."
//
// A missing sentinel is the ordinary "not cached yet" case — every first
// computation of a fingerprint takes this path — so it is checked before
// the breaker and never counts as a breaker failure. Only a sentinel that
// exists but fails to parse, load or validate, where the backend itself is
// misbehaving, trips the breaker.
func (s *Store) TryLoad(ctx context.Context, fp Fingerprint, loader Loader) (values []any, ok bool) {
	dir := s.path(fp)
	sentinelPath := filepath.Join(dir, "sentinel.json")

	raw, err := os.ReadFile(sentinelPath)
	if err != nil {
		return nil, false
	}

	result, err := s.breaker.Execute(func() (any, error) {
		return s.loadWithSentinel(ctx, dir, raw, loader)
	})
	if err != nil {
		s.log.Debug("cache read degraded to absent", zap.String("fingerprint", string(fp)), zap.Error(err))
		return nil, false
	}
	return result.([]any), true
}

func (s *Store) loadWithSentinel(ctx context.Context, dir string, sentinelRaw []byte, loader Loader) ([]any, error) {
	var sentinel Sentinel
	if err := json.Unmarshal(sentinelRaw, &sentinel); err != nil {
		return nil, err
	}

	values, err := loader.LoadValuesFromCache(ctx, dir, sentinel.NumElementsWritten)
	if err != nil {
		return nil, err
	}
	if len(values) != sentinel.NumElementsWritten {
		return nil, dfmerr.Data("cache: sentinel declares %d elements, loader returned %d", sentinel.NumElementsWritten, len(values))
	}
	return values, nil
}

// WriteResult is what a cache-writer goroutine reports when it finishes
// (used only for logging/tests — a failed write never blocks the live
// stream that fed it).
type WriteResult struct {
	Fingerprint Fingerprint
	Written     int
	Err         error
}

// Write runs the cache-writer side of the protocol against values,
// persisting each through writer and finishing with an atomically published
// sentinel. It is meant to be run in its own goroutine, fed from the same
// channel the live stream's producer fans out to its cache-writer consumer.
// Spec.md §4.4's write path: delete any existing folder, create it fresh,
// write CacheMetadata, persist each value, then atomically publish
// CacheSentinel only on clean completion. Concurrent writers for the same
// fingerprint may race; per spec.md §4.4 "acceptable — outputs must be
// deterministic given the fingerprint", the last one to rename its sentinel
// into place wins.
func (s *Store) Write(ctx context.Context, fp Fingerprint, meta Metadata, values <-chan any, writer Writer) WriteResult {
	dir := s.path(fp)

	if err := os.RemoveAll(dir); err != nil {
		return WriteResult{Fingerprint: fp, Err: dfmerr.Resource(err, "cache: clear existing dir")}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WriteResult{Fingerprint: fp, Err: dfmerr.Resource(err, "cache: create dir")}
	}

	meta.CreatedAt = time.Now()
	metaData, err := json.Marshal(meta)
	if err != nil {
		return WriteResult{Fingerprint: fp, Err: dfmerr.Server(err, "cache: marshal metadata")}
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaData, 0o644); err != nil {
		return WriteResult{Fingerprint: fp, Err: dfmerr.Resource(err, "cache: write metadata")}
	}

	n := 0
	for v := range values {
		if err := writer.WriteValueToCache(ctx, dir, n, v); err != nil {
			// Leave the folder without a sentinel: it's considered absent.
			return WriteResult{Fingerprint: fp, Written: n, Err: dfmerr.Resource(err, "cache: write value %d", n)}
		}
		n++
	}

	sentinel := Sentinel{Created: time.Now(), NumElementsWritten: n}
	sentinelData, err := json.Marshal(sentinel)
	if err != nil {
		return WriteResult{Fingerprint: fp, Written: n, Err: dfmerr.Server(err, "cache: marshal sentinel")}
	}
	tmp := filepath.Join(dir, "sentinel.json.tmp")
	if err := os.WriteFile(tmp, sentinelData, 0o644); err != nil {
		return WriteResult{Fingerprint: fp, Written: n, Err: dfmerr.Resource(err, "cache: write sentinel tmp")}
	}
	if err := os.Rename(tmp, filepath.Join(dir, "sentinel.json")); err != nil {
		return WriteResult{Fingerprint: fp, Written: n, Err: dfmerr.Resource(err, "cache: publish sentinel")}
	}
	return WriteResult{Fingerprint: fp, Written: n}
}
