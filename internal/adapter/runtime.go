package adapter

import (
	"context"
	"sync"

	"github.com/dfm-io/dfm/internal/cache"
	"github.com/dfm-io/dfm/internal/stream"
)

// Runtime implements the get_or_create_stream() contract (spec.md §4.3)
// around one Adapter: cache-replay-or-live-compute stream construction,
// the parallel cache-writer task, and forwarding produced values to an
// output callback when the adapter is marked is_output.
type Runtime struct {
	adapter      Adapter
	isOutput     bool
	forceCompute bool

	cacheStore  *cache.Store
	fingerprint cache.Fingerprint
	loader      cache.Loader
	writer      cache.Writer

	onValue func(v any)

	onCacheResult func(hit bool)

	mu     sync.Mutex
	stream *stream.Stream
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithCache wires the cache substrate in for this adapter: store, its
// fingerprint, and the loader/writer pair it implements. Omit to run this
// adapter uncached.
func WithCache(store *cache.Store, fp cache.Fingerprint, loader cache.Loader, writer cache.Writer) Option {
	return func(r *Runtime) {
		r.cacheStore = store
		r.fingerprint = fp
		r.loader = loader
		r.writer = writer
	}
}

// WithForceCompute marks the runtime to ignore any cached stream — mirrors
// the FunctionCall's force_compute flag.
func WithForceCompute() Option {
	return func(r *Runtime) { r.forceCompute = true }
}

// WithCacheObserver registers fn to be called once GetOrCreateStream has
// decided whether it replayed from cache (true) or is computing live
// (false). Only invoked when a cache substrate is actually wired via
// WithCache and force_compute is not set — lets the Execute service count hits/misses per adapter
// without GetOrCreateStream needing to know about metrics.
func WithCacheObserver(fn func(hit bool)) Option {
	return func(r *Runtime) { r.onCacheResult = fn }
}

// WithOutput marks the adapter is_output: each produced value is also
// handed to onValue, which the Execute service wires to append a Value
// response to the request state (spec.md §4.3: "On each produced value, if
// the adapter is an output, the runtime emits a Value response").
func WithOutput(onValue func(v any)) Option {
	return func(r *Runtime) {
		r.isOutput = true
		r.onValue = onValue
	}
}

// NewRuntime wraps adapter with the cache/output behavior described by
// opts.
func NewRuntime(a Adapter, opts ...Option) *Runtime {
	r := &Runtime{adapter: a}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Adapter returns the wrapped Adapter.
func (r *Runtime) Adapter() Adapter { return r.adapter }

// cacheable reports whether this runtime has a wired cache substrate to
// consult at all.
func (r *Runtime) cacheable() bool {
	return r.cacheStore != nil && r.loader != nil
}

// GetOrCreateStream implements the four-step contract from spec.md §4.3:
// return an already-created stream unchanged; otherwise try a cache replay
// (and immediately fan out a replay's values as responses if is_output);
// otherwise start a live producer stream, launching a parallel cache-writer
// task fed from the same values when a writer is configured.
func (r *Runtime) GetOrCreateStream(ctx context.Context) *stream.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return r.stream
	}

	if r.cacheable() && !r.forceCompute {
		if values, ok := r.cacheStore.TryLoad(ctx, r.fingerprint, r.loader); ok {
			if r.onCacheResult != nil {
				r.onCacheResult(true)
			}
			s := stream.NewReplayStream(values)
			r.stream = s
			if r.isOutput && r.onValue != nil {
				for _, v := range values {
					r.onValue(v)
				}
			}
			return s
		}
		if r.onCacheResult != nil {
			r.onCacheResult(false)
		}
	}

	var writeCh chan any
	if r.cacheable() && r.writer != nil {
		writeCh = make(chan any, 16)
	}

	s := stream.NewProducerStream(ctx, func(ctx context.Context, emit func(v any) bool) error {
		err := r.adapter.StreamBody(ctx, func(v any) bool {
			accepted := emit(v)
			if accepted {
				if r.isOutput && r.onValue != nil {
					r.onValue(v)
				}
				if writeCh != nil {
					select {
					case writeCh <- v:
					case <-ctx.Done():
					}
				}
			}
			return accepted
		})
		if writeCh != nil {
			close(writeCh)
		}
		return err
	})
	r.stream = s

	if writeCh != nil {
		go r.cacheStore.Write(ctx, r.fingerprint, cache.Metadata{Params: r.adapter.CollectLocalHashDict()}, writeCh, r.writer)
	}

	return s
}
