// Package stream implements the restartable, multi-consumer lazy sequence
// spec.md §4.3 describes: an ordered list of future-backed slots, filled
// either by a live asynchronous producer or replayed from a pre-made list
// of already-materialized values (the cache-replay construction mode).
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrExhausted is the canonical "stream exhausted" signal propagated to
// consumers once a stream's producer finishes normally.
var ErrExhausted = errors.New("stream: exhausted")

// slot is one future-backed element: consumers block on ready until the
// slot is fulfilled, poisoned, or marked exhausted.
type slot struct {
	ready     chan struct{}
	value     any
	err       error
	exhausted bool
}

func newSlot() *slot { return &slot{ready: make(chan struct{})} }

func (s *slot) fulfill(v any) {
	s.value = v
	close(s.ready)
}

func (s *slot) fail(err error) {
	s.err = err
	close(s.ready)
}

func (s *slot) finish() {
	s.exhausted = true
	close(s.ready)
}

// Filter decides whether a produced value is accepted into the stream.
// Spec.md §4.3: "for each produced value v, every registered filter is
// evaluated; if all accept, v is placed into the trailing future."
type Filter func(v any) bool

// Stream is a restartable, multi-consumer sequence. Multiple Cursor values
// may iterate the same Stream concurrently and independently; all observe
// an identical value order (spec.md §4.3, §5).
type Stream struct {
	mu     sync.Mutex
	slots  []*slot
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProducerStream starts a background goroutine driving produce, which
// calls emit for each value it yields; emit returns false once the stream's
// context has been cancelled, letting a well-behaved producer stop early.
// produce's own returned error (nil on normal completion) poisons the
// stream's trailing slot on failure, or marks it exhausted on success.
func NewProducerStream(ctx context.Context, produce func(ctx context.Context, emit func(v any) bool) error, filters ...Filter) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		slots:  []*slot{newSlot()},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	emit := func(v any) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		for _, f := range filters {
			if !f(v) {
				return true // rejected, but keep producing
			}
		}
		s.mu.Lock()
		tail := s.slots[len(s.slots)-1]
		next := newSlot()
		s.slots = append(s.slots, next)
		s.mu.Unlock()
		tail.fulfill(v)
		return true
	}

	go func() {
		defer close(s.done)
		err := produce(ctx, emit)
		s.mu.Lock()
		tail := s.slots[len(s.slots)-1]
		s.mu.Unlock()
		if err != nil {
			tail.fail(err)
			return
		}
		tail.finish()
	}()

	return s
}

// NewReplayStream builds a Stream directly from already-materialized
// values — the cache-loader construction mode, spec.md §4.3: "used by the
// cache loader to expose already-materialized values; the trailing future
// is immediately marked exhausted."
func NewReplayStream(values []any) *Stream {
	slots := make([]*slot, 0, len(values)+1)
	for _, v := range values {
		sl := newSlot()
		sl.fulfill(v)
		slots = append(slots, sl)
	}
	last := newSlot()
	last.finish()
	slots = append(slots, last)

	done := make(chan struct{})
	close(done)
	return &Stream{slots: slots, cancel: func() {}, done: done}
}

// Cancel stops a live producer's background task. Safe to call more than
// once and on a replay stream (a no-op there).
func (s *Stream) Cancel() {
	s.cancel()
}

// Cursor iterates a Stream independently of any other Cursor on the same
// Stream.
type Cursor struct {
	stream *Stream
	idx    int
}

// NewCursor starts a fresh cursor at the beginning of the stream.
func (s *Stream) NewCursor() *Cursor {
	return &Cursor{stream: s}
}

// Next advances the cursor, blocking until the next value is available,
// the stream is exhausted, the stream's producer failed, or ctx is
// cancelled. ok is false exactly when the stream is exhausted (not an
// error) — iteration should stop.
func (c *Cursor) Next(ctx context.Context) (value any, ok bool, err error) {
	c.stream.mu.Lock()
	sl := c.stream.slots[c.idx]
	c.stream.mu.Unlock()

	select {
	case <-sl.ready:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	if sl.err != nil {
		return nil, false, sl.err
	}
	if sl.exhausted {
		return nil, false, nil
	}
	c.idx++
	return sl.value, true, nil
}
