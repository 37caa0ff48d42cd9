package adapter

import "context"

// Nullary produces values with no input adapters (spec.md §4.3).
type Nullary struct {
	Base
	Produce func(ctx context.Context, emit func(v any) bool) error
}

func (n *Nullary) StreamBody(ctx context.Context, emit func(v any) bool) error {
	return n.Produce(ctx, emit)
}

// Unary binds exactly one upstream Runtime by declared name. For each value
// pulled from the upstream's stream, Body is called; Body may call emit any
// number of times (zero or more) before returning, which is how the single
// value / awaitable / async-iterator / batch cases spec.md §4.3 describes
// all unfold into one linear output sequence — a Body that resolves several
// sub-values concurrently and calls emit as each completes implements
// "await as completed"; a Body that emits them in a fixed loop implements
// "await in submission order."
type Unary struct {
	Base
	Upstream *Runtime
	Body     func(ctx context.Context, x any, emit func(v any) bool) error
}

func (u *Unary) StreamBody(ctx context.Context, emit func(v any) bool) error {
	cur := u.Upstream.GetOrCreateStream(ctx).NewCursor()
	for {
		x, ok, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := u.Body(ctx, x, emit); err != nil {
			return err
		}
	}
}

// BinaryZip binds two upstreams by declared names and pulls one value from
// each in lockstep, terminating when either upstream terminates (spec.md
// §4.3).
type BinaryZip struct {
	Base
	Left, Right *Runtime
	Body        func(ctx context.Context, left, right any, emit func(v any) bool) error
}

func (z *BinaryZip) StreamBody(ctx context.Context, emit func(v any) bool) error {
	leftCur := z.Left.GetOrCreateStream(ctx).NewCursor()
	rightCur := z.Right.GetOrCreateStream(ctx).NewCursor()
	for {
		lv, lok, lerr := leftCur.Next(ctx)
		if lerr != nil {
			return lerr
		}
		rv, rok, rerr := rightCur.Next(ctx)
		if rerr != nil {
			return rerr
		}
		if !lok || !rok {
			return nil
		}
		if err := z.Body(ctx, lv, rv, emit); err != nil {
			return err
		}
	}
}
