package binding

import (
	"context"

	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/wire"
)

// Call is the pending result of an asynchronous engine call.
type Call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed when the call has finished.
func (c *Call[T]) Done() <-chan struct{} { return c.done }

// Wait blocks until the call finishes or ctx ends. Giving up on the wait
// does not cancel the call; cancel the context the call was started with.
func (c *Call[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, dberr.Wrap(dberr.KindTimeout, "wait", ctx.Err())
	}
}

// Go runs fn on the async worker pool. At most cfg.Dispatch.AsyncWorkers
// calls run at once; the rest queue until a worker frees up or ctx ends.
func Go[T any](ctx context.Context, b *Binding, op string, fn func(context.Context) (T, error)) *Call[T] {
	c := &Call[T]{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		if err := b.enter(op); err != nil {
			c.err = err
			return
		}
		if err := b.async.Acquire(ctx, 1); err != nil {
			c.err = dberr.Wrap(dberr.KindTimeout, op, err)
			return
		}
		defer b.async.Release(1)
		c.val, c.err = fn(ctx)
	}()
	return c
}

// ModifyItemAsync is the asynchronous form of ModifyItem. payload must
// not be modified until the call is done.
func (b *Binding) ModifyItemAsync(ctx context.Context, ns string, mode wire.Mode, payload []byte, opts ...ModifyOption) *Call[*Result] {
	return Go(ctx, b, "modify_item", func(ctx context.Context) (*Result, error) {
		return b.ModifyItem(ctx, ns, mode, payload, opts...)
	})
}

// SelectAsync is the asynchronous form of Select.
func (b *Binding) SelectAsync(ctx context.Context, query string, opts ...SelectOption) *Call[*Result] {
	return Go(ctx, b, "select", func(ctx context.Context) (*Result, error) {
		return b.Select(ctx, query, opts...)
	})
}
