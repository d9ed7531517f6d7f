package binding

import (
	"context"
	"errors"
	"time"

	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/engine"
)

// CallContext is the per-call execution context handed to the engine.
// A zero Timeout means no deadline; a zero ID means the call cannot be
// canceled by id.
type CallContext struct {
	ID      uint64
	Timeout time.Duration
}

type callIDKey struct{}

// WithCallID attaches an engine call id to ctx. The call made with ctx
// can then be aborted from elsewhere with Binding.CancelContext.
func WithCallID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallIDFrom returns the id attached by WithCallID.
func CallIDFrom(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(callIDKey{}).(uint64)
	return id, ok && id != 0
}

// callContext derives the engine context of one call from ctx. Calls on a
// cancelable ctx get an id so Go-side cancellation can reach the engine.
func (b *Binding) callContext(ctx context.Context, op string) (CallContext, error) {
	if err := ctx.Err(); err != nil {
		return CallContext{}, dberr.Wrap(dberr.KindTimeout, op, err)
	}
	var cc CallContext
	if id, ok := CallIDFrom(ctx); ok {
		cc.ID = id
	} else if ctx.Done() != nil {
		// engine-assigned ids count down from the top so they never
		// collide with small caller-chosen ones
		cc.ID = ^b.nextCallID.Add(1)
	}
	if deadline, ok := ctx.Deadline(); ok {
		cc.Timeout = time.Until(deadline)
		if cc.Timeout <= 0 {
			return CallContext{}, dberr.Wrap(dberr.KindTimeout, op, context.DeadlineExceeded)
		}
	} else {
		cc.Timeout = b.cfg.Dispatch.Timeout
	}
	return cc, nil
}

func (cc CallContext) info() engine.CtxInfo {
	return engine.CtxInfo{CtxID: cc.ID, ExecTimeout: cc.Timeout}
}

// watch forwards cancellation of ctx to the engine call cc. The returned
// stop must be called once the call returns.
func (b *Binding) watch(ctx context.Context, cc CallContext) (stop func() bool) {
	if cc.ID == 0 || ctx.Done() == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		mode := engine.CancelExplicitly
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			mode = engine.CancelOnTimeout
		}
		engine.CancelContext(b.h, cc.info(), mode)
	})
}

// CancelContext aborts the in-flight call registered under id.
func (b *Binding) CancelContext(ctx context.Context, id uint64, onTimeout bool) error {
	mode := engine.CancelExplicitly
	if onTimeout {
		mode = engine.CancelOnTimeout
	}
	return b.do(ctx, "cancel_context", dberr.KindConnection, func(CallContext) engine.Error {
		return engine.CancelContext(b.h, engine.CtxInfo{CtxID: id}, mode)
	})
}
