package engine

import (
	"context"
	"sync"

	"github.com/myuser/docbind/internal/dberr"
)

// CancelMode says how CancelContext stops a call.
type CancelMode int

const (
	CancelExplicitly CancelMode = iota
	CancelOnTimeout
)

type ctxRegistry struct {
	mu    sync.Mutex
	calls map[uint64]context.CancelCauseFunc
}

func newCtxRegistry() *ctxRegistry {
	return &ctxRegistry{calls: make(map[uint64]context.CancelCauseFunc)}
}

// begin derives the context of one call. The returned done func must be
// called when the call returns.
func (inst *instance) begin(info CtxInfo) (context.Context, func(), Error) {
	ctx, cancel := context.WithCancelCause(inst.ctx)
	stopTimer := func() {}
	if info.ExecTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, info.ExecTimeout)
		stopTimer = tcancel
	}
	if info.CtxID != 0 {
		r := inst.ctxs
		r.mu.Lock()
		if _, dup := r.calls[info.CtxID]; dup {
			r.mu.Unlock()
			stopTimer()
			cancel(nil)
			return nil, nil, errorf(dberr.CodeParams, "context id %d is already in use", info.CtxID)
		}
		r.calls[info.CtxID] = cancel
		r.mu.Unlock()
	}
	return ctx, func() {
		if info.CtxID != 0 {
			inst.ctxs.mu.Lock()
			delete(inst.ctxs.calls, info.CtxID)
			inst.ctxs.mu.Unlock()
		}
		stopTimer()
		cancel(nil)
	}, errOK
}

// CancelContext aborts the running call registered under info.CtxID.
// Canceling an id that is not running is not an error.
func CancelContext(h Handle, info CtxInfo, mode CancelMode) Error {
	inst, release, err := acquire(h)
	if !err.Ok() {
		return err
	}
	defer release()
	if info.CtxID == 0 {
		return errorf(dberr.CodeParams, "context id is required")
	}
	inst.ctxs.mu.Lock()
	cancel, ok := inst.ctxs.calls[info.CtxID]
	inst.ctxs.mu.Unlock()
	if ok {
		cause := context.Canceled
		if mode == CancelOnTimeout {
			cause = context.DeadlineExceeded
		}
		cancel(cause)
	}
	return errOK
}

// ctxErr reports why ctx ended, preferring the cancel cause.
func ctxErr(ctx context.Context) Error {
	if ctx.Err() == nil {
		return errOK
	}
	return ctxError(context.Cause(ctx))
}
