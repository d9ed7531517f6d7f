// Package engine is the embedded document engine driven by the binding.
//
// It exposes a flat, handle based API in the style of a C library: every
// entry point takes a Handle, reports failures as an Error code and
// message, and returns results in engine-owned buffers that the caller
// must release with FreeBuffer exactly once.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myuser/docbind/internal/buffer"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/wire"
	"go.uber.org/zap"
)

// Handle identifies an engine instance.
type Handle uintptr

// Error is the status of an engine call. Code 0 means success.
type Error struct {
	Code int
	What string
}

func (e Error) Ok() bool { return e.Code == dberr.CodeOK }

func (e Error) Error() string { return fmt.Sprintf("engine error %d: %s", e.Code, e.What) }

func errorf(code int, format string, args ...any) Error {
	return Error{Code: code, What: fmt.Sprintf(format, args...)}
}

var errOK = Error{}

// CtxInfo carries per-call execution context. A nonzero CtxID registers
// the call for CancelContext. ExecTimeout <= 0 disables the deadline.
type CtxInfo struct {
	CtxID       uint64
	ExecTimeout time.Duration
}

// Ret is the result of a buffer-returning call. Out is set on success and
// on failure, where it carries the encoded error, and must be freed either
// way.
type Ret struct {
	Out buffer.Block
	Err Error
}

// Options configure a new instance.
type Options struct {
	// Debug poisons freed response buffers.
	Debug bool
	// GCInterval is the period of MVCC version compaction. Zero disables it.
	GCInterval time.Duration
	// CheckpointBytes triggers a snapshot once the log grows past it.
	CheckpointBytes int64
	// NoSync skips fsync on log appends.
	NoSync bool
}

type instance struct {
	// Calls hold fence for reading; Destroy takes it for writing so it
	// waits for in-flight calls to drain.
	fence  sync.RWMutex
	closed bool

	opts   Options
	arena  *buffer.Arena
	ctx    context.Context
	cancel context.CancelFunc
	ctxs   *ctxRegistry

	storageRoot string
	db          atomic.Pointer[database]
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Handle]*instance)
	nextHandle atomic.Uintptr
)

// Init creates an engine instance.
func Init(opts Options) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		opts:   opts,
		arena:  buffer.NewArena(opts.Debug),
		ctx:    ctx,
		cancel: cancel,
		ctxs:   newCtxRegistry(),
	}
	h := Handle(nextHandle.Add(1))
	registryMu.Lock()
	registry[h] = inst
	registryMu.Unlock()
	Logger().Debug("engine instance created", zap.Uintptr("handle", uintptr(h)))
	return h
}

// Destroy releases an instance. Calls that have not started yet fail with
// NotValid; calls already running are canceled and waited for.
func Destroy(h Handle) Error {
	registryMu.Lock()
	inst, ok := registry[h]
	delete(registry, h)
	registryMu.Unlock()
	if !ok {
		return errorf(dberr.CodeNotValid, "invalid engine handle %d", h)
	}

	inst.cancel()
	inst.fence.Lock()
	defer inst.fence.Unlock()
	inst.closed = true

	var err Error
	if db := inst.db.Swap(nil); db != nil {
		if cerr := db.close(); cerr != nil {
			err = errorf(dberr.CodeLogic, "close database: %v", cerr)
		}
	}
	if live := inst.arena.Live(); live > 0 {
		Logger().Warn("engine destroyed with unreleased buffers", zap.Int64("live", live))
	}
	Logger().Debug("engine instance destroyed", zap.Uintptr("handle", uintptr(h)))
	return err
}

// acquire enters a call on h. The returned release must be called when the
// call finishes.
func acquire(h Handle) (*instance, func(), Error) {
	registryMu.RLock()
	inst, ok := registry[h]
	registryMu.RUnlock()
	if !ok {
		return nil, nil, errorf(dberr.CodeNotValid, "invalid engine handle %d", h)
	}
	inst.fence.RLock()
	if inst.closed {
		inst.fence.RUnlock()
		return nil, nil, errorf(dberr.CodeNotValid, "engine handle %d destroyed", h)
	}
	return inst, inst.fence.RUnlock, errOK
}

// connected enters a call that needs an open database.
func connected(h Handle) (*instance, *database, func(), Error) {
	inst, release, err := acquire(h)
	if !err.Ok() {
		return nil, nil, nil, err
	}
	db := inst.db.Load()
	if db == nil {
		release()
		return nil, nil, nil, errorf(dberr.CodeNotValid, "not connected")
	}
	return inst, db, release, errOK
}

// respond allocates an engine-owned response buffer.
func (inst *instance) respond(out []byte, err Error) Ret {
	if !err.Ok() {
		out = wire.EncodeError(int32(err.Code), err.What)
	}
	return Ret{Out: inst.arena.Alloc(out), Err: err}
}

// Ping reports whether h is a live, connected instance.
func Ping(h Handle) Error {
	_, _, release, err := connected(h)
	if !err.Ok() {
		return err
	}
	release()
	return errOK
}

// FreeBuffer releases a buffer returned by the engine.
func FreeBuffer(b buffer.Block) error {
	return b.Free()
}

// LiveBuffers returns the number of unreleased response buffers of h.
func LiveBuffers(h Handle) int64 {
	inst, release, err := acquire(h)
	if !err.Ok() {
		return 0
	}
	defer release()
	return inst.arena.Live()
}

// ctxError converts a context failure into an engine error.
func ctxError(err error) Error {
	if err == context.DeadlineExceeded {
		return errorf(dberr.CodeTimeout, "context timeout")
	}
	return errorf(dberr.CodeCanceled, "context canceled")
}
