// Package binding drives the embedded engine through its buffer based
// entry points. A Binding owns one engine handle; every call pins its
// request buffers, attaches a CallContext, and decodes and frees the
// engine's response before returning.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/myuser/docbind/internal/buffer"
	"github.com/myuser/docbind/internal/config"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/engine"
	"github.com/myuser/docbind/internal/metrics"
	"github.com/myuser/docbind/internal/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/myuser/docbind/internal/binding"

// IndexDef describes one index of a namespace.
type IndexDef = engine.IndexDef

// NamespaceDef is an entry of the #namespaces system namespace.
type NamespaceDef struct {
	Name    string `json:"name"`
	Storage struct {
		Enabled bool `json:"enabled"`
	} `json:"storage"`
	Indexes []IndexDef `json:"indexes"`
}

// NamespaceOptions control OpenNamespace.
type NamespaceOptions struct {
	// Storage marks the namespace as persistent.
	Storage bool
	// CreateIfMissing creates the namespace instead of failing with a
	// not found error.
	CreateIfMissing bool
}

// DefaultNamespaceOptions creates persistent namespaces on first open.
var DefaultNamespaceOptions = NamespaceOptions{Storage: true, CreateIfMissing: true}

type Binding struct {
	h      engine.Handle
	cfg    config.Config
	log    *zap.Logger
	tracer trace.Tracer
	async  *semaphore.Weighted

	closed     atomic.Bool
	nextCallID atomic.Uint64
}

// New creates an engine instance configured by cfg. The database is opened
// by Connect.
func New(cfg config.Config, log *zap.Logger) (*Binding, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Log.Engine {
		engine.EnableLogger(log)
	}
	h := engine.Init(engine.Options{
		Debug:           cfg.Debug,
		GCInterval:      cfg.Engine.GCInterval,
		CheckpointBytes: cfg.Storage.CheckpointBytes,
		NoSync:          cfg.Storage.NoSync,
	})
	if cfg.Storage.Path != "" {
		if err := engine.EnableStorage(h, cfg.Storage.Path); !err.Ok() {
			engine.Destroy(h)
			return nil, dberr.FromEngine("enable_storage", err.Code, err.What, dberr.KindConnection)
		}
	}
	b := &Binding{
		h:      h,
		cfg:    cfg,
		log:    log.Named("binding"),
		tracer: otel.Tracer(tracerName),
		async:  semaphore.NewWeighted(cfg.Dispatch.AsyncWorkers),
	}
	b.log.Debug("engine initialized", zap.String("storage", cfg.Storage.Path))
	return b, nil
}

// Close destroys the engine instance. In-flight calls are canceled and
// waited for. Calls made after Close fail with an engine fatal error.
func (b *Binding) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := engine.Destroy(b.h); !err.Ok() {
		return dberr.FromEngine("close", err.Code, err.What, dberr.KindEngineFatal)
	}
	b.log.Debug("engine destroyed")
	return nil
}

// LiveBuffers returns the number of engine response buffers not yet freed.
func (b *Binding) LiveBuffers() int64 { return engine.LiveBuffers(b.h) }

// span starts the trace span and returns a finish func that records the
// call's latency, error kind and span status.
func (b *Binding) span(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "docbind."+op, trace.WithAttributes(attribute.String("docbind.op", op)))
	return ctx, func(err error) {
		kind := ""
		if err != nil {
			kind = dberr.KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObserveCall(op, time.Since(start), kind)
		span.End()
	}
}

// engineError classifies a failed engine call.
func (b *Binding) engineError(op string, err engine.Error, def dberr.Kind) error {
	if err.Code == dberr.CodeNotValid && b.closed.Load() {
		return dberr.New(dberr.KindEngineFatal, op, "binding is closed")
	}
	return dberr.FromEngine(op, err.Code, err.What, def)
}

func (b *Binding) enter(op string) error {
	if b.closed.Load() {
		return dberr.New(dberr.KindEngineFatal, op, "binding is closed")
	}
	return nil
}

// do runs an engine call that returns only a status.
func (b *Binding) do(ctx context.Context, op string, def dberr.Kind, fn func(CallContext) engine.Error) (err error) {
	ctx, finish := b.span(ctx, op)
	defer func() { finish(err) }()
	if err := b.enter(op); err != nil {
		return err
	}
	cc, err := b.callContext(ctx, op)
	if err != nil {
		return err
	}
	stop := b.watch(ctx, cc)
	defer stop()
	if eerr := fn(cc); !eerr.Ok() {
		return b.engineError(op, eerr, def)
	}
	return nil
}

// doBuffer runs an engine call that returns a response buffer and hands
// the guarded buffer to decode. The buffer is freed afterwards unless
// decode detached it.
func (b *Binding) doBuffer(ctx context.Context, op string, def dberr.Kind, fn func(CallContext) engine.Ret, decode func(*buffer.Result) error) (err error) {
	ctx, finish := b.span(ctx, op)
	defer func() { finish(err) }()
	if err := b.enter(op); err != nil {
		return err
	}
	cc, err := b.callContext(ctx, op)
	if err != nil {
		return err
	}
	stop := b.watch(ctx, cc)
	ret := fn(cc)
	stop()

	if ret.Out.IsZero() {
		if !ret.Err.Ok() {
			return b.engineError(op, ret.Err, def)
		}
		return dberr.New(dberr.KindBufferProtocol, op, "engine returned no response buffer")
	}
	res := buffer.NewResult(ret.Out, engine.FreeBuffer)
	defer func() {
		if cerr := res.Close(); cerr != nil && err == nil {
			err = dberr.Wrap(dberr.KindBufferProtocol, op, cerr)
		}
	}()
	if !ret.Err.Ok() {
		return b.responseError(op, res, ret.Err, def)
	}
	return decode(res)
}

// responseError reads the error carried in a failed response buffer.
func (b *Binding) responseError(op string, res *buffer.Result, eerr engine.Error, def dberr.Kind) error {
	buf, err := res.Bytes()
	if err != nil {
		return dberr.Wrap(dberr.KindBufferProtocol, op, err)
	}
	_, err = wire.DecodeQueryParams(buf)
	var resp *wire.ErrorResponse
	if !errors.As(err, &resp) {
		b.log.Warn("error response without encoded error", zap.String("op", op), zap.Int("code", eerr.Code))
		return b.engineError(op, eerr, def)
	}
	return b.engineError(op, engine.Error{Code: int(resp.Code), What: resp.Message}, def)
}

// Connect opens the database named by dsn and the namespaces stored in it.
func (b *Binding) Connect(ctx context.Context, dsn string) error {
	if dsn == "" {
		dsn = b.cfg.DSN
	}
	return b.do(ctx, "connect", dberr.KindConnection, func(CallContext) engine.Error {
		if err := engine.Connect(b.h, dsn, engine.ConnectOpts{OpenNamespaces: true}); !err.Ok() {
			return err
		}
		return engine.InitSystemNamespaces(b.h)
	})
}

func (b *Binding) Ping(ctx context.Context) error {
	return b.do(ctx, "ping", dberr.KindConnection, func(CallContext) engine.Error {
		return engine.Ping(b.h)
	})
}

func (b *Binding) OpenNamespace(ctx context.Context, name string, opts NamespaceOptions) error {
	var so engine.StorageOpts
	if opts.Storage {
		so |= engine.StorageEnabled
	}
	if opts.CreateIfMissing {
		so |= engine.StorageCreateIfMissing
	}
	return b.do(ctx, "open_namespace", dberr.KindNamespace, func(cc CallContext) engine.Error {
		return engine.OpenNamespace(b.h, name, so, cc.info())
	})
}

func (b *Binding) CloseNamespace(ctx context.Context, name string) error {
	return b.do(ctx, "close_namespace", dberr.KindNamespace, func(cc CallContext) engine.Error {
		return engine.CloseNamespace(b.h, name, cc.info())
	})
}

func (b *Binding) DropNamespace(ctx context.Context, name string) error {
	return b.do(ctx, "drop_namespace", dberr.KindNamespace, func(cc CallContext) engine.Error {
		return engine.DropNamespace(b.h, name, cc.info())
	})
}

func (b *Binding) TruncateNamespace(ctx context.Context, name string) error {
	return b.do(ctx, "truncate_namespace", dberr.KindNamespace, func(cc CallContext) engine.Error {
		return engine.TruncateNamespace(b.h, name, cc.info())
	})
}

func (b *Binding) AddIndex(ctx context.Context, ns string, def IndexDef) error {
	return b.indexCall(ctx, "add_index", def, func(js []byte, cc CallContext) engine.Error {
		return engine.AddIndex(b.h, ns, js, cc.info())
	})
}

func (b *Binding) UpdateIndex(ctx context.Context, ns string, def IndexDef) error {
	return b.indexCall(ctx, "update_index", def, func(js []byte, cc CallContext) engine.Error {
		return engine.UpdateIndex(b.h, ns, js, cc.info())
	})
}

// DropIndex removes the index called name.
func (b *Binding) DropIndex(ctx context.Context, ns, name string) error {
	return b.indexCall(ctx, "drop_index", IndexDef{Name: name}, func(js []byte, cc CallContext) engine.Error {
		return engine.DropIndex(b.h, ns, js, cc.info())
	})
}

func (b *Binding) indexCall(ctx context.Context, op string, def IndexDef, fn func([]byte, CallContext) engine.Error) error {
	js, err := json.Marshal(def)
	if err != nil {
		return dberr.Wrap(dberr.KindIndex, op, err)
	}
	return b.do(ctx, op, dberr.KindIndex, func(cc CallContext) engine.Error {
		return fn(js, cc)
	})
}
