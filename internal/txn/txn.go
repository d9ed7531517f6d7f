// Package txn implements client side transactions on top of the binding.
//
// A Transaction stages modify commands for one namespace into a
// wire.TxBatch and hands the batch to the engine when it grows past the
// configured flush size or on Commit. Nothing staged is visible to readers
// until the engine acknowledges the commit.
package txn

import (
	"context"
	"runtime"
	"sync"

	"github.com/myuser/docbind/internal/binding"
	"github.com/myuser/docbind/internal/config"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/metrics"
	"github.com/myuser/docbind/internal/wire"
	"go.uber.org/zap"
)

type State int32

const (
	StateOpen State = iota
	StateCommitted
	StateRolledBack
	// StateAborted follows a failed flush or commit.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Controller starts transactions on a binding.
type Controller struct {
	db         *binding.Binding
	flushBytes int
	log        *zap.Logger
}

func NewController(db *binding.Binding, cfg config.DispatchConfig, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{db: db, flushBytes: cfg.TxFlushBytes, log: log.Named("txn")}
}

// Transaction is a batch of modifications against one namespace. It is
// safe for concurrent use, but concurrent Modify calls stage in no
// particular order.
type Transaction struct {
	db         *binding.Binding
	log        *zap.Logger
	ns         string
	id         string
	flushBytes int

	mu      sync.Mutex
	state   State
	batch   *wire.TxBatch
	staged  int
	cleanup runtime.Cleanup
}

// orphan is what the cleanup of an abandoned transaction needs. It must
// not point back at the Transaction.
type orphan struct {
	db  *binding.Binding
	log *zap.Logger
	ns  string
	id  string
}

func rollbackOrphan(o orphan) {
	o.log.Warn("rolling back abandoned transaction", zap.String("namespace", o.ns), zap.String("tx", o.id))
	if err := o.db.RollbackTx(context.Background(), o.id); err != nil {
		o.log.Debug("abandoned rollback failed", zap.String("tx", o.id), zap.Error(err))
	}
	metrics.TxClosed()
}

// Start opens a transaction on namespace ns.
func (c *Controller) Start(ctx context.Context, ns string) (*Transaction, error) {
	id, err := c.db.StartTx(ctx, ns)
	if err != nil {
		return nil, err
	}
	t := &Transaction{
		db:         c.db,
		log:        c.log,
		ns:         ns,
		id:         id,
		flushBytes: c.flushBytes,
		batch:      wire.NewTxBatch(),
	}
	t.cleanup = runtime.AddCleanup(t, rollbackOrphan, orphan{db: c.db, log: c.log, ns: ns, id: id})
	metrics.TxOpened()
	c.log.Debug("transaction started", zap.String("namespace", ns), zap.String("tx", id))
	return t, nil
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) Namespace() string { return t.ns }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Staged returns the number of modifications staged so far.
func (t *Transaction) Staged() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.staged
}

func (t *Transaction) finished(op string) error {
	return dberr.New(dberr.KindTransactionState, op, "transaction %s already finished (%s)", t.id, t.state)
}

// Modify stages one modification. It is not visible to readers until
// Commit succeeds.
func (t *Transaction) Modify(ctx context.Context, mode wire.Mode, payload []byte, opts ...binding.ModifyOption) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return t.finished("tx_modify")
	}
	hdr := wire.ModifyHeader{Namespace: t.ns, Mode: mode}
	for _, o := range opts {
		o(&hdr)
	}
	t.batch.Add(hdr, payload)
	t.staged++
	if t.flushBytes > 0 && t.batch.Size() >= t.flushBytes {
		return t.flushLocked(ctx)
	}
	return nil
}

// ModifyAsync is the asynchronous form of Modify. payload must not be
// modified until the call is done.
func (t *Transaction) ModifyAsync(ctx context.Context, mode wire.Mode, payload []byte, opts ...binding.ModifyOption) *binding.Call[struct{}] {
	return binding.Go(ctx, t.db, "tx_modify", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.Modify(ctx, mode, payload, opts...)
	})
}

// flushLocked hands the staged batch to the engine. A failed flush aborts
// the transaction.
func (t *Transaction) flushLocked(ctx context.Context) error {
	if t.batch.Count() == 0 {
		return nil
	}
	if err := t.db.StageTx(ctx, t.id, t.batch.Bytes()); err != nil {
		t.abortLocked(ctx, "flush", err)
		return err
	}
	t.log.Debug("transaction batch flushed", zap.String("tx", t.id), zap.Int("items", t.batch.Count()), zap.Int("bytes", t.batch.Size()))
	t.batch.Reset()
	return nil
}

// abortLocked makes sure the engine forgets the transaction. The engine
// may already have dropped it, so the rollback error is only logged.
func (t *Transaction) abortLocked(ctx context.Context, stage string, cause error) {
	if err := t.db.RollbackTx(context.WithoutCancel(ctx), t.id); err != nil {
		t.log.Debug("rollback after failure", zap.String("tx", t.id), zap.Error(err))
	}
	t.log.Warn("transaction aborted", zap.String("tx", t.id), zap.String("stage", stage), zap.Error(cause))
	t.endLocked(StateAborted)
}

func (t *Transaction) endLocked(s State) {
	t.state = s
	t.batch.Reset()
	t.cleanup.Stop()
	metrics.TxClosed()
}

// Commit applies every staged modification at once. On failure the
// transaction is aborted and none of them become visible. The result's
// TotalCount is the number of affected items.
func (t *Transaction) Commit(ctx context.Context) (*binding.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return nil, t.finished("tx_commit")
	}
	if err := t.flushLocked(ctx); err != nil {
		return nil, err
	}
	res, err := t.db.CommitTx(ctx, t.id)
	if err != nil {
		t.abortLocked(ctx, "commit", err)
		return nil, err
	}
	t.endLocked(StateCommitted)
	t.log.Debug("transaction committed", zap.String("tx", t.id), zap.Int("staged", t.staged), zap.Uint64("affected", res.TotalCount))
	return res, nil
}

// Rollback discards the transaction. The engine side is released even
// when ctx is already done.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return t.finished("tx_rollback")
	}
	err := t.db.RollbackTx(context.WithoutCancel(ctx), t.id)
	t.endLocked(StateRolledBack)
	return err
}

// Close rolls the transaction back if it is still open. It is meant to be
// deferred right after Start and does nothing once the transaction has
// finished.
func (t *Transaction) Close() error {
	t.mu.Lock()
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open {
		return nil
	}
	err := t.Rollback(context.Background())
	if dberr.Is(err, dberr.KindTransactionState) {
		// finished concurrently
		return nil
	}
	return err
}
