package txn

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/myuser/docbind/internal/binding"
	"github.com/myuser/docbind/internal/config"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/engine"
	"github.com/myuser/docbind/internal/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

const ns = "tx_items"

type fixture struct {
	db   *binding.Binding
	ctl  *Controller
	logs *observer.ObservedLogs
}

func setup(t *testing.T, flushBytes int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.GCInterval = 0
	cfg.Dispatch.TxFlushBytes = flushBytes
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	db, err := binding.New(cfg, log)
	assert.NilError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	assert.NilError(t, db.Connect(ctx, ""))
	assert.NilError(t, db.OpenNamespace(ctx, ns, binding.DefaultNamespaceOptions))
	assert.NilError(t, db.AddIndex(ctx, ns, binding.IndexDef{Name: "id", FieldType: engine.FieldInt, IndexType: engine.IndexHash, IsPK: true}))
	return &fixture{db: db, ctl: NewController(db, cfg.Dispatch, log), logs: logs}
}

func (f *fixture) count(t *testing.T, where string) uint64 {
	t.Helper()
	q := "SELECT * FROM " + ns
	if where != "" {
		q += " WHERE " + where
	}
	res, err := f.db.Select(context.Background(), q)
	assert.NilError(t, err)
	return res.TotalCount
}

func item(id int) []byte { return fmt.Appendf(nil, `{"id":%d}`, id) }

func TestCommitRollbackAbandon(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	tx, err := f.ctl.Start(ctx, ns)
	assert.NilError(t, err)
	assert.NilError(t, tx.Modify(ctx, wire.ModeInsert, item(10500)))
	res, err := tx.Commit(ctx)
	assert.NilError(t, err)
	assert.Equal(t, res.TotalCount, uint64(1))
	assert.Equal(t, tx.State(), StateCommitted)
	assert.Equal(t, f.count(t, "id = 10500"), uint64(1))

	tx, err = f.ctl.Start(ctx, ns)
	assert.NilError(t, err)
	assert.NilError(t, tx.Modify(ctx, wire.ModeInsert, item(10501)))
	assert.NilError(t, tx.Rollback(ctx))
	assert.Equal(t, tx.State(), StateRolledBack)
	assert.Equal(t, f.count(t, "id = 10501"), uint64(0))

	id := func() string {
		tx, err := f.ctl.Start(ctx, ns)
		assert.NilError(t, err)
		assert.NilError(t, tx.Modify(ctx, wire.ModeInsert, item(10502)))
		return tx.ID()
	}()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		runtime.GC()
		if f.logs.FilterMessage("rolling back abandoned transaction").Len() == 0 {
			return poll.Continue("abandoned transaction %s not cleaned up yet", id)
		}
		return poll.Success()
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(10*time.Millisecond))
	assert.Equal(t, f.count(t, "id = 10502"), uint64(0))

	// the engine no longer knows the transaction
	err = f.db.RollbackTx(ctx, id)
	assert.Check(t, dberr.Is(err, dberr.KindTransactionState), "%v", err)
}

func TestTerminalStates(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	tx, err := f.ctl.Start(ctx, ns)
	assert.NilError(t, err)
	_, err = tx.Commit(ctx)
	assert.NilError(t, err)

	for _, err := range []error{
		tx.Modify(ctx, wire.ModeUpsert, item(1)),
		tx.Rollback(ctx),
		func() error { _, err := tx.Commit(ctx); return err }(),
	} {
		assert.Check(t, dberr.Is(err, dberr.KindTransactionState), "%v", err)
		assert.Check(t, errdefs.IsFailedPrecondition(err))
	}
	assert.NilError(t, tx.Close())
	assert.Equal(t, tx.State(), StateCommitted)
	assert.Equal(t, f.count(t, ""), uint64(0))
}

func TestCloseRollsBack(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	err := func() error {
		tx, err := f.ctl.Start(ctx, ns)
		if err != nil {
			return err
		}
		defer tx.Close()
		if err := tx.Modify(ctx, wire.ModeInsert, item(7)); err != nil {
			return err
		}
		return fmt.Errorf("caller gave up")
	}()
	assert.ErrorContains(t, err, "caller gave up")
	assert.Equal(t, f.count(t, ""), uint64(0))
}

func TestFlushKeepsItemsHidden(t *testing.T) {
	f := setup(t, 64)
	ctx := context.Background()

	tx, err := f.ctl.Start(ctx, ns)
	assert.NilError(t, err)
	defer tx.Close()
	for i := 0; i < 20; i++ {
		assert.NilError(t, tx.Modify(ctx, wire.ModeUpsert, item(i)))
	}
	assert.Assert(t, f.logs.FilterMessage("transaction batch flushed").Len() > 0)
	assert.Equal(t, tx.Staged(), 20)
	assert.Equal(t, f.count(t, ""), uint64(0))

	res, err := tx.Commit(ctx)
	assert.NilError(t, err)
	assert.Equal(t, res.TotalCount, uint64(20))
	assert.Equal(t, f.count(t, ""), uint64(20))
}

func TestFailedCommitAborts(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	tx, err := f.ctl.Start(ctx, ns)
	assert.NilError(t, err)
	assert.NilError(t, tx.Modify(ctx, wire.ModeInsert, item(1)))
	assert.NilError(t, tx.Modify(ctx, wire.ModeInsert, []byte(`{"id":`)))
	_, err = tx.Commit(ctx)
	assert.Check(t, errdefs.IsInvalidArgument(err), "%v", err)
	assert.Equal(t, tx.State(), StateAborted)
	assert.Equal(t, f.count(t, ""), uint64(0))

	err = tx.Modify(ctx, wire.ModeInsert, item(2))
	assert.Check(t, dberr.Is(err, dberr.KindTransactionState))
}

func TestFailedFlushAborts(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	tx, err := f.ctl.Start(ctx, ns)
	assert.NilError(t, err)
	err = tx.Modify(ctx, wire.ModeInsert, item(1), binding.WithPrecepts("id=BOGUS()"))
	assert.Check(t, errdefs.IsInvalidArgument(err), "%v", err)
	assert.Equal(t, tx.State(), StateAborted)
	assert.Check(t, dberr.Is(tx.Rollback(ctx), dberr.KindTransactionState))
}

func TestCommitWithExpiredContext(t *testing.T) {
	f := setup(t, 0)

	tx, err := f.ctl.Start(context.Background(), ns)
	assert.NilError(t, err)
	assert.NilError(t, tx.Modify(context.Background(), wire.ModeInsert, item(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tx.Commit(ctx)
	assert.Check(t, dberr.Is(err, dberr.KindTimeout), "%v", err)
	assert.Equal(t, tx.State(), StateAborted)
	assert.Equal(t, f.count(t, ""), uint64(0))
	err = f.db.RollbackTx(context.Background(), tx.ID())
	assert.Check(t, dberr.Is(err, dberr.KindTransactionState))
}

func TestRollbackWithCanceledContext(t *testing.T) {
	f := setup(t, 0)

	tx, err := f.ctl.Start(context.Background(), ns)
	assert.NilError(t, err)
	assert.NilError(t, tx.Modify(context.Background(), wire.ModeInsert, item(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NilError(t, tx.Rollback(ctx))
	assert.Equal(t, tx.State(), StateRolledBack)
	err = f.db.RollbackTx(context.Background(), tx.ID())
	assert.Check(t, dberr.Is(err, dberr.KindTransactionState), "engine transaction still open: %v", err)
	assert.Equal(t, f.count(t, ""), uint64(0))
}

func TestModifyAsync(t *testing.T) {
	f := setup(t, 128)
	ctx := context.Background()

	tx, err := f.ctl.Start(ctx, ns)
	assert.NilError(t, err)
	defer tx.Close()
	calls := make([]*binding.Call[struct{}], 30)
	for i := range calls {
		calls[i] = tx.ModifyAsync(ctx, wire.ModeUpsert, item(i))
	}
	for _, c := range calls {
		_, err := c.Wait(ctx)
		assert.NilError(t, err)
	}
	res, err := tx.Commit(ctx)
	assert.NilError(t, err)
	assert.Equal(t, res.TotalCount, uint64(30))
}

func TestStartOnMissingNamespace(t *testing.T) {
	f := setup(t, 0)
	_, err := f.ctl.Start(context.Background(), "nope")
	assert.Check(t, errdefs.IsNotFound(err), "%v", err)
}
