package binding

import (
	"context"

	"github.com/myuser/docbind/internal/buffer"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/engine"
)

// The calls below are the engine side of a transaction. Use package txn
// for the state machine built on them.

// StartTx opens an engine transaction on ns and returns its id.
func (b *Binding) StartTx(ctx context.Context, ns string) (string, error) {
	var id string
	err := b.do(ctx, "start_transaction", dberr.KindNamespace, func(cc CallContext) engine.Error {
		var err engine.Error
		id, err = engine.StartTransaction(b.h, ns, cc.info())
		return err
	})
	return id, err
}

// StageTx hands an encoded wire.TxBatch to transaction id.
func (b *Binding) StageTx(ctx context.Context, id string, batch []byte) error {
	return b.do(ctx, "modify_item_tx", dberr.KindNamespace, func(cc CallContext) engine.Error {
		var err engine.Error
		if perr := buffer.PinFor(batch, func(p *buffer.Pinned) error {
			err = engine.ModifyItemPackedTx(b.h, id, p, cc.info())
			return nil
		}); perr != nil && err.Ok() {
			err = engine.Error{Code: dberr.CodeParams, What: perr.Error()}
		}
		return err
	})
}

// CommitTx applies transaction id. The result's TotalCount is the number
// of affected items.
func (b *Binding) CommitTx(ctx context.Context, id string) (*Result, error) {
	var out *Result
	err := b.doBuffer(ctx, "commit_transaction", dberr.KindNamespace, func(cc CallContext) engine.Ret {
		return engine.CommitTransaction(b.h, id, cc.info())
	}, func(res *buffer.Result) (err error) {
		out, err = decodeResult("commit_transaction", res)
		return err
	})
	return out, err
}

// RollbackTx discards transaction id.
func (b *Binding) RollbackTx(ctx context.Context, id string) error {
	return b.do(ctx, "rollback_transaction", dberr.KindTransactionState, func(cc CallContext) engine.Error {
		return engine.RollbackTransaction(b.h, id, cc.info())
	})
}
