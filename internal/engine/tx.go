package engine

import (
	"sync"

	"github.com/google/uuid"
	"github.com/myuser/docbind/internal/buffer"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/wire"
	"go.uber.org/zap"
)

type stagedOp struct {
	hdr     wire.ModifyHeader
	payload []byte
}

type transaction struct {
	id        string
	namespace string

	mu  sync.Mutex
	ops []stagedOp
}

type txRegistry struct {
	mu  sync.Mutex
	txs map[string]*transaction
}

func newTxRegistry() *txRegistry {
	return &txRegistry{txs: make(map[string]*transaction)}
}

func (r *txRegistry) get(id string) (*transaction, Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, errorf(dberr.CodeBadTransaction, "transaction %q does not exist", id)
	}
	return tx, errOK
}

// take removes the transaction so no other call can finish it.
func (r *txRegistry) take(id string) (*transaction, Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, errorf(dberr.CodeBadTransaction, "transaction %q does not exist", id)
	}
	delete(r.txs, id)
	return tx, errOK
}

func (r *txRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.txs); n > 0 {
		Logger().Warn("discarding open transactions", zap.Int("count", n))
	}
	clear(r.txs)
}

// StartTransaction opens a transaction against one namespace and returns
// its id.
func StartTransaction(h Handle, name string, info CtxInfo) (string, Error) {
	inst, db, release, err := connected(h)
	if !err.Ok() {
		return "", err
	}
	defer release()
	_, done, err := inst.begin(info)
	if !err.Ok() {
		return "", err
	}
	defer done()
	if _, err := db.lookup(name); !err.Ok() {
		return "", err
	}
	tx := &transaction{id: uuid.NewString(), namespace: name}
	db.txs.mu.Lock()
	db.txs.txs[tx.id] = tx
	db.txs.mu.Unlock()
	return tx.id, errOK
}

// ModifyItemPackedTx stages the records of an encoded wire.TxBatch. The
// records are checked here but applied only by CommitTransaction.
func ModifyItemPackedTx(h Handle, txID string, batch *buffer.Pinned, info CtxInfo) Error {
	inst, db, release, err := connected(h)
	if !err.Ok() {
		return err
	}
	defer release()
	ctx, done, err := inst.begin(info)
	if !err.Ok() {
		return err
	}
	defer done()
	tx, err := db.txs.get(txID)
	if !err.Ok() {
		return err
	}
	buf, perr := batch.Bytes()
	if perr != nil {
		return errorf(dberr.CodeParams, "transaction batch: %v", perr)
	}

	var staged []stagedOp
	derr := wire.DecodeTxBatch(buf, func(hdr wire.ModifyHeader, payload []byte) error {
		if hdr.Namespace != tx.namespace {
			return errorf(dberr.CodeParams, "transaction on '%s' got an item for '%s'", tx.namespace, hdr.Namespace)
		}
		for _, p := range hdr.Precepts {
			if _, err := parsePrecept(p); !err.Ok() {
				return err
			}
		}
		staged = append(staged, stagedOp{hdr: hdr, payload: append([]byte(nil), payload...)})
		return nil
	})
	if derr != nil {
		if e, ok := derr.(Error); ok {
			return e
		}
		return errorf(dberr.CodeParams, "transaction batch: %v", derr)
	}
	if err := ctxErr(ctx); !err.Ok() {
		return err
	}

	tx.mu.Lock()
	tx.ops = append(tx.ops, staged...)
	tx.mu.Unlock()
	return errOK
}

// CommitTransaction applies every staged record as one atomic batch. The
// transaction is finished whatever the outcome.
func CommitTransaction(h Handle, txID string, info CtxInfo) Ret {
	inst, db, release, err := connected(h)
	if !err.Ok() {
		return Ret{Err: err}
	}
	defer release()
	ctx, done, err := inst.begin(info)
	if !err.Ok() {
		return inst.respond(nil, err)
	}
	defer done()

	tx, err := db.txs.take(txID)
	if !err.Ok() {
		return inst.respond(nil, err)
	}
	ns, err := db.lookup(tx.namespace)
	if !err.Ok() {
		return inst.respond(nil, err)
	}

	tx.mu.Lock()
	ops := tx.ops
	tx.ops = nil
	tx.mu.Unlock()

	if err := ns.lockWriter(ctx); !err.Ok() {
		return inst.respond(nil, err)
	}
	defer ns.unlockWriter()
	view := newWriteView(db, ns)
	for i, op := range ops {
		if i%checkEvery == 0 {
			if err := ctxErr(ctx); !err.Ok() {
				return inst.respond(nil, err)
			}
		}
		if _, err := view.apply(op.hdr, op.payload); !err.Ok() {
			return inst.respond(nil, err)
		}
	}
	if err := ctxErr(ctx); !err.Ok() {
		return inst.respond(nil, err)
	}
	if _, err := view.commit(); !err.Ok() {
		return inst.respond(nil, err)
	}
	Logger().Debug("transaction committed",
		zap.String("tx", txID),
		zap.String("namespace", ns.name),
		zap.Int("ops", len(ops)),
		zap.Int("affected", view.affected))

	rs := newResultSet(false, ns)
	rs.TotalCount = uint64(view.affected)
	return inst.respond(rs.Encode(), errOK)
}

// RollbackTransaction discards a transaction and everything staged in it.
func RollbackTransaction(h Handle, txID string, info CtxInfo) Error {
	inst, db, release, err := connected(h)
	if !err.Ok() {
		return err
	}
	defer release()
	_, done, err := inst.begin(info)
	if !err.Ok() {
		return err
	}
	defer done()
	_, err = db.txs.take(txID)
	return err
}

// checkEvery bounds how many staged records a commit applies between
// context checks.
const checkEvery = 256
