package engine

import (
	"github.com/myuser/docbind/internal/buffer"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/storage"
	"github.com/myuser/docbind/internal/wire"
	"github.com/tidwall/gjson"
)

// writeView stages the modifications of one namespace on top of the
// latest committed state. The namespace writer lock must be held from
// newWriteView until the staged ops are committed or discarded.
type writeView struct {
	db     *database
	ns     *namespace
	readTs uint64

	pending  map[string][]byte // stored value, nil when deleted
	serials  map[string]uint64
	ops      []storage.BatchOp
	affected int
}

// stagedItem is a document written by the view. Its version is the
// commit timestamp, known only after commit.
type stagedItem struct {
	id  uint64
	doc []byte
}

func newWriteView(db *database, ns *namespace) *writeView {
	return &writeView{
		db:      db,
		ns:      ns,
		readTs:  db.store.ReadTs(),
		pending: make(map[string][]byte),
		serials: make(map[string]uint64),
	}
}

func (v *writeView) get(key []byte) ([]byte, bool) {
	if val, ok := v.pending[string(key)]; ok {
		return val, val != nil
	}
	rec, ok := v.db.store.Get(key, v.readTs)
	if !ok {
		return nil, false
	}
	return rec.Value, true
}

func (v *writeView) put(key, value []byte) {
	v.pending[string(key)] = value
	v.ops = append(v.ops, storage.BatchOp{Key: key, Value: value})
}

// nextSerial returns the next SERIAL() value of field.
func (v *writeView) nextSerial(field string) (int64, Error) {
	n, ok := v.serials[field]
	if !ok {
		if val, found := v.get(storage.DocKey("#serial:"+v.ns.name, field)); found {
			var derr error
			if n, derr = wire.DecodeVarUint(val); derr != nil {
				return 0, errorf(dberr.CodeLogic, "serial counter %s.%s is corrupt: %v", v.ns.name, field, derr)
			}
		}
	}
	n++
	v.serials[field] = n
	return int64(n), errOK
}

// batch returns the staged ops including SERIAL() counter updates.
func (v *writeView) batch() []storage.BatchOp {
	ops := v.ops
	for field, n := range v.serials {
		ops = append(ops, storage.BatchOp{Key: storage.DocKey("#serial:"+v.ns.name, field), Value: wire.EncodeVarUint(n)})
	}
	return ops
}

// apply stages one modification. It returns the resulting document, or
// nil when nothing was changed.
func (v *writeView) apply(h wire.ModifyHeader, payload []byte) (*stagedItem, Error) {
	if h.StateToken != 0 {
		if cur := v.ns.token(); cur != h.StateToken {
			return nil, errorf(dberr.CodeStateInvalidated,
				"state token of namespace '%s' changed: got %d, current %d", v.ns.name, h.StateToken, cur)
		}
	}
	doc := payload
	if h.Format == wire.FormatCJSON {
		var err error
		if doc, err = wire.UnpackCJSON(payload); err != nil {
			return nil, errorf(dberr.CodeParseJSON, "cjson payload: %v", err)
		}
	}
	if !gjson.ValidBytes(doc) || !gjson.ParseBytes(doc).IsObject() {
		return nil, errorf(dberr.CodeParseJSON, "item payload is not a JSON object")
	}

	pk, ok := v.ns.pk()
	if !ok {
		return nil, errorf(dberr.CodeParams, "namespace '%s' has no primary key index", v.ns.name)
	}

	if h.Mode != wire.ModeDelete && len(h.Precepts) > 0 {
		var err Error
		if doc, err = v.applyPrecepts(doc, h.Precepts); !err.Ok() {
			return nil, err
		}
	}
	pkText, err := pk.pkText(doc)
	if !err.Ok() {
		return nil, err
	}
	key := storage.DocKey(v.ns.name, pkText)
	old, exists := v.get(key)

	if h.Mode == wire.ModeDelete {
		if !exists {
			return nil, errOK
		}
		id, oldDoc, derr := decodeDoc(old)
		if derr != nil {
			return nil, errorf(dberr.CodeLogic, "stored document %q: %v", pkText, derr)
		}
		v.put(key, nil)
		v.affected++
		return &stagedItem{id: id, doc: oldDoc}, errOK
	}

	v.ns.schemaMu.RLock()
	for _, idx := range v.ns.indexes {
		if err = idx.check(doc); !err.Ok() {
			break
		}
	}
	v.ns.schemaMu.RUnlock()
	if !err.Ok() {
		return nil, err
	}

	var id uint64
	switch {
	case h.Mode == wire.ModeInsert && exists, h.Mode == wire.ModeUpdate && !exists:
		return nil, errOK
	case exists:
		var derr error
		if id, _, derr = decodeDoc(old); derr != nil {
			return nil, errorf(dberr.CodeLogic, "stored document %q: %v", pkText, derr)
		}
	default:
		id = v.ns.nextID.Add(1)
	}
	v.put(key, encodeDoc(id, doc))
	v.affected++
	return &stagedItem{id: id, doc: doc}, errOK
}

// commit writes the staged ops. It returns the commit timestamp, or the
// read timestamp when nothing was staged.
func (v *writeView) commit() (uint64, Error) {
	ops := v.batch()
	if len(ops) == 0 {
		return v.readTs, errOK
	}
	if v.ns.dropped {
		return 0, errorf(dberr.CodeNotFound, "namespace '%s' was dropped", v.ns.name)
	}
	ts, err := v.db.commit(ops)
	if err != nil {
		return 0, errorf(dberr.CodeLogic, "commit: %v", err)
	}
	return ts, errOK
}

// ModifyItemPacked applies one item modification. args holds an encoded
// wire.ModifyHeader and data the item payload. The response carries the
// affected count and the resulting item.
func ModifyItemPacked(h Handle, args, data *buffer.Pinned, info CtxInfo) Ret {
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

	hdrBytes, perr := args.Bytes()
	if perr != nil {
		return inst.respond(nil, errorf(dberr.CodeParams, "modify header: %v", perr))
	}
	payload, perr := data.Bytes()
	if perr != nil {
		return inst.respond(nil, errorf(dberr.CodeParams, "modify payload: %v", perr))
	}
	hdr, derr := wire.DecodeModifyHeader(hdrBytes)
	if derr != nil {
		return inst.respond(nil, errorf(dberr.CodeParams, "modify header: %v", derr))
	}
	ns, err := db.lookup(hdr.Namespace)
	if !err.Ok() {
		return inst.respond(nil, err)
	}

	if err := ns.lockWriter(ctx); !err.Ok() {
		return inst.respond(nil, err)
	}
	defer ns.unlockWriter()
	view := newWriteView(db, ns)
	item, err := view.apply(hdr, payload)
	if !err.Ok() {
		return inst.respond(nil, err)
	}
	if err := ctxErr(ctx); !err.Ok() {
		return inst.respond(nil, err)
	}
	ts, err := view.commit()
	if !err.Ok() {
		return inst.respond(nil, err)
	}

	rs := newResultSet(hdr.Format == wire.FormatCJSON, ns)
	rs.TotalCount = uint64(view.affected)
	if item != nil {
		if aerr := rs.Add(item.id, ts, item.doc); aerr != nil {
			return inst.respond(nil, errorf(dberr.CodeLogic, "encode item: %v", aerr))
		}
	}
	return inst.respond(rs.Encode(), errOK)
}

func newResultSet(shared bool, ns *namespace) *wire.ResultSet {
	if shared {
		return wire.NewSharedResultSet(ns.token())
	}
	return &wire.ResultSet{}
}
