package engine

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/storage"
	"github.com/myuser/docbind/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// StorageOpts are the OpenNamespace flags.
type StorageOpts uint8

const (
	StorageEnabled StorageOpts = 1 << iota
	StorageDropOnFileFormatError
	StorageCreateIfMissing
)

// SystemNamespaces lists namespace definitions.
const SystemNamespaces = "#namespaces"

// nsDef is the persisted and #namespaces-visible form of a namespace.
type nsDef struct {
	Name    string     `json:"name"`
	Storage nsStorage  `json:"storage"`
	Indexes []IndexDef `json:"indexes"`
}

type nsStorage struct {
	Enabled bool `json:"enabled"`
}

type namespace struct {
	name string

	// writer serializes writers; the dropped flag is guarded by it.
	writer  *semaphore.Weighted
	dropped bool

	schemaMu   sync.RWMutex
	indexes    []IndexDef
	storageOn  bool
	stateToken uint64

	opened atomic.Bool
	nextID atomic.Uint64
}

func newNamespace(def nsDef) *namespace {
	return &namespace{
		name:       def.Name,
		writer:     semaphore.NewWeighted(1),
		indexes:    def.Indexes,
		storageOn:  def.Storage.Enabled,
		stateToken: uint64(rand.Uint32()) | 1,
	}
}

// lockWriter waits for the writer slot until ctx ends.
func (ns *namespace) lockWriter(ctx context.Context) Error {
	if err := ns.writer.Acquire(ctx, 1); err != nil {
		return ctxError(context.Cause(ctx))
	}
	return errOK
}

func (ns *namespace) unlockWriter() { ns.writer.Release(1) }

func (ns *namespace) def() nsDef {
	ns.schemaMu.RLock()
	defer ns.schemaMu.RUnlock()
	return nsDef{
		Name:    ns.name,
		Storage: nsStorage{Enabled: ns.storageOn},
		Indexes: append([]IndexDef{}, ns.indexes...),
	}
}

func (ns *namespace) token() uint64 {
	ns.schemaMu.RLock()
	defer ns.schemaMu.RUnlock()
	return ns.stateToken
}

// FieldPath resolves an index name to its JSON path.
func (ns *namespace) FieldPath(_ string, field string) string {
	ns.schemaMu.RLock()
	defer ns.schemaMu.RUnlock()
	for _, idx := range ns.indexes {
		if idx.Name == field {
			return idx.path()
		}
	}
	return field
}

func (ns *namespace) PrimaryKey(string) (string, bool) {
	pk, ok := ns.pk()
	return pk.Name, ok
}

func (ns *namespace) pk() (IndexDef, bool) {
	ns.schemaMu.RLock()
	defer ns.schemaMu.RUnlock()
	for _, idx := range ns.indexes {
		if idx.IsPK {
			return idx, true
		}
	}
	return IndexDef{}, false
}

func (ns *namespace) prefix() []byte { return storage.NamespacePrefix(ns.name) }

// serialPrefix holds the SERIAL() counters of ns.
func serialPrefix(ns string) []byte { return storage.NamespacePrefix("#serial:" + ns) }

// recoverIDs sets the next row id past every stored document.
func (ns *namespace) recoverIDs(store *storage.MemoryStore) {
	ts, release := store.Acquire()
	defer release()
	var maxID uint64
	store.ScanPrefix(ns.prefix(), ts, func(_ []byte, rec storage.Record) bool {
		if id, _, err := decodeDoc(rec.Value); err == nil && id > maxID {
			maxID = id
		}
		return true
	})
	ns.nextID.Store(maxID)
}

// encodeDoc prefixes the document JSON with its row id.
func encodeDoc(id uint64, doc []byte) []byte {
	s := wire.NewSerializer(len(doc) + 10)
	s.PutVarUint(id)
	s.Write(doc)
	return s.Bytes()
}

func decodeDoc(v []byte) (uint64, []byte, error) {
	r := wire.NewReader(v)
	id, err := r.ReadVarUint()
	if err != nil {
		return 0, nil, err
	}
	return id, v[r.Pos():], nil
}

func (db *database) lookup(name string) (*namespace, Error) {
	db.mu.RLock()
	ns, ok := db.namespaces[name]
	db.mu.RUnlock()
	if !ok {
		return nil, errorf(dberr.CodeNotFound, "namespace '%s' does not exist", name)
	}
	if !ns.opened.Load() {
		return nil, errorf(dberr.CodeNotFound, "namespace '%s' is closed", name)
	}
	return ns, errOK
}

// OpenNamespace opens name, creating it when StorageCreateIfMissing is set.
func OpenNamespace(h Handle, name string, opts StorageOpts, info CtxInfo) Error {
	inst, db, release, err := connected(h)
	if !err.Ok() {
		return err
	}
	defer release()
	if err := validNamespaceName(name); !err.Ok() {
		return err
	}
	_, done, err := inst.begin(info)
	if !err.Ok() {
		return err
	}
	defer done()

	db.mu.Lock()
	defer db.mu.Unlock()
	if ns, ok := db.namespaces[name]; ok {
		ns.opened.Store(true)
		return errOK
	}
	if opts&StorageCreateIfMissing == 0 {
		return errorf(dberr.CodeNotFound, "namespace '%s' does not exist", name)
	}
	ns := newNamespace(nsDef{Name: name, Storage: nsStorage{Enabled: opts&StorageEnabled != 0}})
	if perr := db.putDef(ns.def()); perr != nil {
		return errorf(dberr.CodeLogic, "persist namespace '%s': %v", name, perr)
	}
	ns.opened.Store(true)
	db.namespaces[name] = ns
	Logger().Info("namespace created", zap.String("namespace", name))
	return errOK
}

// CloseNamespace makes name unavailable until it is opened again. Its
// documents are kept.
func CloseNamespace(h Handle, name string, info CtxInfo) Error {
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
	ns, err := db.lookup(name)
	if !err.Ok() {
		return err
	}
	ns.opened.Store(false)
	return errOK
}

// DropNamespace deletes name together with its documents and schema.
func DropNamespace(h Handle, name string, info CtxInfo) Error {
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

	db.mu.RLock()
	ns, ok := db.namespaces[name]
	db.mu.RUnlock()
	if !ok {
		return errorf(dberr.CodeNotFound, "namespace '%s' does not exist", name)
	}
	if err := ns.lockWriter(ctx); !err.Ok() {
		return err
	}
	defer ns.unlockWriter()
	db.mu.Lock()
	if ns.dropped || db.namespaces[name] != ns {
		db.mu.Unlock()
		return errorf(dberr.CodeNotFound, "namespace '%s' does not exist", name)
	}
	delete(db.namespaces, name)
	db.mu.Unlock()
	ns.dropped = true
	if derr := db.dropRange(ns.prefix(), serialPrefix(name)); derr != nil {
		return errorf(dberr.CodeLogic, "drop namespace '%s': %v", name, derr)
	}
	if derr := db.deleteDef(name); derr != nil {
		return errorf(dberr.CodeLogic, "drop namespace '%s': %v", name, derr)
	}
	Logger().Info("namespace dropped", zap.String("namespace", name))
	return errOK
}

// TruncateNamespace deletes every document of name and keeps its schema.
func TruncateNamespace(h Handle, name string, info CtxInfo) Error {
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
	ns, err := db.lookup(name)
	if !err.Ok() {
		return err
	}
	if err := ns.lockWriter(ctx); !err.Ok() {
		return err
	}
	defer ns.unlockWriter()
	if ns.dropped {
		return errorf(dberr.CodeNotFound, "namespace '%s' does not exist", name)
	}
	if derr := db.dropRange(ns.prefix()); derr != nil {
		return errorf(dberr.CodeLogic, "truncate namespace '%s': %v", name, derr)
	}
	return errOK
}

// AddIndex adds an index to name. Adding an index that already exists
// with the same definition is a no-op.
func AddIndex(h Handle, name string, defJSON []byte, info CtxInfo) Error {
	return alterIndex(h, name, defJSON, info, func(ns *namespace, def IndexDef) Error {
		for _, idx := range ns.indexes {
			if idx.Name == def.Name {
				if sameIndex(idx, def) {
					return errOK
				}
				return errorf(dberr.CodeConflict, "index '%s' already exists with a different definition", def.Name)
			}
			if def.IsPK && idx.IsPK {
				return errorf(dberr.CodeConflict, "namespace '%s' already has primary key '%s'", ns.name, idx.Name)
			}
		}
		ns.indexes = append(ns.indexes, def)
		return errOK
	})
}

// UpdateIndex replaces the definition of an existing index.
func UpdateIndex(h Handle, name string, defJSON []byte, info CtxInfo) Error {
	return alterIndex(h, name, defJSON, info, func(ns *namespace, def IndexDef) Error {
		for i, idx := range ns.indexes {
			if idx.Name == def.Name {
				if idx.IsPK != def.IsPK {
					return errorf(dberr.CodeParams, "index '%s': cannot change the primary key flag", def.Name)
				}
				ns.indexes[i] = def
				return errOK
			}
		}
		return errorf(dberr.CodeNotFound, "index '%s' does not exist", def.Name)
	})
}

// DropIndex removes an index. The definition needs only its name.
func DropIndex(h Handle, name string, defJSON []byte, info CtxInfo) Error {
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
	ns, err := db.lookup(name)
	if !err.Ok() {
		return err
	}
	var def IndexDef
	if jerr := json.Unmarshal(defJSON, &def); jerr != nil {
		return errorf(dberr.CodeParseJSON, "index definition: %v", jerr)
	}

	if err := ns.lockWriter(ctx); !err.Ok() {
		return err
	}
	defer ns.unlockWriter()
	ns.schemaMu.Lock()
	defer ns.schemaMu.Unlock()
	for i, idx := range ns.indexes {
		if idx.Name != def.Name {
			continue
		}
		if idx.IsPK {
			return errorf(dberr.CodeParams, "cannot drop primary key '%s'", idx.Name)
		}
		ns.indexes = append(ns.indexes[:i:i], ns.indexes[i+1:]...)
		ns.stateToken++
		return db.persistSchemaLocked(ns)
	}
	return errorf(dberr.CodeNotFound, "index '%s' does not exist", def.Name)
}

func alterIndex(h Handle, name string, defJSON []byte, info CtxInfo, apply func(*namespace, IndexDef) Error) Error {
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
	ns, err := db.lookup(name)
	if !err.Ok() {
		return err
	}
	def, err := parseIndexDef(defJSON)
	if !err.Ok() {
		return err
	}

	if err := ns.lockWriter(ctx); !err.Ok() {
		return err
	}
	defer ns.unlockWriter()
	ns.schemaMu.Lock()
	defer ns.schemaMu.Unlock()
	before := len(ns.indexes)
	prev := append([]IndexDef{}, ns.indexes...)
	if err := apply(ns, def); !err.Ok() {
		return err
	}
	if len(ns.indexes) == before && sameIndexes(prev, ns.indexes) {
		return errOK
	}
	ns.stateToken++
	return db.persistSchemaLocked(ns)
}

// persistSchemaLocked writes ns's definition. ns.schemaMu must be held.
func (db *database) persistSchemaLocked(ns *namespace) Error {
	def := nsDef{Name: ns.name, Storage: nsStorage{Enabled: ns.storageOn}, Indexes: ns.indexes}
	if err := db.putDef(def); err != nil {
		return errorf(dberr.CodeLogic, "persist namespace '%s': %v", ns.name, err)
	}
	return errOK
}

func sameIndex(a, b IndexDef) bool {
	return a.Name == b.Name && a.FieldType == b.FieldType && a.IndexType == b.IndexType &&
		a.IsPK == b.IsPK && a.IsArray == b.IsArray && a.IsDense == b.IsDense &&
		a.IsSparse == b.IsSparse && a.path() == b.path()
}

func sameIndexes(a, b []IndexDef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameIndex(a[i], b[i]) {
			return false
		}
	}
	return true
}
