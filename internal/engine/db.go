package engine

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/storage"
	"go.uber.org/zap"
)

const dsnScheme = "builtin://"

// ConnectOpts configure Connect.
type ConnectOpts struct {
	// OpenNamespaces opens every stored namespace right away.
	OpenNamespaces bool
}

type database struct {
	name  string
	store *storage.MemoryStore
	disk  *diskStorage // nil in memory mode

	mu         sync.RWMutex
	namespaces map[string]*namespace
	system     bool

	// commitMu orders timestamps, WAL appends and store commits.
	commitMu sync.Mutex

	txs *txRegistry

	stop chan struct{}
	wg   sync.WaitGroup
}

// EnableStorage makes the next Connect on h persist under root.
func EnableStorage(h Handle, root string) Error {
	inst, release, err := acquire(h)
	if !err.Ok() {
		return err
	}
	defer release()
	if inst.db.Load() != nil {
		return errorf(dberr.CodeLogic, "storage must be enabled before connect")
	}
	if root == "" {
		return errorf(dberr.CodeParams, "storage path is empty")
	}
	inst.storageRoot = root
	return errOK
}

// Connect opens the database named by dsn, "builtin://<name>". With
// storage enabled the database lives in <root>/<name>, otherwise in memory.
func Connect(h Handle, dsn string, opts ConnectOpts) Error {
	inst, release, err := acquire(h)
	if !err.Ok() {
		return err
	}
	defer release()
	if inst.db.Load() != nil {
		return errorf(dberr.CodeParams, "already connected")
	}
	name, ok := strings.CutPrefix(dsn, dsnScheme)
	if !ok {
		return errorf(dberr.CodeParams, "unsupported dsn %q, want %s<name>", dsn, dsnScheme)
	}
	name = strings.Trim(name, "/")
	if name == "" {
		return errorf(dberr.CodeParams, "dsn %q has no database name", dsn)
	}

	db := &database{
		name:       name,
		store:      storage.NewMemoryStore(),
		namespaces: make(map[string]*namespace),
		system:     true,
		txs:        newTxRegistry(),
		stop:       make(chan struct{}),
	}
	if inst.storageRoot != "" {
		if oerr := db.open(filepath.Join(inst.storageRoot, name), inst.opts); oerr != nil {
			return errorf(dberr.CodeLogic, "open database %q: %v", name, oerr)
		}
	}
	for _, ns := range db.namespaces {
		ns.opened.Store(opts.OpenNamespaces)
	}
	if !inst.db.CompareAndSwap(nil, db) {
		db.close()
		return errorf(dberr.CodeParams, "already connected")
	}
	db.startGC(inst.opts.GCInterval)

	Logger().Info("database connected",
		zap.String("name", name),
		zap.Bool("persistent", db.disk != nil),
		zap.Int("namespaces", len(db.namespaces)))
	return errOK
}

// InitSystemNamespaces makes the system namespaces queryable. Connect
// already does this; calling it again is a no-op.
func InitSystemNamespaces(h Handle) Error {
	_, db, release, err := connected(h)
	if !err.Ok() {
		return err
	}
	defer release()
	db.mu.Lock()
	db.system = true
	db.mu.Unlock()
	return errOK
}

func (db *database) open(dir string, opts Options) error {
	disk, err := openDiskStorage(dir, opts)
	if err != nil {
		return err
	}
	defs, err := disk.loadDefs()
	if err == nil {
		err = disk.restore(db.store)
	}
	if err != nil {
		disk.close()
		return err
	}
	db.disk = disk
	for _, def := range defs {
		ns := newNamespace(def)
		ns.recoverIDs(db.store)
		db.namespaces[def.Name] = ns
	}
	return nil
}

// commit writes ops as one atomic batch and returns its timestamp.
func (db *database) commit(ops []storage.BatchOp) (uint64, error) {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	ts := db.store.ReadTs() + 1
	if db.disk != nil {
		if err := db.disk.appendBatch(ts, ops); err != nil {
			return 0, err
		}
	}
	if err := db.store.OnePhaseCommit(ops, ts); err != nil {
		return 0, err
	}
	db.maybeCheckpointLocked()
	return ts, nil
}

// dropRange deletes every version under the given prefixes.
func (db *database) dropRange(prefixes ...[]byte) error {
	db.commitMu.Lock()
	defer db.commitMu.Unlock()
	ts := db.store.ReadTs() + 1
	if db.disk != nil {
		if err := db.disk.appendDrop(ts, prefixes); err != nil {
			return err
		}
	}
	if err := db.store.OnePhaseCommit(nil, ts); err != nil {
		return err
	}
	for _, p := range prefixes {
		db.store.DeleteRange(p)
	}
	db.maybeCheckpointLocked()
	return nil
}

func (db *database) maybeCheckpointLocked() {
	if db.disk == nil || !db.disk.needsCheckpoint() {
		return
	}
	if err := db.disk.checkpoint(db.store); err != nil {
		Logger().Error("checkpoint failed", zap.String("database", db.name), zap.Error(err))
	}
}

func (db *database) putDef(def nsDef) error {
	if db.disk == nil {
		return nil
	}
	return db.disk.putDef(def)
}

func (db *database) deleteDef(name string) error {
	if db.disk == nil {
		return nil
	}
	return db.disk.deleteDef(name)
}

// definitions returns the namespace definitions sorted by name.
func (db *database) definitions() []nsDef {
	db.mu.RLock()
	defs := make([]nsDef, 0, len(db.namespaces))
	for _, ns := range db.namespaces {
		defs = append(defs, ns.def())
	}
	db.mu.RUnlock()
	slices.SortFunc(defs, func(a, b nsDef) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

func (db *database) startGC(interval time.Duration) {
	if interval <= 0 {
		return
	}
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-db.stop:
				return
			case <-ticker.C:
				if n := db.store.RunGC(db.store.SafeTs()); n > 0 {
					Logger().Debug("gc removed versions", zap.String("database", db.name), zap.Int("versions", n))
				}
			}
		}
	}()
}

func (db *database) close() error {
	close(db.stop)
	db.wg.Wait()
	db.txs.clear()

	var errs []error
	if db.disk != nil {
		db.commitMu.Lock()
		errs = append(errs, db.disk.checkpoint(db.store), db.disk.close())
		db.commitMu.Unlock()
	}
	errs = append(errs, db.store.Close())
	return errors.Join(errs...)
}
