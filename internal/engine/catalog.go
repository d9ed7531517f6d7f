package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/myuser/docbind/internal/storage"
	"github.com/myuser/docbind/internal/storage/wal"
	"github.com/myuser/docbind/internal/wire"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Record types for the WAL
const (
	recordBatch = 1
	recordDrop  = 2
)

var (
	bucketNamespaces = []byte("namespaces")
	bucketSnapshot   = []byte("snapshot")
	keySnapshotData  = []byte("data")
	keySnapshotTs    = []byte("ts")
)

// diskStorage keeps a database on disk: namespace definitions and the
// latest snapshot in a bbolt catalog, and every commit since that
// snapshot in the WAL.
type diskStorage struct {
	dir             string
	catalog         *bolt.DB
	wal             *wal.WAL
	checkpointBytes int64
}

func openDiskStorage(dir string, opts Options) (*diskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	catalog, err := bolt.Open(filepath.Join(dir, "catalog.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	err = catalog.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNamespaces, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	w, err := wal.Open(filepath.Join(dir, "commits.wal"), opts.NoSync)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &diskStorage{dir: dir, catalog: catalog, wal: w, checkpointBytes: opts.CheckpointBytes}, nil
}

func (ds *diskStorage) loadDefs() ([]nsDef, error) {
	var defs []nsDef
	err := ds.catalog.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var def nsDef
			if err := json.Unmarshal(v, &def); err != nil {
				return fmt.Errorf("namespace %q: %w", k, err)
			}
			defs = append(defs, def)
			return nil
		})
	})
	return defs, err
}

func (ds *diskStorage) putDef(def nsDef) error {
	b, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return ds.catalog.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).Put([]byte(def.Name), b)
	})
}

func (ds *diskStorage) deleteDef(name string) error {
	return ds.catalog.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).Delete([]byte(name))
	})
}

// restore loads the snapshot into store and replays the WAL on top of it.
func (ds *diskStorage) restore(store *storage.MemoryStore) error {
	var snap []byte
	err := ds.catalog.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSnapshot).Get(keySnapshotData); v != nil {
			snap = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if snap != nil {
		if err := store.RestoreSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	replayed := 0
	err = ds.wal.Iterate(func(data []byte) error {
		applied, err := replayRecord(store, data)
		if applied {
			replayed++
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	Logger().Info("database restored",
		zap.String("dir", ds.dir),
		zap.Uint64("ts", store.ReadTs()),
		zap.Int("replayed", replayed))
	return nil
}

// replayRecord applies one WAL record unless the snapshot already covers it.
func replayRecord(store *storage.MemoryStore, data []byte) (bool, error) {
	r := wire.NewReader(data)
	typ, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	ts, err := r.ReadVarUint()
	if err != nil {
		return false, err
	}
	if ts <= store.ReadTs() {
		return false, nil
	}
	n, err := r.ReadVarUint()
	if err != nil {
		return false, err
	}

	switch typ {
	case recordBatch:
		ops := make([]storage.BatchOp, 0, min(n, 1<<16))
		for i := uint64(0); i < n; i++ {
			key, err := r.ReadVBytes()
			if err != nil {
				return false, err
			}
			live, err := r.ReadByte()
			if err != nil {
				return false, err
			}
			value, err := r.ReadVBytes()
			if err != nil {
				return false, err
			}
			op := storage.BatchOp{Key: append([]byte(nil), key...)}
			if live == 1 {
				op.Value = append([]byte{}, value...)
			}
			ops = append(ops, op)
		}
		return true, store.OnePhaseCommit(ops, ts)
	case recordDrop:
		if err := store.OnePhaseCommit(nil, ts); err != nil {
			return false, err
		}
		for i := uint64(0); i < n; i++ {
			prefix, err := r.ReadVBytes()
			if err != nil {
				return false, err
			}
			store.DeleteRange(prefix)
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown wal record type %d", typ)
}

func (ds *diskStorage) appendBatch(ts uint64, ops []storage.BatchOp) error {
	s := wire.AcquireSerializer()
	defer s.Release()
	s.PutByte(recordBatch)
	s.PutVarUint(ts)
	s.PutVarUint(uint64(len(ops)))
	for _, op := range ops {
		s.PutVBytes(op.Key)
		if op.Value == nil {
			s.PutByte(0)
		} else {
			s.PutByte(1)
		}
		s.PutVBytes(op.Value)
	}
	return ds.wal.Append(s.Bytes())
}

func (ds *diskStorage) appendDrop(ts uint64, prefixes [][]byte) error {
	s := wire.AcquireSerializer()
	defer s.Release()
	s.PutByte(recordDrop)
	s.PutVarUint(ts)
	s.PutVarUint(uint64(len(prefixes)))
	for _, p := range prefixes {
		s.PutVBytes(p)
	}
	return ds.wal.Append(s.Bytes())
}

func (ds *diskStorage) needsCheckpoint() bool {
	return ds.checkpointBytes > 0 && ds.wal.Size() > ds.checkpointBytes
}

// checkpoint writes a snapshot of store to the catalog and empties the WAL.
// Commits must be blocked by the caller.
func (ds *diskStorage) checkpoint(store *storage.MemoryStore) error {
	data, ts := store.GetSnapshotData()
	err := ds.catalog.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if err := b.Put(keySnapshotData, data); err != nil {
			return err
		}
		return b.Put(keySnapshotTs, wire.EncodeVarUint(ts))
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := ds.wal.Reset(); err != nil {
		return fmt.Errorf("reset wal: %w", err)
	}
	Logger().Debug("checkpoint written", zap.Uint64("ts", ts), zap.Int("bytes", len(data)))
	return nil
}

func (ds *diskStorage) close() error {
	return errors.Join(ds.wal.Close(), ds.catalog.Close())
}
