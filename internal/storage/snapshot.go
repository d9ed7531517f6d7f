package storage

import (
	"fmt"

	"github.com/google/btree"
	"github.com/myuser/docbind/internal/wire"
)

// GetSnapshotData serializes the live documents visible at the current
// timestamp. Layout: varuint ts, varuint count, then count entries of
// vbytes key, varuint version, vbytes value.
func (s *MemoryStore) GetSnapshotData() ([]byte, uint64) {
	ts, release := s.Acquire()
	defer release()

	var (
		count int
		body  = wire.NewSerializer(1024)
	)
	s.ScanPrefix(nil, ts, func(key []byte, rec Record) bool {
		body.PutVBytes(key)
		body.PutVarUint(rec.Version)
		body.PutVBytes(rec.Value)
		count++
		return true
	})

	out := wire.NewSerializer(body.Len() + 16)
	out.PutVarUint(ts)
	out.PutVarUint(uint64(count))
	out.Write(body.Bytes())
	return out.Bytes(), ts
}

// RestoreSnapshot replaces the store contents with a snapshot produced
// by GetSnapshotData.
func (s *MemoryStore) RestoreSnapshot(data []byte) error {
	r := wire.NewReader(data)
	ts, err := r.ReadVarUint()
	if err != nil {
		return fmt.Errorf("snapshot ts: %w", err)
	}
	count, err := r.ReadVarUint()
	if err != nil {
		return fmt.Errorf("snapshot count: %w", err)
	}

	tree := btree.NewG[item](32, lessItem)
	for i := uint64(0); i < count; i++ {
		key, err := r.ReadVBytes()
		if err != nil {
			return fmt.Errorf("snapshot entry %d: %w", i, err)
		}
		version, err := r.ReadVarUint()
		if err != nil {
			return fmt.Errorf("snapshot entry %d: %w", i, err)
		}
		value, err := r.ReadVBytes()
		if err != nil {
			return fmt.Errorf("snapshot entry %d: %w", i, err)
		}
		if version > ts {
			return fmt.Errorf("snapshot entry %d: version %d after snapshot ts %d", i, version, ts)
		}
		tree.ReplaceOrInsert(item{key: EncodeKey(cloneBytes(key), version), value: cloneBytes(value)})
	}
	if !r.EOF() {
		return fmt.Errorf("snapshot: %d trailing bytes", r.Remaining())
	}

	s.mu.Lock()
	s.tree = tree
	s.clock.Store(ts)
	s.mu.Unlock()
	return nil
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
