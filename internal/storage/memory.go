package storage

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// MemoryStore implements Engine on an in-memory MVCC btree.
type MemoryStore struct {
	mu    sync.RWMutex
	tree  *btree.BTreeG[item]
	clock atomic.Uint64

	// read timestamps held by in-flight scans; GC keeps what they can see.
	readersMu sync.Mutex
	readers   map[uint64]int
}

type item struct {
	key   []byte
	value []byte
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:    btree.NewG[item](32, lessItem),
		readers: make(map[uint64]int),
	}
}

func (s *MemoryStore) ReadTs() uint64 { return s.clock.Load() }

// Acquire registers a reader at the current timestamp. The versions it
// can see survive RunGC until release is called.
func (s *MemoryStore) Acquire() (readTs uint64, release func()) {
	s.readersMu.Lock()
	ts := s.clock.Load()
	s.readers[ts]++
	s.readersMu.Unlock()

	var once sync.Once
	return ts, func() {
		once.Do(func() {
			s.readersMu.Lock()
			if s.readers[ts]--; s.readers[ts] <= 0 {
				delete(s.readers, ts)
			}
			s.readersMu.Unlock()
		})
	}
}

// SafeTs returns the oldest timestamp any registered reader may observe.
func (s *MemoryStore) SafeTs() uint64 {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	safe := s.clock.Load()
	for ts := range s.readers {
		if ts < safe {
			safe = ts
		}
	}
	return safe
}

func (s *MemoryStore) Commit(ops []BatchOp) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clock.Load() + 1
	s.commitLocked(ops, ts)
	return ts, nil
}

// OnePhaseCommit writes all ops at commitTs. It is used to replay logged
// batches, so commitTs must be newer than anything already applied.
func (s *MemoryStore) OnePhaseCommit(ops []BatchOp, commitTs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last := s.clock.Load(); commitTs <= last {
		return fmt.Errorf("commit ts %d is not after %d", commitTs, last)
	}
	s.commitLocked(ops, commitTs)
	return nil
}

func (s *MemoryStore) commitLocked(ops []BatchOp, ts uint64) {
	for _, op := range ops {
		v := op.Value
		if v == nil {
			v = []byte{}
		}
		s.tree.ReplaceOrInsert(item{key: EncodeKey(op.Key, ts), value: v})
	}
	// Publish last so readers never see a partially applied batch.
	s.clock.Store(ts)
}

func (s *MemoryStore) Get(key []byte, readTs uint64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mvccGetLocked(key, readTs)
}

// mvccGetLocked returns the newest version <= readTs. Tombstones hide the key.
func (s *MemoryStore) mvccGetLocked(key []byte, readTs uint64) (Record, bool) {
	var rec Record
	found := false
	s.tree.AscendGreaterOrEqual(item{key: EncodeKey(key, readTs)}, func(it item) bool {
		decodedKey, ts := DecodeKey(it.key)
		if !bytes.Equal(decodedKey, key) {
			return false
		}
		if len(it.value) > 0 {
			rec = Record{Value: it.value, Version: ts}
			found = true
		}
		return false
	})
	return rec, found
}

func (s *MemoryStore) ScanPrefix(prefix []byte, readTs uint64, fn func(key []byte, rec Record) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current []byte
	decided := false
	s.tree.AscendGreaterOrEqual(item{key: prefix}, func(it item) bool {
		userKey, ts := DecodeKey(it.key)
		if !bytes.HasPrefix(it.key, prefix) {
			return false
		}
		if !bytes.Equal(userKey, current) {
			current = userKey
			decided = false
		}
		if decided || ts > readTs {
			return true
		}
		decided = true
		if len(it.value) == 0 {
			return true
		}
		return fn(userKey, Record{Value: it.value, Version: ts})
	})
}

func (s *MemoryStore) DeleteRange(prefix []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []item
	s.tree.AscendGreaterOrEqual(item{key: prefix}, func(it item) bool {
		if !bytes.HasPrefix(it.key, prefix) {
			return false
		}
		doomed = append(doomed, it)
		return true
	})
	for _, it := range doomed {
		s.tree.Delete(it)
	}
	return len(doomed)
}

// RunGC removes versions older than safeTs, keeping at least one version <= safeTs.
// A key whose snapshot version is a tombstone is removed entirely.
func (s *MemoryStore) RunGC(safeTs uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []item
	var current []byte
	foundSnapshot := false
	s.tree.Ascend(func(it item) bool {
		userKey, ts := DecodeKey(it.key)
		if !bytes.Equal(userKey, current) {
			current = userKey
			foundSnapshot = false
		}
		if ts > safeTs {
			return true
		}
		if !foundSnapshot {
			foundSnapshot = true
			if len(it.value) == 0 {
				doomed = append(doomed, it)
			}
			return true
		}
		doomed = append(doomed, it)
		return true
	})
	for _, it := range doomed {
		s.tree.Delete(it)
	}
	return len(doomed)
}

// Versions returns the number of stored versions, tombstones included.
func (s *MemoryStore) Versions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Clear(false)
	return nil
}
