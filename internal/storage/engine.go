package storage

// Record is one visible version of a document.
type Record struct {
	Value   []byte
	Version uint64
}

// BatchOp writes Value under Key. A nil Value deletes the key.
type BatchOp struct {
	Key   []byte
	Value []byte
}

// Engine is the versioned document store backing the database engine.
// Reads take a timestamp and observe exactly the batches committed at or
// before it, so a batch is visible all at once or not at all.
type Engine interface {
	// ReadTs returns the timestamp of the last committed batch.
	ReadTs() uint64

	// Get returns the version of key visible at readTs.
	Get(key []byte, readTs uint64) (Record, bool)

	// ScanPrefix calls fn for every live key with the given prefix, in key
	// order, as of readTs. Iteration stops when fn returns false.
	ScanPrefix(prefix []byte, readTs uint64, fn func(key []byte, rec Record) bool)

	// Commit applies ops atomically at a fresh timestamp and returns it.
	Commit(ops []BatchOp) (uint64, error)

	// DeleteRange removes every version of every key with prefix.
	DeleteRange(prefix []byte) int

	Close() error
}
