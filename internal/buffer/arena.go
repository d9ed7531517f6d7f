// Package buffer tracks the ownership of memory that crosses the engine
// call boundary: engine-allocated response blocks that the caller must free
// exactly once, and caller-owned bytes pinned for the duration of one call.
package buffer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/myuser/docbind/internal/metrics"
)

var (
	ErrDoubleFree   = errors.New("buffer: block freed twice")
	ErrUseAfterFree = errors.New("buffer: block used after free")
	ErrUnknownBlock = errors.New("buffer: unknown block")
	ErrNotPinned    = errors.New("buffer: caller buffer is not pinned")
)

// poison overwrites freed memory in debug arenas so stale aliases are
// visibly corrupt instead of silently valid.
const poison = 0xdd

// Block is an engine-owned memory region. The zero Block holds nothing.
type Block struct {
	Ptr uintptr
	Len int

	arena *Arena
}

// IsZero reports whether b refers to no memory.
func (b Block) IsZero() bool { return b.Ptr == 0 }

// Bytes returns the block contents while it is live.
func (b Block) Bytes() ([]byte, error) {
	if b.arena == nil {
		return nil, ErrUnknownBlock
	}
	return b.arena.bytes(b.Ptr)
}

// Free releases the block. Freeing the same block twice returns
// ErrDoubleFree and leaves the arena untouched.
func (b Block) Free() error {
	if b.arena == nil {
		return ErrUnknownBlock
	}
	return b.arena.free(b.Ptr)
}

// Arena is the engine-side allocator for response buffers.
type Arena struct {
	mu     sync.Mutex
	next   uintptr
	blocks map[uintptr][]byte
	live   atomic.Int64
	debug  bool
}

// NewArena returns an empty arena. In debug mode freed blocks are poisoned.
func NewArena(debug bool) *Arena {
	return &Arena{
		next:   1,
		blocks: make(map[uintptr][]byte),
		debug:  debug,
	}
}

// Alloc takes ownership of data and returns a block referring to it.
func (a *Arena) Alloc(data []byte) Block {
	a.mu.Lock()
	ptr := a.next
	a.next++
	a.blocks[ptr] = data
	a.mu.Unlock()

	a.live.Add(1)
	metrics.BufferAllocated()
	return Block{Ptr: ptr, Len: len(data), arena: a}
}

func (a *Arena) bytes(ptr uintptr) ([]byte, error) {
	a.mu.Lock()
	data, ok := a.blocks[ptr]
	next := a.next
	a.mu.Unlock()
	if ok {
		return data, nil
	}
	if ptr == 0 || ptr >= next {
		return nil, ErrUnknownBlock
	}
	return nil, ErrUseAfterFree
}

func (a *Arena) free(ptr uintptr) error {
	a.mu.Lock()
	data, ok := a.blocks[ptr]
	if ok {
		delete(a.blocks, ptr)
	}
	next := a.next
	a.mu.Unlock()

	if !ok {
		if ptr == 0 || ptr >= next {
			return ErrUnknownBlock
		}
		return ErrDoubleFree
	}
	if a.debug {
		for i := range data {
			data[i] = poison
		}
	}
	a.live.Add(-1)
	metrics.BufferFreed()
	return nil
}

// Live returns the number of blocks allocated and not yet freed.
func (a *Arena) Live() int64 { return a.live.Load() }

// Outstanding returns the pointers of all live blocks, for leak reports.
func (a *Arena) Outstanding() []uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uintptr, 0, len(a.blocks))
	for p := range a.blocks {
		out = append(out, p)
	}
	return out
}
