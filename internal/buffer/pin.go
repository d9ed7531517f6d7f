package buffer

import (
	"runtime"
	"sync/atomic"

	"github.com/myuser/docbind/internal/metrics"
)

var pinnedCount atomic.Int64

// Pinned holds caller-owned bytes at a fixed address for one engine call.
// The engine reads them synchronously and must not keep a reference after
// the call returns.
type Pinned struct {
	data     []byte
	pinner   runtime.Pinner
	released atomic.Bool
}

// Pin pins b until Release. Pinning an empty slice is allowed.
func Pin(b []byte) *Pinned {
	p := &Pinned{data: b}
	if len(b) > 0 {
		p.pinner.Pin(&b[0])
	}
	pinnedCount.Add(1)
	metrics.BufferPinned()
	return p
}

// Bytes returns the pinned bytes, or ErrNotPinned after Release.
func (p *Pinned) Bytes() ([]byte, error) {
	if p == nil || p.released.Load() {
		return nil, ErrNotPinned
	}
	return p.data, nil
}

// Len returns the length of the pinned region.
func (p *Pinned) Len() int {
	if p == nil {
		return 0
	}
	return len(p.data)
}

// Release unpins the bytes. Only the first call has an effect.
func (p *Pinned) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.pinner.Unpin()
	pinnedCount.Add(-1)
	metrics.BufferUnpinned()
}

// PinFor pins b around fn and unpins on every exit path, including panics.
func PinFor(b []byte, fn func(*Pinned) error) error {
	p := Pin(b)
	defer p.Release()
	return fn(p)
}

// PinnedCount returns the number of buffers currently pinned.
func PinnedCount() int64 { return pinnedCount.Load() }
