package buffer

import "sync/atomic"

const (
	resultOwned int32 = iota
	resultFreed
	resultDetached
)

// FreeFunc releases an engine block through the engine's free entry point.
type FreeFunc func(Block) error

// Result guards one engine response block. Close frees it exactly once;
// Detach hands ownership to another holder instead.
type Result struct {
	block Block
	free  FreeFunc
	state atomic.Int32
}

// NewResult takes ownership of b. free is called at most once.
func NewResult(b Block, free FreeFunc) *Result {
	return &Result{block: b, free: free}
}

// Bytes returns the block contents while the guard still owns them.
func (r *Result) Bytes() ([]byte, error) {
	switch r.state.Load() {
	case resultFreed:
		return nil, ErrUseAfterFree
	case resultDetached:
		return nil, ErrUnknownBlock
	}
	return r.block.Bytes()
}

// Slice returns buf[off:off+n] of the live block.
func (r *Result) Slice(off, n int) ([]byte, error) {
	b, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	if off < 0 || n < 0 || off+n > len(b) {
		return nil, ErrUnknownBlock
	}
	return b[off : off+n : off+n], nil
}

// Close frees the block. Calling Close again, or after Detach, is a no-op.
func (r *Result) Close() error {
	if !r.state.CompareAndSwap(resultOwned, resultFreed) {
		return nil
	}
	if r.block.IsZero() {
		return nil
	}
	return r.free(r.block)
}

// Detach releases the guard's ownership and returns the block. The new
// owner becomes responsible for freeing it. Detaching a closed guard
// returns the zero Block.
func (r *Result) Detach() Block {
	if !r.state.CompareAndSwap(resultOwned, resultDetached) {
		return Block{}
	}
	return r.block
}

// Closed reports whether the guard no longer owns its block.
func (r *Result) Closed() bool { return r.state.Load() != resultOwned }
