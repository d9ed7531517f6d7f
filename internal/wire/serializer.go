// Package wire implements the binary command/response format exchanged with
// the embedded engine: base-128 varuints, length-prefixed strings, modify
// headers, transaction batches, query result headers and CJSON payloads.
package wire

import (
	"encoding/binary"
	"math"
	"sync"
)

// Serializer appends wire primitives to a growable buffer.
// A Serializer is not safe for concurrent use.
type Serializer struct {
	buf []byte
}

const maxPooledSerializer = 64 << 10

var serializerPool = sync.Pool{
	New: func() any { return &Serializer{buf: make([]byte, 0, 256)} },
}

// NewSerializer returns an empty Serializer with at least capHint bytes of capacity.
func NewSerializer(capHint int) *Serializer {
	return &Serializer{buf: make([]byte, 0, capHint)}
}

// AcquireSerializer takes a Serializer from the pool. Call Release when done
// and do not keep references to Bytes() afterwards.
func AcquireSerializer() *Serializer {
	s := serializerPool.Get().(*Serializer)
	s.buf = s.buf[:0]
	return s
}

// Release returns s to the pool.
func (s *Serializer) Release() {
	if cap(s.buf) > maxPooledSerializer {
		return
	}
	s.buf = s.buf[:0]
	serializerPool.Put(s)
}

// Bytes returns the encoded bytes. The slice aliases the internal buffer.
func (s *Serializer) Bytes() []byte { return s.buf }

// Len returns the number of encoded bytes.
func (s *Serializer) Len() int { return len(s.buf) }

// Reset truncates the buffer, keeping its capacity.
func (s *Serializer) Reset() { s.buf = s.buf[:0] }

// PutVarUint appends v as little-endian base-128 (7 data bits per byte,
// high bit set while more bytes follow).
func (s *Serializer) PutVarUint(v uint64) {
	s.buf = binary.AppendUvarint(s.buf, v)
}

// PutVarInt appends v zig-zag encoded.
func (s *Serializer) PutVarInt(v int64) {
	s.buf = binary.AppendVarint(s.buf, v)
}

// PutVString appends a varuint byte length followed by the raw bytes of v.
func (s *Serializer) PutVString(v string) {
	s.PutVarUint(uint64(len(v)))
	s.buf = append(s.buf, v...)
}

// PutVBytes is PutVString for byte slices.
func (s *Serializer) PutVBytes(v []byte) {
	s.PutVarUint(uint64(len(v)))
	s.buf = append(s.buf, v...)
}

func (s *Serializer) PutByte(b byte) {
	s.buf = append(s.buf, b)
}

func (s *Serializer) PutInt32(v int32) {
	s.buf = binary.LittleEndian.AppendUint32(s.buf, uint32(v))
}

func (s *Serializer) PutUInt64(v uint64) {
	s.buf = binary.LittleEndian.AppendUint64(s.buf, v)
}

func (s *Serializer) PutDouble(v float64) {
	s.PutUInt64(math.Float64bits(v))
}

// Write appends raw bytes.
func (s *Serializer) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// EncodeVarUint returns the varuint encoding of v.
func EncodeVarUint(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

// EncodeVString returns the length-prefixed encoding of v.
func EncodeVString(v string) []byte {
	s := NewSerializer(len(v) + binary.MaxVarintLen64)
	s.PutVString(v)
	return s.Bytes()
}
