package wire

import (
	"encoding/binary"
	"math"
)

// Reader decodes wire primitives from a byte slice. It never panics on
// short input; every read past the end yields a *MalformedError.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the current offset into the buffer.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// EOF reports whether the whole buffer was consumed.
func (r *Reader) EOF() bool { return r.pos >= len(r.buf) }

func (r *Reader) malformed(what string, need int) error {
	return &MalformedError{What: what, Offset: r.pos, Need: need, Have: r.Remaining()}
}

// ReadVarUint reads a base-128 varuint. A truncated or overlong encoding
// (more than 64 bits) is malformed.
func (r *Reader) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	switch {
	case n == 0:
		return 0, r.malformed("varuint", r.Remaining()+1)
	case n < 0:
		return 0, r.malformed("varuint overflow", -n)
	}
	r.pos += n
	return v, nil
}

// ReadVarInt reads a zig-zag varint.
func (r *Reader) ReadVarInt() (int64, error) {
	v, n := binary.Varint(r.buf[r.pos:])
	switch {
	case n == 0:
		return 0, r.malformed("varint", r.Remaining()+1)
	case n < 0:
		return 0, r.malformed("varint overflow", -n)
	}
	r.pos += n
	return v, nil
}

// ReadVBytes reads a length-prefixed byte string. The returned slice
// aliases the reader's buffer.
func (r *Reader) ReadVBytes() ([]byte, error) {
	start := r.pos
	l, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if l > uint64(r.Remaining()) {
		have := r.Remaining()
		r.pos = start
		return nil, &MalformedError{What: "length-prefixed string", Offset: start, Need: int(min(l, math.MaxInt32)), Have: have}
	}
	v := r.buf[r.pos : r.pos+int(l) : r.pos+int(l)]
	r.pos += int(l)
	return v, nil
}

// ReadVString reads a length-prefixed string (copied out of the buffer).
func (r *Reader) ReadVString() (string, error) {
	b, err := r.ReadVBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, r.malformed("byte", 1)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	if r.Remaining() < 4 {
		return 0, r.malformed("int32", 4)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return int32(v), nil
}

func (r *Reader) ReadUInt64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, r.malformed("uint64", 8)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadDouble() (float64, error) {
	v, err := r.ReadUInt64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// DecodeVarUint decodes a single varuint that must fill b exactly.
func DecodeVarUint(b []byte) (uint64, error) {
	r := NewReader(b)
	v, err := r.ReadVarUint()
	if err != nil {
		return 0, err
	}
	if !r.EOF() {
		return 0, &MalformedError{What: "trailing bytes after varuint", Offset: r.Pos(), Need: 0, Have: r.Remaining()}
	}
	return v, nil
}

// DecodeVString decodes a single length-prefixed string that must fill b exactly.
func DecodeVString(b []byte) (string, error) {
	r := NewReader(b)
	v, err := r.ReadVString()
	if err != nil {
		return "", err
	}
	if !r.EOF() {
		return "", &MalformedError{What: "trailing bytes after string", Offset: r.Pos(), Need: 0, Have: r.Remaining()}
	}
	return v, nil
}
