package wire

import "fmt"

// ModifyHeader is the command header of a packed item modification.
// The item payload travels next to it as a separate buffer.
type ModifyHeader struct {
	Namespace  string
	Format     Format
	Mode       Mode
	StateToken uint64
	// Precepts are server-side computed assignments such as
	// "id=SERIAL()" or "updated=NOW(msec)".
	Precepts []string
}

// AppendTo encodes h onto s.
func (h ModifyHeader) AppendTo(s *Serializer) {
	s.PutVString(h.Namespace)
	s.PutVarUint(uint64(h.Format))
	s.PutVarUint(uint64(h.Mode))
	s.PutVarUint(h.StateToken)
	s.PutVarUint(uint64(len(h.Precepts)))
	for _, p := range h.Precepts {
		s.PutVString(p)
	}
}

// Encode returns a freshly allocated encoding of h.
func (h ModifyHeader) Encode() []byte {
	s := NewSerializer(32 + len(h.Namespace))
	h.AppendTo(s)
	return s.Bytes()
}

// DecodeModifyHeader parses a header produced by Encode.
func DecodeModifyHeader(b []byte) (ModifyHeader, error) {
	r := NewReader(b)
	h, err := readModifyHeader(r)
	if err != nil {
		return ModifyHeader{}, err
	}
	if !r.EOF() {
		return ModifyHeader{}, &MalformedError{What: "trailing bytes after modify header", Offset: r.Pos(), Have: r.Remaining()}
	}
	return h, nil
}

func readModifyHeader(r *Reader) (ModifyHeader, error) {
	var h ModifyHeader
	var err error
	if h.Namespace, err = r.ReadVString(); err != nil {
		return h, err
	}
	v, err := r.ReadVarUint()
	if err != nil {
		return h, err
	}
	if h.Format, err = ParseFormat(v); err != nil {
		return h, err
	}
	if v, err = r.ReadVarUint(); err != nil {
		return h, err
	}
	if h.Mode, err = ParseMode(v); err != nil {
		return h, err
	}
	if h.StateToken, err = r.ReadVarUint(); err != nil {
		return h, err
	}
	n, err := r.ReadVarUint()
	if err != nil {
		return h, err
	}
	// every precept takes at least one byte
	if n > uint64(r.Remaining()) {
		return h, &MalformedError{What: "precept count", Offset: r.Pos(), Need: int(min(n, 1<<30)), Have: r.Remaining()}
	}
	if n > 0 {
		h.Precepts = make([]string, 0, n)
	}
	for i := uint64(0); i < n; i++ {
		p, err := r.ReadVString()
		if err != nil {
			return h, fmt.Errorf("precept %d: %w", i, err)
		}
		h.Precepts = append(h.Precepts, p)
	}
	return h, nil
}

// TxBatch accumulates the modify commands staged in one transaction.
// Each record is a length-prefixed header followed by a length-prefixed
// payload; records keep the order in which they were added.
type TxBatch struct {
	ser   *Serializer
	count int
}

func NewTxBatch() *TxBatch {
	return &TxBatch{ser: NewSerializer(1024)}
}

// Add appends one staged modification.
func (b *TxBatch) Add(h ModifyHeader, payload []byte) {
	hdr := AcquireSerializer()
	h.AppendTo(hdr)
	b.ser.PutVBytes(hdr.Bytes())
	hdr.Release()
	b.ser.PutVBytes(payload)
	b.count++
}

// Count returns the number of staged records.
func (b *TxBatch) Count() int { return b.count }

// Size returns the encoded size in bytes.
func (b *TxBatch) Size() int { return b.ser.Len() }

// Bytes returns the encoded records. The slice is invalidated by Reset.
func (b *TxBatch) Bytes() []byte { return b.ser.Bytes() }

func (b *TxBatch) Reset() {
	b.ser.Reset()
	b.count = 0
}

// DecodeTxBatch walks the records of an encoded batch in order.
func DecodeTxBatch(buf []byte, fn func(h ModifyHeader, payload []byte) error) error {
	r := NewReader(buf)
	for i := 0; !r.EOF(); i++ {
		hb, err := r.ReadVBytes()
		if err != nil {
			return fmt.Errorf("batch record %d header: %w", i, err)
		}
		h, err := DecodeModifyHeader(hb)
		if err != nil {
			return fmt.Errorf("batch record %d header: %w", i, err)
		}
		payload, err := r.ReadVBytes()
		if err != nil {
			return fmt.Errorf("batch record %d payload: %w", i, err)
		}
		if err := fn(h, payload); err != nil {
			return err
		}
	}
	return nil
}
