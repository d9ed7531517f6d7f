package wire

import (
	"errors"
	"math"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"pgregory.net/rapid"
)

func TestVarUintRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Uint64().Draw(t, "n")
		got, err := DecodeVarUint(EncodeVarUint(n))
		if err != nil {
			t.Fatalf("decode %d: %v", n, err)
		}
		if got != n {
			t.Fatalf("want %d, got %d", n, got)
		}
	})
}

func TestVarUintBoundaries(t *testing.T) {
	tests := []struct {
		n    uint64
		size int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{math.MaxUint32, 5},
		{math.MaxUint64, 10},
	}
	for _, tt := range tests {
		enc := EncodeVarUint(tt.n)
		assert.Check(t, is.Len(enc, tt.size), "n=%d", tt.n)
		got, err := DecodeVarUint(enc)
		assert.NilError(t, err)
		assert.Equal(t, got, tt.n)
	}
}

func TestVarUintTruncated(t *testing.T) {
	enc := EncodeVarUint(1 << 40)
	for i := 0; i < len(enc); i++ {
		_, err := DecodeVarUint(enc[:i])
		assert.Check(t, errors.Is(err, ErrMalformed), "prefix %d: %v", i, err)
	}
}

func TestVarUintOverflow(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}
	_, err := NewReader(buf).ReadVarUint()
	assert.Check(t, errors.Is(err, ErrMalformed))
}

func TestVStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		got, err := DecodeVString(EncodeVString(s))
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		if got != s {
			t.Fatalf("want %q, got %q", s, got)
		}
	})
}

func TestVStringTruncated(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(1, 300, -1).Draw(t, "s")
		enc := EncodeVString(s)
		cut := rapid.IntRange(0, len(enc)-1).Draw(t, "cut")
		_, err := DecodeVString(enc[:cut])
		var me *MalformedError
		if !errors.As(err, &me) {
			t.Fatalf("cut %d of %d: want MalformedError, got %v", cut, len(enc), err)
		}
	})
}

func TestVStringTruncatedReportsLengths(t *testing.T) {
	enc := EncodeVString("hello world")
	_, err := NewReader(enc[:4]).ReadVString()
	var me *MalformedError
	assert.Assert(t, errors.As(err, &me))
	assert.Equal(t, me.Need, 11)
	assert.Equal(t, me.Have, 3)
}

func TestModifyHeaderRoundTrip(t *testing.T) {
	h := ModifyHeader{
		Namespace:  "items",
		Format:     FormatJSON,
		Mode:       ModeUpsert,
		StateToken: 42,
		Precepts:   []string{"SerialPrecept=SERIAL()", "UpdateTime=NOW(msec)"},
	}
	got, err := DecodeModifyHeader(h.Encode())
	assert.NilError(t, err)
	assert.DeepEqual(t, got, h)
}

func TestModifyHeaderLayout(t *testing.T) {
	h := ModifyHeader{Namespace: "ns", Format: FormatJSON, Mode: ModeUpsert}
	assert.DeepEqual(t, h.Encode(), []byte{2, 'n', 's', 0, 2, 0, 0})
}

func TestModifyHeaderUnknownMode(t *testing.T) {
	_, err := DecodeModifyHeader([]byte{2, 'n', 's', 0, 9, 0, 0})
	assert.Check(t, errors.Is(err, ErrUnrecognized))
	var ue *UnrecognizedError
	assert.Assert(t, errors.As(err, &ue))
	assert.Equal(t, ue.Value, uint64(9))
}

func TestModifyHeaderTruncatedPrecepts(t *testing.T) {
	enc := ModifyHeader{Namespace: "ns", Precepts: []string{"a=SERIAL()"}}.Encode()
	_, err := DecodeModifyHeader(enc[:len(enc)-3])
	assert.Check(t, errors.Is(err, ErrMalformed))
}

func TestTxBatchOrder(t *testing.T) {
	b := NewTxBatch()
	for i, doc := range []string{`{"Id":1}`, `{"Id":2}`, `{"Id":3}`} {
		b.Add(ModifyHeader{Namespace: "ns", Mode: Mode(i % 3)}, []byte(doc))
	}
	assert.Equal(t, b.Count(), 3)

	var docs []string
	var modes []Mode
	err := DecodeTxBatch(b.Bytes(), func(h ModifyHeader, payload []byte) error {
		docs = append(docs, string(payload))
		modes = append(modes, h.Mode)
		return nil
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, docs, []string{`{"Id":1}`, `{"Id":2}`, `{"Id":3}`})
	assert.DeepEqual(t, modes, []Mode{ModeUpdate, ModeInsert, ModeUpsert})

	b.Reset()
	assert.Equal(t, b.Count(), 0)
	assert.Equal(t, b.Size(), 0)
}

func TestResultSetInline(t *testing.T) {
	rs := &ResultSet{TotalCount: 10, Explain: []byte(`{"total_us":1}`)}
	assert.NilError(t, rs.Add(1, 100, []byte(`{"Id":1}`)))
	assert.NilError(t, rs.Add(2, 101, []byte(`{"Id":2}`)))
	buf := rs.Encode()

	rr := NewResultReader(buf)
	q, err := rr.ReadQueryParams()
	assert.NilError(t, err)
	assert.Equal(t, q.TotalCount, uint64(10))
	assert.Equal(t, q.Count, uint64(2))
	assert.Equal(t, string(q.Explain), `{"total_us":1}`)
	assert.Check(t, !q.Shared())

	var docs []string
	for rr.More() {
		ip, err := rr.ReadItemParams()
		assert.NilError(t, err)
		b, err := ItemBytes(buf, ip)
		assert.NilError(t, err)
		docs = append(docs, string(b))
	}
	assert.DeepEqual(t, docs, []string{`{"Id":1}`, `{"Id":2}`})

	_, err = rr.ReadItemParams()
	assert.Check(t, errors.Is(err, ErrMalformed))
}

func TestResultSetShared(t *testing.T) {
	rs := NewSharedResultSet(7)
	rs.TotalCount = 2
	assert.NilError(t, rs.Add(1, 1, []byte(`{"Id":1,"Name":"a","Tags":["x","y"],"Score":0.5}`)))
	assert.NilError(t, rs.Add(2, 2, []byte(`{"Id":2,"Name":"b","Nested":{"ok":true,"none":null}}`)))
	buf := rs.Encode()

	rr := NewResultReader(buf)
	q, err := rr.ReadQueryParams()
	assert.NilError(t, err)
	assert.Check(t, q.Shared())
	assert.Equal(t, q.StateToken, uint64(7))

	var docs []string
	for rr.More() {
		ip, err := rr.ReadItemParams()
		assert.NilError(t, err)
		cj, err := ItemBytes(buf, ip)
		assert.NilError(t, err)
		doc, err := DecodeCJSON(cj, q.Names)
		assert.NilError(t, err)
		docs = append(docs, string(doc))
	}
	assert.DeepEqual(t, docs, []string{
		`{"Id":1,"Name":"a","Tags":["x","y"],"Score":0.5}`,
		`{"Id":2,"Name":"b","Nested":{"ok":true,"none":null}}`,
	})
}

func TestZeroResultDecode(t *testing.T) {
	buf := (&ResultSet{}).Encode()
	rr := NewResultReader(buf)
	q, err := rr.ReadQueryParams()
	assert.NilError(t, err)
	assert.Equal(t, q.TotalCount, uint64(0))
	assert.Equal(t, q.Count, uint64(0))
	assert.Check(t, !rr.More())
}

func TestErrorResponse(t *testing.T) {
	_, err := DecodeQueryParams(EncodeError(13, "Namespace 'x' does not exist"))
	var er *ErrorResponse
	assert.Assert(t, errors.As(err, &er))
	assert.Equal(t, er.Code, int32(13))
	assert.Equal(t, er.Message, "Namespace 'x' does not exist")
}

func TestQueryParamsTruncated(t *testing.T) {
	rs := &ResultSet{TotalCount: 1, Explain: []byte(`{"selectors":[]}`)}
	assert.NilError(t, rs.Add(1, 1, []byte(`{"Id":1}`)))
	buf := rs.Encode()
	for cut := 0; cut < 8; cut++ {
		_, err := DecodeQueryParams(buf[:cut])
		assert.Check(t, errors.Is(err, ErrMalformed), "cut %d: %v", cut, err)
	}
}

func TestSharedRegionOutOfBounds(t *testing.T) {
	s := NewSerializer(32)
	s.PutInt32(0)
	s.PutVarUint(1)
	s.PutVarUint(1)
	s.PutByte(FlagShared)
	s.PutVarUint(0)
	s.PutVarUint(0)
	s.PutVBytes([]byte{1, 2, 3})
	s.PutVarUint(1)
	s.PutVarUint(1)
	s.PutVarUint(2)
	s.PutVarUint(5)

	rr := NewResultReader(s.Bytes())
	_, err := rr.ReadQueryParams()
	assert.NilError(t, err)
	_, err = rr.ReadItemParams()
	assert.Check(t, errors.Is(err, ErrMalformed))
}

func TestUnknownFlags(t *testing.T) {
	s := NewSerializer(8)
	s.PutInt32(0)
	s.PutVarUint(0)
	s.PutVarUint(0)
	s.PutByte(0x80)
	_, err := DecodeQueryParams(s.Bytes())
	assert.Check(t, errors.Is(err, ErrUnrecognized))
}

func TestPackCJSON(t *testing.T) {
	doc := `{"Id":10500,"Name":"x","Arr":[1,2.5,"s",false],"Obj":{"a":{"b":[]}}}`
	packed, err := PackCJSON([]byte(doc))
	assert.NilError(t, err)
	got, err := UnpackCJSON(packed)
	assert.NilError(t, err)
	assert.Equal(t, string(got), doc)
}

func TestCJSONRejectsTrailingData(t *testing.T) {
	_, err := PackCJSON([]byte(`{"a":1} {"b":2}`))
	assert.ErrorContains(t, err, "trailing")
}
