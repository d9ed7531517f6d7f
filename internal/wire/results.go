package wire

import "fmt"

// QueryParams is the decoded header of a successful response buffer.
type QueryParams struct {
	TotalCount uint64
	Count      uint64
	Flags      byte

	Explain      []byte
	Aggregations [][]byte

	// Shared-region results only.
	StateToken   uint64
	Names        []string
	RegionOffset int
	RegionLen    int
}

// Shared reports whether items reference a shared CJSON region.
func (q QueryParams) Shared() bool { return q.Flags&FlagShared != 0 }

// ItemParams locates one returned item inside its response buffer.
// Offset is absolute within the buffer for both inline and shared shapes.
type ItemParams struct {
	ID      uint64
	Version uint64
	Offset  int
	Len     int
}

// ResultReader decodes one response buffer. All slices it returns alias
// the buffer and must not be used once the buffer is released.
type ResultReader struct {
	r      *Reader
	params QueryParams
	read   uint64
	header bool
}

func NewResultReader(buf []byte) *ResultReader {
	return &ResultReader{r: NewReader(buf)}
}

// DecodeQueryParams reads the response header from buf.
func DecodeQueryParams(buf []byte) (QueryParams, error) {
	return NewResultReader(buf).ReadQueryParams()
}

// ReadQueryParams reads the status code and, on success, the result header.
// A nonzero code returns *ErrorResponse and nothing else is decoded.
func (rr *ResultReader) ReadQueryParams() (QueryParams, error) {
	if rr.header {
		return rr.params, nil
	}
	code, err := rr.r.ReadInt32()
	if err != nil {
		return QueryParams{}, err
	}
	if code != 0 {
		msg, err := rr.r.ReadVString()
		if err != nil {
			return QueryParams{}, fmt.Errorf("error message for code %d: %w", code, err)
		}
		return QueryParams{}, &ErrorResponse{Code: code, Message: msg}
	}

	var q QueryParams
	if q.TotalCount, err = rr.r.ReadVarUint(); err != nil {
		return QueryParams{}, err
	}
	if q.Count, err = rr.r.ReadVarUint(); err != nil {
		return QueryParams{}, err
	}
	if q.Flags, err = rr.r.ReadByte(); err != nil {
		return QueryParams{}, err
	}
	if q.Flags&^knownFlags != 0 {
		return QueryParams{}, &UnrecognizedError{Enum: "result flags", Value: uint64(q.Flags)}
	}
	if q.Flags&FlagExplain != 0 {
		if q.Explain, err = rr.r.ReadVBytes(); err != nil {
			return QueryParams{}, fmt.Errorf("explain: %w", err)
		}
	}
	if q.Flags&FlagAggregations != 0 {
		n, err := rr.r.ReadVarUint()
		if err != nil {
			return QueryParams{}, err
		}
		for i := uint64(0); i < n; i++ {
			agg, err := rr.r.ReadVBytes()
			if err != nil {
				return QueryParams{}, fmt.Errorf("aggregation %d: %w", i, err)
			}
			q.Aggregations = append(q.Aggregations, agg)
		}
	}
	if q.Flags&FlagShared != 0 {
		if q.StateToken, err = rr.r.ReadVarUint(); err != nil {
			return QueryParams{}, err
		}
		n, err := rr.r.ReadVarUint()
		if err != nil {
			return QueryParams{}, err
		}
		if n > uint64(rr.r.Remaining()) {
			return QueryParams{}, &MalformedError{What: "schema name count", Offset: rr.r.Pos(), Need: int(min(n, 1<<30)), Have: rr.r.Remaining()}
		}
		q.Names = make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			name, err := rr.r.ReadVString()
			if err != nil {
				return QueryParams{}, fmt.Errorf("schema name %d: %w", i, err)
			}
			q.Names = append(q.Names, name)
		}
		region, err := rr.r.ReadVBytes()
		if err != nil {
			return QueryParams{}, fmt.Errorf("shared region: %w", err)
		}
		q.RegionLen = len(region)
		q.RegionOffset = rr.r.Pos() - len(region)
	}
	rr.params = q
	rr.header = true
	return q, nil
}

// More reports whether item records remain.
func (rr *ResultReader) More() bool {
	return rr.header && rr.read < rr.params.Count
}

// ReadItemParams reads the next item record.
func (rr *ResultReader) ReadItemParams() (ItemParams, error) {
	if !rr.header {
		if _, err := rr.ReadQueryParams(); err != nil {
			return ItemParams{}, err
		}
	}
	if rr.read >= rr.params.Count {
		return ItemParams{}, &MalformedError{What: fmt.Sprintf("item %d of %d", rr.read+1, rr.params.Count), Offset: rr.r.Pos(), Have: rr.r.Remaining()}
	}
	var ip ItemParams
	var err error
	if ip.ID, err = rr.r.ReadVarUint(); err != nil {
		return ItemParams{}, err
	}
	if ip.Version, err = rr.r.ReadVarUint(); err != nil {
		return ItemParams{}, err
	}
	if rr.params.Shared() {
		off, err := rr.r.ReadVarUint()
		if err != nil {
			return ItemParams{}, err
		}
		l, err := rr.r.ReadVarUint()
		if err != nil {
			return ItemParams{}, err
		}
		if off > uint64(rr.params.RegionLen) || l > uint64(rr.params.RegionLen)-off {
			return ItemParams{}, &MalformedError{What: "shared region reference", Offset: rr.r.Pos(), Need: int(min(off+l, 1<<30)), Have: rr.params.RegionLen}
		}
		ip.Offset = rr.params.RegionOffset + int(off)
		ip.Len = int(l)
	} else {
		payload, err := rr.r.ReadVBytes()
		if err != nil {
			return ItemParams{}, err
		}
		ip.Offset = rr.r.Pos() - len(payload)
		ip.Len = len(payload)
	}
	rr.read++
	return ip, nil
}

// ItemBytes returns the payload bytes of ip within buf.
func ItemBytes(buf []byte, ip ItemParams) ([]byte, error) {
	if ip.Offset < 0 || ip.Len < 0 || ip.Offset+ip.Len > len(buf) {
		return nil, &MalformedError{What: "item payload", Offset: ip.Offset, Need: ip.Len, Have: max(len(buf)-ip.Offset, 0)}
	}
	return buf[ip.Offset : ip.Offset+ip.Len : ip.Offset+ip.Len], nil
}

// ResultSet builds a response buffer on the engine side.
type ResultSet struct {
	TotalCount   uint64
	Explain      []byte
	Aggregations [][]byte

	shared     bool
	stateToken uint64
	tags       *TagsMatcher
	region     *Serializer
	items      []resultItem
}

type resultItem struct {
	id, version uint64
	payload     []byte
	off, len    int
}

// NewSharedResultSet returns a result set whose items are CJSON documents
// sharing one tag table.
func NewSharedResultSet(stateToken uint64) *ResultSet {
	return &ResultSet{
		shared:     true,
		stateToken: stateToken,
		tags:       NewTagsMatcher(),
		region:     NewSerializer(4096),
	}
}

// Count returns the number of items added so far.
func (rs *ResultSet) Count() int { return len(rs.items) }

// Add appends a JSON document. Shared result sets convert it to CJSON.
func (rs *ResultSet) Add(id, version uint64, doc []byte) error {
	if !rs.shared {
		rs.items = append(rs.items, resultItem{id: id, version: version, payload: doc})
		return nil
	}
	off := rs.region.Len()
	if err := EncodeCJSON(rs.region, doc, rs.tags); err != nil {
		return err
	}
	rs.items = append(rs.items, resultItem{id: id, version: version, off: off, len: rs.region.Len() - off})
	return nil
}

// Encode serializes a success response.
func (rs *ResultSet) Encode() []byte {
	size := 16 + len(rs.Explain)
	for _, it := range rs.items {
		size += len(it.payload) + 12
	}
	if rs.shared {
		size += rs.region.Len()
	}
	s := NewSerializer(size)
	s.PutInt32(0)
	s.PutVarUint(rs.TotalCount)
	s.PutVarUint(uint64(len(rs.items)))
	var flags byte
	if len(rs.Explain) > 0 {
		flags |= FlagExplain
	}
	if len(rs.Aggregations) > 0 {
		flags |= FlagAggregations
	}
	if rs.shared {
		flags |= FlagShared
	}
	s.PutByte(flags)
	if flags&FlagExplain != 0 {
		s.PutVBytes(rs.Explain)
	}
	if flags&FlagAggregations != 0 {
		s.PutVarUint(uint64(len(rs.Aggregations)))
		for _, a := range rs.Aggregations {
			s.PutVBytes(a)
		}
	}
	if rs.shared {
		s.PutVarUint(rs.stateToken)
		names := rs.tags.Names()
		s.PutVarUint(uint64(len(names)))
		for _, n := range names {
			s.PutVString(n)
		}
		s.PutVBytes(rs.region.Bytes())
	}
	for _, it := range rs.items {
		s.PutVarUint(it.id)
		s.PutVarUint(it.version)
		if rs.shared {
			s.PutVarUint(uint64(it.off))
			s.PutVarUint(uint64(it.len))
		} else {
			s.PutVBytes(it.payload)
		}
	}
	return s.Bytes()
}

// EncodeError serializes a failed response.
func EncodeError(code int32, msg string) []byte {
	s := NewSerializer(8 + len(msg))
	s.PutInt32(code)
	s.PutVString(msg)
	return s.Bytes()
}
