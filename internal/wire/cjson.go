package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// CJSON value tags. A tag is (nameIndex+1)<<3 | type; name index 0 marks
// an unnamed value (document root or array element).
const (
	ctagVarInt = 0
	ctagDouble = 1
	ctagString = 2
	ctagBool   = 3
	ctagNull   = 4
	ctagObject = 5
	ctagArray  = 6
	ctagEnd    = 7

	ctagTypeBits = 3
	ctagTypeMask = 1<<ctagTypeBits - 1
)

// TagsMatcher is the shared field-name table of a CJSON payload set.
type TagsMatcher struct {
	mu    sync.RWMutex
	names []string
	index map[string]int
}

func NewTagsMatcher() *TagsMatcher {
	return &TagsMatcher{index: make(map[string]int)}
}

// Tag returns the index of name, adding it when missing.
func (tm *TagsMatcher) Tag(name string) int {
	tm.mu.RLock()
	idx, ok := tm.index[name]
	tm.mu.RUnlock()
	if ok {
		return idx
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if idx, ok := tm.index[name]; ok {
		return idx
	}
	idx = len(tm.names)
	tm.names = append(tm.names, name)
	tm.index[name] = idx
	return idx
}

// Names returns a copy of the name table in tag order.
func (tm *TagsMatcher) Names() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return append([]string(nil), tm.names...)
}

func putTag(s *Serializer, nameIdx int, typ int) {
	s.PutVarUint(uint64((nameIdx+1)<<ctagTypeBits | typ))
}

// EncodeCJSON appends the CJSON form of the JSON document doc to s,
// registering field names in tm.
func EncodeCJSON(s *Serializer, doc []byte, tm *TagsMatcher) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("cjson: %w", err)
	}
	if err := encodeCJSONValue(dec, s, tm, -1, tok); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("cjson: trailing data after document")
	}
	return nil
}

func encodeCJSONValue(dec *json.Decoder, s *Serializer, tm *TagsMatcher, name int, tok json.Token) error {
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			putTag(s, name, ctagObject)
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return fmt.Errorf("cjson: %w", err)
				}
				key, ok := kt.(string)
				if !ok {
					return fmt.Errorf("cjson: unexpected key token %v", kt)
				}
				vt, err := dec.Token()
				if err != nil {
					return fmt.Errorf("cjson: %w", err)
				}
				if err := encodeCJSONValue(dec, s, tm, tm.Tag(key), vt); err != nil {
					return err
				}
			}
		case '[':
			putTag(s, name, ctagArray)
			for dec.More() {
				et, err := dec.Token()
				if err != nil {
					return fmt.Errorf("cjson: %w", err)
				}
				if err := encodeCJSONValue(dec, s, tm, -1, et); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("cjson: unexpected delimiter %v", v)
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("cjson: %w", err)
		}
		putTag(s, -1, ctagEnd)
	case string:
		putTag(s, name, ctagString)
		s.PutVString(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			putTag(s, name, ctagVarInt)
			s.PutVarInt(i)
			return nil
		}
		f, err := v.Float64()
		if err != nil {
			return fmt.Errorf("cjson: number %q: %w", v, err)
		}
		putTag(s, name, ctagDouble)
		s.PutDouble(f)
	case bool:
		putTag(s, name, ctagBool)
		if v {
			s.PutByte(1)
		} else {
			s.PutByte(0)
		}
	case nil:
		putTag(s, name, ctagNull)
	default:
		return fmt.Errorf("cjson: unexpected token %T", tok)
	}
	return nil
}

// DecodeCJSON converts one CJSON document back to JSON using the name
// table it was encoded against.
func DecodeCJSON(cj []byte, names []string) ([]byte, error) {
	r := NewReader(cj)
	out := make([]byte, 0, len(cj)*2)
	tag, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	out, err = decodeCJSONValue(r, out, names, tag)
	if err != nil {
		return nil, err
	}
	if !r.EOF() {
		return nil, &MalformedError{What: "trailing bytes after cjson document", Offset: r.Pos(), Have: r.Remaining()}
	}
	return out, nil
}

func decodeCJSONValue(r *Reader, out []byte, names []string, tag uint64) ([]byte, error) {
	switch tag & ctagTypeMask {
	case ctagVarInt:
		v, err := r.ReadVarInt()
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(out, v, 10), nil
	case ctagDouble:
		v, err := r.ReadDouble()
		if err != nil {
			return nil, err
		}
		return strconv.AppendFloat(out, v, 'g', -1, 64), nil
	case ctagString:
		v, err := r.ReadVString()
		if err != nil {
			return nil, err
		}
		q, _ := json.Marshal(v)
		return append(out, q...), nil
	case ctagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return strconv.AppendBool(out, b != 0), nil
	case ctagNull:
		return append(out, "null"...), nil
	case ctagObject:
		out = append(out, '{')
		for first := true; ; first = false {
			t, err := r.ReadVarUint()
			if err != nil {
				return nil, err
			}
			if t&ctagTypeMask == ctagEnd {
				return append(out, '}'), nil
			}
			idx := t >> ctagTypeBits
			if idx == 0 || idx > uint64(len(names)) {
				return nil, &UnrecognizedError{Enum: "cjson field tag", Value: idx}
			}
			if !first {
				out = append(out, ',')
			}
			q, _ := json.Marshal(names[idx-1])
			out = append(out, q...)
			out = append(out, ':')
			if out, err = decodeCJSONValue(r, out, names, t); err != nil {
				return nil, err
			}
		}
	case ctagArray:
		out = append(out, '[')
		for first := true; ; first = false {
			t, err := r.ReadVarUint()
			if err != nil {
				return nil, err
			}
			if t&ctagTypeMask == ctagEnd {
				return append(out, ']'), nil
			}
			if !first {
				out = append(out, ',')
			}
			if out, err = decodeCJSONValue(r, out, names, t); err != nil {
				return nil, err
			}
		}
	}
	return nil, &UnrecognizedError{Enum: "cjson value type", Value: tag & ctagTypeMask}
}

// PackCJSON produces a self-describing CJSON payload: the name table
// followed by the document body. Modify commands carry this form.
func PackCJSON(doc []byte) ([]byte, error) {
	tm := NewTagsMatcher()
	body := NewSerializer(len(doc))
	if err := EncodeCJSON(body, doc, tm); err != nil {
		return nil, err
	}
	names := tm.Names()
	s := NewSerializer(body.Len() + 8*len(names))
	s.PutVarUint(uint64(len(names)))
	for _, n := range names {
		s.PutVString(n)
	}
	s.Write(body.Bytes())
	return s.Bytes(), nil
}

// UnpackCJSON turns a PackCJSON payload back into JSON.
func UnpackCJSON(payload []byte) ([]byte, error) {
	r := NewReader(payload)
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, &MalformedError{What: "cjson name count", Offset: r.Pos(), Need: int(min(n, 1<<30)), Have: r.Remaining()}
	}
	names := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		name, err := r.ReadVString()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return DecodeCJSON(payload[r.Pos():], names)
}
