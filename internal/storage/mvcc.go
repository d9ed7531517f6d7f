package storage

import (
	"encoding/binary"
	"math"
)

// EncodeKey appends the inverted timestamp to the key.
// Format: Key + (MaxUint64 - ts), so newer versions of a key sort first.
func EncodeKey(key []byte, ts uint64) []byte {
	buf := make([]byte, len(key)+8)
	copy(buf, key)
	binary.BigEndian.PutUint64(buf[len(key):], math.MaxUint64-ts)
	return buf
}

// DecodeKey splits the key and timestamp.
func DecodeKey(joined []byte) ([]byte, uint64) {
	if len(joined) < 8 {
		return joined, 0
	}
	keyLen := len(joined) - 8
	return joined[:keyLen], math.MaxUint64 - binary.BigEndian.Uint64(joined[keyLen:])
}

// Components are escaped so that no encoded user key is a prefix of
// another; otherwise the timestamp suffix of "a" could sort between the
// versions of "a\xff".
const (
	escByte  = 0x00
	escValue = 0xff
	termByte = 0x01
)

func appendComponent(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == escByte {
			dst = append(dst, escByte, escValue)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escByte, termByte)
}

func readComponent(b []byte) (string, []byte, bool) {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] != escByte {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return "", nil, false
		}
		switch b[i+1] {
		case termByte:
			return string(out), b[i+2:], true
		case escValue:
			out = append(out, escByte)
			i++
		default:
			return "", nil, false
		}
	}
	return "", nil, false
}

// NamespacePrefix returns the key prefix shared by every document of ns.
func NamespacePrefix(ns string) []byte {
	return appendComponent(nil, ns)
}

// DocKey returns the user key of the document with primary key pk.
func DocKey(ns, pk string) []byte {
	return appendComponent(appendComponent(nil, ns), pk)
}

// SplitDocKey is the inverse of DocKey.
func SplitDocKey(key []byte) (ns, pk string, ok bool) {
	ns, rest, ok := readComponent(key)
	if !ok {
		return "", "", false
	}
	pk, rest, ok = readComponent(rest)
	if !ok || len(rest) != 0 {
		return "", "", false
	}
	return ns, pk, true
}
