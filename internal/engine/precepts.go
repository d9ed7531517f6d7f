package engine

import (
	"strings"
	"time"

	"github.com/myuser/docbind/internal/dberr"
	"github.com/tidwall/sjson"
)

type preceptKind int

const (
	preceptSerial preceptKind = iota
	preceptNow
)

// precept is a server computed assignment such as "id=SERIAL()" or
// "updated=NOW(msec)".
type precept struct {
	field string
	kind  preceptKind
	unit  time.Duration
}

func parsePrecept(s string) (precept, Error) {
	field, expr, ok := strings.Cut(s, "=")
	field, expr = strings.TrimSpace(field), strings.TrimSpace(expr)
	if !ok || field == "" {
		return precept{}, errorf(dberr.CodeParams, "precept %q: want field=FUNC()", s)
	}
	name, args, ok := strings.Cut(expr, "(")
	if !ok || !strings.HasSuffix(args, ")") {
		return precept{}, errorf(dberr.CodeParams, "precept %q: want field=FUNC()", s)
	}
	args = strings.TrimSpace(strings.TrimSuffix(args, ")"))
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "SERIAL":
		if args != "" {
			return precept{}, errorf(dberr.CodeParams, "precept %q: SERIAL takes no arguments", s)
		}
		return precept{field: field, kind: preceptSerial}, errOK
	case "NOW":
		p := precept{field: field, kind: preceptNow}
		switch strings.ToLower(args) {
		case "", "sec":
			p.unit = time.Second
		case "msec":
			p.unit = time.Millisecond
		case "usec":
			p.unit = time.Microsecond
		case "nsec":
			p.unit = time.Nanosecond
		default:
			return precept{}, errorf(dberr.CodeParams, "precept %q: unknown NOW unit %q", s, args)
		}
		return p, errOK
	}
	return precept{}, errorf(dberr.CodeParams, "precept %q: unknown function %q", s, name)
}

// applyPrecepts evaluates precepts against doc in order.
func (v *writeView) applyPrecepts(doc []byte, precepts []string) ([]byte, Error) {
	now := time.Now()
	for _, s := range precepts {
		p, err := parsePrecept(s)
		if !err.Ok() {
			return nil, err
		}
		path := v.ns.FieldPath(v.ns.name, p.field)
		var value int64
		switch p.kind {
		case preceptSerial:
			if value, err = v.nextSerial(p.field); !err.Ok() {
				return nil, err
			}
		case preceptNow:
			value = now.UnixNano() / int64(p.unit)
		}
		out, serr := sjson.SetBytes(doc, path, value)
		if serr != nil {
			return nil, errorf(dberr.CodeParams, "precept %q: %v", s, serr)
		}
		doc = out
	}
	return doc, errOK
}
