package sql

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

type ValueKind int

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindBool
)

// Value is a literal from a query.
type Value struct {
	Kind  ValueKind
	Str   string
	Num   float64
	Int   int64
	IsInt bool
	Bool  bool
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		if v.IsInt {
			return strconv.FormatInt(v.Int, 10)
		}
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return "null"
}

// Key returns the canonical primary key text of v.
func (v Value) Key() string { return v.String() }

// parseLiteral interprets the text of a non-string literal.
func parseLiteral(text string) (Value, bool) {
	switch strings.ToLower(text) {
	case "null":
		return Value{Kind: KindNull}, true
	case "true":
		return Value{Kind: KindBool, Bool: true}, true
	case "false":
		return Value{Kind: KindBool}, true
	}
	return parseNumber(text)
}

func parseNumber(text string) (Value, bool) {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return Value{Kind: KindNumber, Int: i, Num: float64(i), IsInt: true}, true
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(f) {
		return Value{Kind: KindNumber, Num: f}, true
	}
	return Value{}, false
}

// compareResult orders a document field against a literal. ok is false
// when the two cannot be compared.
func compareResult(r gjson.Result, v Value) (int, bool) {
	switch r.Type {
	case gjson.Number:
		n := v
		if v.Kind == KindString {
			var ok bool
			if n, ok = parseNumber(v.Str); !ok {
				return 0, false
			}
		}
		if n.Kind != KindNumber {
			return 0, false
		}
		if n.IsInt && isIntegral(r.Raw) {
			return cmpOrdered(r.Int(), n.Int), true
		}
		return cmpOrdered(r.Float(), n.Num), true
	case gjson.String:
		if v.Kind == KindNull {
			return 0, false
		}
		return strings.Compare(r.Str, v.String()), true
	case gjson.True, gjson.False:
		switch v.Kind {
		case KindBool:
			return cmpBool(r.Bool(), v.Bool), true
		case KindString:
			if b, err := strconv.ParseBool(v.Str); err == nil {
				return cmpBool(r.Bool(), b), true
			}
		}
		return 0, false
	case gjson.Null:
		if v.Kind == KindNull {
			return 0, true
		}
	}
	return 0, false
}

// compareResults orders two document fields for ORDER BY. Missing values
// sort first, then numbers, then strings.
func compareResults(a, b gjson.Result) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpOrdered(ra, rb)
	}
	switch a.Type {
	case gjson.Number:
		if isIntegral(a.Raw) && isIntegral(b.Raw) {
			return cmpOrdered(a.Int(), b.Int())
		}
		return cmpOrdered(a.Float(), b.Float())
	case gjson.String:
		return strings.Compare(a.Str, b.Str)
	case gjson.True, gjson.False:
		return cmpBool(a.Bool(), b.Bool())
	}
	return strings.Compare(a.Raw, b.Raw)
}

func rank(r gjson.Result) int {
	switch {
	case !r.Exists(), r.Type == gjson.Null:
		return 0
	case r.Type == gjson.False, r.Type == gjson.True:
		return 1
	case r.Type == gjson.Number:
		return 2
	case r.Type == gjson.String:
		return 3
	}
	return 4
}

func isIntegral(raw string) bool {
	return !strings.ContainsAny(raw, ".eE")
}

func cmpOrdered[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}
