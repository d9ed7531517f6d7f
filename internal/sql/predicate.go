package sql

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Predicate filters documents.
type Predicate interface {
	Match(doc []byte) bool
	String() string
}

type CmpOp string

const (
	OpEq    CmpOp = "="
	OpNe    CmpOp = "!="
	OpLt    CmpOp = "<"
	OpLe    CmpOp = "<="
	OpGt    CmpOp = ">"
	OpGe    CmpOp = ">="
	OpIn    CmpOp = "in"
	OpNotIn CmpOp = "not in"
	OpRange CmpOp = "between"
	OpNull  CmpOp = "is null"
	OpSet   CmpOp = "is not null"
)

// Comparison tests one field. Array fields match when any element matches;
// != and NOT IN are the negation of = and IN.
type Comparison struct {
	Field  string
	Path   string
	Op     CmpOp
	Values []Value

	// counters reported by EXPLAIN
	Comparisons int
	Matched     int
}

func (c *Comparison) Match(doc []byte) bool {
	c.Comparisons++
	ok := c.match(doc)
	if ok {
		c.Matched++
	}
	return ok
}

func (c *Comparison) match(doc []byte) bool {
	r := gjson.GetBytes(doc, c.Path)
	switch c.Op {
	case OpNe:
		return !anyElem(r, c.eq)
	case OpNotIn:
		return !anyElem(r, c.in)
	case OpNull:
		return !r.Exists() || r.Type == gjson.Null || (r.IsArray() && len(r.Array()) == 0)
	case OpSet:
		return r.Exists() && r.Type != gjson.Null && !(r.IsArray() && len(r.Array()) == 0)
	}
	if !r.Exists() {
		return false
	}
	switch c.Op {
	case OpEq:
		return anyElem(r, c.eq)
	case OpIn:
		return anyElem(r, c.in)
	case OpRange:
		return anyElem(r, func(e gjson.Result) bool {
			lo, ok1 := compareResult(e, c.Values[0])
			hi, ok2 := compareResult(e, c.Values[1])
			return ok1 && ok2 && lo >= 0 && hi <= 0
		})
	}
	return anyElem(r, func(e gjson.Result) bool {
		d, ok := compareResult(e, c.Values[0])
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return d < 0
		case OpLe:
			return d <= 0
		case OpGt:
			return d > 0
		case OpGe:
			return d >= 0
		}
		return false
	})
}

func (c *Comparison) eq(e gjson.Result) bool {
	d, ok := compareResult(e, c.Values[0])
	return ok && d == 0
}

func (c *Comparison) in(e gjson.Result) bool {
	for _, v := range c.Values {
		if d, ok := compareResult(e, v); ok && d == 0 {
			return true
		}
	}
	return false
}

func anyElem(r gjson.Result, fn func(gjson.Result) bool) bool {
	if !r.IsArray() {
		return r.Exists() && fn(r)
	}
	for _, e := range r.Array() {
		if fn(e) {
			return true
		}
	}
	return false
}

func (c *Comparison) String() string {
	switch c.Op {
	case OpNull, OpSet:
		return fmt.Sprintf("%s %s", c.Field, c.Op)
	case OpRange:
		return fmt.Sprintf("%s between %s and %s", c.Field, c.Values[0], c.Values[1])
	case OpIn, OpNotIn:
		vals := make([]string, len(c.Values))
		for i, v := range c.Values {
			vals[i] = v.String()
		}
		return fmt.Sprintf("%s %s (%s)", c.Field, c.Op, strings.Join(vals, ", "))
	}
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.Values[0])
}

type And struct{ Left, Right Predicate }

func (p *And) Match(doc []byte) bool { return p.Left.Match(doc) && p.Right.Match(doc) }
func (p *And) String() string        { return fmt.Sprintf("(%s and %s)", p.Left, p.Right) }

type Or struct{ Left, Right Predicate }

func (p *Or) Match(doc []byte) bool { return p.Left.Match(doc) || p.Right.Match(doc) }
func (p *Or) String() string        { return fmt.Sprintf("(%s or %s)", p.Left, p.Right) }

type Not struct{ Pred Predicate }

func (p *Not) Match(doc []byte) bool { return !p.Pred.Match(doc) }
func (p *Not) String() string        { return fmt.Sprintf("not %s", p.Pred) }

// comparisons returns every leaf of p in evaluation order.
func comparisons(p Predicate) []*Comparison {
	switch p := p.(type) {
	case *Comparison:
		return []*Comparison{p}
	case *And:
		return append(comparisons(p.Left), comparisons(p.Right)...)
	case *Or:
		return append(comparisons(p.Left), comparisons(p.Right)...)
	case *Not:
		return comparisons(p.Pred)
	}
	return nil
}
