package sql

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
)

// Catalog resolves query field names against a namespace's indexes.
type Catalog interface {
	// FieldPath returns the JSON path for field, which may be an index name.
	FieldPath(ns, field string) string
	// PrimaryKey returns the name of the namespace's primary key index.
	PrimaryKey(ns string) (string, bool)
}

var (
	explainRe = regexp.MustCompile(`(?is)^explain\s+`)
	deleteRe  = regexp.MustCompile(`(?is)^delete\s+from\s+`)
	systemNs  = regexp.MustCompile(`(?i)(\bfrom\s+)(#\w+)`)
)

// rewrite turns the dialect extensions into plain MySQL: EXPLAIN and DELETE
// become flags on a SELECT, and #system namespaces become quoted
// identifiers since # starts a comment.
func rewrite(query string) (string, StmtKind, bool) {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")

	explain := false
	if loc := explainRe.FindStringIndex(q); loc != nil {
		explain = true
		q = q[loc[1]:]
	}
	kind := StmtSelect
	if loc := deleteRe.FindStringIndex(q); loc != nil {
		kind = StmtDelete
		q = "SELECT * FROM " + q[loc[1]:]
	}
	q = systemNs.ReplaceAllString(q, "$1`$2`")
	return q, kind, explain
}

// ParseToPlan parses a SQL string and returns a logical plan.
func ParseToPlan(query string, cat Catalog) (*Statement, error) {
	q, kind, explain := rewrite(query)
	stmt, err := sqlparser.Parse(q)
	if err != nil {
		return nil, err
	}

	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return nil, fmt.Errorf("unsupported statement type: %T", stmt)
	}
	b := &builder{cat: cat}
	root, ns, err := b.buildSelectPlan(sel, kind)
	if err != nil {
		return nil, err
	}
	return &Statement{Kind: kind, Explain: explain, Namespace: ns, Root: root}, nil
}

type builder struct {
	cat Catalog
	ns  string
}

func (b *builder) path(field string) string {
	if b.cat == nil {
		return field
	}
	return b.cat.FieldPath(b.ns, field)
}

func (b *builder) buildSelectPlan(stmt *sqlparser.Select, kind StmtKind) (PlanNode, string, error) {
	if len(stmt.From) != 1 {
		return nil, "", fmt.Errorf("SELECT must name exactly one namespace")
	}
	aliased, ok := stmt.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, "", fmt.Errorf("complex FROM clauses not supported")
	}
	table, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return nil, "", fmt.Errorf("FROM must name a namespace")
	}
	b.ns = table.Name.String()

	var node PlanNode = &ScanNode{Namespace: b.ns}
	if stmt.Where != nil {
		if pg := b.pointGet(stmt.Where.Expr); pg != nil {
			node = pg
		} else {
			pred, err := b.buildPredicate(stmt.Where.Expr)
			if err != nil {
				return nil, "", err
			}
			node = &FilterNode{Input: node, Pred: pred}
		}
	}

	var (
		cols []string
		aggs []Aggregate
	)
	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			cols = append(cols, "*")
		case *sqlparser.AliasedExpr:
			switch inner := e.Expr.(type) {
			case *sqlparser.ColName:
				cols = append(cols, colName(inner))
			case *sqlparser.FuncExpr:
				agg, err := b.aggregate(inner)
				if err != nil {
					return nil, "", err
				}
				aggs = append(aggs, agg)
			default:
				return nil, "", fmt.Errorf("unsupported select expression %s", sqlparser.String(e))
			}
		default:
			return nil, "", fmt.Errorf("unsupported select expression %s", sqlparser.String(expr))
		}
	}
	if kind == StmtDelete && len(aggs) > 0 {
		return nil, "", fmt.Errorf("DELETE cannot aggregate")
	}
	if len(aggs) > 0 {
		if len(cols) > 0 {
			return nil, "", fmt.Errorf("cannot mix aggregates and fields")
		}
		return &AggregateNode{Input: node, Aggs: aggs}, b.ns, nil
	}

	if len(stmt.OrderBy) > 0 {
		sort := &SortNode{Input: node}
		for _, o := range stmt.OrderBy {
			col, ok := o.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, "", fmt.Errorf("ORDER BY supports fields only, got %s", sqlparser.String(o.Expr))
			}
			name := colName(col)
			sort.Keys = append(sort.Keys, SortKey{Field: name, Path: b.path(name), Desc: o.Direction == sqlparser.DescScr})
		}
		node = sort
	}

	if stmt.Limit != nil {
		lim := &LimitNode{Input: node, Count: -1}
		var err error
		if stmt.Limit.Offset != nil {
			if lim.Offset, err = intExpr(stmt.Limit.Offset); err != nil {
				return nil, "", fmt.Errorf("OFFSET: %w", err)
			}
		}
		if stmt.Limit.Rowcount != nil {
			if lim.Count, err = intExpr(stmt.Limit.Rowcount); err != nil {
				return nil, "", fmt.Errorf("LIMIT: %w", err)
			}
		}
		node = lim
	}

	if len(cols) > 0 && !(len(cols) == 1 && cols[0] == "*") {
		if kind == StmtDelete {
			return nil, "", fmt.Errorf("DELETE cannot project fields")
		}
		proj := &ProjectNode{Input: node}
		for _, c := range cols {
			if c == "*" {
				return nil, "", fmt.Errorf("cannot mix * and fields")
			}
			proj.Columns = append(proj.Columns, c)
			proj.Paths = append(proj.Paths, b.path(c))
		}
		node = proj
	}
	return node, b.ns, nil
}

// pointGet recognizes "pk = literal".
func (b *builder) pointGet(expr sqlparser.Expr) *PointGetNode {
	if b.cat == nil {
		return nil
	}
	pk, ok := b.cat.PrimaryKey(b.ns)
	if !ok {
		return nil
	}
	cmp, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok || cmp.Operator != sqlparser.EqualStr {
		return nil
	}
	col, ok := cmp.Left.(*sqlparser.ColName)
	if !ok || colName(col) != pk {
		return nil
	}
	v, err := literal(cmp.Right)
	if err != nil || v.Kind == KindNull {
		return nil
	}
	return &PointGetNode{Namespace: b.ns, Field: pk, Key: v}
}

func (b *builder) aggregate(f *sqlparser.FuncExpr) (Aggregate, error) {
	typ := AggType(f.Name.Lowered())
	switch typ {
	case AggCount, AggSum, AggMin, AggMax, AggAvg:
	default:
		return Aggregate{}, fmt.Errorf("unsupported function %s", f.Name.String())
	}
	if len(f.Exprs) != 1 {
		return Aggregate{}, fmt.Errorf("%s takes one argument", typ)
	}
	switch arg := f.Exprs[0].(type) {
	case *sqlparser.StarExpr:
		if typ != AggCount {
			return Aggregate{}, fmt.Errorf("%s(*) is not supported", typ)
		}
		return Aggregate{Type: typ, Field: "*"}, nil
	case *sqlparser.AliasedExpr:
		col, ok := arg.Expr.(*sqlparser.ColName)
		if !ok {
			return Aggregate{}, fmt.Errorf("%s argument must be a field", typ)
		}
		name := colName(col)
		return Aggregate{Type: typ, Field: name, Path: b.path(name)}, nil
	}
	return Aggregate{}, fmt.Errorf("unsupported %s argument", typ)
}

func (b *builder) buildPredicate(expr sqlparser.Expr) (Predicate, error) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		l, err := b.buildPredicate(e.Left)
		if err != nil {
			return nil, err
		}
		r, err := b.buildPredicate(e.Right)
		if err != nil {
			return nil, err
		}
		return &And{Left: l, Right: r}, nil
	case *sqlparser.OrExpr:
		l, err := b.buildPredicate(e.Left)
		if err != nil {
			return nil, err
		}
		r, err := b.buildPredicate(e.Right)
		if err != nil {
			return nil, err
		}
		return &Or{Left: l, Right: r}, nil
	case *sqlparser.NotExpr:
		p, err := b.buildPredicate(e.Expr)
		if err != nil {
			return nil, err
		}
		return &Not{Pred: p}, nil
	case *sqlparser.ParenExpr:
		return b.buildPredicate(e.Expr)
	case *sqlparser.ComparisonExpr:
		return b.comparison(e)
	case *sqlparser.RangeCond:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok {
			return nil, fmt.Errorf("BETWEEN needs a field on the left")
		}
		lo, err := literal(e.From)
		if err != nil {
			return nil, err
		}
		hi, err := literal(e.To)
		if err != nil {
			return nil, err
		}
		name := colName(col)
		var p Predicate = &Comparison{Field: name, Path: b.path(name), Op: OpRange, Values: []Value{lo, hi}}
		if e.Operator == sqlparser.NotBetweenStr {
			p = &Not{Pred: p}
		}
		return p, nil
	case *sqlparser.IsExpr:
		col, ok := e.Expr.(*sqlparser.ColName)
		if !ok {
			return nil, fmt.Errorf("IS needs a field")
		}
		name := colName(col)
		switch e.Operator {
		case sqlparser.IsNullStr:
			return &Comparison{Field: name, Path: b.path(name), Op: OpNull}, nil
		case sqlparser.IsNotNullStr:
			return &Comparison{Field: name, Path: b.path(name), Op: OpSet}, nil
		}
		return nil, fmt.Errorf("unsupported operator %s", e.Operator)
	}
	return nil, fmt.Errorf("unsupported condition %s", sqlparser.String(expr))
}

var cmpOps = map[string]CmpOp{
	sqlparser.EqualStr:        OpEq,
	sqlparser.NotEqualStr:     OpNe,
	sqlparser.LessThanStr:     OpLt,
	sqlparser.LessEqualStr:    OpLe,
	sqlparser.GreaterThanStr:  OpGt,
	sqlparser.GreaterEqualStr: OpGe,
	sqlparser.InStr:           OpIn,
	sqlparser.NotInStr:        OpNotIn,
}

// mirrored flips an operator for "literal op field".
var mirrored = map[CmpOp]CmpOp{OpLt: OpGt, OpLe: OpGe, OpGt: OpLt, OpGe: OpLe, OpEq: OpEq, OpNe: OpNe}

func (b *builder) comparison(e *sqlparser.ComparisonExpr) (Predicate, error) {
	op, ok := cmpOps[e.Operator]
	if !ok {
		return nil, fmt.Errorf("unsupported operator %s", e.Operator)
	}
	left, right := e.Left, e.Right
	col, ok := left.(*sqlparser.ColName)
	if !ok {
		col, ok = right.(*sqlparser.ColName)
		flipped, canFlip := mirrored[op]
		if !ok || !canFlip {
			return nil, fmt.Errorf("condition %s needs a field", sqlparser.String(e))
		}
		op, right = flipped, left
	}
	name := colName(col)
	c := &Comparison{Field: name, Path: b.path(name), Op: op}

	if op == OpIn || op == OpNotIn {
		tuple, ok := right.(sqlparser.ValTuple)
		if !ok {
			return nil, fmt.Errorf("%s needs a value list", op)
		}
		for _, v := range tuple {
			lit, err := literal(v)
			if err != nil {
				return nil, err
			}
			c.Values = append(c.Values, lit)
		}
		return c, nil
	}
	lit, err := literal(right)
	if err != nil {
		return nil, err
	}
	c.Values = []Value{lit}
	return c, nil
}

func colName(c *sqlparser.ColName) string {
	if c.Qualifier.IsEmpty() {
		return c.Name.String()
	}
	return c.Qualifier.Name.String() + "." + c.Name.String()
}

func literal(expr sqlparser.Expr) (Value, error) {
	if v, ok := expr.(*sqlparser.SQLVal); ok {
		switch v.Type {
		case sqlparser.StrVal:
			return Value{Kind: KindString, Str: string(v.Val)}, nil
		case sqlparser.IntVal, sqlparser.FloatVal:
			if n, ok := parseNumber(string(v.Val)); ok {
				return n, nil
			}
		}
		return Value{}, fmt.Errorf("unsupported literal %s", sqlparser.String(v))
	}
	// Negative numbers, booleans and NULL reach here as other node types.
	text := sqlparser.String(expr)
	if v, ok := parseLiteral(strings.ReplaceAll(text, " ", "")); ok {
		return v, nil
	}
	return Value{}, fmt.Errorf("unsupported literal %s", text)
}

func intExpr(expr sqlparser.Expr) (int, error) {
	v, err := literal(expr)
	if err != nil {
		return 0, err
	}
	if v.Kind != KindNumber || !v.IsInt || v.Int < 0 {
		return 0, fmt.Errorf("want a non-negative integer, got %s", v)
	}
	return strconv.Atoi(v.String())
}
