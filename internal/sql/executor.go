package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Doc is one stored document as seen by the executor.
type Doc struct {
	ID      uint64
	Version uint64
	JSON    []byte
	// Key is the storage key, needed to delete the document.
	Key []byte
}

// Source reads a namespace at a fixed snapshot.
type Source interface {
	Scan(ctx context.Context, ns string, fn func(Doc) bool) error
	Get(ctx context.Context, ns, pk string) (Doc, bool, error)
}

// Result is the outcome of executing a statement. Total counts the matches
// before LIMIT and OFFSET were applied.
type Result struct {
	Total        int
	Docs         []Doc
	Aggregations [][]byte
	Explain      []byte
}

// checkEvery bounds how many documents a scan visits between context checks.
const checkEvery = 256

// Execute executes a statement against src.
func Execute(ctx context.Context, stmt *Statement, src Source) (*Result, error) {
	ex := &executor{src: src, start: time.Now()}
	res := &Result{}

	root := stmt.Root
	if agg, ok := root.(*AggregateNode); ok {
		docs, err := ex.rows(ctx, agg.Input)
		if err != nil {
			return nil, err
		}
		res.Total = len(docs)
		for _, a := range agg.Aggs {
			out, err := aggregate(a, docs)
			if err != nil {
				return nil, err
			}
			res.Aggregations = append(res.Aggregations, out)
		}
	} else {
		docs, total, err := ex.run(ctx, root)
		if err != nil {
			return nil, err
		}
		res.Docs, res.Total = docs, total
	}

	if stmt.Explain {
		res.Explain = ex.explain(stmt)
	}
	return res, nil
}

type executor struct {
	src    Source
	start  time.Time
	prep   time.Duration
	loop   time.Duration
	sort   time.Duration
	method string
	hits   int
	filter Predicate
	sortBy string
}

// run evaluates node and returns the output rows along with the number of
// rows that matched before pagination.
func (ex *executor) run(ctx context.Context, node PlanNode) ([]Doc, int, error) {
	switch n := node.(type) {
	case *LimitNode:
		docs, total, err := ex.run(ctx, n.Input)
		if err != nil {
			return nil, 0, err
		}
		return paginate(docs, n.Offset, n.Count), total, nil
	case *ProjectNode:
		docs, total, err := ex.run(ctx, n.Input)
		if err != nil {
			return nil, 0, err
		}
		out, err := project(n, docs)
		return out, total, err
	}
	docs, err := ex.rows(ctx, node)
	return docs, len(docs), err
}

func (ex *executor) rows(ctx context.Context, node PlanNode) ([]Doc, error) {
	switch n := node.(type) {
	case *ScanNode:
		return ex.scan(ctx, n.Namespace, nil)
	case *PointGetNode:
		ex.method = "index"
		ex.prep = time.Since(ex.start)
		begin := time.Now()
		d, ok, err := ex.src.Get(ctx, n.Namespace, n.Key.Key())
		ex.loop = time.Since(begin)
		if err != nil || !ok {
			return nil, err
		}
		ex.hits = 1
		return []Doc{d}, nil
	case *FilterNode:
		scan, ok := n.Input.(*ScanNode)
		if !ok {
			return nil, fmt.Errorf("filter over %s is not supported", n.Input)
		}
		ex.filter = n.Pred
		return ex.scan(ctx, scan.Namespace, n.Pred)
	case *SortNode:
		docs, err := ex.rows(ctx, n.Input)
		if err != nil {
			return nil, err
		}
		begin := time.Now()
		sortDocs(docs, n.Keys)
		ex.sort = time.Since(begin)
		ex.sortBy = n.Keys[0].Field
		return docs, nil
	}
	return nil, fmt.Errorf("unsupported plan node: %T", node)
}

func (ex *executor) scan(ctx context.Context, ns string, pred Predicate) ([]Doc, error) {
	if ex.method == "" {
		ex.method = "scan"
	}
	ex.prep = time.Since(ex.start)
	begin := time.Now()
	defer func() { ex.loop = time.Since(begin) }()

	var (
		docs    []Doc
		visited int
		ctxErr  error
	)
	err := ex.src.Scan(ctx, ns, func(d Doc) bool {
		visited++
		if visited%checkEvery == 0 {
			if ctxErr = ctx.Err(); ctxErr != nil {
				return false
			}
		}
		if pred == nil || pred.Match(d.JSON) {
			docs = append(docs, d)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if ctxErr != nil {
		return nil, ctxErr
	}
	return docs, nil
}

func paginate(docs []Doc, offset, count int) []Doc {
	if offset >= len(docs) {
		return nil
	}
	docs = docs[offset:]
	if count >= 0 && count < len(docs) {
		docs = docs[:count]
	}
	return docs
}

func sortDocs(docs []Doc, keys []SortKey) {
	slices.SortStableFunc(docs, func(a, b Doc) int {
		for _, k := range keys {
			c := compareResults(gjson.GetBytes(a.JSON, k.Path), gjson.GetBytes(b.JSON, k.Path))
			if k.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

func project(n *ProjectNode, docs []Doc) ([]Doc, error) {
	out := make([]Doc, len(docs))
	for i, d := range docs {
		doc := []byte("{}")
		for j, path := range n.Paths {
			r := gjson.GetBytes(d.JSON, path)
			if !r.Exists() {
				continue
			}
			var err error
			if doc, err = sjson.SetRawBytes(doc, n.Columns[j], []byte(r.Raw)); err != nil {
				return nil, fmt.Errorf("project %s: %w", n.Columns[j], err)
			}
		}
		out[i] = Doc{ID: d.ID, Version: d.Version, JSON: doc}
	}
	return out, nil
}

type aggResult struct {
	Value  float64  `json:"value"`
	Type   AggType  `json:"type"`
	Fields []string `json:"fields"`
}

func aggregate(a Aggregate, docs []Doc) ([]byte, error) {
	res := aggResult{Type: a.Type, Fields: []string{a.Field}}
	if a.Type == AggCount {
		res.Value = float64(len(docs))
		return json.Marshal(res)
	}

	var (
		n   int
		sum float64
		lo  = math.Inf(1)
		hi  = math.Inf(-1)
	)
	for _, d := range docs {
		r := gjson.GetBytes(d.JSON, a.Path)
		anyElem(r, func(e gjson.Result) bool {
			if e.Type != gjson.Number {
				return false
			}
			f := e.Float()
			n++
			sum += f
			lo = math.Min(lo, f)
			hi = math.Max(hi, f)
			return false
		})
	}
	switch a.Type {
	case AggSum:
		res.Value = sum
	case AggAvg:
		if n > 0 {
			res.Value = sum / float64(n)
		}
	case AggMin:
		if n > 0 {
			res.Value = lo
		}
	case AggMax:
		if n > 0 {
			res.Value = hi
		}
	}
	return json.Marshal(res)
}

type explainSelector struct {
	Field       string `json:"field"`
	Method      string `json:"method"`
	Keys        int    `json:"keys"`
	Comparators int    `json:"comparators"`
	Matched     int    `json:"matched"`
	Condition   string `json:"condition,omitempty"`
}

type explainDoc struct {
	TotalUs       int64             `json:"total_us"`
	PrepareUs     int64             `json:"prepare_us"`
	LoopUs        int64             `json:"loop_us"`
	PostprocessUs int64             `json:"postprocess_us"`
	SortIndex     string            `json:"sort_index,omitempty"`
	Plan          string            `json:"plan"`
	Selectors     []explainSelector `json:"selectors"`
}

func (ex *executor) explain(stmt *Statement) []byte {
	e := explainDoc{
		TotalUs:       time.Since(ex.start).Microseconds(),
		PrepareUs:     ex.prep.Microseconds(),
		LoopUs:        ex.loop.Microseconds(),
		PostprocessUs: ex.sort.Microseconds(),
		SortIndex:     ex.sortBy,
		Plan:          stmt.String(),
		Selectors:     []explainSelector{},
	}
	if pg, ok := findPointGet(stmt.Root); ok {
		e.Selectors = append(e.Selectors, explainSelector{
			Field: pg.Field, Method: "index", Keys: 1, Comparators: 1, Matched: ex.hits,
			Condition: fmt.Sprintf("%s = %s", pg.Field, strconv.Quote(pg.Key.String())),
		})
	}
	if ex.filter != nil {
		for _, c := range comparisons(ex.filter) {
			e.Selectors = append(e.Selectors, explainSelector{
				Field: c.Field, Method: ex.method, Keys: len(c.Values),
				Comparators: c.Comparisons, Matched: c.Matched, Condition: c.String(),
			})
		}
	}
	out, _ := json.Marshal(e)
	return out
}

func findPointGet(n PlanNode) (*PointGetNode, bool) {
	for n != nil {
		if pg, ok := n.(*PointGetNode); ok {
			return pg, true
		}
		children := n.Children()
		if len(children) == 0 {
			return nil, false
		}
		n = children[0]
	}
	return nil, false
}
