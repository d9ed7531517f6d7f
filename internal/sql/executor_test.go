package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/myuser/docbind/internal/storage"
)

// storeSource reads raw JSON documents from a MemoryStore at one timestamp.
type storeSource struct {
	store  *storage.MemoryStore
	readTs uint64
}

func (s storeSource) Scan(_ context.Context, ns string, fn func(Doc) bool) error {
	var id uint64
	s.store.ScanPrefix(storage.NamespacePrefix(ns), s.readTs, func(_ []byte, rec storage.Record) bool {
		id++
		return fn(Doc{ID: id, Version: rec.Version, JSON: rec.Value})
	})
	return nil
}

func (s storeSource) Get(_ context.Context, ns, pk string) (Doc, bool, error) {
	rec, ok := s.store.Get(storage.DocKey(ns, pk), s.readTs)
	return Doc{Version: rec.Version, JSON: rec.Value}, ok, nil
}

func seed(t *testing.T, docs ...string) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	var ops []storage.BatchOp
	for _, d := range docs {
		var v struct{ ID json.Number }
		if err := json.Unmarshal([]byte(d), &v); err != nil {
			t.Fatalf("bad fixture %s: %v", d, err)
		}
		ops = append(ops, storage.BatchOp{Key: storage.DocKey("items", v.ID.String()), Value: []byte(d)})
	}
	if _, err := store.Commit(ops); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func run(t *testing.T, store *storage.MemoryStore, q string) *Result {
	t.Helper()
	stmt, err := ParseToPlan(q, fakeCatalog{"ArrayIndex": "arr", "RangeIndex": "range"})
	if err != nil {
		t.Fatalf("parse %q: %v", q, err)
	}
	res, err := Execute(context.Background(), stmt, storeSource{store, store.ReadTs()})
	if err != nil {
		t.Fatalf("execute %q: %v", q, err)
	}
	return res
}

func ids(res *Result) string {
	var out []string
	for _, d := range res.Docs {
		var v struct{ ID json.Number }
		json.Unmarshal(d.JSON, &v)
		out = append(out, v.ID.String())
	}
	return strings.Join(out, ",")
}

func TestExecutor_ArrayAndRange(t *testing.T) {
	var docs []string
	for i := 990; i < 1000; i++ {
		docs = append(docs, fmt.Sprintf(`{"id":%d,"arr":["%08d","x"],"range":%g}`, i, i, 5+float64(i-990)*0.125))
	}
	store := seed(t, docs...)

	res := run(t, store, `SELECT * FROM items WHERE ArrayIndex IN ("00000997","00000998")`)
	if res.Total != 2 || ids(res) != "997,998" {
		t.Errorf("array IN: total %d, ids %s", res.Total, ids(res))
	}

	res = run(t, store, `SELECT * FROM items WHERE RangeIndex > 5.1 AND RangeIndex < 6`)
	if ids(res) != "991,992,993,994,995,996,997" {
		t.Errorf("range: %s", ids(res))
	}
	var first struct{ Range float64 }
	json.Unmarshal(res.Docs[0].JSON, &first)
	if first.Range != 5.125 {
		t.Errorf("first range value %v, want 5.125", first.Range)
	}

	res = run(t, store, `SELECT * FROM items WHERE ArrayIndex NOT IN ("x")`)
	if res.Total != 0 {
		t.Errorf("NOT IN over arrays: %d", res.Total)
	}
}

func TestExecutor_PaginationAndSort(t *testing.T) {
	store := seed(t,
		`{"id":1,"name":"c","age":30}`,
		`{"id":2,"name":"a","age":20}`,
		`{"id":3,"name":"b","age":40}`,
	)

	res := run(t, store, "SELECT * FROM items ORDER BY age DESC LIMIT 2")
	if res.Total != 3 || ids(res) != "3,1" {
		t.Errorf("sort desc: total %d ids %s", res.Total, ids(res))
	}

	res = run(t, store, "SELECT * FROM items LIMIT 0")
	if res.Total != 3 || len(res.Docs) != 0 {
		t.Errorf("LIMIT 0: total %d, %d docs", res.Total, len(res.Docs))
	}

	res = run(t, store, "SELECT * FROM items LIMIT 10 OFFSET 5")
	if res.Total != 3 || len(res.Docs) != 0 {
		t.Errorf("offset past end: total %d, %d docs", res.Total, len(res.Docs))
	}

	res = run(t, store, "SELECT name FROM items WHERE id = 2")
	if len(res.Docs) != 1 || string(res.Docs[0].JSON) != `{"name":"a"}` {
		t.Errorf("projection: %+v", res.Docs)
	}
}

func TestExecutor_ZeroResults(t *testing.T) {
	store := seed(t, `{"id":1}`)
	res := run(t, store, "SELECT * FROM items WHERE id > 100")
	if res.Total != 0 || len(res.Docs) != 0 {
		t.Errorf("want empty result, got %+v", res)
	}
	res = run(t, store, "SELECT * FROM empty")
	if res.Total != 0 {
		t.Errorf("unknown namespace scan: %+v", res)
	}
}

func TestExecutor_Aggregates(t *testing.T) {
	store := seed(t, `{"id":1,"p":2}`, `{"id":2,"p":4}`, `{"id":3,"p":[6,8]}`)
	res := run(t, store, "SELECT COUNT(*), SUM(p), MIN(p), MAX(p), AVG(p) FROM items")
	want := []string{
		`{"value":3,"type":"count","fields":["*"]}`,
		`{"value":20,"type":"sum","fields":["p"]}`,
		`{"value":2,"type":"min","fields":["p"]}`,
		`{"value":8,"type":"max","fields":["p"]}`,
		`{"value":5,"type":"avg","fields":["p"]}`,
	}
	if len(res.Aggregations) != len(want) {
		t.Fatalf("got %d aggregations", len(res.Aggregations))
	}
	for i, w := range want {
		if string(res.Aggregations[i]) != w {
			t.Errorf("aggregation %d: got %s want %s", i, res.Aggregations[i], w)
		}
	}
}

func TestExecutor_Explain(t *testing.T) {
	store := seed(t, `{"id":1,"v":1}`, `{"id":2,"v":2}`, `{"id":3,"v":3}`)
	res := run(t, store, "EXPLAIN SELECT * FROM items WHERE v >= 2")
	var ex explainDoc
	if err := json.Unmarshal(res.Explain, &ex); err != nil {
		t.Fatalf("explain json %s: %v", res.Explain, err)
	}
	if len(ex.Selectors) != 1 {
		t.Fatalf("selectors: %+v", ex.Selectors)
	}
	sel := ex.Selectors[0]
	if sel.Field != "v" || sel.Method != "scan" || sel.Comparators != 3 || sel.Matched != 2 {
		t.Errorf("selector: %+v", sel)
	}

	res = run(t, store, "SELECT * FROM items")
	if res.Explain != nil {
		t.Errorf("explain returned without EXPLAIN")
	}
}

func TestExecutor_Snapshot(t *testing.T) {
	store := seed(t, `{"id":1}`)
	old := store.ReadTs()
	store.Commit([]storage.BatchOp{{Key: storage.DocKey("items", "2"), Value: []byte(`{"id":2}`)}})

	stmt, _ := ParseToPlan("SELECT * FROM items", nil)
	res, err := Execute(context.Background(), stmt, storeSource{store, old})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("old snapshot sees %d docs", res.Total)
	}
}

func TestExecutor_Canceled(t *testing.T) {
	var docs []string
	for i := 0; i < 1000; i++ {
		docs = append(docs, fmt.Sprintf(`{"id":%d}`, i))
	}
	store := seed(t, docs...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stmt, _ := ParseToPlan("SELECT * FROM items", nil)
	if _, err := Execute(ctx, stmt, storeSource{store, store.ReadTs()}); err != context.Canceled {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
