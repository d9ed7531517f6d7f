package binding

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/myuser/docbind/internal/config"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/engine"
	"github.com/myuser/docbind/internal/metrics"
	"github.com/myuser/docbind/internal/wire"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const testNs = "test_items"

func newBinding(t *testing.T, mutate ...func(*config.Config)) *Binding {
	t.Helper()
	cfg := config.Default()
	cfg.Debug = true
	cfg.Engine.GCInterval = 0
	for _, m := range mutate {
		m(&cfg)
	}
	b, err := New(cfg, zaptest.NewLogger(t))
	assert.NilError(t, err)
	t.Cleanup(func() { b.Close() })
	assert.NilError(t, b.Connect(context.Background(), ""))
	return b
}

func setupNamespace(t *testing.T, b *Binding) {
	t.Helper()
	ctx := context.Background()
	assert.NilError(t, b.OpenNamespace(ctx, testNs, DefaultNamespaceOptions))
	for _, def := range []IndexDef{
		{Name: "id", FieldType: engine.FieldInt, IndexType: engine.IndexHash, IsPK: true},
		{Name: "ArrayIndex", JSONPaths: []string{"arr"}, FieldType: engine.FieldInt, IndexType: engine.IndexHash, IsArray: true},
		{Name: "RangeIndex", JSONPaths: []string{"range"}, FieldType: engine.FieldDouble, IndexType: engine.IndexTree},
	} {
		assert.NilError(t, b.AddIndex(ctx, testNs, def))
	}
}

func count(t *testing.T, b *Binding, where string) uint64 {
	t.Helper()
	q := "SELECT * FROM " + testNs
	if where != "" {
		q += " WHERE " + where
	}
	res, err := b.Select(context.Background(), q+" LIMIT 0")
	assert.NilError(t, err)
	assert.Equal(t, len(res.Items), 0)
	return res.TotalCount
}

func TestConcurrentUpserts(t *testing.T) {
	n := 300000
	if testing.Short() {
		n = 5000
	}
	b := newBinding(t, func(c *config.Config) { c.Debug = false })
	setupNamespace(t, b)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.GOMAXPROCS(0) * 4)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			doc := fmt.Appendf(nil, `{"id":%d,"arr":[%d],"range":%d}`, i, i%10, i)
			res, err := b.ModifyItem(ctx, testNs, wire.ModeUpsert, doc)
			if err != nil {
				return err
			}
			if res.TotalCount != 1 {
				return fmt.Errorf("upsert %d affected %d items", i, res.TotalCount)
			}
			return nil
		})
	}
	assert.NilError(t, g.Wait())
	assert.Equal(t, count(t, b, ""), uint64(n))
	assert.Equal(t, b.LiveBuffers(), int64(0))
}

func TestArrayAndRangeQueries(t *testing.T) {
	b := newBinding(t)
	setupNamespace(t, b)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		doc := fmt.Appendf(nil, `{"id":%d,"arr":[%d,%d],"range":%d.25}`, i, i, i+100, i)
		_, err := b.ModifyItem(ctx, testNs, wire.ModeInsert, doc)
		assert.NilError(t, err)
	}

	res, err := b.Select(ctx, "SELECT * FROM "+testNs+" WHERE ArrayIndex IN (3, 105) ORDER BY id")
	assert.NilError(t, err)
	assert.Equal(t, res.TotalCount, uint64(2))
	assert.Equal(t, gjson.GetBytes(res.Items[0].JSON, "id").Int(), int64(3))
	assert.Equal(t, gjson.GetBytes(res.Items[1].JSON, "id").Int(), int64(5))

	res, err = b.Select(ctx, "SELECT * FROM "+testNs+" WHERE RangeIndex > 4 AND RangeIndex < 9 ORDER BY RangeIndex", WithCJSON())
	assert.NilError(t, err)
	assert.Assert(t, res.StateToken != 0)
	assert.Equal(t, len(res.Items), 5)
	for i, it := range res.Items {
		r := gjson.GetBytes(it.JSON, "range").Float()
		assert.Assert(t, r > 4 && r < 9, "item %d range %v", i, r)
		assert.Equal(t, gjson.GetBytes(it.JSON, "arr.1").Int(), int64(104+i))
	}
}

func TestZeroResults(t *testing.T) {
	b := newBinding(t)
	setupNamespace(t, b)
	for _, opts := range [][]SelectOption{nil, {WithCJSON()}} {
		res, err := b.Select(context.Background(), "SELECT * FROM "+testNs+" WHERE id = 42", opts...)
		assert.NilError(t, err)
		assert.Equal(t, res.TotalCount, uint64(0))
		assert.Equal(t, len(res.Items), 0)
	}
}

func TestModifyAndExplain(t *testing.T) {
	b := newBinding(t)
	setupNamespace(t, b)
	ctx := context.Background()

	res, err := b.ModifyItem(ctx, testNs, wire.ModeInsert, []byte(`{"name":"a"}`),
		WithPrecepts("id=SERIAL()", "updated=NOW(msec)"))
	assert.NilError(t, err)
	assert.Equal(t, res.TotalCount, uint64(1))
	assert.Equal(t, gjson.GetBytes(res.Items[0].JSON, "id").Int(), int64(1))
	assert.Assert(t, gjson.GetBytes(res.Items[0].JSON, "updated").Int() > 0)

	cj, err := wire.PackCJSON([]byte(`{"id":2,"name":"b"}`))
	assert.NilError(t, err)
	res, err = b.ModifyItem(ctx, testNs, wire.ModeUpsert, cj, WithFormat(wire.FormatCJSON))
	assert.NilError(t, err)
	assert.Equal(t, gjson.GetBytes(res.Items[0].JSON, "name").String(), "b")

	res, err = b.Select(ctx, "EXPLAIN SELECT * FROM "+testNs+" WHERE id = 2")
	assert.NilError(t, err)
	assert.Equal(t, len(res.Items), 1)
	assert.Assert(t, gjson.ValidBytes(res.Explain))

	res, err = b.Select(ctx, "SELECT COUNT(*), MAX(id) FROM "+testNs)
	assert.NilError(t, err)
	assert.Equal(t, len(res.Aggregations), 2)
	assert.Equal(t, res.Aggregations[0].Value, float64(2))
	assert.Equal(t, res.Aggregations[1].Type, "max")
	assert.Equal(t, res.Aggregations[1].Value, float64(2))

	n, err := b.ExecSQL(ctx, "DELETE FROM "+testNs+" WHERE id = 1")
	assert.NilError(t, err)
	assert.Equal(t, n, uint64(1))
	assert.Equal(t, count(t, b, ""), uint64(1))
	assert.Equal(t, b.LiveBuffers(), int64(0))
}

func TestRowsStreaming(t *testing.T) {
	b := newBinding(t)
	setupNamespace(t, b)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.ModifyItem(ctx, testNs, wire.ModeInsert, fmt.Appendf(nil, `{"id":%d}`, i))
		assert.NilError(t, err)
	}

	rows, err := b.Query(ctx, "SELECT * FROM "+testNs+" ORDER BY id LIMIT 3")
	assert.NilError(t, err)
	assert.Equal(t, rows.TotalCount(), uint64(5))
	assert.Equal(t, rows.Count(), uint64(3))
	assert.Equal(t, b.LiveBuffers(), int64(1))
	var ids []int64
	for rows.Next() {
		ids = append(ids, gjson.GetBytes(rows.Item().JSON, "id").Int())
	}
	assert.NilError(t, rows.Err())
	assert.DeepEqual(t, ids, []int64{0, 1, 2})
	assert.NilError(t, rows.Close())
	assert.NilError(t, rows.Close())
	assert.Equal(t, b.LiveBuffers(), int64(0))

	rows, err = b.Query(ctx, "SELECT * FROM "+testNs)
	assert.NilError(t, err)
	assert.NilError(t, rows.Close())
	assert.Check(t, !rows.Next())
	assert.Check(t, is.ErrorIs(rows.Err(), errdefs.ErrDataLoss))
}

func TestErrorClassification(t *testing.T) {
	b := newBinding(t)
	setupNamespace(t, b)
	ctx := context.Background()

	_, err := b.Select(ctx, "SELEKT nothing")
	assert.Check(t, dberr.Is(err, dberr.KindQuery), "%v", err)
	assert.Check(t, errdefs.IsInvalidArgument(err))

	_, err = b.Select(ctx, "SELECT * FROM missing")
	assert.Check(t, errdefs.IsNotFound(err), "%v", err)

	err = b.OpenNamespace(ctx, "missing", NamespaceOptions{})
	assert.Check(t, dberr.Is(err, dberr.KindNamespace))
	assert.Check(t, errdefs.IsNotFound(err))

	err = b.AddIndex(ctx, testNs, IndexDef{Name: "id", FieldType: engine.FieldString})
	assert.Check(t, dberr.Is(err, dberr.KindIndex))
	assert.Check(t, errdefs.IsAlreadyExists(err))

	res, err := b.Select(ctx, "SELECT * FROM "+testNs, WithCJSON())
	assert.NilError(t, err)
	assert.NilError(t, b.AddIndex(ctx, testNs, IndexDef{Name: "name", FieldType: engine.FieldString}))
	_, err = b.ModifyItem(ctx, testNs, wire.ModeUpsert, []byte(`{"id":1}`), WithStateToken(res.StateToken))
	assert.Check(t, dberr.IsStateInvalidated(err))
	assert.Check(t, errdefs.IsConflict(err))
	var de *dberr.Error
	assert.Assert(t, errors.As(err, &de))
	assert.Equal(t, de.Op, "modify_item")
	assert.Equal(t, de.Code, dberr.CodeStateInvalidated)
	assert.Check(t, de.Msg != "")

	_, err = b.ModifyItem(ctx, testNs, wire.ModeUpsert, []byte(`{"id":`))
	assert.Check(t, errdefs.IsInvalidArgument(err))
}

func TestContextDeadline(t *testing.T) {
	b := newBinding(t)
	setupNamespace(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err := b.Select(ctx, "SELECT * FROM "+testNs)
	assert.Check(t, dberr.Is(err, dberr.KindTimeout))
	assert.Check(t, is.ErrorIs(err, context.DeadlineExceeded))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = b.Ping(ctx)
	assert.Check(t, is.ErrorIs(err, context.Canceled))

	// a live deadline still lets the call through
	ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	assert.NilError(t, b.Ping(WithCallID(ctx, 11)))
	assert.NilError(t, b.CancelContext(context.Background(), 11, false))
}

func TestCallContextDerivation(t *testing.T) {
	b := newBinding(t, func(c *config.Config) { c.Dispatch.Timeout = 3 * time.Second })

	cc, err := b.callContext(context.Background(), "op")
	assert.NilError(t, err)
	assert.Equal(t, cc, CallContext{Timeout: 3 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cc, err = b.callContext(ctx, "op")
	assert.NilError(t, err)
	assert.Assert(t, cc.ID != 0)
	assert.Assert(t, cc.Timeout > 50*time.Second && cc.Timeout <= time.Minute)

	cc, err = b.callContext(WithCallID(ctx, 5), "op")
	assert.NilError(t, err)
	assert.Equal(t, cc.ID, uint64(5))
}

func TestAsyncCalls(t *testing.T) {
	b := newBinding(t, func(c *config.Config) { c.Dispatch.AsyncWorkers = 4 })
	setupNamespace(t, b)
	ctx := context.Background()

	calls := make([]*Call[*Result], 50)
	for i := range calls {
		calls[i] = b.ModifyItemAsync(ctx, testNs, wire.ModeUpsert, fmt.Appendf(nil, `{"id":%d}`, i))
	}
	for i, c := range calls {
		res, err := c.Wait(ctx)
		assert.NilError(t, err, "call %d", i)
		assert.Equal(t, res.TotalCount, uint64(1))
	}
	res, err := b.SelectAsync(ctx, "SELECT * FROM "+testNs+" LIMIT 0").Wait(ctx)
	assert.NilError(t, err)
	assert.Equal(t, res.TotalCount, uint64(50))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = b.SelectAsync(canceled, "SELECT * FROM "+testNs).Wait(ctx)
	assert.Check(t, dberr.Is(err, dberr.KindTimeout), "%v", err)
}

func TestNamespacesAndIndexes(t *testing.T) {
	b := newBinding(t)
	setupNamespace(t, b)
	ctx := context.Background()
	assert.NilError(t, b.OpenNamespace(ctx, "other", NamespaceOptions{CreateIfMissing: true}))

	defs, err := b.Namespaces(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(defs), 2)
	assert.Equal(t, defs[0].Name, "other")
	assert.Check(t, !defs[0].Storage.Enabled)
	assert.Equal(t, defs[1].Name, testNs)
	assert.Equal(t, len(defs[1].Indexes), 3)

	assert.NilError(t, b.UpdateIndex(ctx, testNs, IndexDef{Name: "RangeIndex", JSONPaths: []string{"range"}, FieldType: engine.FieldInt, IndexType: engine.IndexTree}))
	_, err = b.ModifyItem(ctx, testNs, wire.ModeUpsert, []byte(`{"id":1,"range":1.5}`))
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.NilError(t, b.DropIndex(ctx, testNs, "RangeIndex"))
	_, err = b.ModifyItem(ctx, testNs, wire.ModeUpsert, []byte(`{"id":1,"range":1.5}`))
	assert.NilError(t, err)

	assert.NilError(t, b.TruncateNamespace(ctx, testNs))
	assert.Equal(t, count(t, b, ""), uint64(0))
	assert.NilError(t, b.CloseNamespace(ctx, "other"))
	assert.NilError(t, b.DropNamespace(ctx, testNs))
	assert.Check(t, errdefs.IsNotFound(b.DropNamespace(ctx, testNs)))
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	withStorage := func(c *config.Config) {
		c.Storage.Path = dir
		c.Storage.NoSync = true
		c.DSN = "builtin://reopen"
	}
	b := newBinding(t, withStorage)
	setupNamespace(t, b)
	for i := 0; i < 10; i++ {
		_, err := b.ModifyItem(context.Background(), testNs, wire.ModeInsert, fmt.Appendf(nil, `{"id":%d}`, i))
		assert.NilError(t, err)
	}
	assert.NilError(t, b.Close())

	b = newBinding(t, withStorage)
	assert.Equal(t, count(t, b, ""), uint64(10))
}

func TestClosedBinding(t *testing.T) {
	b := newBinding(t)
	assert.NilError(t, b.Close())
	assert.NilError(t, b.Close())

	err := b.Ping(context.Background())
	assert.Check(t, dberr.Is(err, dberr.KindEngineFatal), "%v", err)
	assert.Check(t, errdefs.IsUnavailable(err))
	_, err = b.Select(context.Background(), "SELECT * FROM x")
	assert.Check(t, dberr.Is(err, dberr.KindEngineFatal))
	_, err = b.SelectAsync(context.Background(), "SELECT * FROM x").Wait(context.Background())
	assert.Check(t, dberr.Is(err, dberr.KindEngineFatal))
}

func TestCallsAreMeasured(t *testing.T) {
	b := newBinding(t)
	before := metrics.Get("ping")
	assert.NilError(t, b.Ping(context.Background()))
	assert.Equal(t, metrics.Get("ping"), before+1)
}
