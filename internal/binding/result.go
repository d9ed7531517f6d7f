package binding

import (
	"encoding/json"
	"fmt"

	"github.com/myuser/docbind/internal/buffer"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/wire"
)

// Item is one returned document.
type Item struct {
	ID      uint64
	Version uint64
	JSON    []byte
}

// AggregationResult is the value of one aggregate function.
type AggregationResult struct {
	Value  float64  `json:"value"`
	Type   string   `json:"type"`
	Fields []string `json:"fields"`
}

// Result is a fully decoded response. It holds no engine memory.
type Result struct {
	// TotalCount is the number of matches before LIMIT, or the number of
	// affected items for modifications.
	TotalCount   uint64
	Items        []Item
	Explain      []byte
	Aggregations []AggregationResult
	// StateToken is set for CJSON results and identifies the namespace
	// schema the items were encoded with.
	StateToken uint64
}

// decodeResult copies everything out of the response buffer.
func decodeResult(op string, res *buffer.Result) (*Result, error) {
	buf, err := res.Bytes()
	if err != nil {
		return nil, dberr.Wrap(dberr.KindBufferProtocol, op, err)
	}
	rr := wire.NewResultReader(buf)
	q, err := rr.ReadQueryParams()
	if err != nil {
		return nil, protocolError(op, err)
	}
	out := &Result{
		TotalCount: q.TotalCount,
		StateToken: q.StateToken,
		Items:      make([]Item, 0, q.Count),
	}
	if len(q.Explain) > 0 {
		out.Explain = append([]byte(nil), q.Explain...)
	}
	for i, a := range q.Aggregations {
		var agg AggregationResult
		if err := json.Unmarshal(a, &agg); err != nil {
			return nil, dberr.Wrap(dberr.KindBufferProtocol, op, fmt.Errorf("aggregation %d: %w", i, err))
		}
		out.Aggregations = append(out.Aggregations, agg)
	}
	for rr.More() {
		it, err := readItem(rr, buf, q)
		if err != nil {
			return nil, protocolError(op, err)
		}
		if !q.Shared() {
			it.JSON = append([]byte(nil), it.JSON...)
		}
		out.Items = append(out.Items, it)
	}
	return out, nil
}

// readItem decodes the next item. Inline JSON aliases buf; shared CJSON is
// expanded into fresh memory.
func readItem(rr *wire.ResultReader, buf []byte, q wire.QueryParams) (Item, error) {
	ip, err := rr.ReadItemParams()
	if err != nil {
		return Item{}, err
	}
	payload, err := wire.ItemBytes(buf, ip)
	if err != nil {
		return Item{}, err
	}
	if q.Shared() {
		if payload, err = wire.DecodeCJSON(payload, q.Names); err != nil {
			return Item{}, err
		}
	}
	return Item{ID: ip.ID, Version: ip.Version, JSON: payload}, nil
}

func protocolError(op string, err error) error {
	if resp, ok := err.(*wire.ErrorResponse); ok {
		return dberr.FromEngine(op, int(resp.Code), resp.Message, dberr.KindQuery)
	}
	return dberr.Wrap(dberr.KindBufferProtocol, op, err)
}

// Rows streams the items of one response without copying them. Item data
// is valid until the next call to Next or Close; Close must be called.
type Rows struct {
	op     string
	res    *buffer.Result
	buf    []byte
	rr     *wire.ResultReader
	params wire.QueryParams
	cur    Item
	err    error
}

func newRows(op string, res *buffer.Result) (*Rows, error) {
	buf, err := res.Bytes()
	if err != nil {
		return nil, dberr.Wrap(dberr.KindBufferProtocol, op, err)
	}
	rr := wire.NewResultReader(buf)
	q, err := rr.ReadQueryParams()
	if err != nil {
		return nil, protocolError(op, err)
	}
	return &Rows{op: op, res: res, buf: buf, rr: rr, params: q}, nil
}

// TotalCount is the number of matches before LIMIT.
func (r *Rows) TotalCount() uint64 { return r.params.TotalCount }

// Count is the number of items in the response.
func (r *Rows) Count() uint64 { return r.params.Count }

// Explain returns the explain trace, valid until Close.
func (r *Rows) Explain() []byte { return r.params.Explain }

// Next advances to the next item.
func (r *Rows) Next() bool {
	if r.err != nil || !r.rr.More() {
		return false
	}
	if r.res.Closed() {
		r.err = dberr.Wrap(dberr.KindBufferProtocol, r.op, buffer.ErrUseAfterFree)
		return false
	}
	r.cur, r.err = readItem(r.rr, r.buf, r.params)
	if r.err != nil {
		r.err = protocolError(r.op, r.err)
		return false
	}
	return true
}

// Item returns the current item.
func (r *Rows) Item() Item { return r.cur }

func (r *Rows) Err() error { return r.err }

// Close frees the response buffer. It is safe to call more than once.
func (r *Rows) Close() error {
	r.cur = Item{}
	if err := r.res.Close(); err != nil {
		return dberr.Wrap(dberr.KindBufferProtocol, r.op, err)
	}
	return nil
}
