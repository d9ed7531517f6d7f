package binding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/myuser/docbind/internal/buffer"
	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/engine"
	"github.com/myuser/docbind/internal/wire"
)

// ModifyOption adjusts the header of a modify command.
type ModifyOption func(*wire.ModifyHeader)

// WithPrecepts adds server computed assignments such as "id=SERIAL()".
func WithPrecepts(precepts ...string) ModifyOption {
	return func(h *wire.ModifyHeader) { h.Precepts = append(h.Precepts, precepts...) }
}

// WithStateToken makes the engine reject the command when the namespace
// schema changed since token was observed.
func WithStateToken(token uint64) ModifyOption {
	return func(h *wire.ModifyHeader) { h.StateToken = token }
}

// WithFormat sets the payload format. The default is JSON.
func WithFormat(f wire.Format) ModifyOption {
	return func(h *wire.ModifyHeader) { h.Format = f }
}

// ModifyItem inserts, updates, upserts or deletes one document. The
// result holds the affected count and the document as stored.
func (b *Binding) ModifyItem(ctx context.Context, ns string, mode wire.Mode, payload []byte, opts ...ModifyOption) (*Result, error) {
	hdr := wire.ModifyHeader{Namespace: ns, Mode: mode}
	for _, o := range opts {
		o(&hdr)
	}
	ser := wire.AcquireSerializer()
	defer ser.Release()
	hdr.AppendTo(ser)

	var out *Result
	err := b.doBuffer(ctx, "modify_item", dberr.KindNamespace, func(cc CallContext) engine.Ret {
		var ret engine.Ret
		perr := buffer.PinFor(ser.Bytes(), func(args *buffer.Pinned) error {
			return buffer.PinFor(payload, func(data *buffer.Pinned) error {
				ret = engine.ModifyItemPacked(b.h, args, data, cc.info())
				return nil
			})
		})
		if perr != nil && ret.Out.IsZero() {
			ret.Err = engine.Error{Code: dberr.CodeParams, What: perr.Error()}
		}
		return ret
	}, func(res *buffer.Result) (err error) {
		out, err = decodeResult("modify_item", res)
		return err
	})
	return out, err
}

// SelectOption adjusts a query.
type SelectOption func(*selectOpts)

type selectOpts struct {
	cjson      bool
	ptVersions []int32
}

// WithCJSON requests items as CJSON sharing one tag table. They are
// expanded back to JSON during decoding.
func WithCJSON() SelectOption {
	return func(o *selectOpts) { o.cjson = true }
}

// WithPayloadVersions passes the state tokens the caller holds for its
// payload types.
func WithPayloadVersions(v ...int32) SelectOption {
	return func(o *selectOpts) { o.ptVersions = append(o.ptVersions, v...) }
}

func (b *Binding) selectRaw(ctx context.Context, op, query string, opts []SelectOption, decode func(*buffer.Result) error) error {
	var so selectOpts
	for _, o := range opts {
		o(&so)
	}
	return b.doBuffer(ctx, op, dberr.KindQuery, func(cc CallContext) engine.Ret {
		return engine.Select(b.h, query, !so.cjson, so.ptVersions, cc.info())
	}, decode)
}

// Select runs a SQL query and decodes the whole response.
func (b *Binding) Select(ctx context.Context, query string, opts ...SelectOption) (*Result, error) {
	var out *Result
	err := b.selectRaw(ctx, "select", query, opts, func(res *buffer.Result) (err error) {
		out, err = decodeResult("select", res)
		return err
	})
	return out, err
}

// Query runs a SQL query and streams its items from the engine buffer.
func (b *Binding) Query(ctx context.Context, query string, opts ...SelectOption) (*Rows, error) {
	var rows *Rows
	err := b.selectRaw(ctx, "query", query, opts, func(res *buffer.Result) error {
		owned := buffer.NewResult(res.Detach(), engine.FreeBuffer)
		r, err := newRows("query", owned)
		if err != nil {
			owned.Close()
			return err
		}
		rows = r
		return nil
	})
	return rows, err
}

// ExecSQL runs a statement for its count, such as the number of documents
// removed by a DELETE.
func (b *Binding) ExecSQL(ctx context.Context, query string) (uint64, error) {
	res, err := b.Select(ctx, query)
	if err != nil {
		return 0, err
	}
	return res.TotalCount, nil
}

// Namespaces lists the namespace definitions.
func (b *Binding) Namespaces(ctx context.Context) ([]NamespaceDef, error) {
	res, err := b.Select(ctx, "SELECT * FROM #namespaces")
	if err != nil {
		return nil, err
	}
	defs := make([]NamespaceDef, 0, len(res.Items))
	for _, it := range res.Items {
		var def NamespaceDef
		if err := json.Unmarshal(it.JSON, &def); err != nil {
			return nil, dberr.Wrap(dberr.KindBufferProtocol, "namespaces", fmt.Errorf("item %d: %w", it.ID, err))
		}
		defs = append(defs, def)
	}
	return defs, nil
}
