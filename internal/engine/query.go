package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/myuser/docbind/internal/dberr"
	"github.com/myuser/docbind/internal/sql"
	"github.com/myuser/docbind/internal/storage"
	"go.uber.org/zap"
)

// catalog resolves field names of any open namespace.
type catalog struct{ db *database }

func (c catalog) FieldPath(ns, field string) string {
	if n, err := c.db.lookup(ns); err.Ok() {
		return n.FieldPath(ns, field)
	}
	return field
}

func (c catalog) PrimaryKey(ns string) (string, bool) {
	if n, err := c.db.lookup(ns); err.Ok() {
		return n.PrimaryKey(ns)
	}
	return "", false
}

// snapshotSource reads documents at one timestamp.
type snapshotSource struct {
	db     *database
	readTs uint64
}

func (s snapshotSource) Scan(ctx context.Context, name string, fn func(sql.Doc) bool) error {
	if name == SystemNamespaces {
		return s.scanDefinitions(fn)
	}
	ns, err := s.db.lookup(name)
	if !err.Ok() {
		return err
	}
	var derr error
	s.db.store.ScanPrefix(ns.prefix(), s.readTs, func(key []byte, rec storage.Record) bool {
		id, doc, err := decodeDoc(rec.Value)
		if err != nil {
			derr = err
			return false
		}
		return fn(sql.Doc{ID: id, Version: rec.Version, JSON: doc, Key: key})
	})
	return derr
}

func (s snapshotSource) Get(_ context.Context, name, pk string) (sql.Doc, bool, error) {
	if name == SystemNamespaces {
		var found sql.Doc
		ok := false
		err := s.scanDefinitions(func(d sql.Doc) bool {
			if string(d.Key) == pk {
				found, ok = d, true
				return false
			}
			return true
		})
		return found, ok, err
	}
	ns, err := s.db.lookup(name)
	if !err.Ok() {
		return sql.Doc{}, false, err
	}
	key := storage.DocKey(ns.name, pk)
	rec, ok := s.db.store.Get(key, s.readTs)
	if !ok {
		return sql.Doc{}, false, nil
	}
	id, doc, derr := decodeDoc(rec.Value)
	if derr != nil {
		return sql.Doc{}, false, derr
	}
	return sql.Doc{ID: id, Version: rec.Version, JSON: doc, Key: key}, true, nil
}

func (s snapshotSource) scanDefinitions(fn func(sql.Doc) bool) error {
	s.db.mu.RLock()
	system := s.db.system
	s.db.mu.RUnlock()
	if !system {
		return errorf(dberr.CodeNotFound, "namespace '%s' does not exist", SystemNamespaces)
	}
	for i, def := range s.db.definitions() {
		b, err := json.Marshal(def)
		if err != nil {
			return err
		}
		if !fn(sql.Doc{ID: uint64(i + 1), JSON: b, Key: []byte(def.Name)}) {
			return nil
		}
	}
	return nil
}

// Select runs a SQL query. Results are inline JSON when asJSON is set and
// CJSON sharing one tag table otherwise. ptVersions lists the state tokens
// the caller holds for its payload types; it is informational only.
func Select(h Handle, query string, asJSON bool, ptVersions []int32, info CtxInfo) Ret {
	inst, db, release, err := connected(h)
	if !err.Ok() {
		return Ret{Err: err}
	}
	defer release()
	ctx, done, err := inst.begin(info)
	if !err.Ok() {
		return inst.respond(nil, err)
	}
	defer done()

	stmt, perr := sql.ParseToPlan(query, catalog{db})
	if perr != nil {
		return inst.respond(nil, errorf(dberr.CodeParseSQL, "%v", perr))
	}
	Logger().Debug("select", zap.String("query", query), zap.Stringer("plan", stmt), zap.Int("pt_versions", len(ptVersions)))

	var ns *namespace
	if stmt.Namespace != SystemNamespaces {
		if ns, err = db.lookup(stmt.Namespace); !err.Ok() {
			return inst.respond(nil, err)
		}
	} else if stmt.Kind == sql.StmtDelete {
		return inst.respond(nil, errorf(dberr.CodeParams, "cannot delete from '%s'", SystemNamespaces))
	}

	if stmt.Kind == sql.StmtDelete {
		if err := ns.lockWriter(ctx); !err.Ok() {
			return inst.respond(nil, err)
		}
		defer ns.unlockWriter()
	}
	readTs, releaseTs := db.store.Acquire()
	res, xerr := sql.Execute(ctx, stmt, snapshotSource{db: db, readTs: readTs})
	releaseTs()
	if xerr != nil {
		if err := ctxErr(ctx); !err.Ok() {
			return inst.respond(nil, err)
		}
		var e Error
		if errors.As(xerr, &e) {
			return inst.respond(nil, e)
		}
		return inst.respond(nil, errorf(dberr.CodeQueryExec, "%v", xerr))
	}

	if stmt.Kind == sql.StmtDelete {
		return inst.respond(deleteMatched(ctx, db, ns, res))
	}

	rs := newResultSet(!asJSON && ns != nil, ns)
	rs.TotalCount = uint64(res.Total)
	rs.Explain = res.Explain
	rs.Aggregations = res.Aggregations
	for _, d := range res.Docs {
		if aerr := rs.Add(d.ID, d.Version, d.JSON); aerr != nil {
			return inst.respond(nil, errorf(dberr.CodeLogic, "encode item %d: %v", d.ID, aerr))
		}
	}
	return inst.respond(rs.Encode(), errOK)
}

// deleteMatched removes the documents a DELETE matched. The caller holds
// the namespace writer lock.
func deleteMatched(ctx context.Context, db *database, ns *namespace, res *sql.Result) ([]byte, Error) {
	if err := ctxErr(ctx); !err.Ok() {
		return nil, err
	}
	if ns.dropped {
		return nil, errorf(dberr.CodeNotFound, "namespace '%s' was dropped", ns.name)
	}
	if len(res.Docs) > 0 {
		ops := make([]storage.BatchOp, 0, len(res.Docs))
		for _, d := range res.Docs {
			ops = append(ops, storage.BatchOp{Key: d.Key})
		}
		if _, err := db.commit(ops); err != nil {
			return nil, errorf(dberr.CodeLogic, "commit delete: %v", err)
		}
	}
	rs := newResultSet(false, ns)
	rs.TotalCount = uint64(len(res.Docs))
	rs.Explain = res.Explain
	return rs.Encode(), errOK
}
