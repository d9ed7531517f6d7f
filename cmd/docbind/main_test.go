package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/myuser/docbind/internal/wire"
	"github.com/tidwall/gjson"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestParseMode(t *testing.T) {
	for _, m := range []wire.Mode{wire.ModeUpdate, wire.ModeInsert, wire.ModeUpsert, wire.ModeDelete} {
		got, err := parseMode(m.String())
		assert.NilError(t, err)
		assert.Equal(t, got, m)
	}
	_, err := parseMode("replace")
	assert.ErrorContains(t, err, "unknown mode")
}

// execute runs the CLI and returns what it wrote to stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestLoadThenQuery(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "items.jsonl")
	assert.NilError(t, os.WriteFile(data, []byte("{\"id\":1}\n\n{\"id\":2}\n{\"id\":3}\n"), 0o644))
	common := []string{"--dsn", "builtin://cli", "--storage", filepath.Join(dir, "db"), "--log-level", "warn"}

	_, _, err := execute(t, append(common, "load", "items", data)...)
	assert.NilError(t, err)
	_, _, err = execute(t, append(common, "load", "--tx", "items", data)...)
	assert.NilError(t, err)

	out, summary, err := execute(t, append(common, "exec", "SELECT * FROM items WHERE id > 1")...)
	assert.NilError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, len(lines), 2, out)
	var ids []int64
	for _, l := range lines {
		ids = append(ids, gjson.Get(l, "id").Int())
	}
	assert.Check(t, is.Contains(ids, int64(2)))
	assert.Check(t, is.Contains(ids, int64(3)))
	assert.Check(t, is.Contains(summary, "2 of 2 items"))

	out, _, err = execute(t, append(common, "exec", "--cjson", "SELECT * FROM items WHERE id = 1")...)
	assert.NilError(t, err)
	assert.Equal(t, gjson.Get(out, "id").Int(), int64(1), out)

	out, _, err = execute(t, append(common, "namespaces")...)
	assert.NilError(t, err)
	assert.Assert(t, gjson.Valid(out), out)
	assert.Check(t, is.Contains(out, `"items"`))

	_, _, err = execute(t, append(common, "exec", "SELECT * FROM missing")...)
	assert.ErrorContains(t, err, "does not exist")
	_, _, err = execute(t, append(common, "load", "--mode", "merge", "items", data)...)
	assert.ErrorContains(t, err, "unknown mode")
}

func TestCloseStopsMetricsServer(t *testing.T) {
	a := &app{dsn: "builtin://metrics", logLevel: "warn", metricsAddr: "127.0.0.1:0"}
	assert.NilError(t, a.open(context.Background()))
	srv := a.metrics
	assert.Assert(t, srv != nil)
	a.close()
	assert.Assert(t, a.metrics == nil)
	assert.Check(t, errors.Is(srv.ListenAndServe(), http.ErrServerClosed))
}
