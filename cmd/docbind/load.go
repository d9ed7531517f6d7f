package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/containerd/errdefs"
	"github.com/myuser/docbind/internal/binding"
	"github.com/myuser/docbind/internal/engine"
	"github.com/myuser/docbind/internal/txn"
	"github.com/myuser/docbind/internal/wire"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type loadOpts struct {
	pk     string
	pkType string
	mode   string
	tx     bool
}

func newLoadCommand(a *app) *cobra.Command {
	var o loadOpts
	cmd := &cobra.Command{
		Use:   "load NAMESPACE FILE",
		Short: "Load newline delimited JSON documents; FILE - reads stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(o.mode)
			if err != nil {
				return err
			}
			in := io.Reader(os.Stdin)
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return a.run(cmd, func(ctx context.Context) error {
				return runLoad(ctx, a, args[0], in, mode, o)
			})
		},
	}
	cmd.Flags().StringVar(&o.pk, "pk", "id", "primary key field, indexed if the namespace is new")
	cmd.Flags().StringVar(&o.pkType, "pk-type", "int", "primary key field type")
	cmd.Flags().StringVar(&o.mode, "mode", "upsert", "insert, update, upsert or delete")
	cmd.Flags().BoolVar(&o.tx, "tx", false, "load everything in one transaction")
	return cmd
}

func parseMode(s string) (wire.Mode, error) {
	for m := wire.ModeUpdate; m <= wire.ModeDelete; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func runLoad(ctx context.Context, a *app, ns string, in io.Reader, mode wire.Mode, o loadOpts) error {
	if err := a.db.OpenNamespace(ctx, ns, binding.DefaultNamespaceOptions); err != nil {
		return err
	}
	pk := binding.IndexDef{Name: o.pk, FieldType: engine.FieldType(o.pkType), IndexType: engine.IndexHash, IsPK: true}
	if err := a.db.AddIndex(ctx, ns, pk); err != nil && !errdefs.IsAlreadyExists(err) {
		return err
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	var n int
	if o.tx {
		ctl := txn.NewController(a.db, a.cfg.Dispatch, a.log)
		tx, err := ctl.Start(ctx, ns)
		if err != nil {
			return err
		}
		defer tx.Close()
		for sc.Scan() {
			if len(sc.Bytes()) == 0 {
				continue
			}
			if err := tx.Modify(ctx, mode, sc.Bytes()); err != nil {
				return fmt.Errorf("line %d: %w", n+1, err)
			}
			n++
		}
		if err := sc.Err(); err != nil {
			return err
		}
		res, err := tx.Commit(ctx)
		if err != nil {
			return err
		}
		a.log.Info("loaded", zap.String("namespace", ns), zap.Int("lines", n), zap.Uint64("affected", res.TotalCount))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0) * 2)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		line := n + 1
		doc := append([]byte(nil), sc.Bytes()...)
		g.Go(func() error {
			if _, err := a.db.ModifyItem(gctx, ns, mode, doc); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			return nil
		})
		n++
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := sc.Err(); err != nil {
		return err
	}
	a.log.Info("loaded", zap.String("namespace", ns), zap.Int("lines", n))
	return nil
}
