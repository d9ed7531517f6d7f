package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/myuser/docbind/internal/binding"
	"github.com/myuser/docbind/internal/engine"
	"github.com/myuser/docbind/internal/wire"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type benchOpts struct {
	concurrency int
	duration    time.Duration
	keys        int
	namespace   string
}

func newBenchCommand(a *app) *cobra.Command {
	var o benchOpts
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a mixed upsert and point select workload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context) error {
				return runBench(ctx, a, o, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 10, "number of concurrent workers")
	cmd.Flags().DurationVar(&o.duration, "duration", 10*time.Second, "test duration")
	cmd.Flags().IntVar(&o.keys, "keys", 10000, "size of the key space")
	cmd.Flags().StringVar(&o.namespace, "namespace", "bench", "namespace to write to")
	return cmd
}

func runBench(ctx context.Context, a *app, o benchOpts, out io.Writer) error {
	if o.concurrency < 1 || o.keys < 1 {
		return errors.New("concurrency and keys must be positive")
	}
	opts := binding.NamespaceOptions{CreateIfMissing: true}
	if err := a.db.OpenNamespace(ctx, o.namespace, opts); err != nil {
		return err
	}
	pk := binding.IndexDef{Name: "id", FieldType: engine.FieldInt, IndexType: engine.IndexHash, IsPK: true}
	if err := a.db.AddIndex(ctx, o.namespace, pk); err != nil && !errdefs.IsAlreadyExists(err) {
		return err
	}

	fmt.Fprintf(out, "benchmark: %d workers, %v, namespace %s\n", o.concurrency, o.duration, o.namespace)
	var ops, failed atomic.Int64
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < o.concurrency; w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				key := rand.IntN(o.keys)
				var err error
				if rand.IntN(2) == 0 {
					doc := fmt.Appendf(nil, `{"id":%d,"val":"val%d","worker":%d}`, key, rand.IntN(1000), w)
					_, err = a.db.ModifyItem(ctx, o.namespace, wire.ModeUpsert, doc)
				} else {
					_, err = a.db.Select(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = %d", o.namespace, key))
				}
				switch {
				case err == nil:
					ops.Add(1)
				case ctx.Err() != nil:
					return nil
				default:
					if failed.Add(1) <= 5 {
						a.log.Warn("bench call failed", zap.Int("worker", w), zap.Error(err))
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Fprintln(out, "benchmark finished")
	fmt.Fprintf(out, "ops: %d\n", ops.Load())
	fmt.Fprintf(out, "errors: %d\n", failed.Load())
	fmt.Fprintf(out, "duration: %v\n", elapsed)
	fmt.Fprintf(out, "ops/s: %.2f\n", float64(ops.Load())/elapsed.Seconds())
	fmt.Fprintf(out, "live buffers: %d\n", a.db.LiveBuffers())
	return nil
}
