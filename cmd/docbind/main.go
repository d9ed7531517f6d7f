// Command docbind runs SQL, loads documents and benchmarks the embedded
// document engine through the binding.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/myuser/docbind/internal/binding"
	"github.com/myuser/docbind/internal/config"
	"github.com/myuser/docbind/internal/logging"
	"github.com/myuser/docbind/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type app struct {
	cfgPath     string
	dsn         string
	storage     string
	logLevel    string
	metricsAddr string

	cfg     config.Config
	log     *zap.Logger
	db      *binding.Binding
	metrics *http.Server
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "docbind:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "docbind",
		Short:         "Drive the embedded document engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config", "c", "", "TOML config file")
	flags.StringVar(&a.dsn, "dsn", "", "database to open, builtin://<name>")
	flags.StringVar(&a.storage, "storage", "", "storage root; empty keeps data in memory")
	flags.StringVar(&a.logLevel, "log-level", "", "log level override")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	root.AddCommand(
		newExecCommand(a),
		newNamespacesCommand(a),
		newLoadCommand(a),
		newBenchCommand(a),
	)
	return root
}

// run opens the database for the duration of fn.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	if err := a.open(cmd.Context()); err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context())
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.dsn != "" {
		cfg.DSN = a.dsn
	}
	if a.storage != "" {
		cfg.Storage.Path = a.storage
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	db, err := binding.New(cfg, log)
	if err != nil {
		log.Sync()
		return err
	}
	if err := db.Connect(ctx, cfg.DSN); err != nil {
		db.Close()
		log.Sync()
		return err
	}
	a.cfg, a.log, a.db = cfg, log, db
	if a.metricsAddr != "" {
		a.serveMetrics()
	}
	return nil
}

func (a *app) serveMetrics() {
	srv := &http.Server{Addr: a.metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	a.metrics = srv
	go func() {
		a.log.Info("serving metrics", zap.String("addr", a.metricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server", zap.Error(err))
		}
	}()
}

func (a *app) close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.log.Warn("metrics server shutdown", zap.Error(err))
		}
		cancel()
		a.metrics = nil
	}
	if err := a.db.Close(); err != nil {
		a.log.Error("close", zap.Error(err))
	}
	a.log.Sync()
}
