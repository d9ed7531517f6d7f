// Package logging builds the zap loggers used by docbind binaries.
package logging

import (
	"fmt"

	"github.com/myuser/docbind/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for cfg. JSON output uses the production encoder,
// console output the development one. Logs go to stderr.
func New(cfg config.LogConfig, opts ...zap.Option) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json", "":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.Sampling = nil
	default:
		return nil, fmt.Errorf("log format %q: want json or console", cfg.Format)
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	l, err := zc.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Named("docbind"), nil
}

// Must is New that panics on error. Meant for main packages.
func Must(cfg config.LogConfig, opts ...zap.Option) *zap.Logger {
	l, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return l
}
