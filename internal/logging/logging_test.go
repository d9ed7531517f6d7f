package logging

import (
	"testing"

	"github.com/myuser/docbind/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestNewLevels(t *testing.T) {
	for _, tt := range []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	} {
		for _, format := range []string{"json", "console"} {
			l, err := New(config.LogConfig{Level: tt.level, Format: format})
			assert.NilError(t, err, "%s/%s", tt.level, format)
			assert.Check(t, l.Core().Enabled(tt.want))
			assert.Check(t, !l.Core().Enabled(tt.want-1), "%s/%s", tt.level, format)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud", Format: "json"})
	assert.Check(t, is.ErrorContains(err, "log level"))
	_, err = New(config.LogConfig{Level: "info", Format: "xml"})
	assert.Check(t, is.ErrorContains(err, "log format"))
}

func TestNewAppliesOptions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l, err := New(config.LogConfig{Level: "info", Format: "json"},
		zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))
	assert.NilError(t, err)
	l.Info("hello", zap.String("k", "v"))
	entries := logs.All()
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[0].LoggerName, "docbind")
	assert.Equal(t, entries[0].ContextMap()["k"], "v")
}
