package engine

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the engine's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// EnableLogger routes engine log output to l.
func EnableLogger(l *zap.Logger) {
	logger.Store(l.Named("engine"))
}

// DisableLogger discards engine log output.
func DisableLogger() {
	logger.Store(nil)
}
