//go:build !nogpu

package wgpu

import (
	"log/slog"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() { logger.Store(slog.New(slog.DiscardHandler)) }

func slogger() *slog.Logger { return logger.Load() }

// SetLogger routes the backend's debug output, such as device wrapping and
// each submission with its fence value, to l. It is silent until set, and
// a nil l silences it again.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	logger.Store(l)
}
