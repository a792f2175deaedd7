package taskgraph

import (
	"log/slog"
	"sync/atomic"
)

// discard drops every record. Its handler reports every level disabled, so
// log calls on it cost no attribute formatting.
var discard = slog.New(slog.DiscardHandler)

var logger atomic.Pointer[slog.Logger]

func init() { logger.Store(discard) }

// SetLogger routes taskgraph's diagnostics to l. A nil l silences them
// again, which is also the initial state. It may be called while graphs
// compile and execute.
//
// Levels:
//   - [slog.LevelDebug]: batches and semaphores per compiled graph,
//     schedules derived for a new entry state, pool growth
//   - [slog.LevelInfo]: executor open and close
//   - [slog.LevelWarn]: in-flight bound exceeded, command buffer copies,
//     fence timeouts, partial submissions
//   - [slog.LevelError]: graphs stopped by a fatal error, leaked objects
//
// The wgpu backend has a separate logger, set with its own SetLogger.
//
//	taskgraph.SetLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
//		Level: slog.LevelWarn,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = discard
	}
	logger.Store(l)
}

// Logger returns the logger set by SetLogger.
func Logger() *slog.Logger { return logger.Load() }
