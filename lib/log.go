package lib

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	trace  int32
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(zerolog.DebugLevel)
)

func init() {
	if os.Getenv("ERL_DIST_TRACE") != "" {
		EnableLog()
	}
}

// EnableLog turns on protocol trace logging.
func EnableLog() {
	atomic.StoreInt32(&trace, 1)
}

// DisableLog
func DisableLog() {
	atomic.StoreInt32(&trace, 0)
}

// Log writes a protocol trace line. It is a no-op unless tracing was
// enabled via EnableLog or the ERL_DIST_TRACE environment variable.
func Log(format string, args ...interface{}) {
	if atomic.LoadInt32(&trace) == 0 {
		return
	}
	logger.Debug().Msgf(format, args...)
}
