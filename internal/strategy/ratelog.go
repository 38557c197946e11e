package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger lets through at most one warning per interval and counts
// the ones it swallowed.
type rateLimitedLogger struct {
	log      zerolog.Logger
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval, now: time.Now}
}

// Warn logs err unless another warning went out less than interval ago.
// It reports whether the line was written.
func (l *rateLimitedLogger) Warn(err error, msg string) bool {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return false
	}
	suppressed := l.suppressed
	l.lastAt = now
	l.suppressed = 0
	l.mu.Unlock()

	ev := l.log.Warn().Err(err)
	if suppressed > 0 {
		ev = ev.Int("suppressed", suppressed)
	}
	ev.Msg(msg)
	return true
}
