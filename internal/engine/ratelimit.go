package engine

import (
	"sync"
	"time"
)

// warnLimiter suppresses repeat log lines for a persistent per-key
// condition, such as a symbol with no price data. A key becomes loggable
// again once the interval has passed.
type warnLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	seen     map[string]time.Time
	now      func() time.Time
}

func newWarnLimiter(interval time.Duration) *warnLimiter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &warnLimiter{
		interval: interval,
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (w *warnLimiter) shouldLog(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if last, ok := w.seen[key]; ok && now.Sub(last) < w.interval {
		return false
	}
	w.seen[key] = now
	return true
}
