package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits repeated log lines per key, so a condition that
// recurs on every timer pass (a missing space, a full queue) does not flood
// the sinks. Zero value is not usable; use NewThrottle.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	lim   map[string]*rate.Limiter
}

func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, lim: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	l, ok := t.lim[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.lim[key] = l
	}
	t.mu.Unlock()
	return l.Allow()
}

// Forget drops the limiter for key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	delete(t.lim, key)
	t.mu.Unlock()
}
