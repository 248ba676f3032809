package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits log lines per key. A key that exceeds its budget is
// dropped silently and counted; the next allowed line reports the count.
type Throttle struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	keys    map[string]*throttleKey
	maxKeys int
}

type throttleKey struct {
	lim     *rate.Limiter
	dropped int
}

// NewThrottle allows burst lines per key and then one line every interval.
func NewThrottle(interval time.Duration, burst int) *Throttle {
	if interval <= 0 {
		interval = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		every:   rate.Every(interval),
		burst:   burst,
		keys:    make(map[string]*throttleKey),
		maxKeys: 1024,
	}
}

// Allow reports whether a line for key may be written now, and how many
// lines were suppressed since the last allowed one.
func (t *Throttle) Allow(key string) (bool, int) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	k := t.keys[key]
	if k == nil {
		if len(t.keys) >= t.maxKeys {
			// Reset rather than grow without bound.
			t.keys = make(map[string]*throttleKey)
		}
		k = &throttleKey{lim: rate.NewLimiter(t.every, t.burst)}
		t.keys[key] = k
	}
	if !k.lim.Allow() {
		k.dropped++
		return false, 0
	}
	dropped := k.dropped
	k.dropped = 0
	return true, dropped
}

// Warn writes msg at warn level unless key is over budget.
func (t *Throttle) Warn(l Logger, key, msg string, fields ...Field) {
	ok, dropped := t.Allow(key)
	if !ok {
		return
	}
	if dropped > 0 {
		fields = append(fields, Int("suppressed", dropped))
	}
	l.Warn(msg, fields...)
}

// Error is Warn at error level.
func (t *Throttle) Error(l Logger, key, msg string, fields ...Field) {
	ok, dropped := t.Allow(key)
	if !ok {
		return
	}
	if dropped > 0 {
		fields = append(fields, Int("suppressed", dropped))
	}
	l.Error(msg, fields...)
}
