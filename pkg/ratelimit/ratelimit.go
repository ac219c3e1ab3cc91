package ratelimit

import (
	"sync"
	"time"

	"github.com/aegislabs/aiguard/pkg/config"
	"github.com/aegislabs/aiguard/pkg/types"
)

const defaultWindow = time.Minute

// Limiter is a per-process sliding-window rate limiter keyed by operation
// type. Consequential operations are checked against the stricter ceiling.
// It does not coordinate across process instances.
type Limiter struct {
	mu           sync.Mutex
	windows      map[types.OperationType][]time.Time
	generalMax   int
	consequMax   int
	window       time.Duration
	timeProvider func() time.Time
}

type Opts struct {
	TimeProvider func() time.Time
	Window       time.Duration
}

func NewLimiter(cfg config.SafeguardConfig, opts *Opts) *Limiter {
	timeProvider := time.Now
	window := defaultWindow
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	}
	if opts != nil && opts.Window > 0 {
		window = opts.Window
	}
	return &Limiter{
		windows:      make(map[types.OperationType][]time.Time),
		generalMax:   cfg.MaxRequestsPerMinute,
		consequMax:   cfg.MaxConsequentialPerMinute,
		window:       window,
		timeProvider: timeProvider,
	}
}

// Allow purges expired timestamps, then admits the call only if the trailing
// window still has capacity for the operation type. Rejected calls do not
// consume window capacity. The purge-count-append sequence is one critical
// section; callers must not hold the lock across the guarded call itself.
func (l *Limiter) Allow(opType types.OperationType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeProvider()
	cutoff := now.Add(-l.window)

	window := l.windows[opType]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.ceiling(opType) {
		l.windows[opType] = kept
		return false
	}

	l.windows[opType] = append(kept, now)
	return true
}

// Occupancy reports how many accepted calls remain inside the trailing
// window for the given operation type.
func (l *Limiter) Occupancy(opType types.OperationType) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.timeProvider().Add(-l.window)
	count := 0
	for _, ts := range l.windows[opType] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

func (l *Limiter) ceiling(opType types.OperationType) int {
	if opType.Consequential() {
		return l.consequMax
	}
	return l.generalMax
}
