package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Class identifies a resource class with its own admission limit.
type Class string

const (
	// ClassRead covers bulk read endpoints (products, ticker, news).
	ClassRead Class = "read"
	// ClassTrade covers order placement.
	ClassTrade Class = "trade"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time until the current window resets. Zero when allowed.
	RetryAfter time.Duration
}

// Options tune the limiter.
type Options struct {
	Window time.Duration
	// Limits maps a resource class to its maximum request count per window.
	Limits map[Class]int
	// SweepAge controls eviction of idle windows; defaults to ten windows.
	SweepAge time.Duration
}

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// Limiter performs fixed-window admission control per (caller, class) pair.
type Limiter struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[key]*window
}

type key struct {
	caller string
	class  Class
}

// New constructs a Limiter.
func New(opts Options, logger zerolog.Logger) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.SweepAge <= 0 {
		opts.SweepAge = 10 * opts.Window
	}
	return &Limiter{
		opts:    opts,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		now:     time.Now,
		windows: make(map[key]*window),
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Admit decides whether one request from callerKey against class may proceed.
func (l *Limiter) Admit(callerKey string, class Class) Decision {
	limit, ok := l.opts.Limits[class]
	if !ok || limit <= 0 {
		return Decision{Allowed: true, Remaining: math.MaxInt32}
	}

	w := l.window(key{caller: callerKey, class: class})
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := now.Sub(w.start)
	if elapsed < 0 {
		// Clock went backwards; keep the current window rather than treating
		// it as expired and granting a fresh quota.
		elapsed = 0
	}
	if elapsed >= l.opts.Window {
		w.start = now
		w.count = 0
		elapsed = 0
	}

	if w.count >= limit {
		retry := l.opts.Window - elapsed
		if retry <= 0 {
			retry = time.Nanosecond
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	w.count++
	return Decision{Allowed: true, Remaining: limit - w.count}
}

func (l *Limiter) window(k key) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[k]; ok {
		return w
	}
	w := &window{start: l.now()}
	l.windows[k] = w
	return w
}

// Sweep drops windows idle for longer than SweepAge so the map stays bounded.
// Callers run it periodically; an active window is never removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	cutoff := l.opts.SweepAge

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, w := range l.windows {
		w.mu.Lock()
		idle := now.Sub(w.start)
		w.mu.Unlock()
		if idle > cutoff {
			delete(l.windows, k)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Msg("swept idle rate windows")
	}
	return removed
}

// Len reports the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
