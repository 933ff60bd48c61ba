package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestLimiter(limit int) (*Limiter, *time.Time) {
	l := New(Options{
		Window: time.Minute,
		Limits: map[Class]int{ClassRead: limit, ClassTrade: 2},
	}, noopLogger())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	l.SetClock(func() time.Time { return *clock })
	return l, clock
}

func TestAdmitExactlyNPerWindow(t *testing.T) {
	l, _ := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		d := l.Admit("caller-a", ClassRead)
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
		if d.Remaining != 3-i-1 {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, d.Remaining, 3-i-1)
		}
	}

	d := l.Admit("caller-a", ClassRead)
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("denied decision must carry positive retryAfter, got %v", d.RetryAfter)
	}
}

func TestWindowResets(t *testing.T) {
	l, clock := newTestLimiter(1)

	if d := l.Admit("caller-a", ClassRead); !d.Allowed {
		t.Fatal("first request should pass")
	}
	if d := l.Admit("caller-a", ClassRead); d.Allowed {
		t.Fatal("second request in same window should be denied")
	}

	*clock = clock.Add(61 * time.Second)
	if d := l.Admit("caller-a", ClassRead); !d.Allowed {
		t.Fatal("request after window reset should pass")
	}
}

func TestCallersAndClassesIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)

	if d := l.Admit("caller-a", ClassRead); !d.Allowed {
		t.Fatal("caller-a read should pass")
	}
	if d := l.Admit("caller-b", ClassRead); !d.Allowed {
		t.Fatal("caller-b must not share caller-a's window")
	}
	if d := l.Admit("caller-a", ClassTrade); !d.Allowed {
		t.Fatal("trade class must not share the read window")
	}
}

func TestBackwardsClockDoesNotResetWindow(t *testing.T) {
	l, clock := newTestLimiter(1)

	if d := l.Admit("caller-a", ClassRead); !d.Allowed {
		t.Fatal("first request should pass")
	}

	*clock = clock.Add(-2 * time.Minute)
	if d := l.Admit("caller-a", ClassRead); d.Allowed {
		t.Fatal("backwards clock must not grant a fresh quota")
	}
}

func TestUnknownClassUnlimited(t *testing.T) {
	l, _ := newTestLimiter(1)
	for i := 0; i < 10; i++ {
		if d := l.Admit("caller-a", Class("admin")); !d.Allowed {
			t.Fatal("class without a configured limit should always pass")
		}
	}
}

func TestConcurrentAdmission(t *testing.T) {
	l, _ := newTestLimiter(50)

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Admit("caller-a", ClassRead).Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 50 {
		t.Fatalf("admitted %d requests, want exactly 50", count)
	}
}

func TestSweepKeepsActiveWindows(t *testing.T) {
	l, clock := newTestLimiter(5)

	l.Admit("old-caller", ClassRead)
	*clock = clock.Add(11 * time.Minute)
	l.Admit("fresh-caller", ClassRead)

	removed := l.Sweep()
	if removed != 1 {
		t.Fatalf("sweep removed %d windows, want 1", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("limiter tracks %d windows after sweep, want 1", l.Len())
	}
}
