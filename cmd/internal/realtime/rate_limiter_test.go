package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 10 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(50 * time.Millisecond)) {
		t.Fatalf("4th event inside window should be rejected")
	}
	if !rl.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after window should be allowed")
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults not applied: limit=%d window=%s", len(rl.ring), rl.window)
	}
}

func TestRateLimiter_RejectedEventsDoNotConsumeBudget(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rl.Allow(base)
	rl.Allow(base.Add(500 * time.Millisecond))
	for i := 0; i < 5; i++ {
		if rl.Allow(base.Add(900 * time.Millisecond)) {
			t.Fatalf("burst %d should be rejected", i)
		}
	}
	// Only the first event has aged out.
	if !rl.Allow(base.Add(1000 * time.Millisecond)) {
		t.Fatalf("slot freed by the first event should be reusable")
	}
	if rl.Allow(base.Add(1200 * time.Millisecond)) {
		t.Fatalf("second slot still inside window")
	}
}
