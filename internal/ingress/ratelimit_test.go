package ingress

import (
	"testing"
	"time"
)

func TestLimiterAllowsBurstThenDenies(t *testing.T) {
	t.Parallel()
	l := NewLimiter(60, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request allowed after burst exhausted")
	}
}

func TestLimiterTracksIPsIndependently(t *testing.T) {
	t.Parallel()
	l := NewLimiter(60, 1)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first IP denied")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("first IP not throttled")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("second IP throttled by first IP's bucket")
	}
}

func TestLimiterRetryAfter(t *testing.T) {
	t.Parallel()
	cases := []struct {
		perMin int
		want   time.Duration
	}{
		{60, time.Second},
		{600, time.Second}, // floored so Retry-After is never 0
		{10, 6 * time.Second},
		{0, time.Minute},
	}
	for _, tc := range cases {
		if got := NewLimiter(tc.perMin, 1).RetryAfter(); got != tc.want {
			t.Errorf("RetryAfter(%d/min) = %v, want %v", tc.perMin, got, tc.want)
		}
	}
}

func TestLimiterSweepDropsIdleVisitors(t *testing.T) {
	t.Parallel()
	l := NewLimiter(60, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")

	// Only the first visitor comes back after the clock advances.
	now = now.Add(5 * time.Minute)
	l.Allow("10.0.0.1")
	now = now.Add(6 * time.Minute)

	if remaining := l.Sweep(10 * time.Minute); remaining != 1 {
		t.Fatalf("Sweep() remaining = %d, want 1", remaining)
	}
}

func TestLimiterKeysAreHashed(t *testing.T) {
	t.Parallel()
	l := NewLimiter(60, 1)
	l.Allow("10.0.0.1")

	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.visitors {
		if key == "10.0.0.1" {
			t.Fatal("raw IP stored as visitor key")
		}
		if len(key) != 64 {
			t.Fatalf("visitor key %q is not a sha256 hex digest", key)
		}
	}
}
