// ratelimit.go implements the process-wide token bucket in front of the
// venue. Derivatives venues meter requests against a per-account weight
// budget; the bucket refills continuously rather than in window-sized
// bursts.
//
// Acquire is bounded: an execution path that cannot get a token within the
// configured window fails fast with a RATE_LIMITED error instead of queueing
// behind an unbounded backlog.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perpexec/pkg/types"
)

// TokenBucket is a continuously refilling token bucket. Fractional tokens
// accumulate between calls.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // currently available (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last refill calculation
}

// NewTokenBucket creates a bucket with the given burst capacity and refill
// rate, starting full.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Acquire waits at most timeout for a token. Hitting the deadline maps to
// the RATE_LIMITED kind; caller cancellation passes through unchanged.
func (tb *TokenBucket) Acquire(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := tb.Wait(waitCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("no token within %s: %w", timeout, types.ErrRateLimited)
	default:
		return err
	}
}
