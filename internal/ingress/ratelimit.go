package ingress

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor pairs a token bucket with its last activity for idle sweeping.
type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter enforces a per-client request budget. Clients are keyed by a
// SHA-256 digest of their IP, so lookups cost the same for every address and
// raw IPs never sit in the map.
type Limiter struct {
	perMin int
	burst  int

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

func NewLimiter(perMin, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		perMin:   perMin,
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow consumes one token for the client, creating its bucket on first
// sight.
func (l *Limiter) Allow(ip string) bool {
	key := hashIP(ip)

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.burst)}
		l.visitors[key] = v
	}
	v.seen = l.now()
	l.mu.Unlock()

	return v.lim.Allow()
}

// RetryAfter is the wait hint attached to 429 responses: the time one token
// takes to refill.
func (l *Limiter) RetryAfter() time.Duration {
	if l.perMin <= 0 {
		return time.Minute
	}
	d := time.Duration(float64(time.Minute) / float64(l.perMin))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Sweep drops buckets idle longer than ttl and reports how many remain.
func (l *Limiter) Sweep(ttl time.Duration) int {
	cutoff := l.now().Add(-ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if v.seen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
	return len(l.visitors)
}

func hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
