// Package replay rejects duplicate and stale signals before they reach the
// engine. The guard keeps an in-memory signal_id set with TTL and optionally
// writes through to Redis so replays survive a restart and are caught across
// instances. Redis failures degrade to memory-only; an unreachable KV must
// never reject a legitimate signal.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

// Guard is the replay and clock-drift gate. All methods are safe for
// concurrent use.
type Guard struct {
	mu   sync.Mutex
	seen map[string]time.Time // signal_id -> first seen

	ttl      time.Duration
	maxDrift time.Duration
	rdb      *redis.Client // nil when no external KV is configured
	logger   *slog.Logger
	now      func() time.Time
}

// NewGuard builds the guard. The TTL must exceed the longest alpha half-life
// by at least 2x so a signal can never outlive its dedup record.
func NewGuard(cfg config.ReplayConfig, maxDrift time.Duration, logger *slog.Logger) (*Guard, error) {
	g := &Guard{
		seen:     make(map[string]time.Time),
		ttl:      cfg.TTL,
		maxDrift: maxDrift,
		logger:   logger.With("component", "replay_guard"),
		now:      time.Now,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		g.rdb = redis.NewClient(opts)
	}
	return g, nil
}

// Seen atomically tests and records a signal id. The first call within the
// TTL window returns nil; any later call returns a REPLAYED_SIGNAL kind.
// When Redis is configured the record is written through with SETNX, so a
// duplicate caught only by Redis (other instance, post-restart) still counts.
func (g *Guard) Seen(ctx context.Context, signalID string) error {
	now := g.now()

	g.mu.Lock()
	at, dup := g.seen[signalID]
	if dup && now.Sub(at) >= g.ttl {
		dup = false
	}
	if !dup {
		g.seen[signalID] = now
	}
	g.mu.Unlock()

	if dup {
		return fmt.Errorf("signal %s first seen %s ago: %w", signalID, now.Sub(at), types.ErrReplayedSignal)
	}

	if g.rdb != nil {
		fresh, err := g.rdb.SetNX(ctx, "replay:"+signalID, now.UnixMilli(), g.ttl).Result()
		if err != nil {
			g.logger.Warn("replay KV unavailable, memory-only dedup", "error", err)
			return nil
		}
		if !fresh {
			return fmt.Errorf("signal %s known to replay KV: %w", signalID, types.ErrReplayedSignal)
		}
	}
	return nil
}

// CheckDrift rejects signals whose producer timestamp is too far from local
// time in either direction.
func (g *Guard) CheckDrift(timestampMs int64) error {
	drift := g.now().Sub(time.UnixMilli(timestampMs))
	if drift < 0 {
		drift = -drift
	}
	if drift > g.maxDrift {
		return fmt.Errorf("signal timestamp off by %s (max %s): %w", drift, g.maxDrift, types.ErrStaleTimestamp)
	}
	return nil
}

// Run sweeps expired ids until ctx is done.
func (g *Guard) Run(ctx context.Context, sweepInterval time.Duration) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Guard) sweep() {
	now := g.now()
	g.mu.Lock()
	for id, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, id)
		}
	}
	size := len(g.seen)
	g.mu.Unlock()
	g.logger.Debug("replay sweep complete", "tracked", size)
}

// Stats reports the tracked id count and whether the external KV is wired,
// for health reporting.
func (g *Guard) Stats() (tracked int, kv bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen), g.rdb != nil
}

// Close releases the Redis connection if one exists.
func (g *Guard) Close() error {
	if g.rdb != nil {
		return g.rdb.Close()
	}
	return nil
}
