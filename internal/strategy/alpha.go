package strategy

import (
	"math"
	"time"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

// urgencyStretch widens the half-life for signals the source marked as
// urgent (urgency strictly above 95): high urgency means the move is
// expected to run, so the edge survives a longer chase.
const (
	urgencyThreshold = 95.0
	urgencyStretch   = 1.5
)

// AlphaTracker models the decay of a signal's predictive edge while an
// order is being worked. The edge starts at 1.0 and halves every effective
// half-life; the chaser abandons the order once it drops below the
// configured floor.
type AlphaTracker struct {
	halfLife  time.Duration
	startedAt time.Time
	now       func() time.Time
}

// NewAlphaTracker derives the effective half-life: the signal's explicit
// alpha_half_life_ms when present, otherwise a default by signal type
// (SCALP edges die in seconds, SWING edges persist for minutes).
func NewAlphaTracker(cfg config.ChaserConfig, st types.SignalType, urgency float64, halfLifeMs *int64) *AlphaTracker {
	var hl time.Duration
	if halfLifeMs != nil && *halfLifeMs > 0 {
		hl = time.Duration(*halfLifeMs) * time.Millisecond
	} else {
		switch st {
		case types.SignalScalp:
			hl = cfg.HalfLifeScalp
		case types.SignalDay:
			hl = cfg.HalfLifeDay
		case types.SignalSwing:
			hl = cfg.HalfLifeSwing
		default:
			hl = cfg.HalfLifeDay
		}
	}
	if urgency > urgencyThreshold {
		hl = time.Duration(float64(hl) * urgencyStretch)
	}

	t := &AlphaTracker{halfLife: hl, now: time.Now}
	t.startedAt = t.now()
	return t
}

// Remaining returns the surviving fraction of the initial edge:
// 0.5^(elapsed / half_life).
func (a *AlphaTracker) Remaining() float64 {
	if a.halfLife <= 0 {
		return 0
	}
	elapsed := a.now().Sub(a.startedAt)
	return math.Pow(0.5, float64(elapsed)/float64(a.halfLife))
}

// Expired reports whether the remaining edge fell below min.
func (a *AlphaTracker) Expired(min float64) bool {
	return a.Remaining() < min
}

// HalfLife exposes the effective half-life for logging.
func (a *AlphaTracker) HalfLife() time.Duration { return a.halfLife }

// obiTrend watches the order-book imbalance turn against a resting order.
// Worsening is strict tick-over-tick movement: a falling OBI for a BUY, a
// rising OBI for a SELL. An unreadable OBI on either observation never
// counts as worsening.
type obiTrend struct {
	side  types.OrderSide
	last  float64
	valid bool
}

func newOBITrend(side types.OrderSide) *obiTrend {
	return &obiTrend{side: side}
}

// worsening records one observation and compares it to the previous one.
func (o *obiTrend) worsening(obi float64, ok bool) bool {
	prev, prevOK := o.last, o.valid
	o.last, o.valid = obi, ok

	if !ok || !prevOK {
		return false
	}
	if o.side == types.BUY {
		return obi < prev
	}
	return obi > prev
}
