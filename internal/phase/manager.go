// Package phase maps live account equity onto the three-phase trading
// program and answers the two questions strategies ask before every order:
// is this signal type tradable right now, and how large may the position be.
//
// The phase table:
//
//   - Phase 1 KICKSTARTER   [200, 1000)  risk 10%  lev 30  SCALP only, MAKER
//   - Phase 2 TREND_RIDER   [1000, 5000) risk  5%  lev 15  DAY/SWING, TAKER, pyramiding
//   - Phase 3 TARGET_REACHED [5000, inf) risk  2%  lev  5  SWING only, TAKER
//
// Equity exactly on a boundary belongs to the upper phase. The manager polls
// broker equity on a timer; crossing a boundary emits phase:transition, and a
// downward crossing additionally emits phase:regression as a critical event.
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/internal/events"
	"perpexec/pkg/types"
)

// AccountReader is the slice of the broker gateway the manager polls.
type AccountReader interface {
	GetAccount(ctx context.Context) (types.Account, error)
}

// Profile holds the static parameters of one phase.
type Profile struct {
	Phase       int
	Label       string
	RiskPct     decimal.Decimal
	MaxLeverage decimal.Decimal
	Allowed     []types.SignalType
	Mode        types.ExecutionMode
	Pyramiding  bool
	MaxLayers   int
}

// Allows reports whether the profile admits the given signal type.
func (p Profile) Allows(st types.SignalType) bool {
	for _, a := range p.Allowed {
		if a == st {
			return true
		}
	}
	return false
}

var (
	phase2Floor = decimal.NewFromInt(1000)
	phase3Floor = decimal.NewFromInt(5000)

	// Below this the account is under-capitalized for the program; it still
	// trades under Phase 1 rules but every poll logs a warning.
	operatingFloor = decimal.NewFromInt(200)
)

var table = [...]Profile{
	{
		Phase:       1,
		Label:       "KICKSTARTER",
		RiskPct:     decimal.RequireFromString("0.10"),
		MaxLeverage: decimal.NewFromInt(30),
		Allowed:     []types.SignalType{types.SignalScalp},
		Mode:        types.ModeMaker,
	},
	{
		Phase:       2,
		Label:       "TREND_RIDER",
		RiskPct:     decimal.RequireFromString("0.05"),
		MaxLeverage: decimal.NewFromInt(15),
		Allowed:     []types.SignalType{types.SignalDay, types.SignalSwing},
		Mode:        types.ModeTaker,
		Pyramiding:  true,
		MaxLayers:   4,
	},
	{
		// Phase 3 rules are provisional: SWING via TAKER with pyramiding
		// off, surfaced as an operational alert on entry.
		Phase:       3,
		Label:       "TARGET_REACHED",
		RiskPct:     decimal.RequireFromString("0.02"),
		MaxLeverage: decimal.NewFromInt(5),
		Allowed:     []types.SignalType{types.SignalSwing},
		Mode:        types.ModeTaker,
	},
}

// profileFor selects the phase for the given equity. Boundaries belong to
// the upper phase: exactly 1000 is Phase 2.
func profileFor(equity decimal.Decimal) Profile {
	switch {
	case equity.GreaterThanOrEqual(phase3Floor):
		return table[2]
	case equity.GreaterThanOrEqual(phase2Floor):
		return table[1]
	default:
		return table[0]
	}
}

// Manager tracks the live phase from polled broker equity.
type Manager struct {
	reader AccountReader
	cfg    config.PhaseConfig
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	current     Profile
	equity      decimal.Decimal
	initialized bool
}

func NewManager(reader AccountReader, cfg config.PhaseConfig, bus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		reader:  reader,
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With("component", "phase"),
		current: table[0],
	}
}

// Run polls equity until ctx is done. An immediate first poll seeds the
// phase before the ticker cadence starts.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("initial equity poll failed, starting in phase 1", "error", err)
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Warn("equity poll failed, keeping last phase", "error", err)
			}
		}
	}
}

// Refresh pulls equity once and re-evaluates the phase.
func (m *Manager) Refresh(ctx context.Context) error {
	acct, err := m.reader.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account poll: %w", err)
	}
	m.apply(acct.Equity)
	return nil
}

func (m *Manager) apply(equity decimal.Decimal) {
	next := profileFor(equity)

	m.mu.Lock()
	prev := m.current
	first := !m.initialized
	m.initialized = true
	m.equity = equity
	m.current = next
	m.mu.Unlock()

	if equity.LessThan(operatingFloor) {
		m.logger.Warn("equity below program floor, trading under-capitalized",
			"equity", equity, "floor", operatingFloor)
	}

	if first {
		m.logger.Info("phase initialized",
			"phase", next.Phase, "label", next.Label, "equity", equity)
		if next.Phase == 3 {
			m.alertPhase3()
		}
		return
	}
	if next.Phase == prev.Phase {
		return
	}

	data := events.PhaseChangeData{
		FromPhase:  prev.Phase,
		ToPhase:    next.Phase,
		FromLabel:  prev.Label,
		ToLabel:    next.Label,
		Equity:     equity,
		Regression: next.Phase < prev.Phase,
	}
	m.logger.Info("phase transition",
		"from", prev.Label, "to", next.Label, "equity", equity)
	m.bus.Emit(events.PhaseTransition, "", "", data)

	if data.Regression {
		m.logger.Error("phase regression, equity fell across a boundary",
			"from", prev.Label, "to", next.Label, "equity", equity)
		m.bus.Emit(events.PhaseRegression, "", "", data)
	}
	if next.Phase == 3 {
		m.alertPhase3()
	}
}

func (m *Manager) alertPhase3() {
	m.logger.Warn("phase 3 active with provisional rules",
		"mode", types.ModeTaker, "allowed", types.SignalSwing, "pyramiding", false)
}

// Current returns the active profile.
func (m *Manager) Current() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Equity returns the last polled equity.
func (m *Manager) Equity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// ValidateSignal rejects signal types the active phase does not trade.
func (m *Manager) ValidateSignal(st types.SignalType) error {
	p := m.Current()
	if !p.Allows(st) {
		return fmt.Errorf("%s not tradable in phase %d (%s): %w",
			st, p.Phase, p.Label, types.ErrSignalTypeNotAllowed)
	}
	return nil
}

// ComputeSize applies the phase sizing contract:
//
//	size = equity * risk_pct / |entry - stop|
//
// capped so the notional (size * entry) never exceeds equity * max_leverage.
func (m *Manager) ComputeSize(entry, stop decimal.Decimal) (decimal.Decimal, error) {
	m.mu.RLock()
	p, equity := m.current, m.equity
	m.mu.RUnlock()

	if !entry.IsPositive() {
		return decimal.Zero, fmt.Errorf("entry price %s is not positive", entry)
	}
	dist := entry.Sub(stop).Abs()
	if !dist.IsPositive() {
		return decimal.Zero, fmt.Errorf("stop %s gives zero risk distance from entry %s", stop, entry)
	}
	if !equity.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usable equity (last poll: %s)", equity)
	}

	size := equity.Mul(p.RiskPct).Div(dist)

	maxNotional := equity.Mul(p.MaxLeverage)
	if size.Mul(entry).GreaterThan(maxNotional) {
		size = maxNotional.Div(entry)
	}
	return size, nil
}
