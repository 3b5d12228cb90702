// Package trigger implements the client-side trigger fast path.
//
// A PREPARE signal may carry a trigger price and condition. Instead of
// waiting for the upstream CONFIRM round trip, the monitor watches the
// trade stream and fires the prepared intent locally the moment the
// condition is met, then marks the signal id so the late CONFIRM is
// answered as a duplicate. An intent whose trigger never fires is
// auto-aborted shortly after its bar closes.
package trigger

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

// FireFunc executes the prepared intent once its trigger condition is met.
type FireFunc func(ctx context.Context, sig *types.Signal)

// AbortFunc abandons an intent whose trigger never fired.
type AbortFunc func(ctx context.Context, sig *types.Signal)

// Marks is the slice of shadow state the monitor needs: recording that a
// signal was locally triggered so a later CONFIRM dedups.
type Marks interface {
	MarkTriggered(signalID string)
}

// armedTrigger is one prepared intent waiting on a price condition. Firing
// and auto-aborting are mutually exclusive: whichever flips done first wins.
type armedTrigger struct {
	sig    *types.Signal
	target decimal.Decimal
	cond   string
	fire   FireFunc
	abort  AbortFunc
	timer  *time.Timer
	done   bool
}

// Monitor holds the armed triggers and evaluates them against trade prints.
type Monitor struct {
	state  Marks
	bus    *events.Bus
	cfg    config.TriggerConfig
	logger *slog.Logger

	mu    sync.Mutex
	armed map[string]*armedTrigger // signal id -> waiting intent
}

func NewMonitor(state Marks, bus *events.Bus, cfg config.TriggerConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		state:  state,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "trigger"),
		armed:  make(map[string]*armedTrigger),
	}
}

// Arm registers a prepared intent for local triggering. It reports false when
// there is nothing to arm: triggering disabled, or the signal carries no
// trigger price. A missing condition defaults to breakout semantics for the
// signal's direction (">=" long, "<=" short).
func (m *Monitor) Arm(sig *types.Signal, fire FireFunc, abort AbortFunc) (bool, error) {
	if !m.cfg.Enabled || sig.TriggerPrice == nil {
		return false, nil
	}
	cond := sig.TriggerCond
	if cond == "" {
		cond = defaultCond(sig.Direction)
	}
	if !validCond(cond) {
		return false, fmt.Errorf("unsupported trigger condition %q", cond)
	}

	deadline := m.abortDeadline(sig)

	m.mu.Lock()
	if _, exists := m.armed[sig.SignalID]; exists {
		m.mu.Unlock()
		return false, fmt.Errorf("trigger already armed for %s", sig.SignalID)
	}
	at := &armedTrigger{sig: sig, target: *sig.TriggerPrice, cond: cond, fire: fire, abort: abort}
	m.armed[sig.SignalID] = at
	at.timer = time.AfterFunc(time.Until(deadline), func() { m.autoAbort(sig.SignalID) })
	m.mu.Unlock()

	m.logger.Info("trigger armed",
		"signal_id", sig.SignalID, "symbol", sig.Symbol,
		"condition", cond, "target", at.target, "abort_at", deadline)
	return true, nil
}

// Disarm withdraws an armed trigger, typically on an upstream ABORT. It
// reports whether the trigger was still pending.
func (m *Monitor) Disarm(signalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.armed[signalID]
	if !ok || at.done {
		return false
	}
	at.done = true
	at.timer.Stop()
	delete(m.armed, signalID)
	return true
}

// Armed reports whether a trigger is still pending for the signal.
func (m *Monitor) Armed(signalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.armed[signalID]
	return ok
}

// Count returns the number of pending triggers, for health reporting.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.armed)
}

// OnTick evaluates one trade print against every trigger armed for the
// symbol. Matching intents are marked triggered synchronously, then executed
// off the tick path.
func (m *Monitor) OnTick(ctx context.Context, symbol string, price decimal.Decimal) {
	var fired []*armedTrigger

	m.mu.Lock()
	for id, at := range m.armed {
		if at.sig.Symbol != symbol || at.done || !conditionMet(price, at.target, at.cond) {
			continue
		}
		at.done = true
		at.timer.Stop()
		delete(m.armed, id)
		fired = append(fired, at)
	}
	m.mu.Unlock()

	for _, at := range fired {
		// Mark before executing so a CONFIRM racing the fill dedups.
		m.state.MarkTriggered(at.sig.SignalID)
		m.logger.Info("trigger fired",
			"signal_id", at.sig.SignalID, "symbol", symbol,
			"price", price, "condition", at.cond, "target", at.target)
		m.bus.Emit(events.TriggerFired, symbol, at.sig.SignalID, events.TriggerData{
			Price:     price,
			Condition: at.cond,
			Target:    at.target,
		})
		go at.fire(ctx, at.sig)
	}
}

// Close stops all pending abort timers. Armed intents are left to the
// shadow-state sweeper.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, at := range m.armed {
		at.done = true
		at.timer.Stop()
		delete(m.armed, id)
	}
}

// autoAbort runs when a trigger's bar closed without the condition being met.
func (m *Monitor) autoAbort(signalID string) {
	m.mu.Lock()
	at, ok := m.armed[signalID]
	if !ok || at.done {
		m.mu.Unlock()
		return
	}
	at.done = true
	delete(m.armed, signalID)
	m.mu.Unlock()

	m.logger.Info("trigger auto-abort, bar closed without firing",
		"signal_id", signalID, "symbol", at.sig.Symbol,
		"condition", at.cond, "target", at.target)
	m.bus.Emit(events.TriggerAutoAbort, at.sig.Symbol, signalID, events.TriggerData{
		Condition: at.cond,
		Target:    at.target,
	})
	at.abort(context.Background(), at.sig)
}

// abortDeadline is bar close plus the grace window. Signals that do not say
// when their bar closes are assumed to sit at the start of a default-length
// bar.
func (m *Monitor) abortDeadline(sig *types.Signal) time.Time {
	barClose, ok := sig.BarClose()
	if !ok {
		barClose = sig.Time().Add(m.cfg.DefaultBar)
	}
	return barClose.Add(m.cfg.AbortTimeout)
}

func defaultCond(direction int) string {
	if direction < 0 {
		return "<="
	}
	return ">="
}

func validCond(cond string) bool {
	switch cond {
	case ">", "<", ">=", "<=":
		return true
	}
	return false
}

func conditionMet(price, target decimal.Decimal, cond string) bool {
	switch cond {
	case ">":
		return price.GreaterThan(target)
	case "<":
		return price.LessThan(target)
	case ">=":
		return price.GreaterThanOrEqual(target)
	case "<=":
		return price.LessThanOrEqual(target)
	}
	return false
}
