// Package shadow holds the engine's view of the world: intent lifecycles,
// open positions, pyramid layers, and client-side trigger marks. It is the
// local source of truth that execution reads and reconciliation audits
// against the venue.
//
// All mutations go through State, which enforces the intent lifecycle DAG
// and keeps position math (average entry, realized PnL) in one place.
// Persistence is mirrored through a Recorder whose writes are asynchronous;
// a failing journal never blocks or corrupts shadow state.
package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpexec/pkg/types"
)

// Recorder mirrors shadow mutations into durable storage. Implementations
// must not block.
type Recorder interface {
	RecordTrade(types.TradeRecord)
	UpsertPosition(*types.Position)
	DeletePosition(symbol string)
}

// State is the in-memory book of record. Safe for concurrent use.
type State struct {
	mu        sync.RWMutex
	intents   map[string]*types.Intent
	positions map[string]*types.Position
	pyramids  map[string]*types.PyramidState
	triggered map[string]time.Time
	symLocks  map[string]*sync.Mutex

	rec    Recorder
	logger *slog.Logger
	now    func() time.Time
}

// New creates empty shadow state. rec may be nil when running without a
// journal.
func New(rec Recorder, logger *slog.Logger) *State {
	return &State{
		intents:   make(map[string]*types.Intent),
		positions: make(map[string]*types.Position),
		pyramids:  make(map[string]*types.PyramidState),
		triggered: make(map[string]time.Time),
		symLocks:  make(map[string]*sync.Mutex),
		rec:       rec,
		logger:    logger.With("component", "shadow"),
		now:       time.Now,
	}
}

// ----------------------------------------------------------------------------
// Intents
// ----------------------------------------------------------------------------

// ProcessIntent registers a PREPARE signal. Re-registering a known signal_id
// is idempotent: the existing intent is returned and isNew is false.
func (s *State) ProcessIntent(sig *types.Signal) (intent *types.Intent, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.intents[sig.SignalID]; ok {
		return cloneIntent(existing), false
	}

	now := s.now()
	in := &types.Intent{
		SignalID:  sig.SignalID,
		Signal:    sig,
		Status:    types.IntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.intents[sig.SignalID] = in
	return cloneIntent(in), true
}

// Intent returns a copy of the tracked intent.
func (s *State) Intent(signalID string) (*types.Intent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[signalID]
	if !ok {
		return nil, false
	}
	return cloneIntent(in), true
}

// Transition moves an intent along the lifecycle DAG. Illegal edges are
// refused so a replayed or racing caller cannot resurrect a terminal intent.
func (s *State) Transition(signalID string, next types.IntentStatus, reason string) (*types.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[signalID]
	if !ok {
		return nil, fmt.Errorf("intent %s not found", signalID)
	}
	if !in.Status.CanTransition(next) {
		return nil, fmt.Errorf("intent %s: illegal transition %s -> %s", signalID, in.Status, next)
	}
	in.Status = next
	if reason != "" {
		in.Reason = reason
	}
	in.UpdatedAt = s.now()
	return cloneIntent(in), nil
}

// Abort cancels an intent cooperatively. If the intent already filled, the
// position is left untouched and the filled status is returned so the caller
// can raise a late-abort alert.
func (s *State) Abort(signalID string) (types.IntentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[signalID]
	if !ok {
		return "", fmt.Errorf("intent %s not found", signalID)
	}
	if in.Status == types.IntentFilled {
		return types.IntentFilled, nil
	}
	if in.Status.IsTerminal() {
		return in.Status, nil
	}
	in.Status = types.IntentCanceled
	in.Reason = types.ReasonAborted
	in.UpdatedAt = s.now()
	return types.IntentCanceled, nil
}

// Intents returns copies of all tracked intents.
func (s *State) Intents() []*types.Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Intent, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, cloneIntent(in))
	}
	return out
}

// ----------------------------------------------------------------------------
// Client-side triggers
// ----------------------------------------------------------------------------

// MarkTriggered records that the local trigger monitor fired for a signal,
// so a late CONFIRM from upstream is not executed twice.
func (s *State) MarkTriggered(signalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered[signalID] = s.now()
}

// WasTriggered reports whether the local trigger already fired.
func (s *State) WasTriggered(signalID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.triggered[signalID]
	return ok
}

// ----------------------------------------------------------------------------
// Positions
// ----------------------------------------------------------------------------

// ApplyFill folds an execution fill into the symbol's position, creating it
// or extending it with size-weighted average entry. Returns a copy.
func (s *State) ApplyFill(sig *types.Signal, phase int, fillPrice, fillSize decimal.Decimal, orderID string) *types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[sig.Symbol]
	if !ok {
		pos = &types.Position{
			Symbol:        sig.Symbol,
			Side:          sig.Side(),
			Size:          fillSize,
			AvgEntryPrice: fillPrice,
			CurrentStop:   sig.StopLoss,
			TakeProfits:   append([]decimal.Decimal(nil), sig.TakeProfits...),
			SignalID:      sig.SignalID,
			OpenedAt:      s.now(),
			PhaseAtEntry:  phase,
			RegimeAtEntry: sig.Regime,
		}
		if orderID != "" {
			pos.BrokerOrderIDs = []string{orderID}
		}
		s.positions[sig.Symbol] = pos
	} else {
		// Weighted average across the existing stack and the new fill.
		oldNotional := pos.Notional()
		newNotional := fillPrice.Mul(fillSize)
		total := pos.Size.Add(fillSize)
		pos.AvgEntryPrice = oldNotional.Add(newNotional).Div(total)
		pos.Size = total
		if orderID != "" {
			pos.BrokerOrderIDs = append(pos.BrokerOrderIDs, orderID)
		}
	}

	if s.rec != nil {
		s.rec.UpsertPosition(pos.Clone())
	}
	return pos.Clone()
}

// SetStop updates the protective stop and its venue order id.
func (s *State) SetStop(symbol string, stop decimal.Decimal, stopOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return fmt.Errorf("no position for %s", symbol)
	}
	pos.CurrentStop = stop
	pos.StopOrderID = stopOrderID
	if s.rec != nil {
		s.rec.UpsertPosition(pos.Clone())
	}
	return nil
}

// MarkReconciled stamps the position after a clean reconcile cycle.
func (s *State) MarkReconciled(symbol string, unrealized decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[symbol]; ok {
		pos.ReconciledAt = s.now()
		pos.UnrealizedPnL = unrealized
	}
}

// ClosePosition removes the position and records the realized trade.
// PnL = (exit - avgEntry) x size x sign(side).
func (s *State) ClosePosition(symbol string, exitPrice decimal.Decimal, reason string) (types.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("no position for %s", symbol)
	}

	pnl := exitPrice.Sub(pos.AvgEntryPrice).
		Mul(pos.Size).
		Mul(decimal.NewFromInt(int64(pos.Side.Sign())))

	trade := types.TradeRecord{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Side:          pos.Side,
		Size:          pos.Size,
		AvgEntryPrice: pos.AvgEntryPrice,
		ExitPrice:     exitPrice,
		RealizedPnL:   pnl,
		Phase:         pos.PhaseAtEntry,
		RegimeState:   pos.RegimeAtEntry.RegimeState,
		Reason:        reason,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      s.now(),
	}

	delete(s.positions, symbol)
	delete(s.pyramids, symbol)

	if s.rec != nil {
		s.rec.DeletePosition(symbol)
		s.rec.RecordTrade(trade)
	}
	return trade, nil
}

// DropPosition removes a position without a realized trade, used when
// reconciliation proves the venue no longer holds it. The removal is
// journaled as a zero-PnL trade so the audit trail stays complete.
func (s *State) DropPosition(symbol, reason string) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("no position for %s", symbol)
	}
	delete(s.positions, symbol)
	delete(s.pyramids, symbol)

	if s.rec != nil {
		s.rec.DeletePosition(symbol)
		s.rec.RecordTrade(types.TradeRecord{
			ID:            uuid.NewString(),
			Symbol:        symbol,
			Side:          pos.Side,
			Size:          pos.Size,
			AvgEntryPrice: pos.AvgEntryPrice,
			ExitPrice:     pos.AvgEntryPrice,
			RealizedPnL:   decimal.Zero,
			Phase:         pos.PhaseAtEntry,
			RegimeState:   pos.RegimeAtEntry.RegimeState,
			Reason:        reason,
			OpenedAt:      pos.OpenedAt,
			ClosedAt:      s.now(),
		})
	}
	return pos.Clone(), nil
}

// Position returns a copy of the open position for a symbol.
func (s *State) Position(symbol string) (*types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Positions returns copies of all open positions.
func (s *State) Positions() []*types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos.Clone())
	}
	return out
}

// Recover seeds positions from the journal at boot.
func (s *State) Recover(positions []*types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range positions {
		s.positions[pos.Symbol] = pos.Clone()
	}
}

// ----------------------------------------------------------------------------
// Pyramid state
// ----------------------------------------------------------------------------

// Pyramid returns a copy of the layer tracker for a symbol.
func (s *State) Pyramid(symbol string) (*types.PyramidState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pyramids[symbol]
	if !ok {
		return nil, false
	}
	cp := *p
	cp.EntryPrices = append([]decimal.Decimal(nil), p.EntryPrices...)
	cp.LayerSizes = append([]decimal.Decimal(nil), p.LayerSizes...)
	return &cp, true
}

// SetPyramid stores the layer tracker for a symbol.
func (s *State) SetPyramid(p *types.PyramidState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pyramids[p.Symbol] = p
}

// ----------------------------------------------------------------------------
// Per-symbol execution serialization
// ----------------------------------------------------------------------------

// LockSymbol serializes executions per symbol: concurrent confirms on
// distinct symbols proceed in parallel, same-symbol confirms queue. The
// returned func releases the lock.
func (s *State) LockSymbol(symbol string) func() {
	s.mu.Lock()
	lock, ok := s.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		s.symLocks[symbol] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ----------------------------------------------------------------------------
// Housekeeping
// ----------------------------------------------------------------------------

// Run sweeps terminal intents and stale trigger marks until ctx is done.
// maxAge should comfortably exceed the replay guard TTL so operators can
// still inspect recently rejected intents.
func (s *State) Run(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(maxAge)
		}
	}
}

func (s *State) sweep(maxAge time.Duration) {
	now := s.now()
	s.mu.Lock()
	for id, in := range s.intents {
		if in.Status.IsTerminal() && now.Sub(in.UpdatedAt) > maxAge {
			delete(s.intents, id)
		}
	}
	for id, at := range s.triggered {
		if now.Sub(at) > maxAge {
			delete(s.triggered, id)
		}
	}
	intents, triggers := len(s.intents), len(s.triggered)
	s.mu.Unlock()
	s.logger.Debug("shadow sweep complete", "intents", intents, "triggers", triggers)
}

// Counts reports tracked object counts for the health endpoint.
func (s *State) Counts() (intents, positions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.intents), len(s.positions)
}

func cloneIntent(in *types.Intent) *types.Intent {
	cp := *in
	return &cp
}
