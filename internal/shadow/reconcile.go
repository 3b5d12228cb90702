package shadow

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/events"
	"perpexec/pkg/types"
)

// avgEntryTolerance is the relative drift allowed between local and venue
// average entry before flagging a divergence; venues round fills.
var avgEntryTolerance = decimal.RequireFromString("0.001")

// Broker is the venue surface the reconciler needs.
type Broker interface {
	GetPositions(ctx context.Context) ([]types.BrokerPosition, error)
	ReplaceStop(ctx context.Context, symbol string, positionSide types.Side, qty, newStop decimal.Decimal, oldOrderID string) (types.Order, error)
}

// Reconciler periodically audits shadow positions against the venue.
//
// Divergence handling is asymmetric: a local position missing at the venue
// is dropped only after a second consecutive confirming cycle; a venue
// position unknown locally is alerted every cycle and never auto-adopted.
type Reconciler struct {
	state    *State
	broker   Broker
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration

	missing map[string]int // consecutive cycles each local symbol was absent at the venue
}

func NewReconciler(state *State, broker Broker, bus *events.Bus, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		state:    state,
		broker:   broker,
		bus:      bus,
		interval: interval,
		logger:   logger.With("component", "reconciler"),
		missing:  make(map[string]int),
	}
}

// Run cycles until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// cycle runs one audit. A failed venue snapshot skips the cycle without
// mutating state or missing-streaks.
func (r *Reconciler) cycle(ctx context.Context) {
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		r.logger.Warn("reconcile skipped, venue snapshot failed", "error", err)
		return
	}

	remote := make(map[string]types.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		remote[bp.Symbol] = bp
	}

	local := r.state.Positions()
	localSyms := make(map[string]bool, len(local))

	for _, pos := range local {
		localSyms[pos.Symbol] = true
		bp, ok := remote[pos.Symbol]
		if !ok {
			r.handleMissing(pos)
			continue
		}
		delete(r.missing, pos.Symbol)
		r.compare(ctx, pos, bp)
	}

	// Streaks for symbols we no longer track are stale.
	for sym := range r.missing {
		if !localSyms[sym] {
			delete(r.missing, sym)
		}
	}

	for sym, bp := range remote {
		if !localSyms[sym] {
			r.logger.Error("venue holds a position this engine never opened",
				"symbol", sym, "side", bp.Side, "size", bp.Size)
			r.bus.Emit(events.ReconcileUnknown, sym, "", events.DivergenceData{
				Field:  "position",
				Local:  "none",
				Broker: bp.Size.String() + " " + string(bp.Side),
			})
		}
	}
}

// handleMissing tracks a local position the venue did not report. The first
// cycle marks it suspect; the second confirming cycle removes it.
func (r *Reconciler) handleMissing(pos *types.Position) {
	r.missing[pos.Symbol]++
	streak := r.missing[pos.Symbol]

	if streak < 2 {
		r.logger.Warn("local position missing at venue, awaiting confirmation",
			"symbol", pos.Symbol, "size", pos.Size)
		return
	}

	dropped, err := r.state.DropPosition(pos.Symbol, "PHANTOM_LOCAL_POSITION")
	if err != nil {
		// Already closed by another path between snapshot and now.
		delete(r.missing, pos.Symbol)
		return
	}
	delete(r.missing, pos.Symbol)

	r.logger.Error("phantom local position removed",
		"symbol", dropped.Symbol, "side", dropped.Side, "size", dropped.Size)
	r.bus.Emit(events.ReconcilePhantomLocal, dropped.Symbol, dropped.SignalID, events.DivergenceData{
		Field:  "position",
		Local:  dropped.Size.String() + " " + string(dropped.Side),
		Broker: "none",
	})
}

// compare checks one matched position pair field by field. Local state is
// the source of truth for the protective stop: a drifted venue stop is
// pushed back, not adopted.
func (r *Reconciler) compare(ctx context.Context, pos *types.Position, bp types.BrokerPosition) {
	diverged := false

	if pos.Side != bp.Side {
		diverged = true
		r.emitDivergence(pos, "side", string(pos.Side), string(bp.Side))
	}
	if !pos.Size.Equal(bp.Size) {
		diverged = true
		r.emitDivergence(pos, "size", pos.Size.String(), bp.Size.String())
	}
	if !withinRelative(pos.AvgEntryPrice, bp.AvgEntryPrice, avgEntryTolerance) {
		diverged = true
		r.emitDivergence(pos, "avg_entry_price", pos.AvgEntryPrice.String(), bp.AvgEntryPrice.String())
	}

	// Venues that do not report stops send zero; skip the check for them.
	if bp.StopLoss.IsPositive() && !bp.StopLoss.Equal(pos.CurrentStop) {
		diverged = true
		r.emitDivergence(pos, "stop_loss", pos.CurrentStop.String(), bp.StopLoss.String())

		order, err := r.broker.ReplaceStop(ctx, pos.Symbol, pos.Side, pos.Size, pos.CurrentStop, pos.StopOrderID)
		if err != nil {
			r.logger.Error("stop correction failed", "symbol", pos.Symbol, "error", err)
		} else {
			_ = r.state.SetStop(pos.Symbol, pos.CurrentStop, order.OrderID)
			r.logger.Warn("venue stop corrected to local",
				"symbol", pos.Symbol, "stop", pos.CurrentStop)
		}
	}

	if !diverged {
		r.state.MarkReconciled(pos.Symbol, bp.UnrealizedPnL)
	}
}

func (r *Reconciler) emitDivergence(pos *types.Position, field, local, broker string) {
	r.logger.Error("reconciliation divergence",
		"symbol", pos.Symbol, "field", field, "local", local, "broker", broker)
	r.bus.Emit(events.ReconcileDivergence, pos.Symbol, pos.SignalID, events.DivergenceData{
		Field:  field,
		Local:  local,
		Broker: broker,
	})
}

// withinRelative reports whether b is within tol (relative) of a.
func withinRelative(a, b, tol decimal.Decimal) bool {
	if a.IsZero() {
		return b.IsZero()
	}
	diff := a.Sub(b).Abs()
	return diff.Div(a.Abs()).LessThanOrEqual(tol)
}
