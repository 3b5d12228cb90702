package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/internal/events"
	"perpexec/pkg/types"
)

// riskOn is the regime state under which layering is allowed.
const riskOn = 1

// Positions is the slice of shadow state the pyramid manager mutates.
type Positions interface {
	Position(symbol string) (*types.Position, bool)
	Pyramid(symbol string) (*types.PyramidState, bool)
	SetPyramid(p *types.PyramidState)
	ApplyFill(sig *types.Signal, phase int, fillPrice, fillSize decimal.Decimal, orderID string) *types.Position
	SetStop(symbol string, stop decimal.Decimal, stopOrderID string) error
	ClosePosition(symbol string, exitPrice decimal.Decimal, reason string) (types.TradeRecord, error)
}

// PyramidGateway adds the stop cancel-and-replace the auto-trail needs.
type PyramidGateway interface {
	Gateway
	ReplaceStop(ctx context.Context, symbol string, positionSide types.Side, qty, newStop decimal.Decimal, oldOrderID string) (types.Order, error)
}

// armed tracks one position the manager is allowed to layer onto.
type armed struct {
	sig    *types.Signal
	phase  int
	regime int
	busy   bool // a layer add or close-all is in flight
}

// Pyramid adds geometric layers to winning positions while the regime stays
// Risk-On. A layer opens when price moves trigger_pct beyond the last entry
// in the position's favor; each layer is layer_decay times the size of the
// previous one, up to max_layers. Reaching trail_layer pulls the stop to the
// average entry (auto-trail); once trailing, a regime flip closes the whole
// stack at market.
type Pyramid struct {
	gateway PyramidGateway
	taker   *Taker
	state   Positions
	bus     *events.Bus
	cfg     config.PyramidConfig
	logger  *slog.Logger

	mu   sync.Mutex
	arms map[string]*armed
}

func NewPyramid(gateway PyramidGateway, taker *Taker, state Positions, bus *events.Bus, cfg config.PyramidConfig, logger *slog.Logger) *Pyramid {
	return &Pyramid{
		gateway: gateway,
		taker:   taker,
		state:   state,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "pyramid"),
		arms:    make(map[string]*armed),
	}
}

// Arm registers a freshly filled position for layering and seeds its
// PyramidState with the base layer.
func (p *Pyramid) Arm(sig *types.Signal, pos *types.Position, phase int) {
	p.state.SetPyramid(&types.PyramidState{
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		LayerCount:     1,
		EntryPrices:    []decimal.Decimal{pos.AvgEntryPrice},
		LayerSizes:     []decimal.Decimal{pos.Size},
		AvgEntryPrice:  pos.AvgEntryPrice,
		LastEntryPrice: pos.AvgEntryPrice,
		CurrentStop:    pos.CurrentStop,
	})

	p.mu.Lock()
	p.arms[pos.Symbol] = &armed{sig: sig, phase: phase, regime: sig.Regime.RegimeState}
	p.mu.Unlock()

	p.logger.Info("pyramid armed",
		"symbol", pos.Symbol, "side", pos.Side, "base_size", pos.Size,
		"trigger_pct", p.cfg.TriggerPct, "max_layers", p.cfg.MaxLayers)
}

// Disarm stops layering for a symbol (position closed or phase changed).
func (p *Pyramid) Disarm(symbol string) {
	p.mu.Lock()
	delete(p.arms, symbol)
	p.mu.Unlock()
}

// Armed reports whether the symbol is being layered.
func (p *Pyramid) Armed(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.arms[symbol]
	return ok
}

// UpdateRegime feeds the latest regime state. Leaving Risk-On while the
// auto-trail is active closes the whole pyramid.
func (p *Pyramid) UpdateRegime(ctx context.Context, symbol string, regimeState int) {
	p.mu.Lock()
	arm, ok := p.arms[symbol]
	if !ok {
		p.mu.Unlock()
		return
	}
	arm.regime = regimeState
	kill := regimeState != riskOn && !arm.busy
	if kill {
		arm.busy = true
	}
	p.mu.Unlock()

	if !kill {
		return
	}
	st, ok := p.state.Pyramid(symbol)
	if !ok || !st.AutoTrailActive {
		p.release(symbol)
		return
	}
	go func() {
		defer p.release(symbol)
		p.closeAll(ctx, symbol, st)
	}()
}

// OnTick evaluates one trade print. Layer orders run off the tick path so a
// slow venue cannot stall price processing; at most one is in flight per
// symbol.
func (p *Pyramid) OnTick(ctx context.Context, symbol string, price decimal.Decimal) {
	p.mu.Lock()
	arm, ok := p.arms[symbol]
	if !ok || arm.busy || arm.regime != riskOn {
		p.mu.Unlock()
		return
	}
	st, stOK := p.state.Pyramid(symbol)
	if !stOK || !p.opportunity(st, price) {
		p.mu.Unlock()
		return
	}
	arm.busy = true
	p.mu.Unlock()

	go func() {
		defer p.release(symbol)
		p.addLayer(ctx, arm, st, price)
	}()
}

func (p *Pyramid) release(symbol string) {
	p.mu.Lock()
	if arm, ok := p.arms[symbol]; ok {
		arm.busy = false
	}
	p.mu.Unlock()
}

// opportunity: price must have moved trigger_pct beyond the last entry in
// the position's favor, with layer budget left.
func (p *Pyramid) opportunity(st *types.PyramidState, price decimal.Decimal) bool {
	if st.LayerCount >= p.cfg.MaxLayers {
		return false
	}
	trigger := decimal.NewFromFloat(p.cfg.TriggerPct)
	if st.Side == types.LONG {
		return price.GreaterThan(st.LastEntryPrice.Mul(decimal.NewFromInt(1).Add(trigger)))
	}
	return price.LessThan(st.LastEntryPrice.Mul(decimal.NewFromInt(1).Sub(trigger)))
}

func (p *Pyramid) addLayer(ctx context.Context, arm *armed, st *types.PyramidState, price decimal.Decimal) {
	layer := st.LayerCount + 1
	size := st.LayerSizes[len(st.LayerSizes)-1].Mul(decimal.NewFromFloat(p.cfg.LayerDecay))
	if !size.IsPositive() {
		return
	}

	res, err := p.taker.Execute(ctx, Request{
		SignalID: fmt.Sprintf("%s-l%d", arm.sig.SignalID, layer),
		Symbol:   st.Symbol,
		Side:     st.Side.OrderSide(),
		Size:     size,
	})
	if err != nil || !res.Filled() {
		p.logger.Warn("layer order failed",
			"symbol", st.Symbol, "layer", layer, "status", res.Status, "error", err)
		return
	}

	pos := p.state.ApplyFill(arm.sig, arm.phase, res.FillPrice, res.FillSize, res.BrokerOrderID)

	st.LayerCount = layer
	st.EntryPrices = append(st.EntryPrices, res.FillPrice)
	st.LayerSizes = append(st.LayerSizes, res.FillSize)
	st.LastEntryPrice = res.FillPrice
	st.AvgEntryPrice = pos.AvgEntryPrice

	p.logger.Info("pyramid layer added",
		"symbol", st.Symbol, "layer_number", layer, "entry_price", res.FillPrice,
		"avg_entry_price", st.AvgEntryPrice, "total_size", st.TotalSize(),
		"new_stop_loss", st.CurrentStop)

	if layer >= p.cfg.TrailLayer {
		p.trail(ctx, pos, st)
	}
	p.state.SetPyramid(st)

	p.bus.Emit(events.PyramidLayerAdded, st.Symbol, arm.sig.SignalID, events.LayerData{
		LayerNumber:   layer,
		EntryPrice:    res.FillPrice,
		AvgEntryPrice: st.AvgEntryPrice,
		TotalSize:     st.TotalSize(),
		NewStopLoss:   st.CurrentStop,
	})
}

// trail pulls the protective stop to the average entry. One broker update
// per layer: if the stop already sits at the average, nothing is sent.
func (p *Pyramid) trail(ctx context.Context, pos *types.Position, st *types.PyramidState) {
	newStop := st.AvgEntryPrice
	if st.AutoTrailActive && st.CurrentStop.Equal(newStop) {
		return
	}

	order, err := p.gateway.ReplaceStop(ctx, pos.Symbol, pos.Side, pos.Size, newStop, pos.StopOrderID)
	if err != nil {
		p.logger.Error("auto-trail stop update failed", "symbol", pos.Symbol, "error", err)
		return
	}
	if err := p.state.SetStop(pos.Symbol, newStop, order.OrderID); err != nil {
		p.logger.Error("auto-trail local stop update failed", "symbol", pos.Symbol, "error", err)
		return
	}

	first := !st.AutoTrailActive
	st.CurrentStop = newStop
	st.AutoTrailActive = true

	p.logger.Info("auto-trail engaged",
		"symbol", pos.Symbol, "stop", newStop, "layer", st.LayerCount, "first", first)
	p.bus.Emit(events.PyramidAutoTrail, pos.Symbol, pos.SignalID, events.LayerData{
		LayerNumber:   st.LayerCount,
		AvgEntryPrice: st.AvgEntryPrice,
		TotalSize:     st.TotalSize(),
		NewStopLoss:   newStop,
	})
}

// closeAll exits the whole stack at market after a regime flip.
func (p *Pyramid) closeAll(ctx context.Context, symbol string, st *types.PyramidState) {
	pos, ok := p.state.Position(symbol)
	if !ok {
		p.Disarm(symbol)
		return
	}

	order, err := p.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        symbol,
		Side:          pos.Side.Opposite().OrderSide(),
		Type:          types.OrderMarket,
		Qty:           pos.Size,
		ReduceOnly:    true,
		ClientOrderID: fmt.Sprintf("%s-kill", pos.SignalID),
	})
	if err != nil {
		p.logger.Error("regime-kill close failed, pyramid still open",
			"symbol", symbol, "error", err)
		return
	}

	// The venue stop is pointless once the position is gone.
	if pos.StopOrderID != "" {
		if err := p.gateway.CancelOrder(ctx, symbol, pos.StopOrderID); err != nil && !errors.Is(err, types.ErrBrokerRejected) {
			p.logger.Warn("stale stop cancel failed", "symbol", symbol, "error", err)
		}
	}

	exit := order.AvgFillPrice
	if !exit.IsPositive() {
		exit = st.LastEntryPrice
	}
	trade, err := p.state.ClosePosition(symbol, exit, types.ReasonRegimeKill)
	if err != nil {
		p.logger.Error("regime-kill bookkeeping failed", "symbol", symbol, "error", err)
		return
	}
	p.Disarm(symbol)

	p.logger.Info("pyramid closed on regime kill",
		"symbol", symbol, "layers", st.LayerCount, "exit", exit, "pnl", trade.RealizedPnL)
	p.bus.Emit(events.PyramidClosed, symbol, pos.SignalID, events.LayerData{
		LayerNumber:   st.LayerCount,
		AvgEntryPrice: st.AvgEntryPrice,
		TotalSize:     st.TotalSize(),
		NewStopLoss:   st.CurrentStop,
	})
}
