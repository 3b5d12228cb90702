// Package engine coordinates the execution core. It owns the signal
// pipeline (PREPARE, CONFIRM, ABORT): an accepted signal is sized from
// the live capital phase and handed to that phase's execution strategy;
// the resulting fill lands in shadow state under a protective stop. The
// engine also supervises the long-running subsystems.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"perpexec/internal/book"
	"perpexec/internal/events"
	"perpexec/internal/phase"
	"perpexec/internal/shadow"
	"perpexec/internal/strategy"
	"perpexec/internal/trigger"
	"perpexec/pkg/types"
)

// stopGrace bounds broker calls that must finish even when the request
// context is gone: protective stops after a fill and close-path cleanup.
const stopGrace = 10 * time.Second

// ----------------------------------------------------------------------------
// Dependencies
// ----------------------------------------------------------------------------

// Gateway is the broker slice the engine itself drives. Entry orders go
// through strategies; the engine places stops and close orders directly.
type Gateway interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// EntryValidator performs the pre-trade L2 book checks.
type EntryValidator interface {
	Check(symbol string, side types.OrderSide, size decimal.Decimal, regime types.RegimeVector) error
}

// PhaseSource reports the active capital phase and sizes entries against it.
type PhaseSource interface {
	Current() phase.Profile
	ValidateSignal(st types.SignalType) error
	ComputeSize(entry, stop decimal.Decimal) (decimal.Decimal, error)
}

// ReplayGuard enforces at-most-once signal admission.
type ReplayGuard interface {
	Seen(ctx context.Context, signalID string) error
	CheckDrift(timestampMs int64) error
}

// Pyramids manages post-fill layering for phases that allow it.
type Pyramids interface {
	Arm(sig *types.Signal, pos *types.Position, phase int)
	Disarm(symbol string)
	OnTick(ctx context.Context, symbol string, price decimal.Decimal)
	UpdateRegime(ctx context.Context, symbol string, regimeState int)
}

// RegimeRecorder persists the regime vector a fill was taken under.
type RegimeRecorder interface {
	RecordRegime(symbol, signalID string, r types.RegimeVector)
}

// Deps bundles the engine's collaborators. Regimes may be nil when running
// without a journal.
type Deps struct {
	Gateway   Gateway
	Validator EntryValidator
	State     *shadow.State
	Phases    PhaseSource
	Replay    ReplayGuard
	Triggers  *trigger.Monitor
	Pyramid   Pyramids
	Maker     strategy.Strategy
	Chaser    strategy.Strategy
	Taker     strategy.Strategy
	Regimes   RegimeRecorder
	Bus       *events.Bus
	Ticks     <-chan book.PriceTick
}

// Runner is a long-lived subsystem supervised by the engine.
type Runner func(ctx context.Context) error

type namedRunner struct {
	name string
	run  Runner
}

// ----------------------------------------------------------------------------
// Engine
// ----------------------------------------------------------------------------

// Engine is the execution core. One instance per process.
type Engine struct {
	gateway   Gateway
	validator EntryValidator
	state     *shadow.State
	phases    PhaseSource
	replay    ReplayGuard
	triggers  *trigger.Monitor
	pyramid   Pyramids
	maker     strategy.Strategy
	chaser    strategy.Strategy
	taker     strategy.Strategy
	regimes   RegimeRecorder
	bus       *events.Bus
	ticks     <-chan book.PriceTick
	logger    *slog.Logger

	runners []namedRunner

	mu      sync.Mutex
	running map[string]context.CancelFunc // in-flight strategy runs by signal_id
}

// New assembles the engine. Call Manage for each subsystem before Run.
func New(deps Deps, logger *slog.Logger) *Engine {
	return &Engine{
		gateway:   deps.Gateway,
		validator: deps.Validator,
		state:     deps.State,
		phases:    deps.Phases,
		replay:    deps.Replay,
		triggers:  deps.Triggers,
		pyramid:   deps.Pyramid,
		maker:     deps.Maker,
		chaser:    deps.Chaser,
		taker:     deps.Taker,
		regimes:   deps.Regimes,
		bus:       deps.Bus,
		ticks:     deps.Ticks,
		logger:    logger.With("component", "engine"),
		running:   make(map[string]context.CancelFunc),
	}
}

// Manage registers a subsystem to supervise. Not safe to call after Run.
func (e *Engine) Manage(name string, r Runner) {
	e.runners = append(e.runners, namedRunner{name: name, run: r})
}

// Run supervises all managed subsystems plus the engine's own tick pump.
// The first subsystem failure cancels the rest; a clean context cancel
// shuts everything down and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, r := range e.runners {
		g.Go(func() error {
			err := r.run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("subsystem exited", "name", r.name, "error", err)
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return err
		})
	}
	g.Go(func() error { return e.pumpTicks(ctx) })

	e.logger.Info("engine running", "subsystems", len(e.runners))
	err := g.Wait()
	e.triggers.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pumpTicks fans live trade prints out to the trigger monitor and the
// pyramid tracker.
func (e *Engine) pumpTicks(ctx context.Context) error {
	if e.ticks == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-e.ticks:
			if !ok {
				return nil
			}
			e.triggers.OnTick(ctx, t.Symbol, t.Price)
			e.pyramid.OnTick(ctx, t.Symbol, t.Price)
		}
	}
}

// ----------------------------------------------------------------------------
// Signal pipeline
// ----------------------------------------------------------------------------

// Dispatch routes one authenticated signal by kind. PREPARE acks without
// waiting for execution; CONFIRM blocks until the strategy settles; ABORT
// withdraws whatever is still withdrawable.
func (e *Engine) Dispatch(ctx context.Context, sig *types.Signal) types.SignalResponse {
	switch sig.Kind {
	case types.SignalPrepare:
		return e.prepare(ctx, sig)
	case types.SignalConfirm:
		return e.confirm(ctx, sig)
	case types.SignalAbort:
		return e.abort(ctx, sig)
	default:
		return e.reject(sig, fmt.Errorf("unknown signal kind %q", sig.Kind))
	}
}

func (e *Engine) prepare(ctx context.Context, sig *types.Signal) types.SignalResponse {
	if err := e.replay.CheckDrift(sig.TimestampMs); err != nil {
		return e.reject(sig, err)
	}
	if err := e.replay.Seen(ctx, sig.SignalID); err != nil {
		return e.reject(sig, err)
	}
	if err := e.phases.ValidateSignal(sig.SignalType); err != nil {
		return e.reject(sig, err)
	}

	if _, isNew := e.state.ProcessIntent(sig); !isNew {
		// The replay record can expire while the intent survives; the
		// at-most-once verdict is the same either way.
		return e.reject(sig, types.ErrReplayedSignal)
	}

	armed, err := e.triggers.Arm(sig, e.triggerFire, e.triggerAbort)
	if err != nil {
		e.state.Transition(sig.SignalID, types.IntentRejected, err.Error())
		return e.reject(sig, err)
	}

	e.pyramid.UpdateRegime(ctx, sig.Symbol, sig.Regime.RegimeState)
	e.bus.Emit(events.SignalAccepted, sig.Symbol, sig.SignalID, map[string]any{
		"signal_type":   sig.SignalType,
		"trigger_armed": armed,
	})
	e.logger.Info("prepare accepted",
		"signal_id", sig.SignalID, "symbol", sig.Symbol,
		"signal_type", sig.SignalType, "trigger_armed", armed)
	return types.SignalResponse{Success: true, SignalID: sig.SignalID, Status: types.StatusAccepted}
}

func (e *Engine) confirm(ctx context.Context, sig *types.Signal) types.SignalResponse {
	if err := e.replay.CheckDrift(sig.TimestampMs); err != nil {
		return e.reject(sig, err)
	}
	if e.state.WasTriggered(sig.SignalID) {
		e.bus.Emit(events.SignalDuplicate, sig.Symbol, sig.SignalID, nil)
		e.logger.Info("confirm deduplicated, trigger already fired", "signal_id", sig.SignalID)
		return types.SignalResponse{
			Success:  true,
			SignalID: sig.SignalID,
			Status:   types.StatusDuplicate,
			Reason:   "client-side trigger already executed",
		}
	}
	e.triggers.Disarm(sig.SignalID)
	return e.execute(ctx, sig)
}

func (e *Engine) abort(ctx context.Context, sig *types.Signal) types.SignalResponse {
	e.triggers.Disarm(sig.SignalID)
	e.cancelRunning(sig.SignalID)

	status, err := e.state.Abort(sig.SignalID)
	if err != nil {
		return types.SignalResponse{
			SignalID: sig.SignalID,
			Status:   types.StatusRejected,
			Reason:   err.Error(),
		}
	}
	if status == types.IntentFilled {
		e.bus.Emit(events.IntentLateAbort, sig.Symbol, sig.SignalID, map[string]any{
			"reason": "intent already filled",
		})
		e.logger.Warn("abort after fill, position kept",
			"signal_id", sig.SignalID, "symbol", sig.Symbol)
		return types.SignalResponse{
			SignalID: sig.SignalID,
			Status:   types.StatusLateAbort,
			Reason:   "intent already filled; close the position explicitly",
		}
	}

	e.bus.Emit(events.IntentAborted, sig.Symbol, sig.SignalID, nil)
	e.logger.Info("intent aborted", "signal_id", sig.SignalID, "symbol", sig.Symbol)
	return types.SignalResponse{Success: true, SignalID: sig.SignalID, Status: types.StatusAborted}
}

// triggerFire executes a prepared signal when its price trigger touches.
// The monitor marked the signal triggered before calling, so a racing
// CONFIRM resolves as a duplicate.
func (e *Engine) triggerFire(ctx context.Context, sig *types.Signal) {
	resp := e.execute(ctx, sig)
	if resp.Success {
		e.logger.Info("triggered entry settled",
			"signal_id", sig.SignalID, "symbol", sig.Symbol, "status", resp.Status)
		return
	}
	e.logger.Warn("triggered entry failed",
		"signal_id", sig.SignalID, "symbol", sig.Symbol,
		"status", resp.Status, "reason", resp.Reason)
}

// triggerAbort withdraws a prepared signal whose bar closed untouched.
func (e *Engine) triggerAbort(ctx context.Context, sig *types.Signal) {
	if _, err := e.state.Abort(sig.SignalID); err != nil {
		e.logger.Debug("trigger abort on unknown intent", "signal_id", sig.SignalID, "error", err)
		return
	}
	e.bus.Emit(events.IntentAborted, sig.Symbol, sig.SignalID, map[string]any{
		"reason": "trigger expired at bar close",
	})
}

// ----------------------------------------------------------------------------
// Execution
// ----------------------------------------------------------------------------

// execute runs the full entry path for one signal: validation, sizing,
// strategy selection, fill application, stop placement, pyramid arming.
// Per-symbol locking serializes it against other entries and closes.
func (e *Engine) execute(ctx context.Context, sig *types.Signal) types.SignalResponse {
	unlock := e.state.LockSymbol(sig.Symbol)
	defer unlock()

	intent, _ := e.state.ProcessIntent(sig)
	if intent.Status.IsTerminal() {
		return types.SignalResponse{
			SignalID: sig.SignalID,
			Status:   types.StatusRejected,
			Reason:   fmt.Sprintf("intent already %s", intent.Status),
		}
	}

	prof := e.phases.Current()
	if err := e.phases.ValidateSignal(sig.SignalType); err != nil {
		e.state.Transition(sig.SignalID, types.IntentRejected, err.Error())
		return e.reject(sig, err)
	}

	e.pyramid.UpdateRegime(ctx, sig.Symbol, sig.Regime.RegimeState)

	if _, open := e.state.Position(sig.Symbol); open {
		reason := "position already open for " + sig.Symbol
		e.state.Transition(sig.SignalID, types.IntentRejected, reason)
		e.bus.Emit(events.SignalRejected, sig.Symbol, sig.SignalID, map[string]any{"reason": reason})
		return types.SignalResponse{
			SignalID: sig.SignalID,
			Status:   types.StatusRejected,
			Reason:   reason,
			Code:     "POSITION_EXISTS",
		}
	}

	entry := sig.EntryPrice()
	size, err := e.phases.ComputeSize(entry, sig.StopLoss)
	if err != nil {
		e.state.Transition(sig.SignalID, types.IntentRejected, err.Error())
		e.bus.Emit(events.SignalRejected, sig.Symbol, sig.SignalID, map[string]any{"reason": err.Error()})
		return types.SignalResponse{
			SignalID: sig.SignalID,
			Status:   types.StatusRejected,
			Reason:   err.Error(),
			Code:     "SIZING_FAILED",
		}
	}

	side := sig.Side().OrderSide()
	if err := e.validator.Check(sig.Symbol, side, size, sig.Regime); err != nil {
		e.state.Transition(sig.SignalID, types.IntentRejected, err.Error())
		return e.reject(sig, err)
	}

	if _, err := e.state.Transition(sig.SignalID, types.IntentValidated, ""); err != nil {
		return types.SignalResponse{
			SignalID: sig.SignalID,
			Status:   types.StatusRejected,
			Reason:   "signal superseded before execution",
		}
	}
	e.state.Transition(sig.SignalID, types.IntentExecuting, "")

	strat := e.strategyFor(sig, prof)
	req := strategy.Request{
		SignalID:        sig.SignalID,
		Symbol:          sig.Symbol,
		Side:            side,
		Size:            size,
		EntryPrice:      entry,
		StopLoss:        sig.StopLoss,
		TakeProfits:     sig.TakeProfits,
		SignalType:      sig.SignalType,
		UrgencyScore:    float64(sig.UrgencyScore),
		AlphaHalfLifeMs: sig.AlphaHalfLifeMs,
	}
	e.logger.Info("executing entry",
		"signal_id", sig.SignalID, "symbol", sig.Symbol, "side", side,
		"size", size, "strategy", strat.Name(), "phase", prof.Phase)

	runCtx, cancel := context.WithCancel(ctx)
	e.track(sig.SignalID, cancel)
	res, execErr := strat.Execute(runCtx, req)
	e.untrack(sig.SignalID)
	cancel()

	if res.Filled() {
		return e.applyFill(sig, prof, res)
	}

	e.state.Transition(sig.SignalID, types.IntentCanceled, res.Reason)
	e.bus.Emit(events.ExecutionMissed, sig.Symbol, sig.SignalID, res)
	e.logger.Warn("entry not filled",
		"signal_id", sig.SignalID, "symbol", sig.Symbol,
		"status", res.Status, "reason", res.Reason, "error", execErr)

	code := missCode(res)
	if execErr != nil {
		code = types.Code(execErr)
	}
	return types.SignalResponse{
		SignalID:      sig.SignalID,
		Status:        string(res.Status),
		BrokerOrderID: res.BrokerOrderID,
		Reason:        res.Reason,
		Code:          code,
		Diagnostic:    res.Diagnostic,
	}
}

// applyFill records the position and hangs the protective stop; where the
// phase allows it, pyramiding is armed on top. Broker calls here run on a
// fresh context: a caller disconnect must not leave a naked position.
func (e *Engine) applyFill(sig *types.Signal, prof phase.Profile, res types.ExecutionResult) types.SignalResponse {
	pos := e.state.ApplyFill(sig, prof.Phase, res.FillPrice, res.FillSize, res.BrokerOrderID)
	e.state.Transition(sig.SignalID, types.IntentFilled, "")
	if e.regimes != nil {
		e.regimes.RecordRegime(sig.Symbol, sig.SignalID, sig.Regime)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	stop, err := e.gateway.PlaceOrder(stopCtx, types.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          pos.Side.Opposite().OrderSide(),
		Type:          types.OrderStopMarket,
		Price:         sig.StopLoss,
		Qty:           res.FillSize,
		ReduceOnly:    true,
		ClientOrderID: sig.SignalID + "-stop",
	})
	if err != nil {
		e.logger.Error("protective stop placement failed, position unprotected",
			"symbol", sig.Symbol, "stop", sig.StopLoss, "error", err)
	} else if err := e.state.SetStop(sig.Symbol, sig.StopLoss, stop.OrderID); err != nil {
		e.logger.Error("stop placed but not recorded", "symbol", sig.Symbol, "error", err)
	}

	if prof.Pyramiding {
		e.pyramid.Arm(sig, pos, prof.Phase)
	}

	e.bus.Emit(events.ExecutionFilled, sig.Symbol, sig.SignalID, res)
	e.logger.Info("entry filled",
		"signal_id", sig.SignalID, "symbol", sig.Symbol,
		"price", res.FillPrice, "size", res.FillSize, "phase", prof.Phase)

	fp, fs := res.FillPrice, res.FillSize
	return types.SignalResponse{
		Success:       true,
		SignalID:      sig.SignalID,
		Status:        string(res.Status),
		BrokerOrderID: res.BrokerOrderID,
		FillPrice:     &fp,
		FillSize:      &fs,
	}
}

// strategyFor picks the entry algorithm: TAKER phases cross the spread;
// MAKER phases chase when the signal carries an alpha half-life and
// otherwise post limit-or-kill.
func (e *Engine) strategyFor(sig *types.Signal, prof phase.Profile) strategy.Strategy {
	if prof.Mode == types.ModeTaker {
		return e.taker
	}
	if sig.AlphaHalfLifeMs != nil && *sig.AlphaHalfLifeMs > 0 {
		return e.chaser
	}
	return e.maker
}

func (e *Engine) track(signalID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[signalID] = cancel
}

func (e *Engine) untrack(signalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, signalID)
}

func (e *Engine) cancelRunning(signalID string) {
	e.mu.Lock()
	cancel, ok := e.running[signalID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) reject(sig *types.Signal, err error) types.SignalResponse {
	e.bus.Emit(events.SignalRejected, sig.Symbol, sig.SignalID, map[string]any{
		"reason": err.Error(),
		"code":   types.Code(err),
	})
	e.logger.Warn("signal rejected",
		"signal_id", sig.SignalID, "kind", sig.Kind, "symbol", sig.Symbol, "error", err)
	return types.SignalResponse{
		SignalID: sig.SignalID,
		Status:   types.StatusRejected,
		Reason:   err.Error(),
		Code:     types.Code(err),
	}
}

// missCode maps a no-fill execution result onto a wire code. Some reasons
// are already code-shaped; the price-ran-away miss keeps its prose reason
// with MISSED_ENTRY as the code.
func missCode(res types.ExecutionResult) string {
	switch res.Status {
	case types.ExecMissedEntry:
		return "MISSED_ENTRY"
	case types.ExecError:
		if res.Reason != "" {
			return res.Reason
		}
		return "INTERNAL"
	}
	switch res.Reason {
	case types.ReasonAlphaExpired, types.ReasonOBIWorsening, types.ReasonFillTimeout:
		return res.Reason
	}
	return ""
}

// ----------------------------------------------------------------------------
// Close paths
// ----------------------------------------------------------------------------

// CloseSymbol exits one position with a reduce-only market order. The
// protective stop is canceled and the trade realized in shadow state.
func (e *Engine) CloseSymbol(ctx context.Context, symbol, reason string) (types.TradeRecord, error) {
	unlock := e.state.LockSymbol(symbol)
	defer unlock()

	pos, ok := e.state.Position(symbol)
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("no open position for %s", symbol)
	}
	e.pyramid.Disarm(symbol)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
	defer cancel()

	order, err := e.gateway.PlaceOrder(closeCtx, types.OrderRequest{
		Symbol:        symbol,
		Side:          pos.Side.Opposite().OrderSide(),
		Type:          types.OrderMarket,
		Qty:           pos.Size,
		ReduceOnly:    true,
		ClientOrderID: pos.SignalID + "-close",
	})
	if err != nil {
		return types.TradeRecord{}, fmt.Errorf("close %s: %w", symbol, err)
	}

	if pos.StopOrderID != "" {
		// A rejected cancel usually means the venue already consumed the stop.
		if err := e.gateway.CancelOrder(closeCtx, symbol, pos.StopOrderID); err != nil &&
			!errors.Is(err, types.ErrBrokerRejected) {
			e.logger.Warn("stop cancel failed during close",
				"symbol", symbol, "order_id", pos.StopOrderID, "error", err)
		}
	}

	exit := order.AvgFillPrice
	if exit.IsZero() {
		e.logger.Warn("close order reported no fill price, using entry",
			"symbol", symbol, "order_id", order.OrderID)
		exit = pos.AvgEntryPrice
	}

	trade, err := e.state.ClosePosition(symbol, exit, reason)
	if err != nil {
		return types.TradeRecord{}, err
	}
	e.logger.Info("position closed",
		"symbol", symbol, "exit", exit, "pnl", trade.RealizedPnL, "reason", reason)
	return trade, nil
}

// Flatten closes every open position. Failures are collected per symbol so
// one wedged close cannot stop the rest.
func (e *Engine) Flatten(ctx context.Context, reason string) (closed, failed []string) {
	for _, pos := range e.state.Positions() {
		if _, err := e.CloseSymbol(ctx, pos.Symbol, reason); err != nil {
			e.logger.Error("flatten: close failed", "symbol", pos.Symbol, "error", err)
			failed = append(failed, pos.Symbol)
			continue
		}
		closed = append(closed, pos.Symbol)
	}
	return closed, failed
}
