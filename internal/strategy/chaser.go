package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/internal/events"
	"perpexec/pkg/types"
)

// Chaser works a passive order toward the market one tick at a time. The
// first order rests at the far touch; every interval it is canceled and
// reposted one tick further in the adverse direction (BUY up, SELL down)
// until it fills or a termination trips:
//
//   - the signal's remaining alpha decays below the floor (ALPHA_EXPIRED),
//   - the book imbalance turns against the order (OBI_WORSENING),
//   - the tick or wall-clock budget runs out (FILL_TIMEOUT).
//
// Fills accumulated across reposts are netted into one result.
type Chaser struct {
	gateway Gateway
	books   Books
	bus     *events.Bus
	cfg     config.ChaserConfig
	logger  *slog.Logger
}

func NewChaser(gateway Gateway, books Books, bus *events.Bus, cfg config.ChaserConfig, logger *slog.Logger) *Chaser {
	return &Chaser{
		gateway: gateway,
		books:   books,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "chaser"),
	}
}

func (s *Chaser) Name() string { return "limit_chaser" }

// chaseFills accumulates executions across the cancel/replace sequence.
type chaseFills struct {
	qty   decimal.Decimal
	value decimal.Decimal // sum of price*qty
}

func (f *chaseFills) add(order types.Order) {
	if order.FilledQty.IsPositive() {
		f.qty = f.qty.Add(order.FilledQty)
		f.value = f.value.Add(order.FilledQty.Mul(order.AvgFillPrice))
	}
}

func (f *chaseFills) avg() decimal.Decimal {
	if f.qty.IsZero() {
		return decimal.Zero
	}
	return f.value.Div(f.qty)
}

func (s *Chaser) Execute(ctx context.Context, req Request) (types.ExecutionResult, error) {
	sum, err := s.books.Summary(req.Symbol)
	if err != nil {
		return types.ExecutionResult{Status: types.ExecError, Reason: types.ReasonNoPriceData}, err
	}

	alpha := NewAlphaTracker(s.cfg, req.SignalType, req.UrgencyScore, req.AlphaHalfLifeMs)
	trend := newOBITrend(req.Side)
	trend.worsening(sum.OBI, sum.OBIValid) // seed the baseline

	tick := sum.TickSize
	price := crossingPrice(sum, req.Side)
	fills := &chaseFills{}

	order, err := s.place(ctx, req, price, req.Size, 0)
	if err != nil {
		return types.ExecutionResult{Status: types.ExecError, Reason: types.Code(err)}, err
	}

	started := time.Now()
	s.logger.Info("chase started",
		"symbol", req.Symbol, "side", req.Side, "price", price,
		"size", req.Size, "half_life", alpha.HalfLife(), "tick_size", tick)
	s.bus.Emit(events.ChaseStart, req.Symbol, req.SignalID, events.ChaseData{
		Price:          price,
		RemainingAlpha: alpha.Remaining(),
		OBI:            sum.OBI,
	})

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return s.settle(req, order, fills, types.ExecCanceled, types.ReasonAborted, nil)

		case <-ticker.C:
			ticks++
			elapsed := time.Since(started)

			cur, err := s.gateway.GetOrder(ctx, req.Symbol, order.OrderID)
			if err != nil {
				s.logger.Warn("chase status poll failed", "order_id", order.OrderID, "error", err)
				cur = order
			}
			if cur.Status == types.OrderFilled || cur.FilledQty.GreaterThanOrEqual(remaining(req, fills)) {
				fills.add(cur)
				s.emitChase(events.ChaseFilled, req, ticks, cur.Price, alpha, sum.OBI, elapsed)
				return s.filledResult(cur.OrderID, req, fills), nil
			}

			if ticks > s.cfg.MaxTicks || elapsed > s.cfg.MaxTime {
				s.emitChase(events.ChaseTimeout, req, ticks, cur.Price, alpha, sum.OBI, elapsed)
				return s.settle(req, cur, fills, types.ExecCanceled, types.ReasonFillTimeout, nil)
			}

			if alpha.Expired(s.cfg.MinAlpha) {
				s.emitChase(events.ChaseAlphaExpired, req, ticks, cur.Price, alpha, sum.OBI, elapsed)
				return s.settle(req, cur, fills, types.ExecCanceled, types.ReasonAlphaExpired, nil)
			}

			if fresh, err := s.books.Summary(req.Symbol); err == nil {
				sum = fresh
				if trend.worsening(sum.OBI, sum.OBIValid) {
					s.emitChase(events.ChaseOBIWorsening, req, ticks, cur.Price, alpha, sum.OBI, elapsed)
					return s.settle(req, cur, fills, types.ExecCanceled, types.ReasonOBIWorsening, nil)
				}
			} else {
				s.logger.Warn("book summary unavailable mid-chase", "symbol", req.Symbol, "error", err)
			}

			// Reprice one tick adversely and repost the remainder.
			if req.Side == types.BUY {
				price = price.Add(tick)
			} else {
				price = price.Sub(tick)
			}
			next, err := s.replace(ctx, req, cur, fills, price, ticks)
			if err != nil {
				if errors.Is(err, errChaseFilled) {
					s.emitChase(events.ChaseFilled, req, ticks, price, alpha, sum.OBI, elapsed)
					return s.filledResult(order.OrderID, req, fills), nil
				}
				return s.settle(req, types.Order{}, fills, types.ExecError, types.Code(err), err)
			}
			order = next
		}
	}
}

// errChaseFilled signals that the order filled inside the cancel race.
var errChaseFilled = errors.New("filled during replace")

func (s *Chaser) place(ctx context.Context, req Request, price, qty decimal.Decimal, seq int) (types.Order, error) {
	return s.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          types.OrderLimit,
		Price:         price,
		Qty:           qty,
		PostOnly:      true,
		ClientOrderID: fmt.Sprintf("%s-c%d", req.SignalID, seq),
	})
}

// replace cancels the resting order and reposts the remaining quantity at
// the new price, banking whatever filled before the cancel landed.
func (s *Chaser) replace(ctx context.Context, req Request, cur types.Order, fills *chaseFills, price decimal.Decimal, seq int) (types.Order, error) {
	err := s.gateway.CancelOrder(ctx, req.Symbol, cur.OrderID)
	if err != nil && !errors.Is(err, types.ErrBrokerRejected) {
		return types.Order{}, err
	}

	final, gerr := s.gateway.GetOrder(ctx, req.Symbol, cur.OrderID)
	if gerr != nil {
		// Cancel went through but the final read did not; bank what the
		// last poll saw rather than losing the fill entirely.
		s.logger.Warn("final read after cancel failed", "order_id", cur.OrderID, "error", gerr)
		final = cur
	}
	fills.add(final)

	rem := remaining(req, fills)
	if !rem.IsPositive() {
		return types.Order{}, errChaseFilled
	}
	return s.place(ctx, req, price, rem, seq)
}

func remaining(req Request, fills *chaseFills) decimal.Decimal {
	return req.Size.Sub(fills.qty)
}

// settle cancels whatever still rests and reports the chase outcome. Any
// banked quantity turns a cancellation into PARTIALLY_FILLED.
func (s *Chaser) settle(req Request, cur types.Order, fills *chaseFills, status types.ExecStatus, reason string, cause error) (types.ExecutionResult, error) {
	if cur.OrderID != "" && !cur.Status.IsTerminal() {
		ctx, cancel := context.WithTimeout(context.Background(), killGrace)
		defer cancel()

		if err := s.gateway.CancelOrder(ctx, req.Symbol, cur.OrderID); err != nil && !errors.Is(err, types.ErrBrokerRejected) {
			s.logger.Error("chase cancel failed, order may still rest",
				"order_id", cur.OrderID, "error", err)
		} else if final, err := s.gateway.GetOrder(ctx, req.Symbol, cur.OrderID); err == nil {
			fills.add(final)
		} else {
			fills.add(cur)
		}
	}

	if fills.qty.GreaterThanOrEqual(req.Size) {
		return s.filledResult(cur.OrderID, req, fills), cause
	}
	res := types.ExecutionResult{
		Status:        status,
		BrokerOrderID: cur.OrderID,
		Reason:        reason,
	}
	if fills.qty.IsPositive() {
		res.Status = types.ExecPartiallyFilled
		res.FillPrice = fills.avg()
		res.FillSize = fills.qty
	}
	return res, cause
}

func (s *Chaser) filledResult(orderID string, req Request, fills *chaseFills) types.ExecutionResult {
	return types.ExecutionResult{
		Status:        types.ExecFilled,
		BrokerOrderID: orderID,
		FillPrice:     fills.avg(),
		FillSize:      fills.qty,
	}
}

func (s *Chaser) emitChase(t events.Type, req Request, tick int, price decimal.Decimal, alpha *AlphaTracker, obi float64, elapsed time.Duration) {
	s.bus.Emit(t, req.Symbol, req.SignalID, events.ChaseData{
		Tick:           tick,
		Price:          price,
		RemainingAlpha: alpha.Remaining(),
		OBI:            obi,
		ElapsedMs:      elapsed.Milliseconds(),
	})
}
