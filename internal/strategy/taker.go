package strategy

import (
	"context"
	"log/slog"
	"time"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

// Taker crosses the spread with a market order and confirms the fill. Most
// venues report market orders FILLED synchronously; the poll loop covers the
// ones that ack first and fill a moment later.
type Taker struct {
	gateway Gateway
	cfg     config.LOKConfig // reuses the poll cadence knobs
	logger  *slog.Logger
}

func NewTaker(gateway Gateway, cfg config.LOKConfig, logger *slog.Logger) *Taker {
	return &Taker{
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With("component", "taker"),
	}
}

func (s *Taker) Name() string { return "taker" }

func (s *Taker) Execute(ctx context.Context, req Request) (types.ExecutionResult, error) {
	order, err := s.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          types.OrderMarket,
		Price:         req.EntryPrice, // reference only, not sent to the venue
		Qty:           req.Size,
		ClientOrderID: req.SignalID,
	})
	if err != nil {
		return types.ExecutionResult{Status: types.ExecError, Reason: types.Code(err)}, err
	}
	if order.Status.IsTerminal() {
		return s.terminal(order, req), nil
	}

	deadline := time.Now().Add(s.cfg.WaitTime)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// A market order cannot be recalled; report what is known.
			cur, err := s.lastKnown(req.Symbol, order)
			if err == nil && cur.FilledQty.IsPositive() {
				return fillResult(cur, req.Size, types.ReasonAborted), nil
			}
			return types.ExecutionResult{
				Status:        types.ExecCanceled,
				BrokerOrderID: order.OrderID,
				Reason:        types.ReasonAborted,
			}, nil

		case now := <-ticker.C:
			cur, err := s.gateway.GetOrder(ctx, req.Symbol, order.OrderID)
			if err != nil {
				s.logger.Warn("fill confirmation poll failed", "order_id", order.OrderID, "error", err)
				cur = order
			} else if cur.Status.IsTerminal() {
				return s.terminal(cur, req), nil
			}

			if now.After(deadline) {
				if cur.FilledQty.IsPositive() {
					return fillResult(cur, req.Size, types.ReasonFillTimeout), nil
				}
				return types.ExecutionResult{
					Status:        types.ExecCanceled,
					BrokerOrderID: order.OrderID,
					Reason:        types.ReasonFillTimeout,
				}, nil
			}
		}
	}
}

func (s *Taker) terminal(order types.Order, req Request) types.ExecutionResult {
	if order.FilledQty.IsPositive() {
		return fillResult(order, req.Size, "")
	}
	// Zero-fill terminal market order: the venue rejected or killed it.
	return types.ExecutionResult{
		Status:        types.ExecError,
		BrokerOrderID: order.OrderID,
		Reason:        types.Code(types.ErrBrokerRejected),
	}
}

func (s *Taker) lastKnown(symbol string, order types.Order) (types.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	return s.gateway.GetOrder(ctx, symbol, order.OrderID)
}
