package strategy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

// killGrace bounds the best-effort cancel issued after the caller's
// context is already gone.
const killGrace = 5 * time.Second

// LimitOrKill places a single post-only limit at the best resting price and
// gives it a fixed window to fill. At the deadline the order is canceled and
// the outcome reported: FILLED, PARTIALLY_FILLED with the residual, or
// MISSED_ENTRY with a price-movement diagnostic.
type LimitOrKill struct {
	gateway Gateway
	books   Books
	cfg     config.LOKConfig
	logger  *slog.Logger
}

func NewLimitOrKill(gateway Gateway, books Books, cfg config.LOKConfig, logger *slog.Logger) *LimitOrKill {
	return &LimitOrKill{
		gateway: gateway,
		books:   books,
		cfg:     cfg,
		logger:  logger.With("component", "limit_or_kill"),
	}
}

func (s *LimitOrKill) Name() string { return "limit_or_kill" }

func (s *LimitOrKill) Execute(ctx context.Context, req Request) (types.ExecutionResult, error) {
	sum, err := s.books.Summary(req.Symbol)
	if err != nil {
		return types.ExecutionResult{Status: types.ExecError, Reason: types.ReasonNoPriceData}, err
	}
	price := restingPrice(sum, req.Side)
	bidAtEntry := sum.BestBid

	order, err := s.gateway.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          types.OrderLimit,
		Price:         price,
		Qty:           req.Size,
		PostOnly:      true,
		ClientOrderID: req.SignalID,
	})
	if err != nil {
		return types.ExecutionResult{Status: types.ExecError, Reason: types.Code(err)}, err
	}

	s.logger.Info("resting order placed",
		"symbol", req.Symbol, "side", req.Side, "price", price,
		"size", req.Size, "order_id", order.OrderID, "window", s.cfg.WaitTime)

	deadline := time.Now().Add(s.cfg.WaitTime)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, err := s.kill(req.Symbol, order.OrderID)
			if err != nil {
				return types.ExecutionResult{Status: types.ExecError, Reason: types.Code(err)}, err
			}
			if final.FilledQty.IsPositive() {
				return fillResult(final, req.Size, types.ReasonAborted), nil
			}
			return types.ExecutionResult{
				Status:        types.ExecCanceled,
				BrokerOrderID: order.OrderID,
				Reason:        types.ReasonAborted,
			}, nil

		case now := <-ticker.C:
			cur, err := s.gateway.GetOrder(ctx, req.Symbol, order.OrderID)
			if err != nil {
				s.logger.Warn("order status poll failed", "order_id", order.OrderID, "error", err)
			} else {
				if cur.Status == types.OrderFilled {
					return fillResult(cur, req.Size, ""), nil
				}
				// The venue killed the post-only order itself (it would
				// have crossed): the entry is gone.
				if cur.Status.IsTerminal() {
					if cur.FilledQty.IsPositive() {
						return fillResult(cur, req.Size, ""), nil
					}
					return s.missed(req, cur, bidAtEntry), nil
				}
			}

			if !now.Before(deadline) {
				final, err := s.kill(req.Symbol, order.OrderID)
				if err != nil {
					return types.ExecutionResult{Status: types.ExecError, Reason: types.Code(err)}, err
				}
				if final.FilledQty.IsPositive() {
					return fillResult(final, req.Size, types.ReasonFillTimeout), nil
				}
				return s.missed(req, final, bidAtEntry), nil
			}
		}
	}
}

// kill cancels the resting order and fetches its final state. A rejected
// cancel usually means the order filled in the race; the follow-up read
// settles it either way.
func (s *LimitOrKill) kill(symbol, orderID string) (types.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()

	if err := s.gateway.CancelOrder(ctx, symbol, orderID); err != nil && !errors.Is(err, types.ErrBrokerRejected) {
		return types.Order{}, err
	}
	return s.gateway.GetOrder(ctx, symbol, orderID)
}

// missed builds the MISSED_ENTRY outcome with the placement-time bid and
// the bid now, so the caller can see how far price ran.
func (s *LimitOrKill) missed(req Request, order types.Order, bidAtEntry decimal.Decimal) types.ExecutionResult {
	diag := &types.MissDiagnostic{BidAtEntry: bidAtEntry}
	if sum, err := s.books.Summary(req.Symbol); err == nil {
		diag.CurrentBid = sum.BestBid
		if bidAtEntry.IsPositive() {
			move, _ := sum.BestBid.Sub(bidAtEntry).
				Div(bidAtEntry).Mul(decimal.NewFromInt(100)).Float64()
			diag.PriceMovementPct = move
		}
	}

	s.logger.Info("entry missed",
		"symbol", req.Symbol, "side", req.Side,
		"bid_at_entry", diag.BidAtEntry, "current_bid", diag.CurrentBid,
		"movement_pct", diag.PriceMovementPct)

	return types.ExecutionResult{
		Status:        types.ExecMissedEntry,
		BrokerOrderID: order.OrderID,
		Reason:        types.ReasonPriceRanAway,
		Diagnostic:    diag,
	}
}
