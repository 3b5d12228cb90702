// Package strategy implements the order-placement algorithms the engine
// selects by phase mode:
//
//   - LimitOrKill: post-only at the best resting price, a hard deadline,
//     then cancel (Phase 1 MAKER).
//   - Chaser: post-only order repriced one tick adversely per interval,
//     abandoned when the signal's alpha decays or the book turns (MAKER
//     with a known alpha half-life).
//   - Taker: market order with fill confirmation (Phase 2/3 TAKER).
//
// Pyramid is not an entry strategy: it watches ticks after a fill and
// stacks decaying taker layers onto positions that move in favor.
//
// Strategies place entry orders only. Protective stops and take-profits
// happen after the fill, outside this package.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"

	"perpexec/internal/book"
	"perpexec/pkg/types"
)

// Request is one sized entry order handed to a strategy.
type Request struct {
	SignalID string
	Symbol   string
	Side     types.OrderSide
	Size     decimal.Decimal

	// Entry reference from the signal; strategies quote from the live
	// book, this is context for logs and results.
	EntryPrice decimal.Decimal

	StopLoss    decimal.Decimal
	TakeProfits []decimal.Decimal

	SignalType      types.SignalType
	UrgencyScore    float64
	AlphaHalfLifeMs *int64
}

// Strategy is the common execution contract. Execute blocks until the order
// reaches a terminal outcome or ctx is canceled; cancellation is honored at
// the next poll or repricing boundary and cancels any resting order.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, req Request) (types.ExecutionResult, error)
}

// Gateway is the slice of the broker gateway strategies drive.
type Gateway interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (types.Order, error)
}

// Books provides point-in-time order book snapshots.
type Books interface {
	Summary(symbol string) (book.Summary, error)
}

// restingPrice is where a passive order sits without crossing: the best bid
// for a BUY, the best ask for a SELL.
func restingPrice(sum book.Summary, side types.OrderSide) decimal.Decimal {
	if side == types.BUY {
		return sum.BestBid
	}
	return sum.BestAsk
}

// crossingPrice is the far touch a chase starts from: the best ask for a
// BUY, the best bid for a SELL.
func crossingPrice(sum book.Summary, side types.OrderSide) decimal.Decimal {
	if side == types.BUY {
		return sum.BestAsk
	}
	return sum.BestBid
}

// fillResult assembles the terminal result for a (fully or partially)
// filled order. A partial fill of the entire requested size counts as
// FILLED; venues report it that way after cancel races.
func fillResult(order types.Order, requested decimal.Decimal, reason string) types.ExecutionResult {
	status := types.ExecPartiallyFilled
	if order.FilledQty.GreaterThanOrEqual(requested) || order.Status == types.OrderFilled {
		status = types.ExecFilled
		reason = ""
	}
	return types.ExecutionResult{
		Status:        status,
		BrokerOrderID: order.OrderID,
		FillPrice:     order.AvgFillPrice,
		FillSize:      order.FilledQty,
		Reason:        reason,
	}
}
