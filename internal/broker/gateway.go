package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

// Gateway wraps an Adapter with rate limiting, transient-error retry, and
// dry-run simulation. All engine code talks to the venue through it.
type Gateway struct {
	adapter Adapter
	bucket  *TokenBucket
	cfg     config.BrokerConfig
	acquire time.Duration
	dryRun  bool
	logger  *slog.Logger

	dryMu     sync.Mutex
	dryOrders map[string]types.Order // orders fabricated in dry-run mode
}

// NewGateway builds the gateway in front of the given adapter.
func NewGateway(adapter Adapter, cfg config.BrokerConfig, rl config.RateLimitConfig, dryRun bool, logger *slog.Logger) *Gateway {
	return &Gateway{
		adapter:   adapter,
		bucket:    NewTokenBucket(rl.Capacity, rl.RefillPerSec),
		cfg:       cfg,
		acquire:   rl.AcquireTimeout,
		dryRun:    dryRun,
		logger:    logger.With("component", "broker", "venue", adapter.Name()),
		dryOrders: make(map[string]types.Order),
	}
}

// Name reports the configured venue.
func (g *Gateway) Name() string { return g.adapter.Name() }

// call runs one venue operation with a token per attempt and linear backoff
// between transient failures. Rejections return immediately.
func (g *Gateway) call(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.bucket.Acquire(ctx, g.acquire); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, types.ErrBrokerTransient) {
			return lastErr
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}

		wait := g.cfg.RetryWait * time.Duration(attempt)
		g.logger.Warn("transient venue error, retrying",
			"op", op, "attempt", attempt, "wait", wait, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}

// PlaceOrder submits an order. In dry-run mode the order is fabricated as an
// optimistic immediate fill at the request price and never leaves the
// process; subsequent GetOrder and CancelOrder calls resolve against the
// fabricated order.
func (g *Gateway) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	if g.dryRun {
		now := time.Now()
		order := types.Order{
			OrderID:       "dry-" + uuid.NewString(),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Price:         req.Price,
			Qty:           req.Qty,
			FilledQty:     req.Qty,
			AvgFillPrice:  req.Price,
			Status:        types.OrderFilled,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		g.dryMu.Lock()
		g.dryOrders[order.OrderID] = order
		g.dryMu.Unlock()
		g.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"price", req.Price, "qty", req.Qty)
		return order, nil
	}

	var order types.Order
	err := g.call(ctx, "place_order", func() error {
		var err error
		order, err = g.adapter.PlaceOrder(ctx, req)
		return err
	})
	return order, err
}

// CancelOrder cancels an open order.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if g.dryRun {
		g.dryMu.Lock()
		if o, ok := g.dryOrders[orderID]; ok && !o.Status.IsTerminal() {
			o.Status = types.OrderCanceled
			g.dryOrders[orderID] = o
		}
		g.dryMu.Unlock()
		g.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}

	return g.call(ctx, "cancel_order", func() error {
		return g.adapter.CancelOrder(ctx, symbol, orderID)
	})
}

// GetOrder fetches the current state of an order.
func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (types.Order, error) {
	if g.dryRun {
		g.dryMu.Lock()
		o, ok := g.dryOrders[orderID]
		g.dryMu.Unlock()
		if ok {
			return o, nil
		}
		return types.Order{}, fmt.Errorf("unknown dry-run order %s: %w", orderID, types.ErrBrokerRejected)
	}

	var order types.Order
	err := g.call(ctx, "get_order", func() error {
		var err error
		order, err = g.adapter.GetOrder(ctx, symbol, orderID)
		return err
	})
	return order, err
}

// GetAccount fetches the account snapshot. Reads pass through in dry-run so
// phase management tracks real equity.
func (g *Gateway) GetAccount(ctx context.Context) (types.Account, error) {
	var acct types.Account
	err := g.call(ctx, "get_account", func() error {
		var err error
		acct, err = g.adapter.GetAccount(ctx)
		return err
	})
	return acct, err
}

// GetPositions fetches all open venue positions.
func (g *Gateway) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	var positions []types.BrokerPosition
	err := g.call(ctx, "get_positions", func() error {
		var err error
		positions, err = g.adapter.GetPositions(ctx)
		return err
	})
	return positions, err
}

// ReplaceStop moves a protective stop by cancel-and-replace. A cancel
// rejection means the old stop is already gone (filled or swept) and is
// tolerated; the replacement is placed either way.
func (g *Gateway) ReplaceStop(ctx context.Context, symbol string, positionSide types.Side, qty, newStop decimal.Decimal, oldOrderID string) (types.Order, error) {
	if oldOrderID != "" {
		if err := g.CancelOrder(ctx, symbol, oldOrderID); err != nil {
			if !errors.Is(err, types.ErrBrokerRejected) {
				return types.Order{}, fmt.Errorf("cancel old stop: %w", err)
			}
			g.logger.Warn("old stop already gone", "symbol", symbol, "order_id", oldOrderID)
		}
	}

	// A stop on a LONG sells; on a SHORT it buys back.
	return g.PlaceOrder(ctx, types.OrderRequest{
		Symbol:     symbol,
		Side:       positionSide.Opposite().OrderSide(),
		Type:       types.OrderStopMarket,
		Price:      newStop,
		Qty:        qty,
		ReduceOnly: true,
	})
}

// OpenInterest surfaces the optional adapter capability.
func (g *Gateway) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := g.adapter.(OpenInterestProvider)
	if !ok {
		return decimal.Zero, fmt.Errorf("venue %s: open interest: %w", g.adapter.Name(), types.ErrNotSupported)
	}
	var oi decimal.Decimal
	err := g.call(ctx, "open_interest", func() error {
		var err error
		oi, err = p.OpenInterest(ctx, symbol)
		return err
	})
	return oi, err
}

// Candles surfaces the optional adapter capability.
func (g *Gateway) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	p, ok := g.adapter.(OHLCVProvider)
	if !ok {
		return nil, fmt.Errorf("venue %s: candles: %w", g.adapter.Name(), types.ErrNotSupported)
	}
	var out []types.Candle
	err := g.call(ctx, "candles", func() error {
		var err error
		out, err = p.Candles(ctx, symbol, interval, limit)
		return err
	})
	return out, err
}
