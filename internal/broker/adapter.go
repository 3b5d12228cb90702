// Package broker is the single gateway between the engine and the exchange.
//
// Every outbound call flows through Gateway, which enforces the process-wide
// token bucket and retries transient failures (network or venue hiccups)
// with backoff; logical rejections are never retried. A dry-run mode
// simulates mutating calls without touching the venue. The venue-specific
// wire formats live in the Adapter implementations (mock, bybit, binance);
// nothing above this package knows which venue is configured.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

// Adapter is the venue-facing surface the Gateway drives. Implementations
// wrap errors with types.ErrBrokerRejected for logical refusals and
// types.ErrBrokerTransient for anything worth retrying.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (types.Order, error)
	GetAccount(ctx context.Context) (types.Account, error)
	GetPositions(ctx context.Context) ([]types.BrokerPosition, error)
}

// OpenInterestProvider is an optional adapter capability surfaced on the
// market diagnostics endpoint.
type OpenInterestProvider interface {
	OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OHLCVProvider is an optional adapter capability for historical candles.
type OHLCVProvider interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
}

// NewAdapter selects the venue implementation by configured name. The mock
// venue starts with a small Phase-1 bankroll.
func NewAdapter(cfg config.BrokerConfig, logger *slog.Logger) (Adapter, error) {
	switch cfg.Name {
	case "mock":
		mock := NewMock(decimal.NewFromInt(500))
		mock.SimulateFills = true
		return mock, nil
	case "bybit":
		return NewBybit(cfg, logger), nil
	case "binance":
		return NewBinance(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Name)
	}
}
