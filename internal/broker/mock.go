package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perpexec/pkg/types"
)

// Mock is an in-memory Adapter for tests and the mock venue mode. Fill
// behavior is driven by knobs so strategy tests can script resting orders,
// delayed fills, and partial fills.
type Mock struct {
	mu        sync.Mutex
	orders    map[string]types.Order
	positions map[string]types.BrokerPosition
	account   types.Account

	// Knobs, set before use.
	SimulateFills bool            // fill placed orders (after FillDelay) instead of resting them
	FillDelay     time.Duration   // delay before a simulated fill lands
	FillRatio     decimal.Decimal // fraction of qty filled; 1 or zero value means full fill
	FailNext      error           // returned by the next mutating call, then cleared
}

// NewMock creates a mock venue with the given starting equity.
func NewMock(equity decimal.Decimal) *Mock {
	return &Mock{
		orders:    make(map[string]types.Order),
		positions: make(map[string]types.BrokerPosition),
		account:   types.Account{Equity: equity, Cash: equity},
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

// PlaceOrder rests the order as NEW, or fills it per the knobs.
func (m *Mock) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return types.Order{}, err
	}

	now := time.Now()
	order := types.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        types.OrderNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if m.SimulateFills {
		if m.FillDelay > 0 {
			id := order.OrderID
			time.AfterFunc(m.FillDelay, func() { m.fill(id) })
		} else {
			order = m.filled(order)
		}
	}

	m.orders[order.OrderID] = order
	return order, nil
}

// filled applies the fill knobs to an order. Partial ratios leave the order
// in PARTIALLY_FILLED.
func (m *Mock) filled(order types.Order) types.Order {
	fillQty := order.Qty
	status := types.OrderFilled
	if m.FillRatio.IsPositive() && m.FillRatio.LessThan(decimal.NewFromInt(1)) {
		fillQty = order.Qty.Mul(m.FillRatio)
		status = types.OrderPartiallyFilled
	}
	order.FilledQty = fillQty
	order.AvgFillPrice = order.Price
	order.Status = status
	order.UpdatedAt = time.Now()
	return order
}

func (m *Mock) fill(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return
	}
	m.orders[orderID] = m.filled(order)
}

// CancelOrder cancels a resting order; cancelling a terminal order is a
// logical rejection, matching real venue behavior.
func (m *Mock) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found: %w", orderID, types.ErrBrokerRejected)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %s already %s: %w", orderID, order.Status, types.ErrBrokerRejected)
	}
	order.Status = types.OrderCanceled
	order.UpdatedAt = time.Now()
	m.orders[orderID] = order
	return nil
}

func (m *Mock) GetOrder(ctx context.Context, symbol, orderID string) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, fmt.Errorf("order %s not found: %w", orderID, types.ErrBrokerRejected)
	}
	return order, nil
}

func (m *Mock) GetAccount(ctx context.Context) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account, nil
}

func (m *Mock) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.BrokerPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

// OpenInterest returns a synthetic figure so the diagnostics endpoint works
// against the mock venue.
func (m *Mock) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}

// Candles returns flat synthetic bars.
func (m *Mock) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	out := make([]types.Candle, 0, limit)
	price := decimal.NewFromInt(100)
	start := time.Now().Add(-time.Duration(limit) * time.Minute)
	for i := 0; i < limit; i++ {
		out = append(out, types.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   decimal.NewFromInt(10),
		})
	}
	return out, nil
}

// SetEquity adjusts the reported account equity.
func (m *Mock) SetEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account.Equity = equity
	m.account.Cash = equity
}

// SetPosition installs or replaces a venue-side position.
func (m *Mock) SetPosition(p types.BrokerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.Symbol] = p
}

// RemovePosition deletes a venue-side position.
func (m *Mock) RemovePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// UpdateOrder rewrites a stored order, letting tests script fill sequences.
func (m *Mock) UpdateOrder(order types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.OrderID] = order
}
