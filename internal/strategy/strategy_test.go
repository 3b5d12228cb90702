package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/book"
	"perpexec/internal/config"
	"perpexec/internal/events"
	"perpexec/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

// stubGateway is an in-memory venue for strategy tests. Limit orders rest
// as NEW; market orders fill immediately at marketPrice. Tests override
// getOrder to script fills.
type stubGateway struct {
	mu       sync.Mutex
	placed   []types.OrderRequest
	canceled []string
	orders   map[string]types.Order

	marketPrice decimal.Decimal
	restMarket  bool // market orders ack as NEW instead of filling
	placeErr    error
	getOrder    func(symbol, orderID string) (types.Order, error)
	cancelErr   error
}

func newStubGateway() *stubGateway {
	return &stubGateway{orders: make(map[string]types.Order), marketPrice: d("100")}
}

func (g *stubGateway) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return types.Order{}, g.placeErr
	}
	g.placed = append(g.placed, req)

	order := types.Order{
		OrderID:       fmt.Sprintf("ord-%d", len(g.placed)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        types.OrderNew,
	}
	if req.Type == types.OrderMarket && !g.restMarket {
		order.Status = types.OrderFilled
		order.FilledQty = req.Qty
		order.AvgFillPrice = g.marketPrice
	}
	g.orders[order.OrderID] = order
	return order, nil
}

func (g *stubGateway) GetOrder(ctx context.Context, symbol, orderID string) (types.Order, error) {
	if g.getOrder != nil {
		return g.getOrder(symbol, orderID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orders[orderID], nil
}

func (g *stubGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, orderID)
	if g.cancelErr != nil {
		return g.cancelErr
	}
	if o, ok := g.orders[orderID]; ok && !o.Status.IsTerminal() {
		o.Status = types.OrderCanceled
		g.orders[orderID] = o
	}
	return nil
}

// setOrder overwrites scripted order state.
func (g *stubGateway) setOrder(order types.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[order.OrderID] = order
}

func (g *stubGateway) placedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

func (g *stubGateway) placedAt(i int) types.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placed[i]
}

func (g *stubGateway) canceledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.canceled...)
}

func (g *stubGateway) setMarketPrice(p decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marketPrice = p
}

// stubBooks replays a sequence of summaries; the last repeats.
type stubBooks struct {
	mu   sync.Mutex
	sums []book.Summary
	idx  int
	err  error
}

func (b *stubBooks) Summary(symbol string) (book.Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return book.Summary{}, b.err
	}
	i := b.idx
	if i >= len(b.sums) {
		i = len(b.sums) - 1
	} else {
		b.idx++
	}
	return b.sums[i], nil
}

func summaryAt(bid, ask string, obi float64) book.Summary {
	return book.Summary{
		Symbol:     "BTCUSDT",
		BestBid:    d(bid),
		BestBidQty: d("50"),
		BestAsk:    d(ask),
		BestAskQty: d("50"),
		OBI:        obi,
		OBIValid:   true,
		TickSize:   d("0.1"),
	}
}

func testBus(t *testing.T) (*events.Bus, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus(slog.Default())
	ch, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)
	return bus, ch
}

func eventTypes(ch <-chan events.Event) []events.Type {
	var out []events.Type
	for {
		select {
		case evt := <-ch:
			out = append(out, evt.Type)
		default:
			return out
		}
	}
}

func hasEvent(kinds []events.Type, want events.Type) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// awaitEvent blocks until an event of the wanted type arrives, discarding
// everything published before it.
func awaitEvent(t *testing.T, ch <-chan events.Event, want events.Type, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-ch:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return events.Event{}
		}
	}
}

// eventually polls cond until it holds or the timeout expires.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lokConfig() config.LOKConfig {
	return config.LOKConfig{WaitTime: 200 * time.Millisecond, PollInterval: 10 * time.Millisecond}
}

func chaserConfig() config.ChaserConfig {
	return config.ChaserConfig{
		Interval:      5 * time.Millisecond,
		MaxTicks:      100,
		MaxTime:       2 * time.Second,
		MinAlpha:      0.3,
		HalfLifeScalp: 10 * time.Second,
		HalfLifeDay:   30 * time.Second,
		HalfLifeSwing: 120 * time.Second,
	}
}

func buyRequest(size string) Request {
	return Request{
		SignalID:   "sig-1",
		Symbol:     "BTCUSDT",
		Side:       types.BUY,
		Size:       d(size),
		EntryPrice: d("100"),
		StopLoss:   d("95"),
		SignalType: types.SignalScalp,
	}
}
