package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"testing"
	"time"

	"perpexec/internal/book"
	"perpexec/pkg/types"
)

func newLOK(gw *stubGateway, books *stubBooks) *LimitOrKill {
	return NewLimitOrKill(gw, books, lokConfig(), slog.Default())
}

func TestLOKRestsAtBestBidAndFills(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	books := &stubBooks{sums: []book.Summary{summaryAt("100", "100.1", 2.0)}}

	polls := 0
	gw.getOrder = func(symbol, orderID string) (types.Order, error) {
		polls++
		o := types.Order{OrderID: orderID, Price: d("100"), Qty: d("1"), Status: types.OrderNew}
		if polls >= 3 {
			o.Status = types.OrderFilled
			o.FilledQty = d("1")
			o.AvgFillPrice = d("100")
		}
		return o, nil
	}

	res, err := newLOK(gw, books).Execute(context.Background(), buyRequest("1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != types.ExecFilled {
		t.Fatalf("status = %s, want FILLED", res.Status)
	}
	if !res.FillPrice.Equal(d("100")) || !res.FillSize.Equal(d("1")) {
		t.Errorf("fill = %s @ %s, want 1 @ 100", res.FillSize, res.FillPrice)
	}

	placed := gw.placedAt(0)
	if !placed.Price.Equal(d("100")) {
		t.Errorf("rested at %s, want best bid 100", placed.Price)
	}
	if !placed.PostOnly || placed.Type != types.OrderLimit {
		t.Errorf("order = %+v, want post-only limit", placed)
	}
	if n := len(gw.canceledIDs()); n != 0 {
		t.Errorf("cancels on a clean fill = %d, want 0", n)
	}
}

func TestLOKSellRestsAtBestAsk(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	books := &stubBooks{sums: []book.Summary{summaryAt("100", "100.1", 2.0)}}

	req := buyRequest("1")
	req.Side = types.SELL
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	newLOK(gw, books).Execute(ctx, req)

	if !gw.placedAt(0).Price.Equal(d("100.1")) {
		t.Errorf("rested at %s, want best ask 100.1", gw.placedAt(0).Price)
	}
}

func TestLOKMissedEntryAtDeadline(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	books := &stubBooks{sums: []book.Summary{
		summaryAt("100", "100.1", 2.0), // at placement
		summaryAt("101", "101.1", 2.0), // after the window: price ran 1%
	}}

	start := time.Now()
	res, err := newLOK(gw, books).Execute(context.Background(), buyRequest("1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.Status != types.ExecMissedEntry {
		t.Fatalf("status = %s, want MISSED_ENTRY", res.Status)
	}
	if res.Reason != types.ReasonPriceRanAway {
		t.Errorf("reason = %q, want %q", res.Reason, types.ReasonPriceRanAway)
	}
	if res.Diagnostic == nil {
		t.Fatal("missing diagnostic")
	}
	if !res.Diagnostic.BidAtEntry.Equal(d("100")) || !res.Diagnostic.CurrentBid.Equal(d("101")) {
		t.Errorf("diagnostic bids = %s -> %s, want 100 -> 101",
			res.Diagnostic.BidAtEntry, res.Diagnostic.CurrentBid)
	}
	if math.Abs(res.Diagnostic.PriceMovementPct-1.0) > 1e-9 {
		t.Errorf("movement = %v%%, want 1%%", res.Diagnostic.PriceMovementPct)
	}

	if elapsed := time.Since(start); elapsed < lokConfig().WaitTime {
		t.Errorf("gave up after %s, before the %s window", elapsed, lokConfig().WaitTime)
	}
	if n := len(gw.canceledIDs()); n != 1 {
		t.Errorf("cancels = %d, want 1", n)
	}
}

func TestLOKPartialAtDeadline(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	books := &stubBooks{sums: []book.Summary{summaryAt("100", "100.1", 2.0)}}

	gw.getOrder = func(symbol, orderID string) (types.Order, error) {
		gw.mu.Lock()
		o := gw.orders[orderID]
		gw.mu.Unlock()
		o.FilledQty = d("0.4")
		o.AvgFillPrice = o.Price
		return o, nil
	}

	res, err := newLOK(gw, books).Execute(context.Background(), buyRequest("1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != types.ExecPartiallyFilled {
		t.Fatalf("status = %s, want PARTIALLY_FILLED", res.Status)
	}
	if !res.FillSize.Equal(d("0.4")) {
		t.Errorf("fill size = %s, want 0.4", res.FillSize)
	}
	if res.Reason != types.ReasonFillTimeout {
		t.Errorf("reason = %q, want %q", res.Reason, types.ReasonFillTimeout)
	}
}

func TestLOKPartialOfFullSizeIsFilled(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	books := &stubBooks{sums: []book.Summary{summaryAt("100", "100.1", 2.0)}}

	// The venue reports the full quantity executed but the status update
	// lags; the cancel at the deadline settles it as a complete fill.
	gw.getOrder = func(symbol, orderID string) (types.Order, error) {
		gw.mu.Lock()
		o := gw.orders[orderID]
		gw.mu.Unlock()
		o.FilledQty = d("1")
		o.AvgFillPrice = o.Price
		return o, nil
	}

	res, err := newLOK(gw, books).Execute(context.Background(), buyRequest("1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != types.ExecFilled {
		t.Fatalf("status = %s, want FILLED for a full-size partial", res.Status)
	}
	if res.Reason != "" {
		t.Errorf("reason = %q, want empty on a full fill", res.Reason)
	}
}

func TestLOKNoMarketData(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	books := &stubBooks{err: types.ErrNoMarketData}

	res, err := newLOK(gw, books).Execute(context.Background(), buyRequest("1"))
	if err == nil {
		t.Fatal("missing book accepted")
	}
	if res.Status != types.ExecError || res.Reason != types.ReasonNoPriceData {
		t.Errorf("result = %+v, want ERROR/NO_PRICE_DATA", res)
	}
	if gw.placedCount() != 0 {
		t.Errorf("orders placed without market data = %d", gw.placedCount())
	}
}

func TestLOKAbortCancelsRestingOrder(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	books := &stubBooks{sums: []book.Summary{summaryAt("100", "100.1", 2.0)}}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	res, err := newLOK(gw, books).Execute(ctx, buyRequest("1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != types.ExecCanceled || res.Reason != types.ReasonAborted {
		t.Fatalf("result = %+v, want CANCELED/ABORTED", res)
	}
	if n := len(gw.canceledIDs()); n != 1 {
		t.Errorf("cancels = %d, want 1", n)
	}
}

func TestLOKCancelRaceSettlesAsFill(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	books := &stubBooks{sums: []book.Summary{summaryAt("100", "100.1", 2.0)}}

	// The cancel at the deadline arrives too late: the order filled in
	// the race. NEW while polling, FILLED on any read after the cancel
	// attempt.
	gw.cancelErr = fmt.Errorf("order already done: %w", types.ErrBrokerRejected)
	gw.getOrder = func(symbol, orderID string) (types.Order, error) {
		o := types.Order{OrderID: orderID, Price: d("100"), Qty: d("1"), Status: types.OrderNew}
		if len(gw.canceledIDs()) > 0 {
			o.Status = types.OrderFilled
			o.FilledQty = d("1")
			o.AvgFillPrice = d("100")
		}
		return o, nil
	}

	res, err := newLOK(gw, books).Execute(context.Background(), buyRequest("1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != types.ExecFilled {
		t.Fatalf("status = %s, want FILLED after cancel race", res.Status)
	}
}
