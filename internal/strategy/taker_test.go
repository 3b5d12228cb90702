package strategy

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"perpexec/pkg/types"
)

func newTestTaker(gw *stubGateway) *Taker {
	return NewTaker(gw, lokConfig(), slog.Default())
}

func TestTakerImmediateFill(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	gw.marketPrice = d("100.05")

	res, err := newTestTaker(gw).Execute(context.Background(), buyRequest("2"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != types.ExecFilled {
		t.Fatalf("status = %s, want FILLED", res.Status)
	}
	if !res.FillPrice.Equal(d("100.05")) || !res.FillSize.Equal(d("2")) {
		t.Errorf("fill = %s @ %s, want 2 @ 100.05", res.FillSize, res.FillPrice)
	}
	if got := gw.placedAt(0).Type; got != types.OrderMarket {
		t.Errorf("order type = %s, want MARKET", got)
	}
}

func TestTakerConfirmsDelayedFill(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	gw.restMarket = true

	polls := 0
	gw.getOrder = func(symbol, orderID string) (types.Order, error) {
		polls++
		o := types.Order{OrderID: orderID, Qty: d("2"), Status: types.OrderNew}
		if polls >= 2 {
			o.Status = types.OrderFilled
			o.FilledQty = d("2")
			o.AvgFillPrice = d("100.2")
		}
		return o, nil
	}

	res, err := newTestTaker(gw).Execute(context.Background(), buyRequest("2"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != types.ExecFilled || !res.FillPrice.Equal(d("100.2")) {
		t.Errorf("result = %+v, want FILLED @ 100.2", res)
	}
}

func TestTakerZeroFillTerminalIsError(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	gw.restMarket = true

	gw.getOrder = func(symbol, orderID string) (types.Order, error) {
		return types.Order{OrderID: orderID, Status: types.OrderRejected}, nil
	}

	res, err := newTestTaker(gw).Execute(context.Background(), buyRequest("2"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != types.ExecError {
		t.Fatalf("status = %s, want ERROR for a dead market order", res.Status)
	}
	if res.Reason != types.Code(types.ErrBrokerRejected) {
		t.Errorf("reason = %q, want BROKER_REJECTED", res.Reason)
	}
}

func TestTakerPlacementFailure(t *testing.T) {
	t.Parallel()
	gw := newStubGateway()
	gw.placeErr = types.ErrBrokerTransient

	res, err := newTestTaker(gw).Execute(context.Background(), buyRequest("2"))
	if !errors.Is(err, types.ErrBrokerTransient) {
		t.Fatalf("err = %v, want the gateway failure", err)
	}
	if res.Status != types.ExecError {
		t.Errorf("status = %s, want ERROR", res.Status)
	}
}
