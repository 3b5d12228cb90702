// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution core: signals,
// intents, positions, broker orders, and execution results. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ----------------------------------------------------------------------------
// Core enums
// ----------------------------------------------------------------------------

// Side represents the direction of a position: LONG or SHORT.
type Side string

const (
	LONG  Side = "LONG"
	SHORT Side = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT, the multiplier used in PnL math.
func (s Side) Sign() int {
	if s == SHORT {
		return -1
	}
	return 1
}

// Opposite returns the closing direction for the side.
func (s Side) Opposite() Side {
	if s == LONG {
		return SHORT
	}
	return LONG
}

// OrderSide converts a position side into the order side that opens it.
func (s Side) OrderSide() OrderSide {
	if s == SHORT {
		return SELL
	}
	return BUY
}

// SideFromDirection maps a signal direction (+1/-1) to a position side.
func SideFromDirection(direction int) Side {
	if direction < 0 {
		return SHORT
	}
	return LONG
}

// OrderSide represents the direction of an order: BUY or SELL.
type OrderSide string

const (
	BUY  OrderSide = "BUY"
	SELL OrderSide = "SELL"
)

// SignalKind is the phased signaling protocol verb carried by a signal.
type SignalKind string

const (
	SignalPrepare SignalKind = "PREPARE"
	SignalConfirm SignalKind = "CONFIRM"
	SignalAbort   SignalKind = "ABORT"
)

// SignalType classifies the holding horizon of a trade intent. The phase
// manager gates which types are executable; the limit chaser derives its
// default alpha half-life from it.
type SignalType string

const (
	SignalScalp SignalType = "SCALP"
	SignalDay   SignalType = "DAY"
	SignalSwing SignalType = "SWING"
)

// IntentStatus tracks an intent through its lifecycle. Transitions are
// monotone: PENDING → VALIDATED → {EXECUTING → {FILLED | CANCELED}} | REJECTED.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentRejected  IntentStatus = "REJECTED"
	IntentExecuting IntentStatus = "EXECUTING"
	IntentFilled    IntentStatus = "FILLED"
	IntentCanceled  IntentStatus = "CANCELED"
)

// CanTransition reports whether moving from s to next is a forward edge in the
// intent lifecycle DAG. Terminal states have no outgoing edges.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	switch s {
	case IntentPending:
		return next == IntentValidated || next == IntentRejected || next == IntentCanceled
	case IntentValidated:
		return next == IntentExecuting || next == IntentRejected || next == IntentCanceled
	case IntentExecuting:
		return next == IntentFilled || next == IntentCanceled
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the intent lifecycle.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentFilled || s == IntentCanceled || s == IntentRejected
}

// OrderType enumerates the broker order types the gateway places.
type OrderType string

const (
	OrderLimit      OrderType = "LIMIT"
	OrderMarket     OrderType = "MARKET"
	OrderStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the broker will never mutate this order again.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// ExecutionMode selects passive (post-only) or aggressive (crossing) placement.
type ExecutionMode string

const (
	ModeMaker ExecutionMode = "MAKER"
	ModeTaker ExecutionMode = "TAKER"
)

// ExecStatus is the terminal outcome of an execution strategy run.
type ExecStatus string

const (
	ExecFilled          ExecStatus = "FILLED"
	ExecPartiallyFilled ExecStatus = "PARTIALLY_FILLED"
	ExecMissedEntry     ExecStatus = "MISSED_ENTRY"
	ExecCanceled        ExecStatus = "CANCELED"
	ExecError           ExecStatus = "ERROR"
)

// ----------------------------------------------------------------------------
// Signals
// ----------------------------------------------------------------------------

// RegimeVector is the market-regime context attached to every signal by the
// upstream strategy generator. RegimeState +1 is Risk-On, -1 Risk-Off.
type RegimeVector struct {
	Trend               int     `json:"trend"`        // -1, 0, +1
	Vol                 int     `json:"vol"`          // -1, 0, +1
	RegimeState         int     `json:"regime_state"` // -1, 0, +1
	StructureScore      float64 `json:"structure_score"`
	MomentumScore       float64 `json:"momentum_score"`
	ModelRecommendation string  `json:"model_recommendation,omitempty"`
}

// Signal is a trade intent received from the strategy source. It is
// constructed by ingress from the authenticated payload and immutable
// thereafter.
type Signal struct {
	SignalID        string            `json:"signal_id"`
	Kind            SignalKind        `json:"type"`
	Symbol          string            `json:"symbol"`
	Direction       int               `json:"direction"` // +1 long, -1 short
	EntryZone       []decimal.Decimal `json:"entry_zone,omitempty"`
	StopLoss        decimal.Decimal   `json:"stop_loss"`
	TakeProfits     []decimal.Decimal `json:"take_profits,omitempty"`
	Size            decimal.Decimal   `json:"size,omitempty"` // optional upstream size hint
	SignalType      SignalType        `json:"signal_type"`
	UrgencyScore    int               `json:"urgency_score"`
	AlphaHalfLifeMs *int64            `json:"alpha_half_life_ms,omitempty"`
	TimestampMs     int64             `json:"timestamp"` // unix milliseconds at emission
	BarIndex        int64             `json:"bar_index"`
	BarCloseMs      *int64            `json:"bar_close_ms,omitempty"`
	TriggerPrice    *decimal.Decimal  `json:"trigger_price,omitempty"`
	TriggerCond     string            `json:"trigger_condition,omitempty"` // one of > < >= <=
	Regime          RegimeVector      `json:"regime_vector"`
	Source          string            `json:"source,omitempty"`
}

// Side derives the position side from the signal direction.
func (s *Signal) Side() Side {
	return SideFromDirection(s.Direction)
}

// Time returns the signal emission time.
func (s *Signal) Time() time.Time {
	return time.UnixMilli(s.TimestampMs).UTC()
}

// BarClose returns the bar close time when the upstream provided one.
// A zero or negative value counts as absent.
func (s *Signal) BarClose() (time.Time, bool) {
	if s.BarCloseMs == nil || *s.BarCloseMs <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(*s.BarCloseMs).UTC(), true
}

// EntryPrice returns the first (best) price of the entry zone.
func (s *Signal) EntryPrice() decimal.Decimal {
	if len(s.EntryZone) == 0 {
		return decimal.Zero
	}
	return s.EntryZone[0]
}

// ----------------------------------------------------------------------------
// Intents and positions
// ----------------------------------------------------------------------------

// Intent is the tracked lifecycle of a PREPARE signal inside shadow state.
type Intent struct {
	SignalID  string       `json:"signal_id"`
	Signal    *Signal      `json:"signal"`
	Status    IntentStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"` // set on rejection/cancellation
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Position is an open position in shadow state. At most one exists per symbol.
type Position struct {
	Symbol         string            `json:"symbol"`
	Side           Side              `json:"side"`
	Size           decimal.Decimal   `json:"size"`
	AvgEntryPrice  decimal.Decimal   `json:"avg_entry_price"`
	CurrentStop    decimal.Decimal   `json:"current_stop"`
	TakeProfits    []decimal.Decimal `json:"take_profits,omitempty"`
	SignalID       string            `json:"signal_id"`
	BrokerOrderIDs []string          `json:"broker_order_ids"`
	StopOrderID    string            `json:"stop_order_id,omitempty"`
	OpenedAt       time.Time         `json:"opened_at"`
	PhaseAtEntry   int               `json:"phase_at_entry"`
	RegimeAtEntry  RegimeVector      `json:"regime_at_entry"`
	UnrealizedPnL  decimal.Decimal   `json:"unrealized_pnl"`
	ReconciledAt   time.Time         `json:"reconciled_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (p *Position) Clone() *Position {
	cp := *p
	cp.TakeProfits = append([]decimal.Decimal(nil), p.TakeProfits...)
	cp.BrokerOrderIDs = append([]string(nil), p.BrokerOrderIDs...)
	return &cp
}

// Notional returns size × avg entry price.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.AvgEntryPrice)
}

// PyramidState tracks the layered entries stacked onto a winning position.
type PyramidState struct {
	Symbol          string            `json:"symbol"`
	Side            Side              `json:"side"`
	LayerCount      int               `json:"layer_count"`
	EntryPrices     []decimal.Decimal `json:"entry_prices"`
	LayerSizes      []decimal.Decimal `json:"layer_sizes"`
	AvgEntryPrice   decimal.Decimal   `json:"avg_entry_price"`
	LastEntryPrice  decimal.Decimal   `json:"last_entry_price"`
	CurrentStop     decimal.Decimal   `json:"current_stop"`
	AutoTrailActive bool              `json:"auto_trail_enabled"`
}

// TotalSize returns the summed size across all layers.
func (p *PyramidState) TotalSize() decimal.Decimal {
	total := decimal.Zero
	for _, s := range p.LayerSizes {
		total = total.Add(s)
	}
	return total
}

// TradeRecord is the realized outcome of a closed position.
type TradeRecord struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	ExitPrice     decimal.Decimal `json:"exit_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Phase         int             `json:"phase"`
	RegimeState   int             `json:"regime_state"`
	Reason        string          `json:"reason"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at"`
}

// ----------------------------------------------------------------------------
// Broker surface
// ----------------------------------------------------------------------------

// OrderRequest is the gateway-level request to place an order.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal // limit/stop price; ignored for MARKET
	Qty           decimal.Decimal
	PostOnly      bool
	ReduceOnly    bool
	ClientOrderID string
}

// Order is the broker-reported state of a placed order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Account is the broker account snapshot used by the phase manager.
type Account struct {
	Equity     decimal.Decimal // cash + realized + unrealized PnL
	Cash       decimal.Decimal
	MarginUsed decimal.Decimal
}

// BrokerPosition is a position as reported by the broker, compared against
// shadow state during reconciliation.
type BrokerPosition struct {
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	AvgEntryPrice decimal.Decimal
	StopLoss      decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Candle is one OHLCV bar from the optional fetchOHLCV capability.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// ----------------------------------------------------------------------------
// Execution results
// ----------------------------------------------------------------------------

// MissDiagnostic explains a MISSED_ENTRY: where the touch was when the order
// was placed versus when the strategy gave up.
type MissDiagnostic struct {
	BidAtEntry       decimal.Decimal `json:"bid_at_entry"`
	CurrentBid       decimal.Decimal `json:"current_bid"`
	PriceMovementPct float64         `json:"price_movement_pct"`
}

// ExecutionResult is the terminal outcome of one strategy run.
type ExecutionResult struct {
	Status        ExecStatus      `json:"status"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	FillSize      decimal.Decimal `json:"fill_size"`
	Reason        string          `json:"reason,omitempty"`
	Diagnostic    *MissDiagnostic `json:"diagnostic,omitempty"`
}

// Filled reports whether any quantity was executed.
func (r *ExecutionResult) Filled() bool {
	return r.Status == ExecFilled || r.Status == ExecPartiallyFilled
}

// Non-terminal response statuses. Terminal execution outcomes reuse the
// ExecStatus strings.
const (
	StatusAccepted  = "accepted"   // PREPARE acknowledged, execution continues async
	StatusDuplicate = "duplicate"  // CONFIRM arrived after the client-side trigger fired
	StatusAborted   = "aborted"    // ABORT canceled the intent in time
	StatusLateAbort = "late_abort" // ABORT arrived after the fill; position kept
	StatusRejected  = "rejected"
)

// SignalResponse is the wire shape returned to signal sources for every
// ingress request. Optional fields are pointers so rejected signals do not
// report spurious zero fills.
type SignalResponse struct {
	Success       bool             `json:"success"`
	SignalID      string           `json:"signal_id,omitempty"`
	Status        string           `json:"status,omitempty"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	FillPrice     *decimal.Decimal `json:"fill_price,omitempty"`
	FillSize      *decimal.Decimal `json:"fill_size,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Code          string           `json:"code,omitempty"`
	Diagnostic    *MissDiagnostic  `json:"diagnostic,omitempty"`
	LatencyMs     int64            `json:"latency_ms,omitempty"`
}
