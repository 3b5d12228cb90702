// Package events provides the in-process event bus for the execution core.
//
// Signal verdicts, chase lifecycle, phase transitions, and reconciliation
// findings are all published as typed Events. Publication is non-blocking:
// slow subscribers lose events rather than stalling the path that produced
// them.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names an event kind. The convention is "subsystem:verb".
type Type string

const (
	SignalAccepted  Type = "signal:accepted"
	SignalRejected  Type = "signal:rejected"
	SignalDuplicate Type = "signal:duplicate"

	IntentAborted   Type = "intent:aborted"
	IntentLateAbort Type = "intent:late_abort"

	ExecutionFilled Type = "execution:filled"
	ExecutionMissed Type = "execution:missed"

	ChaseStart        Type = "chase:start"
	ChaseFilled       Type = "chase:filled"
	ChaseAlphaExpired Type = "chase:alpha_expired"
	ChaseOBIWorsening Type = "chase:obi_worsening"
	ChaseTimeout      Type = "chase:timeout"

	PyramidLayerAdded Type = "pyramid:layer_added"
	PyramidAutoTrail  Type = "pyramid:auto_trail"
	PyramidClosed     Type = "pyramid:closed"

	PhaseTransition Type = "phase:transition"
	PhaseRegression Type = "phase:regression"

	ReconcileDivergence   Type = "reconcile:divergence"
	ReconcilePhantomLocal Type = "reconcile:phantom_local"
	ReconcileUnknown      Type = "reconcile:unknown_broker"

	TriggerFired     Type = "trigger:fired"
	TriggerAutoAbort Type = "trigger:auto_abort"

	JournalDegraded Type = "journal:degraded"
)

// Critical reports whether the event kind demands operator attention. Critical
// events are additionally recorded as journal system events.
func (t Type) Critical() bool {
	switch t {
	case PhaseRegression, ReconcileDivergence, ReconcilePhantomLocal, ReconcileUnknown, JournalDegraded:
		return true
	}
	return false
}

// Event is the envelope published on the bus.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	SignalID  string    `json:"signal_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// New builds an event envelope with a fresh ID and timestamp.
func New(t Type, symbol, signalID string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		SignalID:  signalID,
		Data:      data,
	}
}

// ----------------------------------------------------------------------------
// Typed payloads
// ----------------------------------------------------------------------------

// RejectionData explains why a signal was refused.
type RejectionData struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// PhaseChangeData describes a phase transition. Regression is true when the
// transition crossed a boundary downward.
type PhaseChangeData struct {
	FromPhase  int             `json:"from_phase"`
	ToPhase    int             `json:"to_phase"`
	FromLabel  string          `json:"from_label"`
	ToLabel    string          `json:"to_label"`
	Equity     decimal.Decimal `json:"equity"`
	Regression bool            `json:"regression"`
}

// ChaseData is the per-tick payload of the limit chaser lifecycle events.
type ChaseData struct {
	Tick           int             `json:"tick"`
	Price          decimal.Decimal `json:"price"`
	RemainingAlpha float64         `json:"remaining_alpha"`
	OBI            float64         `json:"obi,omitempty"`
	ElapsedMs      int64           `json:"elapsed_ms"`
}

// LayerData logs a pyramid layer addition.
type LayerData struct {
	LayerNumber   int             `json:"layer_number"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	TotalSize     decimal.Decimal `json:"total_size"`
	NewStopLoss   decimal.Decimal `json:"new_stop_loss"`
}

// DivergenceData describes a reconciliation mismatch between shadow state and
// the broker.
type DivergenceData struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Broker string `json:"broker"`
}

// TriggerData reports a client-side trigger firing or auto-abort.
type TriggerData struct {
	Price     decimal.Decimal `json:"price,omitempty"`
	Condition string          `json:"condition,omitempty"`
	Target    decimal.Decimal `json:"target,omitempty"`
}

// ----------------------------------------------------------------------------
// Bus
// ----------------------------------------------------------------------------

// Bus fans events out to subscribers. Publish never blocks; a subscriber whose
// buffer is full loses the event (logged at Warn).
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber with the given buffer size and returns
// its channel plus a cancel function. Cancel is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buffer <= 0 {
		buffer = 64
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				"subscriber", id, "type", evt.Type)
		}
	}
}

// Emit is shorthand for Publish(New(...)).
func (b *Bus) Emit(t Type, symbol, signalID string, data any) {
	b.Publish(New(t, symbol, signalID, data))
}

// Close tears the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
