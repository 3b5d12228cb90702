// Package book maintains per-symbol order-book mirrors fed by the exchange
// depth stream and provides the L2 microstructure validation used to veto
// unsafe entries.
//
// Each Book is updated from two sources:
//   - REST depth snapshots via ApplySnapshot (initial load and gap recovery)
//   - WebSocket diff events via ApplyDiff (incremental updates, sequenced by
//     the exchange's monotonic update id)
//
// A Book has a single writer (the stream consumer) and many readers; readers
// obtain point-in-time Summary copies and never observe a mid-apply state.
package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

// Sequencing outcomes of ApplyDiff. ErrStale diffs are silently dropped by
// the stream; ErrGap invalidates the book and forces a REST resync;
// ErrNotReady means a resync is already in flight.
var (
	ErrStale    = errors.New("stale depth update")
	ErrGap      = errors.New("depth update gap")
	ErrNotReady = errors.New("book resync in flight")
)

// Level is one price level of the book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// DepthUpdate is one parsed incremental depth event. A zero Qty removes the
// level. PrevUpdateID must equal the last applied UpdateID or the update is
// out of order.
type DepthUpdate struct {
	Symbol       string
	Bids         []Level
	Asks         []Level
	UpdateID     int64
	PrevUpdateID int64
}

// Summary is the point-in-time view served to validators and strategies.
type Summary struct {
	Symbol     string          `json:"symbol"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestBidQty decimal.Decimal `json:"best_bid_qty"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	BestAskQty decimal.Decimal `json:"best_ask_qty"`
	Spread     decimal.Decimal `json:"spread"`
	SpreadPct  float64         `json:"spread_pct"` // spread as % of mid
	OBI        float64         `json:"obi"`        // sum top-k bid qty / sum top-k ask qty
	OBIValid   bool            `json:"obi_valid"`  // false when either side is empty
	Age        time.Duration   `json:"age"`
	UpdateID   int64           `json:"update_id"`
	TickSize   decimal.Decimal `json:"tick_size"`
}

// MidPrice returns (bestBid + bestAsk) / 2.
func (s Summary) MidPrice() decimal.Decimal {
	return s.BestBid.Add(s.BestAsk).Div(decimal.NewFromInt(2))
}

// Book mirrors the top-N order book for one symbol.
type Book struct {
	mu         sync.RWMutex
	symbol     string
	tickSize   decimal.Decimal
	depthLimit int
	topK       int

	bids []Level // descending by price
	asks []Level // ascending by price

	updateID    int64
	updated     time.Time
	initialized bool
	resyncing   bool
}

// NewBook creates an empty book for a symbol.
func NewBook(symbol string, tickSize decimal.Decimal, depthLimit, topK int) *Book {
	return &Book{
		symbol:     symbol,
		tickSize:   tickSize,
		depthLimit: depthLimit,
		topK:       topK,
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// TickSize returns the price increment for the symbol. Strategies must use
// this instead of hard-coding increments.
func (b *Book) TickSize() decimal.Decimal { return b.tickSize }

// ApplySnapshot replaces the book wholesale from a REST depth snapshot and
// clears any resync-in-flight state.
func (b *Book) ApplySnapshot(bids, asks []Level, updateID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = sortLevels(bids, true, b.depthLimit)
	b.asks = sortLevels(asks, false, b.depthLimit)
	b.updateID = updateID
	b.updated = time.Now()
	b.initialized = true
	b.resyncing = false
}

// ApplyDiff applies one incremental update in exchange-sequence order.
func (b *Book) ApplyDiff(u DepthUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resyncing {
		return ErrNotReady
	}
	if !b.initialized {
		return ErrGap
	}
	if u.PrevUpdateID < b.updateID {
		return ErrStale
	}
	if u.PrevUpdateID > b.updateID {
		return fmt.Errorf("expected prev id %d, got %d: %w", b.updateID, u.PrevUpdateID, ErrGap)
	}

	b.bids = applyLevels(b.bids, u.Bids, true, b.depthLimit)
	b.asks = applyLevels(b.asks, u.Asks, false, b.depthLimit)
	b.updateID = u.UpdateID
	b.updated = time.Now()
	return nil
}

// BeginResync invalidates the book ahead of a snapshot fetch. Returns false
// when a resync is already in flight.
func (b *Book) BeginResync() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resyncing {
		return false
	}
	b.resyncing = true
	b.initialized = false
	b.bids = nil
	b.asks = nil
	return true
}

// AbortResync clears the in-flight flag after a failed snapshot fetch so the
// next diff re-triggers recovery.
func (b *Book) AbortResync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resyncing = false
}

// Summary returns a consistent copy of the derived book values. It fails with
// a NO_MARKET_DATA kind while the book is uninitialized, resyncing, or empty
// on either side.
func (b *Book) Summary() (Summary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized || b.resyncing {
		return Summary{}, fmt.Errorf("book %s not initialized: %w", b.symbol, types.ErrNoMarketData)
	}
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return Summary{}, fmt.Errorf("book %s empty: %w", b.symbol, types.ErrNoMarketData)
	}

	bestBid := b.bids[0]
	bestAsk := b.asks[0]
	spread := bestAsk.Price.Sub(bestBid.Price)
	mid := bestBid.Price.Add(bestAsk.Price).Div(decimal.NewFromInt(2))

	var spreadPct float64
	if mid.IsPositive() {
		spreadPct, _ = spread.Div(mid).Mul(decimal.NewFromInt(100)).Float64()
	}

	bidQty := sumQty(b.bids, b.topK)
	askQty := sumQty(b.asks, b.topK)
	var obi float64
	obiValid := bidQty.IsPositive() && askQty.IsPositive()
	if obiValid {
		obi, _ = bidQty.Div(askQty).Float64()
	}

	return Summary{
		Symbol:     b.symbol,
		BestBid:    bestBid.Price,
		BestBidQty: bestBid.Qty,
		BestAsk:    bestAsk.Price,
		BestAskQty: bestAsk.Qty,
		Spread:     spread,
		SpreadPct:  spreadPct,
		OBI:        obi,
		OBIValid:   obiValid,
		Age:        time.Since(b.updated),
		UpdateID:   b.updateID,
		TickSize:   b.tickSize,
	}, nil
}

// Validate flags the book as unusable when uninitialized, stale, crossed, or
// spread is non-positive. All failures carry the NO_MARKET_DATA kind.
func (b *Book) Validate(maxAge time.Duration) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized || b.resyncing {
		return fmt.Errorf("book %s not initialized: %w", b.symbol, types.ErrNoMarketData)
	}
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return fmt.Errorf("book %s empty: %w", b.symbol, types.ErrNoMarketData)
	}
	if age := time.Since(b.updated); age > maxAge {
		return fmt.Errorf("book %s stale (age %s): %w", b.symbol, age, types.ErrNoMarketData)
	}
	if b.bids[0].Price.GreaterThanOrEqual(b.asks[0].Price) {
		return fmt.Errorf("book %s crossed (bid %s >= ask %s): %w",
			b.symbol, b.bids[0].Price, b.asks[0].Price, types.ErrNoMarketData)
	}
	return nil
}

// sortLevels orders and truncates a level slice. Bids descend, asks ascend.
func sortLevels(levels []Level, desc bool, limit int) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Qty.IsPositive() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// applyLevels merges diff levels into a sorted side. Zero-qty levels delete.
func applyLevels(side []Level, updates []Level, desc bool, limit int) []Level {
	for _, u := range updates {
		idx := sort.Search(len(side), func(i int) bool {
			if desc {
				return side[i].Price.LessThanOrEqual(u.Price)
			}
			return side[i].Price.GreaterThanOrEqual(u.Price)
		})

		found := idx < len(side) && side[idx].Price.Equal(u.Price)
		switch {
		case found && u.Qty.IsPositive():
			side[idx].Qty = u.Qty
		case found:
			side = append(side[:idx], side[idx+1:]...)
		case u.Qty.IsPositive():
			side = append(side, Level{})
			copy(side[idx+1:], side[idx:])
			side[idx] = u
		}
	}
	if len(side) > limit {
		side = side[:limit]
	}
	return side
}

func sumQty(side []Level, k int) decimal.Decimal {
	if k > len(side) {
		k = len(side)
	}
	total := decimal.Zero
	for i := 0; i < k; i++ {
		total = total.Add(side[i].Qty)
	}
	return total
}

// ----------------------------------------------------------------------------
// Cache
// ----------------------------------------------------------------------------

// Cache holds one Book per configured symbol.
type Cache struct {
	mu    sync.RWMutex
	books map[string]*Book
	cfg   config.BookConfig
}

// NewCache creates books for every configured symbol, resolving per-symbol
// tick sizes with fallback to the default.
func NewCache(cfg config.BookConfig) (*Cache, error) {
	defTick, err := decimal.NewFromString(cfg.DefaultTickSize)
	if err != nil {
		return nil, fmt.Errorf("parse default tick size %q: %w", cfg.DefaultTickSize, err)
	}

	books := make(map[string]*Book, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		tick := defTick
		if raw, ok := cfg.TickSizes[sym]; ok {
			tick, err = decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("parse tick size %q for %s: %w", raw, sym, err)
			}
		}
		books[sym] = NewBook(sym, tick, cfg.DepthLimit, cfg.TopK)
	}

	return &Cache{books: books, cfg: cfg}, nil
}

// Book returns the book for a symbol.
func (c *Cache) Book(symbol string) (*Book, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.books[symbol]
	return b, ok
}

// Summary returns the derived view for a symbol.
func (c *Cache) Summary(symbol string) (Summary, error) {
	b, ok := c.Book(symbol)
	if !ok {
		return Summary{}, fmt.Errorf("symbol %s not tracked: %w", symbol, types.ErrNoMarketData)
	}
	return b.Summary()
}

// Validate reports whether the symbol's book is usable for entry decisions.
func (c *Cache) Validate(symbol string) error {
	b, ok := c.Book(symbol)
	if !ok {
		return fmt.Errorf("symbol %s not tracked: %w", symbol, types.ErrNoMarketData)
	}
	return b.Validate(c.cfg.MaxAge)
}

// Symbols lists the tracked symbols.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.books))
	for sym := range c.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Ages reports per-symbol book ages for the health endpoint. Symbols without
// an initialized book report -1.
func (c *Cache) Ages() map[string]time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]time.Duration, len(c.books))
	for sym, b := range c.books {
		b.mu.RLock()
		if b.initialized && !b.resyncing {
			out[sym] = time.Since(b.updated)
		} else {
			out[sym] = -1
		}
		b.mu.RUnlock()
	}
	return out
}
