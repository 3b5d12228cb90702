package book

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perpexec/internal/config"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	tickBuffer       = 256
)

// PriceTick is one trade print, fanned out to the trigger monitor and the
// pyramid tracker.
type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// Stream consumes the exchange depth and trade feed to keep the Cache in
// sync, recovering from sequence gaps with REST snapshots.
type Stream struct {
	wsURL  string
	rest   *resty.Client
	cache  *Cache
	cfg    config.BookConfig
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	ticks chan PriceTick
}

// NewStream builds a stream for every symbol in the cache. The REST client is
// used only for depth snapshots.
func NewStream(cfg config.BookConfig, cache *Cache, logger *slog.Logger) *Stream {
	rest := resty.New().
		SetBaseURL(cfg.RESTURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Stream{
		wsURL:  cfg.WSURL,
		rest:   rest,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With("component", "book_stream"),
		ticks:  make(chan PriceTick, tickBuffer),
	}
}

// Ticks returns the trade print channel. Slow consumers lose stale ticks, not
// fresh ones.
func (s *Stream) Ticks() <-chan PriceTick { return s.ticks }

// Run connects and reads until ctx is done, reconnecting with exponential
// backoff. Every (re)connect resubscribes and forces a snapshot resync for
// all symbols so a missed-diff window can never go unnoticed.
func (s *Stream) Run(ctx context.Context) error {
	wait := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("stream disconnected, reconnecting", "error", err, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.wsURL, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	if err := s.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("stream connected", "symbols", s.cache.Symbols())

	// Books built before the disconnect may have a silent hole; resync all.
	for _, sym := range s.cache.Symbols() {
		go s.resync(ctx, sym)
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx, conn)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatchMessage(ctx, msg)
	}
}

// subscribe sends one SUBSCRIBE frame covering the diff-depth and aggregate
// trade streams for every tracked symbol.
func (s *Stream) subscribe() error {
	params := make([]string, 0, 2*len(s.cache.Symbols()))
	for _, sym := range s.cache.Symbols() {
		lower := strings.ToLower(sym)
		params = append(params, lower+"@depth@100ms", lower+"@aggTrade")
	}
	return s.writeJSON(map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	})
}

// dispatchMessage peeks the event type and routes to the typed handler.
// Subscription acks carry no "e" field and are ignored.
func (s *Stream) dispatchMessage(ctx context.Context, raw []byte) {
	var envelope struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.logger.Warn("unparseable stream message", "error", err)
		return
	}

	switch envelope.Event {
	case "depthUpdate":
		s.handleDepth(ctx, raw)
	case "aggTrade":
		s.handleTrade(raw)
	case "":
		// subscription ack
	default:
		s.logger.Debug("unhandled stream event", "event", envelope.Event)
	}
}

type wsDepthUpdate struct {
	Symbol      string     `json:"s"`
	FirstID     int64      `json:"U"`
	FinalID     int64      `json:"u"`
	PrevFinalID int64      `json:"pu"`
	Bids        [][]string `json:"b"`
	Asks        [][]string `json:"a"`
	EventTimeMs int64      `json:"E"`
}

type wsAggTrade struct {
	Symbol      string `json:"s"`
	Price       string `json:"p"`
	Qty         string `json:"q"`
	TradeTimeMs int64  `json:"T"`
}

func (s *Stream) handleDepth(ctx context.Context, raw []byte) {
	var msg wsDepthUpdate
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("bad depth update", "error", err)
		return
	}

	b, ok := s.cache.Book(msg.Symbol)
	if !ok {
		return
	}

	bids, err := parseLevels(msg.Bids)
	if err != nil {
		s.logger.Warn("bad depth bids", "symbol", msg.Symbol, "error", err)
		return
	}
	asks, err := parseLevels(msg.Asks)
	if err != nil {
		s.logger.Warn("bad depth asks", "symbol", msg.Symbol, "error", err)
		return
	}

	err = b.ApplyDiff(DepthUpdate{
		Symbol:       msg.Symbol,
		Bids:         bids,
		Asks:         asks,
		UpdateID:     msg.FinalID,
		PrevUpdateID: msg.PrevFinalID,
	})
	switch {
	case err == nil, errors.Is(err, ErrStale), errors.Is(err, ErrNotReady):
	case errors.Is(err, ErrGap):
		s.logger.Warn("depth gap detected", "symbol", msg.Symbol, "error", err)
		go s.resync(ctx, msg.Symbol)
	default:
		s.logger.Error("depth apply failed", "symbol", msg.Symbol, "error", err)
	}
}

func (s *Stream) handleTrade(raw []byte) {
	var msg wsAggTrade
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("bad trade message", "error", err)
		return
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		s.logger.Warn("bad trade price", "symbol", msg.Symbol, "price", msg.Price)
		return
	}

	tick := PriceTick{
		Symbol: msg.Symbol,
		Price:  price,
		Time:   time.UnixMilli(msg.TradeTimeMs),
	}

	// Latest price wins: shed the oldest buffered tick rather than the new one.
	select {
	case s.ticks <- tick:
	default:
		select {
		case <-s.ticks:
		default:
		}
		select {
		case s.ticks <- tick:
		default:
		}
	}
}

// resync replaces a gapped book with a fresh REST snapshot. Concurrent calls
// for the same symbol collapse into one fetch.
func (s *Stream) resync(ctx context.Context, symbol string) {
	b, ok := s.cache.Book(symbol)
	if !ok || !b.BeginResync() {
		return
	}

	var snap struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	resp, err := s.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", fmt.Sprintf("%d", s.cfg.DepthLimit)).
		SetResult(&snap).
		Get("/fapi/v1/depth")
	if err != nil {
		b.AbortResync()
		s.logger.Error("depth snapshot failed", "symbol", symbol, "error", err)
		return
	}
	if resp.IsError() {
		b.AbortResync()
		s.logger.Error("depth snapshot rejected", "symbol", symbol, "status", resp.StatusCode())
		return
	}

	bids, err := parseLevels(snap.Bids)
	if err == nil {
		var asks []Level
		asks, err = parseLevels(snap.Asks)
		if err == nil {
			b.ApplySnapshot(bids, asks, snap.LastUpdateID)
			s.logger.Info("book resynced", "symbol", symbol, "update_id", snap.LastUpdateID)
			return
		}
	}
	b.AbortResync()
	s.logger.Error("bad snapshot payload", "symbol", symbol, "error", err)
}

func parseLevels(raw [][]string) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("level has %d fields", len(pair))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parse qty %q: %w", pair[1], err)
		}
		out = append(out, Level{Price: price, Qty: qty})
	}
	return out, nil
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn == conn {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.Warn("ping failed", "error", err)
				}
			}
			s.connMu.Unlock()
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
