package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/book"
	"perpexec/internal/config"
	"perpexec/internal/events"
	"perpexec/internal/journal"
	"perpexec/internal/phase"
	"perpexec/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ----------------------------------------------------------------------------
// Stub dependencies
// ----------------------------------------------------------------------------

type stubPipeline struct {
	dispatch  func(context.Context, *types.Signal) types.SignalResponse
	closeSym  func(context.Context, string, string) (types.TradeRecord, error)
	flattenFn func(context.Context, string) ([]string, []string)
}

func (s *stubPipeline) Dispatch(ctx context.Context, sig *types.Signal) types.SignalResponse {
	if s.dispatch != nil {
		return s.dispatch(ctx, sig)
	}
	return types.SignalResponse{Success: true, SignalID: sig.SignalID, Status: types.StatusAccepted}
}

func (s *stubPipeline) CloseSymbol(ctx context.Context, symbol, reason string) (types.TradeRecord, error) {
	if s.closeSym != nil {
		return s.closeSym(ctx, symbol, reason)
	}
	return types.TradeRecord{Symbol: symbol, Reason: reason}, nil
}

func (s *stubPipeline) Flatten(ctx context.Context, reason string) ([]string, []string) {
	if s.flattenFn != nil {
		return s.flattenFn(ctx, reason)
	}
	return nil, nil
}

type stubBooks struct {
	summary func(string) (book.Summary, error)
	ages    map[string]time.Duration
}

func (s *stubBooks) Summary(symbol string) (book.Summary, error) {
	if s.summary != nil {
		return s.summary(symbol)
	}
	return book.Summary{}, types.ErrNoMarketData
}

func (s *stubBooks) Ages() map[string]time.Duration { return s.ages }

type stubPositions struct {
	positions []*types.Position
}

func (s *stubPositions) Position(symbol string) (*types.Position, bool) {
	for _, p := range s.positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return nil, false
}

func (s *stubPositions) Positions() []*types.Position { return s.positions }

func (s *stubPositions) Counts() (int, int) { return 0, len(s.positions) }

type stubTrades struct {
	history     func(context.Context, journal.HistoryFilter) ([]types.TradeRecord, error)
	performance func(context.Context, string) (journal.Performance, error)
}

func (s *stubTrades) History(ctx context.Context, f journal.HistoryFilter) ([]types.TradeRecord, error) {
	if s.history != nil {
		return s.history(ctx, f)
	}
	return nil, nil
}

func (s *stubTrades) Performance(ctx context.Context, symbol string) (journal.Performance, error) {
	if s.performance != nil {
		return s.performance(ctx, symbol)
	}
	return journal.Performance{}, nil
}

func (s *stubTrades) Stats() (int, int64) { return 0, 0 }

type stubBroker struct {
	account func(context.Context) (types.Account, error)
	oi      func(context.Context, string) (decimal.Decimal, error)
	candles func(context.Context, string, string, int) ([]types.Candle, error)
}

func (s *stubBroker) Name() string { return "mock" }

func (s *stubBroker) GetAccount(ctx context.Context) (types.Account, error) {
	if s.account != nil {
		return s.account(ctx)
	}
	return types.Account{Equity: d("800")}, nil
}

func (s *stubBroker) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.oi != nil {
		return s.oi(ctx, symbol)
	}
	return decimal.Zero, types.ErrNotSupported
}

func (s *stubBroker) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	if s.candles != nil {
		return s.candles(ctx, symbol, interval, limit)
	}
	return nil, types.ErrNotSupported
}

type stubPhases struct {
	profile phase.Profile
	equity  decimal.Decimal
}

func (s stubPhases) Current() phase.Profile  { return s.profile }
func (s stubPhases) Equity() decimal.Decimal { return s.equity }

type stubReplays struct {
	tracked int
	kv      bool
}

func (s stubReplays) Stats() (int, bool) { return s.tracked, s.kv }

type stubTriggers struct{ n int }

func (s stubTriggers) Count() int { return s.n }

// ----------------------------------------------------------------------------
// Fixture
// ----------------------------------------------------------------------------

type fixture struct {
	pipeline  *stubPipeline
	books     *stubBooks
	positions *stubPositions
	trades    *stubTrades
	broker    *stubBroker
	srv       *Server
	cfg       config.Config
}

func testServerConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			ReadTimeout:  time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  time.Second,
		},
		Auth: config.AuthConfig{
			WebhookSecret:  "test-secret",
			AllowedSources: []string{"tradingview"},
		},
		Book: config.BookConfig{MaxAge: time.Second},
		Limits: config.LimitsConfig{
			PerIPPerMin:     6000,
			SensitivePerMin: 6000,
			Burst:           100,
		},
	}
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	t.Cleanup(func() { bus.Close() })

	f := &fixture{
		pipeline:  &stubPipeline{},
		books:     &stubBooks{ages: map[string]time.Duration{}},
		positions: &stubPositions{},
		trades:    &stubTrades{},
		broker:    &stubBroker{},
		cfg:       cfg,
	}
	f.srv = NewServer(cfg, Deps{
		Pipeline:  f.pipeline,
		Books:     f.books,
		Positions: f.positions,
		Trades:    f.trades,
		Broker:    f.broker,
		Phases:    stubPhases{profile: phase.Profile{Phase: 1, Label: "KICKSTARTER"}, equity: d("800")},
		Replays:   stubReplays{tracked: 2, kv: false},
		Triggers:  stubTriggers{n: 1},
	}, bus, logger)
	return f
}

func (f *fixture) do(method, path string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4242"
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// postSigned sends a correctly signed webhook request.
func (f *fixture) postSigned(body []byte, source string) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/webhook", body, map[string]string{
		HeaderSignature: NewVerifier(f.cfg.Auth).Sign(body),
		HeaderSource:    source,
	})
}

func signalBody(t *testing.T, mutate func(*types.Signal)) []byte {
	t.Helper()
	sig := types.Signal{
		SignalID:    "sig-1",
		Kind:        types.SignalPrepare,
		Symbol:      "BTCUSDT",
		Direction:   1,
		EntryZone:   []decimal.Decimal{d("50100"), d("50000")},
		StopLoss:    d("49500"),
		SignalType:  types.SignalDay,
		TimestampMs: time.Now().UnixMilli(),
	}
	if mutate != nil {
		mutate(&sig)
	}
	b, err := json.Marshal(&sig)
	if err != nil {
		t.Fatalf("marshal signal: %v", err)
	}
	return b
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// ----------------------------------------------------------------------------
// Webhook
// ----------------------------------------------------------------------------

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	body := signalBody(t, nil)

	rec := f.do(http.MethodPost, "/webhook", body, map[string]string{
		HeaderSignature: "deadbeef",
		HeaderSource:    "tradingview",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var resp types.SignalResponse
	decodeBody(t, rec, &resp)
	if resp.Success || resp.Code != "INVALID_SIGNATURE" {
		t.Fatalf("response = %+v, want INVALID_SIGNATURE rejection", resp)
	}
}

func TestWebhookRejectsUnknownSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	rec := f.postSigned(signalBody(t, nil), "somewhere-else")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	rec := f.postSigned([]byte(`{"signal_id":`), "tradingview")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp types.SignalResponse
	decodeBody(t, rec, &resp)
	if resp.Code != codeMalformed {
		t.Fatalf("code = %q, want %q", resp.Code, codeMalformed)
	}
}

func TestWebhookRejectsIncompleteSignals(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	cases := []struct {
		name   string
		mutate func(*types.Signal)
	}{
		{"missing signal_id", func(s *types.Signal) { s.SignalID = "" }},
		{"missing symbol", func(s *types.Signal) { s.Symbol = "" }},
		{"missing timestamp", func(s *types.Signal) { s.TimestampMs = 0 }},
		{"unknown kind", func(s *types.Signal) { s.Kind = "NONSENSE" }},
		{"flat direction", func(s *types.Signal) { s.Direction = 0 }},
		{"missing entry zone", func(s *types.Signal) { s.EntryZone = nil }},
		{"missing stop", func(s *types.Signal) { s.StopLoss = decimal.Zero }},
		{"bad trigger condition", func(s *types.Signal) { s.TriggerCond = "=!" }},
		{"flat direction on confirm", func(s *types.Signal) {
			s.Kind = types.SignalConfirm
			s.Direction = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.postSigned(signalBody(t, tc.mutate), "tradingview")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp types.SignalResponse
			decodeBody(t, rec, &resp)
			if resp.Code != codeMalformed {
				t.Fatalf("code = %q, want %q", resp.Code, codeMalformed)
			}
		})
	}
}

func TestWebhookAcknowledgesPrepare(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	var gotSource string
	f.pipeline.dispatch = func(_ context.Context, sig *types.Signal) types.SignalResponse {
		gotSource = sig.Source
		return types.SignalResponse{Success: true, SignalID: sig.SignalID, Status: types.StatusAccepted}
	}

	rec := f.postSigned(signalBody(t, nil), "tradingview")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp types.SignalResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.Status != types.StatusAccepted || resp.SignalID != "sig-1" {
		t.Fatalf("response = %+v, want accepted ack for sig-1", resp)
	}
	if gotSource != "tradingview" {
		t.Errorf("signal source = %q, want header value propagated", gotSource)
	}
}

func TestWebhookConfirmCarriesFill(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	price, size := d("50000"), d("0.1")
	f.pipeline.dispatch = func(_ context.Context, sig *types.Signal) types.SignalResponse {
		return types.SignalResponse{
			Success:       true,
			SignalID:      sig.SignalID,
			Status:        string(types.ExecFilled),
			BrokerOrderID: "ord-77",
			FillPrice:     &price,
			FillSize:      &size,
		}
	}

	body := signalBody(t, func(s *types.Signal) { s.Kind = types.SignalConfirm })
	rec := f.postSigned(body, "tradingview")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp types.SignalResponse
	decodeBody(t, rec, &resp)
	if resp.Status != string(types.ExecFilled) || resp.BrokerOrderID != "ord-77" {
		t.Fatalf("response = %+v, want filled with order id", resp)
	}
	if resp.FillPrice == nil || !resp.FillPrice.Equal(price) {
		t.Fatalf("fill price = %v, want %s", resp.FillPrice, price)
	}
}

func TestWebhookMapsPipelineCodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	cases := []struct {
		code string
		want int
	}{
		{"REPLAYED_SIGNAL", http.StatusConflict},
		{"STALE_TIMESTAMP", http.StatusBadRequest},
		{"SIGNAL_TYPE_NOT_ALLOWED", http.StatusUnprocessableEntity},
		{"WIDE_SPREAD", http.StatusUnprocessableEntity},
		{"MISSED_ENTRY", http.StatusOK},
		{"FILL_TIMEOUT", http.StatusOK},
		{"INTERNAL", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f.pipeline.dispatch = func(context.Context, *types.Signal) types.SignalResponse {
				return types.SignalResponse{Status: types.StatusRejected, Code: tc.code}
			}
			rec := f.postSigned(signalBody(t, nil), "tradingview")
			if rec.Code != tc.want {
				t.Fatalf("status for %s = %d, want %d", tc.code, rec.Code, tc.want)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// Health
// ----------------------------------------------------------------------------

func TestHealthReportsSubsystems(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	f.books.ages["BTCUSDT"] = 100 * time.Millisecond

	rec := f.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report HealthReport
	decodeBody(t, rec, &report)
	if report.Status != "ok" {
		t.Errorf("status = %q, want ok", report.Status)
	}
	if !report.Broker.Connected || report.Broker.Name != "mock" {
		t.Errorf("broker = %+v, want connected mock", report.Broker)
	}
	if report.Books.Stale != 0 || len(report.Books.Ages) != 1 {
		t.Errorf("books = %+v, want one fresh book", report.Books)
	}
	if report.Replay.Tracked != 2 || report.Phase.Phase != 1 || report.ArmedTriggers != 1 {
		t.Errorf("report = %+v, want replay/phase/trigger counters surfaced", report)
	}
}

func TestHealthDegradedWhenBrokerDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	f.broker.account = func(context.Context) (types.Account, error) {
		return types.Account{}, errors.New("connection refused")
	}

	rec := f.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when degraded", rec.Code)
	}
	var report HealthReport
	decodeBody(t, rec, &report)
	if report.Status != "degraded" || report.Broker.Connected {
		t.Fatalf("report = %+v, want degraded with broker down", report)
	}
}

func TestHealthDegradedWhenBookStale(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	f.books.ages["BTCUSDT"] = 5 * time.Second // max age in fixture is 1s

	rec := f.do(http.MethodGet, "/health", nil, nil)
	var report HealthReport
	decodeBody(t, rec, &report)
	if report.Status != "degraded" || report.Books.Stale != 1 {
		t.Fatalf("report = %+v, want degraded with one stale book", report)
	}
}

// ----------------------------------------------------------------------------
// Positions, close, flatten
// ----------------------------------------------------------------------------

func TestPositionsListsShadowState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	f.positions.positions = []*types.Position{
		{Symbol: "BTCUSDT", Side: types.LONG, Size: d("0.5"), AvgEntryPrice: d("50000")},
	}

	rec := f.do(http.MethodGet, "/positions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp positionsResponse
	decodeBody(t, rec, &resp)
	if resp.Count != 1 || resp.Positions[0].Symbol != "BTCUSDT" {
		t.Fatalf("response = %+v, want the one open position", resp)
	}
}

func TestCloseValidatesRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	t.Run("empty body", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/close", nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
	t.Run("missing symbol", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/close", []byte(`{}`), nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
	t.Run("no open position", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/close", []byte(`{"symbol":"ETHUSDT"}`), nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		var resp errorResponse
		decodeBody(t, rec, &resp)
		if resp.Code != "NO_POSITION" {
			t.Fatalf("code = %q, want NO_POSITION", resp.Code)
		}
	})
}

func TestCloseClosesOpenPosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	f.positions.positions = []*types.Position{{Symbol: "BTCUSDT", Side: types.LONG}}

	var gotReason string
	f.pipeline.closeSym = func(_ context.Context, symbol, reason string) (types.TradeRecord, error) {
		gotReason = reason
		return types.TradeRecord{Symbol: symbol, RealizedPnL: d("12.5"), Reason: reason}, nil
	}

	rec := f.do(http.MethodPost, "/close", []byte(`{"symbol":"BTCUSDT"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	var resp closeResponse
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.Trade.Symbol != "BTCUSDT" {
		t.Fatalf("response = %+v, want closed trade", resp)
	}
	if gotReason != "manual close" {
		t.Errorf("reason = %q, want default manual close", gotReason)
	}
}

func TestFlattenReportsPerSymbolOutcomes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	f.pipeline.flattenFn = func(context.Context, string) ([]string, []string) {
		return []string{"BTCUSDT", "ETHUSDT"}, []string{"SOLUSDT"}
	}

	rec := f.do(http.MethodPost, "/flatten", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp flattenResponse
	decodeBody(t, rec, &resp)
	if len(resp.Closed) != 2 || len(resp.Failed) != 1 {
		t.Fatalf("response = %+v, want 2 closed 1 failed", resp)
	}
}

func TestFlattenEmptyIsNotNull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	rec := f.do(http.MethodPost, "/flatten", nil, nil)
	if !strings.Contains(rec.Body.String(), `"closed":[]`) {
		t.Fatalf("body = %s, want empty arrays not null", rec.Body.String())
	}
}

// ----------------------------------------------------------------------------
// History and performance
// ----------------------------------------------------------------------------

func TestHistoryParsesFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	var got journal.HistoryFilter
	f.trades.history = func(_ context.Context, hf journal.HistoryFilter) ([]types.TradeRecord, error) {
		got = hf
		return []types.TradeRecord{{Symbol: "BTCUSDT"}}, nil
	}

	rec := f.do(http.MethodGet,
		"/history?symbol=BTCUSDT&limit=5&offset=10&phase=2&regime_state=-1&start_date=2026-01-01&end_date=2026-02-01T15:04:05Z",
		nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if got.Symbol != "BTCUSDT" || got.Limit != 5 || got.Offset != 10 {
		t.Errorf("filter = %+v, want symbol/limit/offset threaded", got)
	}
	if got.Phase == nil || *got.Phase != 2 {
		t.Errorf("phase = %v, want 2", got.Phase)
	}
	if got.RegimeState == nil || *got.RegimeState != -1 {
		t.Errorf("regime_state = %v, want -1", got.RegimeState)
	}
	if want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC); !got.Since.Equal(want) {
		t.Errorf("since = %v, want %v", got.Since, want)
	}
	if want := time.Date(2026, 2, 1, 15, 4, 5, 0, time.UTC); !got.Until.Equal(want) {
		t.Errorf("until = %v, want %v", got.Until, want)
	}

	var resp historyResponse
	decodeBody(t, rec, &resp)
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestHistoryRejectsBadParams(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	for _, path := range []string{
		"/history?limit=abc",
		"/history?phase=first",
		"/history?regime_state=bull",
		"/history?start_date=yesterday",
	} {
		if rec := f.do(http.MethodGet, path, nil, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestPerformancePassesSymbol(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	var gotSymbol string
	f.trades.performance = func(_ context.Context, symbol string) (journal.Performance, error) {
		gotSymbol = symbol
		return journal.Performance{TotalTrades: 3, Wins: 2}, nil
	}

	rec := f.do(http.MethodGet, "/performance?symbol=ETHUSDT", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotSymbol != "ETHUSDT" {
		t.Errorf("symbol = %q, want ETHUSDT", gotSymbol)
	}
	var perf journal.Performance
	decodeBody(t, rec, &perf)
	if perf.TotalTrades != 3 {
		t.Errorf("total trades = %d, want 3", perf.TotalTrades)
	}
}

// ----------------------------------------------------------------------------
// Market
// ----------------------------------------------------------------------------

func TestMarketRequiresSymbol(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	if rec := f.do(http.MethodGet, "/market", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMarketUnknownSymbol(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	rec := f.do(http.MethodGet, "/market?symbol=DOGEUSDT", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp errorResponse
	decodeBody(t, rec, &resp)
	if resp.Code != "NO_MARKET_DATA" {
		t.Fatalf("code = %q, want NO_MARKET_DATA", resp.Code)
	}
}

func TestMarketServesBookAndOptionalExtras(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	f.books.summary = func(symbol string) (book.Summary, error) {
		return book.Summary{Symbol: symbol, BestBid: d("50000"), BestAsk: d("50010")}, nil
	}
	f.broker.oi = func(context.Context, string) (decimal.Decimal, error) {
		return d("123.45"), nil
	}
	var gotInterval string
	var gotLimit int
	f.broker.candles = func(_ context.Context, _ string, interval string, limit int) ([]types.Candle, error) {
		gotInterval, gotLimit = interval, limit
		return []types.Candle{{Close: d("50005")}, {Close: d("50007")}}, nil
	}

	rec := f.do(http.MethodGet, "/market?symbol=BTCUSDT&candles=2&interval=5m", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view MarketView
	decodeBody(t, rec, &view)
	if view.Book.Symbol != "BTCUSDT" || !view.MidPrice.Equal(d("50005")) {
		t.Fatalf("view = %+v, want book with mid 50005", view)
	}
	if view.OpenInterest == nil || !view.OpenInterest.Equal(d("123.45")) {
		t.Fatalf("open interest = %v, want 123.45", view.OpenInterest)
	}
	if len(view.Candles) != 2 || gotInterval != "5m" || gotLimit != 2 {
		t.Fatalf("candles = %d (%s x %d), want 2 bars of 5m", len(view.Candles), gotInterval, gotLimit)
	}
}

func TestMarketOmitsUnsupportedCapabilities(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())
	f.books.summary = func(symbol string) (book.Summary, error) {
		return book.Summary{Symbol: symbol, BestBid: d("100"), BestAsk: d("101")}, nil
	}

	rec := f.do(http.MethodGet, "/market?symbol=BTCUSDT&candles=3", nil, nil)
	var view MarketView
	decodeBody(t, rec, &view)
	if view.OpenInterest != nil || len(view.Candles) != 0 {
		t.Fatalf("view = %+v, want optional capabilities omitted", view)
	}
}

// ----------------------------------------------------------------------------
// Rate limiting and stream
// ----------------------------------------------------------------------------

func TestRateLimitExceededReturns429(t *testing.T) {
	t.Parallel()
	cfg := testServerConfig()
	cfg.Limits = config.LimitsConfig{PerIPPerMin: 1, SensitivePerMin: 1, Burst: 2}
	f := newFixture(t, cfg)

	for i := 0; i < 2; i++ {
		if rec := f.do(http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := f.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	var resp errorResponse
	decodeBody(t, rec, &resp)
	if resp.Code != "RATE_LIMITED" {
		t.Fatalf("code = %q, want RATE_LIMITED", resp.Code)
	}
}

func TestSensitivePathsHaveOwnBudget(t *testing.T) {
	t.Parallel()
	cfg := testServerConfig()
	cfg.Limits = config.LimitsConfig{PerIPPerMin: 600, SensitivePerMin: 1, Burst: 1}
	f := newFixture(t, cfg)

	if rec := f.do(http.MethodPost, "/flatten", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("first flatten: status = %d, want 200", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/flatten", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second flatten: status = %d, want 429", rec.Code)
	}
	// The general bucket is untouched by sensitive-path traffic.
	if rec := f.do(http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("health after flatten throttle: status = %d, want 200", rec.Code)
	}
}

func TestEventStreamRejectsPlainHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testServerConfig())

	// No upgrade headers: the websocket handshake must fail.
	if rec := f.do(http.MethodGet, "/ws/events", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
