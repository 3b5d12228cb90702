package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/book"
	"perpexec/internal/journal"
	"perpexec/internal/phase"
	"perpexec/pkg/types"
)

const (
	// maxBodyBytes caps webhook payloads. Signals are a few hundred bytes;
	// anything near the cap is garbage.
	maxBodyBytes = 1 << 20

	// brokerProbeTimeout bounds the account fetch inside the health check so
	// a wedged broker cannot stall the probe.
	brokerProbeTimeout = 2 * time.Second

	// codeMalformed is the wire code for payloads that fail to parse or are
	// missing required fields. It never enters the execution pipeline, so it
	// lives here rather than in the shared error taxonomy.
	codeMalformed = "MALFORMED_PAYLOAD"
)

// ----------------------------------------------------------------------------
// Dependencies
// ----------------------------------------------------------------------------

// Pipeline is the slice of the engine the signal and control endpoints drive.
type Pipeline interface {
	Dispatch(ctx context.Context, sig *types.Signal) types.SignalResponse
	CloseSymbol(ctx context.Context, symbol, reason string) (types.TradeRecord, error)
	Flatten(ctx context.Context, reason string) (closed, failed []string)
}

// Books serves point-in-time order book reads.
type Books interface {
	Summary(symbol string) (book.Summary, error)
	Ages() map[string]time.Duration
}

// PositionStore exposes the shadow state read paths.
type PositionStore interface {
	Position(symbol string) (*types.Position, bool)
	Positions() []*types.Position
	Counts() (intents, positions int)
}

// TradeStore serves persisted history and aggregates.
type TradeStore interface {
	History(ctx context.Context, f journal.HistoryFilter) ([]types.TradeRecord, error)
	Performance(ctx context.Context, symbol string) (journal.Performance, error)
	Stats() (queued int, dropped int64)
}

// Broker is the read-only slice of the gateway the API needs.
type Broker interface {
	Name() string
	GetAccount(ctx context.Context) (types.Account, error)
	OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
}

// Phases reports the active capital phase.
type Phases interface {
	Current() phase.Profile
	Equity() decimal.Decimal
}

// Replays reports replay guard occupancy.
type Replays interface {
	Stats() (tracked int, kv bool)
}

// Triggers reports armed client-side triggers.
type Triggers interface {
	Count() int
}

// Deps bundles everything the HTTP surface reads or drives.
type Deps struct {
	Pipeline  Pipeline
	Books     Books
	Positions PositionStore
	Trades    TradeStore
	Broker    Broker
	Phases    Phases
	Replays   Replays
	Triggers  Triggers
}

// ----------------------------------------------------------------------------
// Handlers
// ----------------------------------------------------------------------------

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	deps       Deps
	verifier   *Verifier
	hub        *Hub
	bookMaxAge time.Duration
	started    time.Time
	logger     *slog.Logger
}

// NewHandlers creates the handler set. bookMaxAge is the staleness threshold
// the health check applies to cached books.
func NewHandlers(deps Deps, verifier *Verifier, hub *Hub, bookMaxAge time.Duration, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps:       deps,
		verifier:   verifier,
		hub:        hub,
		bookMaxAge: bookMaxAge,
		started:    time.Now(),
		logger:     logger.With("component", "ingress-handlers"),
	}
}

// HandleWebhook authenticates and dispatches one signal. PREPARE is
// acknowledged before execution finishes; CONFIRM blocks until the strategy
// reports its terminal outcome so the caller gets fill information.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respond(w, start, types.SignalResponse{
			Status: types.StatusRejected, Reason: "unreadable body", Code: codeMalformed,
		})
		return
	}

	source := r.Header.Get(HeaderSource)
	if err := h.verifier.Verify(body, r.Header.Get(HeaderSignature), source); err != nil {
		h.logger.Warn("rejected unauthenticated signal",
			"source", source, "remote", r.RemoteAddr, "error", err)
		h.respond(w, start, types.SignalResponse{
			Status: types.StatusRejected, Reason: "authentication failed", Code: types.Code(err),
		})
		return
	}

	var sig types.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		h.respond(w, start, types.SignalResponse{
			Status: types.StatusRejected, Reason: "malformed payload", Code: codeMalformed,
		})
		return
	}
	if err := validateSignal(&sig); err != nil {
		h.respond(w, start, types.SignalResponse{
			SignalID: sig.SignalID, Status: types.StatusRejected,
			Reason: err.Error(), Code: codeMalformed,
		})
		return
	}
	if sig.Source == "" {
		sig.Source = source
	}

	resp := h.deps.Pipeline.Dispatch(r.Context(), &sig)
	if resp.SignalID == "" {
		resp.SignalID = sig.SignalID
	}
	h.respond(w, start, resp)
}

// validateSignal enforces the fields every signal must carry before it is
// allowed anywhere near the pipeline.
func validateSignal(sig *types.Signal) error {
	switch {
	case sig.SignalID == "":
		return errors.New("signal_id is required")
	case sig.Symbol == "":
		return errors.New("symbol is required")
	case sig.TimestampMs <= 0:
		return errors.New("timestamp is required")
	}
	switch sig.Kind {
	case types.SignalAbort:
		return nil
	case types.SignalPrepare, types.SignalConfirm:
	default:
		return fmt.Errorf("unknown signal type %q", sig.Kind)
	}
	if sig.Direction != 1 && sig.Direction != -1 {
		return errors.New("direction must be +1 or -1")
	}
	if len(sig.EntryZone) == 0 {
		return errors.New("entry_zone is required")
	}
	if sig.StopLoss.IsZero() {
		return errors.New("stop_loss is required")
	}
	switch sig.TriggerCond {
	case "", ">", "<", ">=", "<=":
	default:
		return fmt.Errorf("unknown trigger_condition %q", sig.TriggerCond)
	}
	return nil
}

func (h *Handlers) respond(w http.ResponseWriter, start time.Time, resp types.SignalResponse) {
	resp.LatencyMs = time.Since(start).Milliseconds()
	h.writeJSON(w, statusFor(resp), resp)
}

// statusFor maps a signal response onto an HTTP status. Terminal execution
// outcomes (missed entry, fill timeout) are well-formed requests that were
// processed to completion, so they stay 200 with success=false.
func statusFor(resp types.SignalResponse) int {
	if resp.Success {
		if resp.Status == types.StatusAccepted {
			return http.StatusAccepted
		}
		return http.StatusOK
	}
	switch resp.Code {
	case codeMalformed, "STALE_TIMESTAMP":
		return http.StatusBadRequest
	case "INVALID_SIGNATURE":
		return http.StatusUnauthorized
	case "REPLAYED_SIGNAL":
		return http.StatusConflict
	case "SIGNAL_TYPE_NOT_ALLOWED", "NO_MARKET_DATA", "WIDE_SPREAD",
		"INSUFFICIENT_DEPTH", "OBI_ADVERSE", "WEAK_STRUCTURE":
		return http.StatusUnprocessableEntity
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	case "INTERNAL":
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// ----------------------------------------------------------------------------
// Health
// ----------------------------------------------------------------------------

// HealthReport is the control-plane view of subsystem health.
type HealthReport struct {
	Status        string        `json:"status"` // ok | degraded
	Uptime        string        `json:"uptime"`
	Broker        BrokerHealth  `json:"broker"`
	Books         BooksHealth   `json:"books"`
	Replay        ReplayHealth  `json:"replay"`
	Shadow        ShadowHealth  `json:"shadow"`
	Journal       JournalHealth `json:"journal"`
	Phase         PhaseHealth   `json:"phase"`
	ArmedTriggers int           `json:"armed_triggers"`
}

type BrokerHealth struct {
	Name      string          `json:"name"`
	Connected bool            `json:"connected"`
	Equity    decimal.Decimal `json:"equity"`
	Error     string          `json:"error,omitempty"`
}

type BooksHealth struct {
	Ages  map[string]string `json:"ages"`
	Stale int               `json:"stale"`
}

type ReplayHealth struct {
	Tracked     int  `json:"tracked"`
	KVConnected bool `json:"kv_connected"`
}

type ShadowHealth struct {
	Intents   int `json:"intents"`
	Positions int `json:"positions"`
}

type JournalHealth struct {
	Queued  int   `json:"queued"`
	Dropped int64 `json:"dropped"`
}

type PhaseHealth struct {
	Phase  int             `json:"phase"`
	Label  string          `json:"label"`
	Equity decimal.Decimal `json:"equity"`
}

// HandleHealth reports subsystem health. The broker is probed live with a
// short deadline; everything else is read from in-memory counters.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Broker: BrokerHealth{Name: h.deps.Broker.Name(), Connected: true},
		Books:  BooksHealth{Ages: make(map[string]string)},
	}

	ctx, cancel := context.WithTimeout(r.Context(), brokerProbeTimeout)
	defer cancel()
	if acct, err := h.deps.Broker.GetAccount(ctx); err != nil {
		report.Status = "degraded"
		report.Broker.Connected = false
		report.Broker.Error = err.Error()
	} else {
		report.Broker.Equity = acct.Equity
	}

	for sym, age := range h.deps.Books.Ages() {
		report.Books.Ages[sym] = age.Round(time.Millisecond).String()
		if age > h.bookMaxAge {
			report.Books.Stale++
		}
	}
	if report.Books.Stale > 0 {
		report.Status = "degraded"
	}

	report.Replay.Tracked, report.Replay.KVConnected = h.deps.Replays.Stats()
	report.Shadow.Intents, report.Shadow.Positions = h.deps.Positions.Counts()
	if h.deps.Trades != nil {
		report.Journal.Queued, report.Journal.Dropped = h.deps.Trades.Stats()
	}

	prof := h.deps.Phases.Current()
	report.Phase = PhaseHealth{Phase: prof.Phase, Label: prof.Label, Equity: h.deps.Phases.Equity()}
	report.ArmedTriggers = h.deps.Triggers.Count()

	h.writeJSON(w, http.StatusOK, report)
}

// ----------------------------------------------------------------------------
// Positions and close paths
// ----------------------------------------------------------------------------

type positionsResponse struct {
	Count     int               `json:"count"`
	Positions []*types.Position `json:"positions"`
}

// HandlePositions lists open positions from shadow state.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.deps.Positions.Positions()
	h.writeJSON(w, http.StatusOK, positionsResponse{Count: len(positions), Positions: positions})
}

type closeRequest struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

type closeResponse struct {
	Success bool              `json:"success"`
	Trade   types.TradeRecord `json:"trade"`
}

// HandleClose closes one position by symbol at market.
func (h *Handlers) HandleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeMalformed, "malformed body")
		return
	}
	if req.Symbol == "" {
		h.writeError(w, http.StatusBadRequest, codeMalformed, "symbol is required")
		return
	}
	if _, ok := h.deps.Positions.Position(req.Symbol); !ok {
		h.writeError(w, http.StatusNotFound, "NO_POSITION", "no open position for "+req.Symbol)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual close"
	}

	trade, err := h.deps.Pipeline.CloseSymbol(r.Context(), req.Symbol, reason)
	if err != nil {
		h.logger.Error("manual close failed", "symbol", req.Symbol, "error", err)
		h.writeError(w, http.StatusBadGateway, types.Code(err), err.Error())
		return
	}
	h.logger.Info("position closed manually", "symbol", req.Symbol, "pnl", trade.RealizedPnL)
	h.writeJSON(w, http.StatusOK, closeResponse{Success: true, Trade: trade})
}

type flattenResponse struct {
	Closed []string `json:"closed"`
	Failed []string `json:"failed"`
}

// HandleFlatten closes every open position. Per-symbol failures are reported,
// not fatal, so one wedged symbol cannot block the rest of the flatten.
func (h *Handlers) HandleFlatten(w http.ResponseWriter, r *http.Request) {
	closed, failed := h.deps.Pipeline.Flatten(r.Context(), "emergency flatten")
	h.logger.Warn("emergency flatten requested",
		"remote", r.RemoteAddr, "closed", len(closed), "failed", len(failed))
	h.writeJSON(w, http.StatusOK, flattenResponse{
		Closed: emptyNotNil(closed),
		Failed: emptyNotNil(failed),
	})
}

// emptyNotNil keeps JSON arrays as [] rather than null.
func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ----------------------------------------------------------------------------
// History and performance
// ----------------------------------------------------------------------------

type historyResponse struct {
	Count  int                 `json:"count"`
	Trades []types.TradeRecord `json:"trades"`
}

// HandleHistory queries realized trades with pagination and filters.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trades == nil {
		h.writeError(w, http.StatusServiceUnavailable, types.Code(types.ErrPersistenceUnavailable), "journal disabled")
		return
	}
	f, err := parseHistoryFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeMalformed, err.Error())
		return
	}
	trades, err := h.deps.Trades.History(r.Context(), f)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, types.Code(err), "history query failed")
		return
	}
	if trades == nil {
		trades = []types.TradeRecord{}
	}
	h.writeJSON(w, http.StatusOK, historyResponse{Count: len(trades), Trades: trades})
}

func parseHistoryFilter(r *http.Request) (journal.HistoryFilter, error) {
	q := r.URL.Query()
	f := journal.HistoryFilter{Symbol: q.Get("symbol")}

	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		return f, fmt.Errorf("invalid limit: %w", err)
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return f, fmt.Errorf("invalid offset: %w", err)
	}
	if raw := q.Get("phase"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("invalid phase: %w", err)
		}
		f.Phase = &p
	}
	if raw := q.Get("regime_state"); raw != "" {
		rs, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("invalid regime_state: %w", err)
		}
		f.RegimeState = &rs
	}
	if f.Since, err = timeParam(q.Get("start_date")); err != nil {
		return f, fmt.Errorf("invalid start_date: %w", err)
	}
	if f.Until, err = timeParam(q.Get("end_date")); err != nil {
		return f, fmt.Errorf("invalid end_date: %w", err)
	}
	return f, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// timeParam accepts RFC 3339 timestamps or bare UTC dates.
func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// HandlePerformance returns the aggregate trading summary, optionally scoped
// to one symbol.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	if h.deps.Trades == nil {
		h.writeError(w, http.StatusServiceUnavailable, types.Code(types.ErrPersistenceUnavailable), "journal disabled")
		return
	}
	perf, err := h.deps.Trades.Performance(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, types.Code(err), "performance query failed")
		return
	}
	h.writeJSON(w, http.StatusOK, perf)
}

// ----------------------------------------------------------------------------
// Market data
// ----------------------------------------------------------------------------

// MarketView is the /market response: the book summary plus whatever optional
// broker capabilities answered.
type MarketView struct {
	Book         book.Summary     `json:"book"`
	MidPrice     decimal.Decimal  `json:"mid_price"`
	OpenInterest *decimal.Decimal `json:"open_interest,omitempty"`
	Candles      []types.Candle   `json:"candles,omitempty"`
}

// HandleMarket serves the live view for one symbol. Open interest and candles
// are best-effort: adapters without those capabilities just leave them out.
func (h *Handlers) HandleMarket(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		h.writeError(w, http.StatusBadRequest, codeMalformed, "symbol is required")
		return
	}

	summary, err := h.deps.Books.Summary(symbol)
	if err != nil {
		h.writeError(w, http.StatusNotFound, types.Code(err), err.Error())
		return
	}
	view := MarketView{Book: summary, MidPrice: summary.MidPrice()}

	if oi, err := h.deps.Broker.OpenInterest(r.Context(), symbol); err == nil {
		view.OpenInterest = &oi
	} else if !errors.Is(err, types.ErrNotSupported) {
		h.logger.Warn("open interest lookup failed", "symbol", symbol, "error", err)
	}

	if n, err := intParam(r.URL.Query().Get("candles"), 0); err == nil && n > 0 {
		if n > 200 {
			n = 200
		}
		interval := r.URL.Query().Get("interval")
		if interval == "" {
			interval = "1m"
		}
		candles, err := h.deps.Broker.Candles(r.Context(), symbol, interval, n)
		if err != nil && !errors.Is(err, types.ErrNotSupported) {
			h.logger.Warn("candle fetch failed", "symbol", symbol, "error", err)
		}
		view.Candles = candles
	}

	h.writeJSON(w, http.StatusOK, view)
}

// ----------------------------------------------------------------------------
// Event stream
// ----------------------------------------------------------------------------

// HandleEvents upgrades the connection and attaches it to the event hub.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	h.hub.serveWS(w, r)
}

// ----------------------------------------------------------------------------
// JSON plumbing
// ----------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
