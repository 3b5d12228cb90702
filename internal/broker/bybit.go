package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/pkg/types"
)

const (
	bybitMainnet    = "https://api.bybit.com"
	bybitTestnet    = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
	bybitCategory   = "linear" // USDT perpetuals
)

// Bybit implements Adapter against the Bybit v5 unified API. Requests are
// signed with HMAC-SHA-256 over timestamp + key + recvWindow + payload.
type Bybit struct {
	http   *resty.Client
	key    string
	secret string
	logger *slog.Logger
}

func NewBybit(cfg config.BrokerConfig, logger *slog.Logger) *Bybit {
	base := cfg.BaseURL
	if base == "" {
		base = bybitMainnet
		if cfg.Testnet {
			base = bybitTestnet
		}
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Bybit{
		http:   httpClient,
		key:    cfg.APIKey,
		secret: cfg.APISecret,
		logger: logger.With("component", "bybit"),
	}
}

func (b *Bybit) Name() string { return "bybit" }

// signedHeaders builds the v5 auth headers. payload is the raw JSON body for
// POST requests and the encoded query string for GET requests.
func (b *Bybit) signedHeaders(payload string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(ts + b.key + bybitRecvWindow + payload))

	return map[string]string{
		"X-BAPI-API-KEY":     b.key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": bybitRecvWindow,
		"X-BAPI-SIGN":        hex.EncodeToString(mac.Sum(nil)),
	}
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// decode classifies the response and unmarshals result into out. Transport
// errors, 5xx, and 429 are transient; non-zero retCodes are rejections except
// the documented throttle/internal codes.
func (b *Bybit) decode(op string, resp *resty.Response, err error, out any) error {
	if err != nil {
		return fmt.Errorf("%s: %v: %w", op, err, types.ErrBrokerTransient)
	}
	if code := resp.StatusCode(); code >= 500 || code == http.StatusTooManyRequests {
		return fmt.Errorf("%s: status %d: %w", op, code, types.ErrBrokerTransient)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode(), resp.String(), types.ErrBrokerRejected)
	}

	var env bybitEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%s: decode envelope: %v: %w", op, err, types.ErrBrokerTransient)
	}
	if env.RetCode != 0 {
		// 10006 = rate limited, 10016 = internal server error
		if env.RetCode == 10006 || env.RetCode == 10016 {
			return fmt.Errorf("%s: retCode %d: %s: %w", op, env.RetCode, env.RetMsg, types.ErrBrokerTransient)
		}
		return fmt.Errorf("%s: retCode %d: %s: %w", op, env.RetCode, env.RetMsg, types.ErrBrokerRejected)
	}

	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %v: %w", op, err, types.ErrBrokerTransient)
		}
	}
	return nil
}

func (b *Bybit) post(ctx context.Context, path string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", path, err)
	}

	resp, err := b.http.R().
		SetContext(ctx).
		SetHeaders(b.signedHeaders(string(raw))).
		SetBody(json.RawMessage(raw)).
		Post(path)
	return b.decode(path, resp, err, out)
}

func (b *Bybit) get(ctx context.Context, path string, query url.Values, out any) error {
	qs := query.Encode()
	resp, err := b.http.R().
		SetContext(ctx).
		SetHeaders(b.signedHeaders(qs)).
		SetQueryParamsFromValues(query).
		Get(path)
	return b.decode(path, resp, err, out)
}

func (b *Bybit) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	body := map[string]any{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"qty":         req.Qty.String(),
		"reduceOnly":  req.ReduceOnly,
		"orderLinkId": req.ClientOrderID,
	}

	switch req.Type {
	case types.OrderLimit:
		body["orderType"] = "Limit"
		body["price"] = req.Price.String()
		if req.PostOnly {
			body["timeInForce"] = "PostOnly"
		} else {
			body["timeInForce"] = "GTC"
		}
	case types.OrderMarket:
		body["orderType"] = "Market"
		body["timeInForce"] = "IOC"
	case types.OrderStopMarket:
		body["orderType"] = "Market"
		body["timeInForce"] = "IOC"
		body["triggerPrice"] = req.Price.String()
		// A sell stop fires on falling price, a buy stop on rising.
		if req.Side == types.SELL {
			body["triggerDirection"] = 2
		} else {
			body["triggerDirection"] = 1
		}
	default:
		return types.Order{}, fmt.Errorf("order type %s: %w", req.Type, types.ErrNotSupported)
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.post(ctx, "/v5/order/create", body, &result); err != nil {
		return types.Order{}, err
	}

	now := time.Now()
	return types.Order{
		OrderID:       result.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Qty:           req.Qty,
		Status:        types.OrderNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return b.post(ctx, "/v5/order/cancel", body, nil)
}

type bybitOrderRow struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (b *Bybit) GetOrder(ctx context.Context, symbol, orderID string) (types.Order, error) {
	query := url.Values{}
	query.Set("category", bybitCategory)
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)

	var result struct {
		List []bybitOrderRow `json:"list"`
	}
	if err := b.get(ctx, "/v5/order/realtime", query, &result); err != nil {
		return types.Order{}, err
	}
	if len(result.List) == 0 {
		return types.Order{}, fmt.Errorf("order %s not found: %w", orderID, types.ErrBrokerRejected)
	}

	row := result.List[0]
	order := types.Order{
		OrderID:       row.OrderID,
		ClientOrderID: row.OrderLinkID,
		Symbol:        row.Symbol,
		Price:         mustDecimal(row.Price),
		Qty:           mustDecimal(row.Qty),
		FilledQty:     mustDecimal(row.CumExecQty),
		AvgFillPrice:  mustDecimal(row.AvgPrice),
		Status:        bybitOrderStatus(row.OrderStatus),
		CreatedAt:     msTime(row.CreatedTime),
		UpdatedAt:     msTime(row.UpdatedTime),
	}
	if row.Side == "Sell" {
		order.Side = types.SELL
	} else {
		order.Side = types.BUY
	}
	if row.OrderType == "Market" {
		order.Type = types.OrderMarket
	} else {
		order.Type = types.OrderLimit
	}
	return order, nil
}

func (b *Bybit) GetAccount(ctx context.Context) (types.Account, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/account/wallet-balance", query, &result); err != nil {
		return types.Account{}, err
	}
	if len(result.List) == 0 {
		return types.Account{}, fmt.Errorf("empty wallet balance: %w", types.ErrBrokerRejected)
	}

	row := result.List[0]
	return types.Account{
		Equity:     mustDecimal(row.TotalEquity),
		Cash:       mustDecimal(row.TotalAvailableBalance),
		MarginUsed: mustDecimal(row.TotalInitialMargin),
	}, nil
}

func (b *Bybit) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	query := url.Values{}
	query.Set("category", bybitCategory)
	query.Set("settleCoin", "USDT")

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			StopLoss      string `json:"stopLoss"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/position/list", query, &result); err != nil {
		return nil, err
	}

	out := make([]types.BrokerPosition, 0, len(result.List))
	for _, row := range result.List {
		size := mustDecimal(row.Size)
		if !size.IsPositive() {
			continue // flat rows are reported with size 0
		}
		side := types.LONG
		if row.Side == "Sell" {
			side = types.SHORT
		}
		out = append(out, types.BrokerPosition{
			Symbol:        row.Symbol,
			Side:          side,
			Size:          size,
			AvgEntryPrice: mustDecimal(row.AvgPrice),
			StopLoss:      mustDecimal(row.StopLoss),
			UnrealizedPnL: mustDecimal(row.UnrealisedPnl),
		})
	}
	return out, nil
}

// OpenInterest fetches the latest open-interest sample.
func (b *Bybit) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("category", bybitCategory)
	query.Set("symbol", symbol)
	query.Set("intervalTime", "5min")
	query.Set("limit", "1")

	var result struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/open-interest", query, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, fmt.Errorf("no open interest for %s: %w", symbol, types.ErrBrokerRejected)
	}
	return mustDecimal(result.List[0].OpenInterest), nil
}

// Candles fetches klines, returned oldest first.
func (b *Bybit) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	query := url.Values{}
	query.Set("category", bybitCategory)
	query.Set("symbol", symbol)
	query.Set("interval", bybitInterval(interval))
	query.Set("limit", strconv.Itoa(limit))

	var result struct {
		List [][]string `json:"list"` // [start, open, high, low, close, volume, turnover], newest first
	}
	if err := b.get(ctx, "/v5/market/kline", query, &result); err != nil {
		return nil, err
	}

	out := make([]types.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		out = append(out, types.Candle{
			OpenTime: msTime(row[0]),
			Open:     mustDecimal(row[1]),
			High:     mustDecimal(row[2]),
			Low:      mustDecimal(row[3]),
			Close:    mustDecimal(row[4]),
			Volume:   mustDecimal(row[5]),
		})
	}
	return out, nil
}

func bybitSide(s types.OrderSide) string {
	if s == types.SELL {
		return "Sell"
	}
	return "Buy"
}

func bybitOrderStatus(s string) types.OrderStatus {
	switch s {
	case "New", "Untriggered", "Triggered":
		return types.OrderNew
	case "PartiallyFilled":
		return types.OrderPartiallyFilled
	case "Filled":
		return types.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return types.OrderCanceled
	case "Rejected":
		return types.OrderRejected
	default:
		return types.OrderNew
	}
}

func bybitInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return interval
	}
}

// mustDecimal parses venue-reported numbers, treating blanks and garbage as
// zero rather than failing a whole response row.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
