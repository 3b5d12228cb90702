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
	binanceMainnet    = "https://fapi.binance.com"
	binanceTestnet    = "https://testnet.binancefuture.com"
	binanceRecvWindow = "5000"
)

// Binance implements Adapter against the USDT-margined futures API. Signed
// endpoints carry an HMAC-SHA-256 hex signature over the encoded query
// string, with the key in the X-MBX-APIKEY header.
type Binance struct {
	http   *resty.Client
	key    string
	secret string
	logger *slog.Logger
}

func NewBinance(cfg config.BrokerConfig, logger *slog.Logger) *Binance {
	base := cfg.BaseURL
	if base == "" {
		base = binanceMainnet
		if cfg.Testnet {
			base = binanceTestnet
		}
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	return &Binance{
		http:   httpClient,
		key:    cfg.APIKey,
		secret: cfg.APISecret,
		logger: logger.With("component", "binance"),
	}
}

func (b *Binance) Name() string { return "binance" }

// signQuery appends timestamp, recvWindow, and the HMAC signature to the
// query, per the SIGNED endpoint scheme.
func (b *Binance) signQuery(query url.Values) string {
	query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query.Set("recvWindow", binanceRecvWindow)
	qs := query.Encode()

	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(qs))
	return qs + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// decode classifies the response and unmarshals out. Binance reports logical
// failures as {"code":-NNNN,"msg":...} with a 4xx status; -1003 is the
// throttle code and retried like 429/5xx.
func (b *Binance) decode(op string, resp *resty.Response, err error, out any) error {
	if err != nil {
		return fmt.Errorf("%s: %v: %w", op, err, types.ErrBrokerTransient)
	}
	code := resp.StatusCode()
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusTeapot {
		return fmt.Errorf("%s: status %d: %w", op, code, types.ErrBrokerTransient)
	}
	if code != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if jsonErr := json.Unmarshal(resp.Body(), &apiErr); jsonErr == nil && apiErr.Code == -1003 {
			return fmt.Errorf("%s: code %d: %s: %w", op, apiErr.Code, apiErr.Msg, types.ErrBrokerTransient)
		}
		return fmt.Errorf("%s: status %d: %s: %w", op, code, resp.String(), types.ErrBrokerRejected)
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s: decode: %v: %w", op, err, types.ErrBrokerTransient)
		}
	}
	return nil
}

func (b *Binance) signed(ctx context.Context, method, path string, query url.Values, out any) error {
	req := b.http.R().SetContext(ctx).SetQueryString(b.signQuery(query))

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		resp, err = req.Get(path)
	}
	return b.decode(path, resp, err, out)
}

func (b *Binance) public(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		Get(path)
	return b.decode(path, resp, err, out)
}

type binanceOrderRow struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r binanceOrderRow) toOrder() types.Order {
	price := mustDecimal(r.Price)
	orderType := types.OrderType(r.Type)
	if orderType == types.OrderStopMarket {
		price = mustDecimal(r.StopPrice)
	}
	return types.Order{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          types.OrderSide(r.Side),
		Type:          orderType,
		Price:         price,
		Qty:           mustDecimal(r.OrigQty),
		FilledQty:     mustDecimal(r.ExecutedQty),
		AvgFillPrice:  mustDecimal(r.AvgPrice),
		Status:        binanceOrderStatus(r.Status),
		CreatedAt:     time.UnixMilli(r.Time),
		UpdatedAt:     time.UnixMilli(r.UpdateTime),
	}
}

func (b *Binance) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.Order, error) {
	query := url.Values{}
	query.Set("symbol", req.Symbol)
	query.Set("side", string(req.Side))
	query.Set("quantity", req.Qty.String())
	if req.ClientOrderID != "" {
		query.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		query.Set("reduceOnly", "true")
	}

	switch req.Type {
	case types.OrderLimit:
		query.Set("type", "LIMIT")
		query.Set("price", req.Price.String())
		if req.PostOnly {
			query.Set("timeInForce", "GTX") // post-only, canceled if it would cross
		} else {
			query.Set("timeInForce", "GTC")
		}
	case types.OrderMarket:
		query.Set("type", "MARKET")
	case types.OrderStopMarket:
		query.Set("type", "STOP_MARKET")
		query.Set("stopPrice", req.Price.String())
	default:
		return types.Order{}, fmt.Errorf("order type %s: %w", req.Type, types.ErrNotSupported)
	}

	var row binanceOrderRow
	if err := b.signed(ctx, http.MethodPost, "/fapi/v1/order", query, &row); err != nil {
		return types.Order{}, err
	}
	order := row.toOrder()
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	return order, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)
	return b.signed(ctx, http.MethodDelete, "/fapi/v1/order", query, nil)
}

func (b *Binance) GetOrder(ctx context.Context, symbol, orderID string) (types.Order, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)

	var row binanceOrderRow
	if err := b.signed(ctx, http.MethodGet, "/fapi/v1/order", query, &row); err != nil {
		return types.Order{}, err
	}
	return row.toOrder(), nil
}

func (b *Binance) GetAccount(ctx context.Context) (types.Account, error) {
	var result struct {
		TotalMarginBalance string `json:"totalMarginBalance"` // wallet + unrealized
		AvailableBalance   string `json:"availableBalance"`
		TotalInitialMargin string `json:"totalInitialMargin"`
	}
	if err := b.signed(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, &result); err != nil {
		return types.Account{}, err
	}
	return types.Account{
		Equity:     mustDecimal(result.TotalMarginBalance),
		Cash:       mustDecimal(result.AvailableBalance),
		MarginUsed: mustDecimal(result.TotalInitialMargin),
	}, nil
}

// GetPositions reads positionRisk. Binance reports protective stops as
// standalone orders, not position fields, so StopLoss is zero here and the
// reconciler skips stop comparison for this venue.
func (b *Binance) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"` // signed; negative is short
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := b.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &rows); err != nil {
		return nil, err
	}

	out := make([]types.BrokerPosition, 0, len(rows))
	for _, row := range rows {
		amt := mustDecimal(row.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := types.LONG
		if amt.IsNegative() {
			side = types.SHORT
		}
		out = append(out, types.BrokerPosition{
			Symbol:        row.Symbol,
			Side:          side,
			Size:          amt.Abs(),
			AvgEntryPrice: mustDecimal(row.EntryPrice),
			UnrealizedPnL: mustDecimal(row.UnRealizedProfit),
		})
	}
	return out, nil
}

func (b *Binance) OpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", symbol)

	var result struct {
		OpenInterest string `json:"openInterest"`
	}
	if err := b.public(ctx, "/fapi/v1/openInterest", query, &result); err != nil {
		return decimal.Zero, err
	}
	return mustDecimal(result.OpenInterest), nil
}

// Candles fetches klines, which arrive oldest first as mixed-type arrays.
func (b *Binance) Candles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))

	var rows [][]json.RawMessage
	if err := b.public(ctx, "/fapi/v1/klines", query, &rows); err != nil {
		return nil, err
	}

	out := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			continue
		}
		c := types.Candle{OpenTime: time.UnixMilli(openMs)}
		fields := []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		ok := true
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				ok = false
				break
			}
			*dst = mustDecimal(s)
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func binanceOrderStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.OrderNew
	case "PARTIALLY_FILLED":
		return types.OrderPartiallyFilled
	case "FILLED":
		return types.OrderFilled
	case "CANCELED", "EXPIRED":
		return types.OrderCanceled
	case "REJECTED":
		return types.OrderRejected
	default:
		return types.OrderNew
	}
}
