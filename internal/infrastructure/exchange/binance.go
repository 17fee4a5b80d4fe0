package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	BinanceBaseURL = "https://api.binance.com"
	recvWindow     = 5000
)

type BinanceOptions struct {
	BaseURL           string        `yaml:"base_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

// BinanceAdapter implements domain.Exchange against the Binance spot REST API.
type BinanceAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
	timeNow   func() time.Time // For testing
}

func NewBinanceAdapter(apiKey, apiSecret string, opts BinanceOptions, logger *zap.Logger) *BinanceAdapter {
	if opts.BaseURL == "" {
		opts.BaseURL = BinanceBaseURL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &BinanceAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		client:    &http.Client{Timeout: opts.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:    logger,
		timeNow:   time.Now,
	}
}

// --- REST API ---

func (b *BinanceAdapter) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *BinanceAdapter) sendRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &domain.ExchangeError{Message: "rate limiter", Kind: domain.KindTransient, Err: err}
	}

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(b.timeNow().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindow))
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + b.sign(query)
	}

	endpoint := b.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &domain.ExchangeError{Message: method + " " + path, Kind: domain.KindTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ExchangeError{Message: "read response", Kind: domain.KindTransient, Err: err}
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		exErr := &domain.ExchangeError{
			Code:    apiErr.Code,
			Message: apiErr.Msg,
			Kind:    classify(resp.StatusCode, apiErr.Code, apiErr.Msg),
		}
		b.logger.Debug("Binance API error",
			zap.String("path", path), zap.Int("status", resp.StatusCode),
			zap.Int("code", apiErr.Code), zap.String("msg", apiErr.Msg))
		return nil, exErr
	}

	return body, nil
}

// classify maps Binance error codes onto the kinds the engine reacts to.
func classify(status, code int, msg string) domain.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return domain.KindTransient
	case code == -1003 || code == -1021 || code == -1001 || code == -1007:
		return domain.KindTransient
	case code == -2013 || code == -2011:
		return domain.KindNotFound
	case code == -2010 || code == -1013:
		if strings.Contains(lower, "not supported") {
			return domain.KindUnsupportedOrderType
		}
		if code == -1013 {
			return domain.KindMinNotional
		}
		if strings.Contains(lower, "insufficient") {
			return domain.KindInsufficientBalance
		}
		if strings.Contains(lower, "notional") {
			return domain.KindMinNotional
		}
	}
	return domain.KindUnknown
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func (b *BinanceAdapter) Ping(ctx context.Context) error {
	_, err := b.sendRequest(ctx, http.MethodGet, "/api/v3/ping", nil, false)
	return err
}

// ServerTime returns the exchange clock, used to check local drift.
func (b *BinanceAdapter) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := b.sendRequest(ctx, http.MethodGet, "/api/v3/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	return time.UnixMilli(result.ServerTime).UTC(), nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Price               string `json:"price"`
	StopPrice           string `json:"stopPrice"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

func (r *orderResponse) toDomain() *domain.Order {
	executed := parseFloat(r.ExecutedQty)
	order := &domain.Order{
		ID:          strconv.FormatInt(r.OrderID, 10),
		Pair:        r.Symbol,
		Side:        domain.OrderSide(r.Side),
		Type:        domain.OrderType(r.Type),
		Status:      orderStatus(r.Status),
		Quantity:    parseFloat(r.OrigQty),
		ExecutedQty: executed,
		Price:       parseFloat(r.Price),
		StopPrice:   parseFloat(r.StopPrice),
	}
	if quote := parseFloat(r.CummulativeQuoteQty); executed > 0 && quote > 0 {
		order.AvgPrice = quote / executed
	}
	switch {
	case r.UpdateTime > 0:
		order.UpdatedAt = time.UnixMilli(r.UpdateTime).UTC()
	case r.TransactTime > 0:
		order.UpdatedAt = time.UnixMilli(r.TransactTime).UTC()
	}
	return order
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired
	case "PENDING_CANCEL":
		return domain.OrderStatusCanceled
	}
	return domain.OrderStatus(s)
}

func (b *BinanceAdapter) PlaceMarketOrder(ctx context.Context, pair string, side domain.OrderSide, qty float64) (*domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", string(side))
	params.Set("type", string(domain.OrderTypeMarket))
	params.Set("quantity", formatFloat(qty))
	params.Set("newOrderRespType", "FULL")

	body, err := b.sendRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return resp.toDomain(), nil
}

func (b *BinanceAdapter) PlaceStopLimit(ctx context.Context, pair string, side domain.OrderSide, qty, stopPrice, limitPrice float64) (*domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", string(side))
	params.Set("type", string(domain.OrderTypeStopLossLimit))
	params.Set("timeInForce", "GTC")
	params.Set("quantity", formatFloat(qty))
	params.Set("price", formatFloat(limitPrice))
	params.Set("stopPrice", formatFloat(stopPrice))

	body, err := b.sendRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return resp.toDomain(), nil
}

func (b *BinanceAdapter) PlaceOCO(ctx context.Context, pair string, side domain.OrderSide, qty, takeProfitPrice, stopPrice, stopLimitPrice float64) (*domain.OCOOrder, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", string(side))
	params.Set("quantity", formatFloat(qty))
	params.Set("price", formatFloat(takeProfitPrice))
	params.Set("stopPrice", formatFloat(stopPrice))
	params.Set("stopLimitPrice", formatFloat(stopLimitPrice))
	params.Set("stopLimitTimeInForce", "GTC")

	body, err := b.sendRequest(ctx, http.MethodPost, "/api/v3/order/oco", params, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderListID  int64           `json:"orderListId"`
		OrderReports []orderResponse `json:"orderReports"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode oco: %w", err)
	}

	oco := &domain.OCOOrder{ListID: strconv.FormatInt(resp.OrderListID, 10)}
	for i := range resp.OrderReports {
		oco.Legs = append(oco.Legs, resp.OrderReports[i].toDomain())
	}
	return oco, nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, pair, orderID string) error {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("orderId", orderID)
	_, err := b.sendRequest(ctx, http.MethodDelete, "/api/v3/order", params, true)
	return err
}

func (b *BinanceAdapter) GetOrderStatus(ctx context.Context, pair, orderID string) (*domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("orderId", orderID)

	body, err := b.sendRequest(ctx, http.MethodGet, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return resp.toDomain(), nil
}

func (b *BinanceAdapter) GetBalances(ctx context.Context) (map[string]domain.Balance, error) {
	body, err := b.sendRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{"omitZeroBalances": {"true"}}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}

	out := make(map[string]domain.Balance, len(resp.Balances))
	for _, bal := range resp.Balances {
		free, locked := parseFloat(bal.Free), parseFloat(bal.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out[bal.Asset] = domain.Balance{Asset: bal.Asset, Free: free, Locked: locked}
	}
	return out, nil
}

func (b *BinanceAdapter) GetSymbolFilters(ctx context.Context, pair string) (*domain.SymbolFilters, error) {
	body, err := b.sendRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", url.Values{"symbol": {pair}}, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(resp.Symbols) == 0 {
		return nil, fmt.Errorf("symbol %s not found", pair)
	}

	s := resp.Symbols[0]
	f := &domain.SymbolFilters{Pair: s.Symbol, BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
	for _, filter := range s.Filters {
		switch filter.FilterType {
		case "PRICE_FILTER":
			f.TickSize = parseFloat(filter.TickSize)
		case "LOT_SIZE":
			f.StepSize = parseFloat(filter.StepSize)
			f.MinQty = parseFloat(filter.MinQty)
			f.MaxQty = parseFloat(filter.MaxQty)
		case "NOTIONAL", "MIN_NOTIONAL":
			if v := parseFloat(filter.MinNotional); v > f.MinNotional {
				f.MinNotional = v
			}
		}
	}
	return f, nil
}

func (b *BinanceAdapter) GetTicker(ctx context.Context, pair string) (float64, error) {
	body, err := b.sendRequest(ctx, http.MethodGet, "/api/v3/ticker/price", url.Values{"symbol": {pair}}, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	price := parseFloat(resp.Price)
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %q for %s", resp.Price, pair)
	}
	return price, nil
}

func (b *BinanceAdapter) GetCandles(ctx context.Context, pair, interval string, limit int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := b.sendRequest(ctx, http.MethodGet, "/api/v3/klines", params, false)
	if err != nil {
		return nil, err
	}
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTime, _ := row[0].(float64)
		candles = append(candles, domain.Candle{
			Time:   int64(openTime),
			Open:   klineFloat(row[1]),
			High:   klineFloat(row[2]),
			Low:    klineFloat(row[3]),
			Close:  klineFloat(row[4]),
			Volume: klineFloat(row[5]),
		})
	}
	return candles, nil
}

func klineFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		return parseFloat(t)
	case float64:
		return t
	}
	return 0
}

func (b *BinanceAdapter) GetRecentTrades(ctx context.Context, pair string, since time.Time) ([]domain.AccountTrade, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))

	body, err := b.sendRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, true)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID      int64  `json:"id"`
		OrderID int64  `json:"orderId"`
		Symbol  string `json:"symbol"`
		Price   string `json:"price"`
		Qty     string `json:"qty"`
		Time    int64  `json:"time"`
		IsBuyer bool   `json:"isBuyer"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}

	trades := make([]domain.AccountTrade, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, domain.AccountTrade{
			ID:       strconv.FormatInt(r.ID, 10),
			OrderID:  strconv.FormatInt(r.OrderID, 10),
			Pair:     r.Symbol,
			Price:    parseFloat(r.Price),
			Quantity: parseFloat(r.Qty),
			IsBuyer:  r.IsBuyer,
			Time:     time.UnixMilli(r.Time).UTC(),
		})
	}
	return trades, nil
}
