package domain

import (
	"context"
	"time"
)

// Exchange defines the spot exchange capabilities the engine consumes.
type Exchange interface {
	PlaceMarketOrder(ctx context.Context, pair string, side OrderSide, qty float64) (*Order, error)
	PlaceStopLimit(ctx context.Context, pair string, side OrderSide, qty, stopPrice, limitPrice float64) (*Order, error)
	PlaceOCO(ctx context.Context, pair string, side OrderSide, qty, takeProfitPrice, stopPrice, stopLimitPrice float64) (*OCOOrder, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	GetOrderStatus(ctx context.Context, pair, orderID string) (*Order, error)
	GetBalances(ctx context.Context) (map[string]Balance, error)
	GetSymbolFilters(ctx context.Context, pair string) (*SymbolFilters, error)
	GetTicker(ctx context.Context, pair string) (float64, error)
	GetCandles(ctx context.Context, pair, interval string, limit int) ([]Candle, error)
	GetRecentTrades(ctx context.Context, pair string, since time.Time) ([]AccountTrade, error)
}

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimitMaker    OrderType = "LIMIT_MAKER"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Order is the exchange's view of a single order.
type Order struct {
	ID          string      `json:"id"`
	Pair        string      `json:"pair"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Status      OrderStatus `json:"status"`
	Quantity    float64     `json:"quantity"`
	ExecutedQty float64     `json:"executed_qty"`
	Price       float64     `json:"price"`
	StopPrice   float64     `json:"stop_price"`
	AvgPrice    float64     `json:"avg_price"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// FillPrice returns the average execution price, or the fallback when the
// exchange did not report one.
func (o *Order) FillPrice(fallback float64) float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	if o.Price > 0 {
		return o.Price
	}
	return fallback
}

// OCOOrder is a one-cancels-the-other pair of a limit maker and a stop leg.
type OCOOrder struct {
	ListID string   `json:"list_id"`
	Legs   []*Order `json:"legs"`
}

// StopLegID returns the id of the STOP_LOSS_LIMIT leg, or "".
func (o *OCOOrder) StopLegID() string {
	for _, leg := range o.Legs {
		if leg.Type == OrderTypeStopLossLimit {
			return leg.ID
		}
	}
	return ""
}

type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total includes quantity locked in resting orders such as protective stops.
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// SymbolFilters holds the trading rules for one pair.
type SymbolFilters struct {
	Pair        string  `json:"pair"`
	BaseAsset   string  `json:"base_asset"`
	QuoteAsset  string  `json:"quote_asset"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	MinNotional float64 `json:"min_notional"`
}

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// AccountTrade is one fill from the account's trade history.
type AccountTrade struct {
	ID       string    `json:"id"`
	OrderID  string    `json:"order_id"`
	Pair     string    `json:"pair"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	IsBuyer  bool      `json:"is_buyer"`
	Time     time.Time `json:"time"`
}
