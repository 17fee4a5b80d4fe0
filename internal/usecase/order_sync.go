package usecase

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
)

// QuantityCheck is the outcome of ValidateOrderQuantity.
type QuantityCheck struct {
	Quantity   float64
	NotionalOK bool
	// MinNotionalQuantity is set when NotionalOK is false: the smallest
	// step-aligned quantity that satisfies the min notional filter.
	MinNotionalQuantity float64
}

// OrderSynchronizer places entry/exit orders and keeps the broker-side
// protective stop mirroring each position's stop loss.
type OrderSynchronizer struct {
	exchange domain.Exchange
	settings OrderSettings
	logger   *zap.Logger

	mu      sync.Mutex
	filters map[string]*domain.SymbolFilters
}

func NewOrderSynchronizer(exchange domain.Exchange, settings OrderSettings, logger *zap.Logger) *OrderSynchronizer {
	return &OrderSynchronizer{
		exchange: exchange,
		settings: settings,
		logger:   logger,
		filters:  make(map[string]*domain.SymbolFilters),
	}
}

// Filters returns the cached trading rules for pair, fetching them once.
func (s *OrderSynchronizer) Filters(ctx context.Context, pair string) (*domain.SymbolFilters, error) {
	s.mu.Lock()
	f, ok := s.filters[pair]
	s.mu.Unlock()
	if ok {
		return f, nil
	}

	f, err := s.exchange.GetSymbolFilters(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("symbol filters for %s: %w", pair, err)
	}

	s.mu.Lock()
	s.filters[pair] = f
	s.mu.Unlock()
	return f, nil
}

func (s *OrderSynchronizer) RoundPrice(ctx context.Context, pair string, price float64) float64 {
	f, err := s.Filters(ctx, pair)
	if err != nil || f.TickSize <= 0 {
		return floorDecimals(price, s.settings.PriceDecimals)
	}
	return floorToStep(price, f.TickSize)
}

func (s *OrderSynchronizer) RoundQuantity(ctx context.Context, pair string, qty float64) float64 {
	f, err := s.Filters(ctx, pair)
	if err != nil || f.StepSize <= 0 {
		return floorDecimals(qty, s.settings.QuantityDecimals)
	}
	return floorToStep(qty, f.StepSize)
}

// ValidateOrderQuantity clamps and rounds qty against the pair's lot filters.
// It errors when the quantity is below the exchange minimum.
func (s *OrderSynchronizer) ValidateOrderQuantity(ctx context.Context, pair string, qty, price float64) (QuantityCheck, error) {
	f, err := s.Filters(ctx, pair)
	if err != nil {
		rounded := floorDecimals(qty, s.settings.QuantityDecimals)
		if rounded <= 0 {
			return QuantityCheck{}, fmt.Errorf("%w: %v", domain.ErrBelowMinQuantity, qty)
		}
		return QuantityCheck{Quantity: rounded, NotionalOK: true}, nil
	}

	if f.MaxQty > 0 && qty > f.MaxQty {
		qty = f.MaxQty
	}
	var rounded float64
	if f.StepSize > 0 {
		rounded = floorToStep(qty, f.StepSize)
	} else {
		rounded = floorDecimals(qty, s.settings.QuantityDecimals)
	}
	if rounded <= 0 || rounded < f.MinQty {
		return QuantityCheck{}, fmt.Errorf("%w: %v < %v", domain.ErrBelowMinQuantity, rounded, f.MinQty)
	}

	check := QuantityCheck{Quantity: rounded, NotionalOK: true}
	if f.MinNotional > 0 && price > 0 && rounded*price < f.MinNotional {
		check.NotionalOK = false
		needed := f.MinNotional / price
		if f.StepSize > 0 {
			needed = ceilToStep(needed, f.StepSize)
		}
		check.MinNotionalQuantity = needed
	}
	return check, nil
}

func (s *OrderSynchronizer) MarketBuy(ctx context.Context, pair string, qty float64) (*domain.Order, error) {
	return s.exchange.PlaceMarketOrder(ctx, pair, domain.SideBuy, qty)
}

func (s *OrderSynchronizer) MarketSell(ctx context.Context, pair string, qty float64) (*domain.Order, error) {
	return s.exchange.PlaceMarketOrder(ctx, pair, domain.SideSell, qty)
}

// CreateProtectiveStop places a STOP_LOSS_LIMIT sell at the position's stop,
// falling back to an OCO when the pair rejects that order type. It returns
// the stop order id, or "" if the position is left unprotected.
func (s *OrderSynchronizer) CreateProtectiveStop(ctx context.Context, pos *domain.Position) string {
	qty := s.RoundQuantity(ctx, pos.Pair, pos.Size)
	stop := s.RoundPrice(ctx, pos.Pair, pos.StopLoss)
	limit := s.RoundPrice(ctx, pos.Pair, stop*(1-s.settings.StopLimitOffsetPercent/100))

	order, err := s.exchange.PlaceStopLimit(ctx, pos.Pair, domain.SideSell, qty, stop, limit)
	if err == nil {
		pos.ProtectiveOrderID = order.ID
		s.logger.Info("Protective stop placed",
			zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
			zap.String("order_id", order.ID), zap.Float64("stop", stop), zap.Float64("limit", limit))
		return order.ID
	}

	if domain.ErrorKindOf(err) != domain.KindUnsupportedOrderType {
		s.logger.Warn("Protective stop rejected",
			zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID), zap.Error(err))
		pos.ProtectiveOrderID = ""
		return ""
	}

	tp := s.RoundPrice(ctx, pos.Pair, pos.TakeProfit)
	oco, err := s.exchange.PlaceOCO(ctx, pos.Pair, domain.SideSell, qty, tp, stop, limit)
	if err != nil {
		s.logger.Warn("OCO fallback rejected",
			zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID), zap.Error(err))
		pos.ProtectiveOrderID = ""
		return ""
	}

	id := oco.StopLegID()
	if id == "" {
		s.logger.Warn("OCO response has no stop leg",
			zap.String("pair", pos.Pair), zap.String("list_id", oco.ListID))
	}
	pos.ProtectiveOrderID = id
	s.logger.Info("Protective OCO placed",
		zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
		zap.String("order_id", id), zap.Float64("stop", stop), zap.Float64("take_profit", tp))
	return id
}

// CancelProtectiveStop is best effort. The order may already be filled or
// cancelled, so failures are only logged. Calling it twice is a no-op.
func (s *OrderSynchronizer) CancelProtectiveStop(ctx context.Context, pos *domain.Position) {
	if pos.ProtectiveOrderID == "" {
		return
	}
	id := pos.ProtectiveOrderID
	pos.ProtectiveOrderID = ""
	if err := s.exchange.CancelOrder(ctx, pos.Pair, id); err != nil {
		s.logger.Debug("Cancel protective stop failed",
			zap.String("pair", pos.Pair), zap.String("order_id", id), zap.Error(err))
	}
}

// ReplaceProtectiveStop moves the broker-side stop to the position's current
// stop loss.
func (s *OrderSynchronizer) ReplaceProtectiveStop(ctx context.Context, pos *domain.Position) string {
	s.CancelProtectiveStop(ctx, pos)
	return s.CreateProtectiveStop(ctx, pos)
}

func floorToStep(v, step float64) float64 {
	n := math.Floor(v/step + 1e-6)
	return roundDecimals(n*step, stepDecimals(step))
}

func ceilToStep(v, step float64) float64 {
	n := math.Ceil(v/step - 1e-6)
	return roundDecimals(n*step, stepDecimals(step))
}

func floorDecimals(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Floor(v*p+1e-6) / p
}

func roundDecimals(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func stepDecimals(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
