package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
)

// VerdictAction is what the engine must do with a position after a tick.
type VerdictAction int

const (
	ActionHold VerdictAction = iota
	ActionClose
	ActionRatchet
	ActionExchangeFill
	ActionOrderVanished
)

func (a VerdictAction) String() string {
	switch a {
	case ActionClose:
		return "close"
	case ActionRatchet:
		return "ratchet"
	case ActionExchangeFill:
		return "exchange_fill"
	case ActionOrderVanished:
		return "order_vanished"
	default:
		return "hold"
	}
}

// GapAlert describes a stop that filled worse than configured.
type GapAlert struct {
	ExpectedLossPercent float64
	ActualLossPercent   float64
	GapPercent          float64
}

// Verdict is the monitor's decision for one position on one tick.
type Verdict struct {
	Action VerdictAction
	Reason domain.ExitReason
	Price  float64
	Order  *domain.Order
	// Changed is set when the position was mutated and must be persisted.
	Changed bool
}

// PositionMonitor evaluates the exit rules for one open position.
type PositionMonitor struct {
	exchange           domain.Exchange
	capital            *CapitalTracker
	market             MarketData
	orders             *OrderSynchronizer
	exits              ExitSettings
	maxExposurePercent float64
	logger             *zap.Logger
	now                func() time.Time
}

func NewPositionMonitor(
	exchange domain.Exchange,
	capital *CapitalTracker,
	market MarketData,
	orders *OrderSynchronizer,
	exits ExitSettings,
	maxExposurePercent float64,
	logger *zap.Logger,
) *PositionMonitor {
	return &PositionMonitor{
		exchange:           exchange,
		capital:            capital,
		market:             market,
		orders:             orders,
		exits:              exits,
		maxExposurePercent: maxExposurePercent,
		logger:             logger,
		now:                time.Now,
	}
}

// Evaluate runs the rules in order: protective order status, exposure,
// timeout, momentum, stop loss, trailing ratchet, take profit.
func (m *PositionMonitor) Evaluate(ctx context.Context, pos *domain.Position) (Verdict, error) {
	var verdict Verdict

	if pos.Protected() {
		v, done := m.checkProtectiveOrder(ctx, pos)
		if done {
			return v, nil
		}
		verdict.Changed = v.Changed
	}

	price, err := m.exchange.GetTicker(ctx, pos.Pair)
	if err != nil {
		return verdict, fmt.Errorf("ticker for %s: %w", pos.Pair, err)
	}
	now := m.now()

	if m.overexposed(ctx, pos) {
		return m.close(verdict, domain.ReasonOverexposure, price), nil
	}

	pnl := pos.PnLPercent(price)
	age := pos.Age(now)

	snap, err := m.market.Snapshot(ctx, pos.Pair)
	if err != nil {
		m.logger.Debug("Market snapshot unavailable, skipping timeout and momentum",
			zap.String("pair", pos.Pair), zap.Error(err))
	}

	if snap != nil {
		timeout := m.exits.TimeoutHigh
		if snap.Volatility < m.exits.TimeoutVolatilityPercent {
			timeout = m.exits.TimeoutLow
		}
		if timeout > 0 && age > timeout && math.Abs(pnl) <= m.exits.TimeoutPnLBandPercent {
			return m.close(verdict, domain.ReasonTimeout, price), nil
		}

		if m.momentumWeak(snap, age, pnl) {
			return m.close(verdict, domain.ReasonMomentumExit, price), nil
		}
	}

	if price <= pos.StopLoss {
		return m.close(verdict, domain.ReasonStopLoss, price), nil
	}

	if pos.TrailingActivationPrice > 0 && price >= pos.TrailingActivationPrice {
		if m.ratchet(ctx, pos, price, now) {
			verdict.Action = ActionRatchet
			verdict.Price = price
			verdict.Changed = true
			return verdict, nil
		}
	}

	if price >= pos.TakeProfit {
		return m.close(verdict, domain.ReasonTakeProfit, price), nil
	}

	verdict.Price = price
	return verdict, nil
}

func (m *PositionMonitor) close(v Verdict, reason domain.ExitReason, price float64) Verdict {
	v.Action = ActionClose
	v.Reason = reason
	v.Price = price
	return v
}

// checkProtectiveOrder returns done=true when the order status decides the
// verdict for this tick.
func (m *PositionMonitor) checkProtectiveOrder(ctx context.Context, pos *domain.Position) (Verdict, bool) {
	order, err := m.exchange.GetOrderStatus(ctx, pos.Pair, pos.ProtectiveOrderID)
	if err != nil {
		if domain.ErrorKindOf(err) == domain.KindNotFound {
			return Verdict{Action: ActionOrderVanished}, true
		}
		m.logger.Warn("Protective order status unavailable",
			zap.String("pair", pos.Pair), zap.String("order_id", pos.ProtectiveOrderID), zap.Error(err))
		return Verdict{}, false
	}

	switch order.Status {
	case domain.OrderStatusFilled:
		return Verdict{Action: ActionExchangeFill, Order: order, Price: order.FillPrice(pos.StopLoss)}, true
	case domain.OrderStatusExpired:
		// An OCO stop leg expires when its take-profit sibling fills.
		return Verdict{Action: ActionOrderVanished}, true
	case domain.OrderStatusCanceled, domain.OrderStatusRejected:
		m.logger.Warn("Protective order no longer active, re-protecting",
			zap.String("pair", pos.Pair), zap.String("order_id", pos.ProtectiveOrderID),
			zap.String("status", string(order.Status)))
		pos.ProtectiveOrderID = ""
		m.orders.CreateProtectiveStop(ctx, pos)
		return Verdict{Changed: true}, false
	}
	return Verdict{}, false
}

func (m *PositionMonitor) overexposed(ctx context.Context, pos *domain.Position) bool {
	exposure, err := m.capital.GetAssetExposure(ctx, pos.BaseAsset)
	if err != nil {
		m.logger.Debug("Exposure unavailable", zap.String("pair", pos.Pair), zap.Error(err))
		return false
	}
	total, err := m.capital.GetTotalCapital(ctx)
	if err != nil || total <= 0 {
		return false
	}
	limit := total * m.maxExposurePercent / 100 * (1 + m.exits.ExposureTolerancePercent/100)
	if exposure > limit {
		m.logger.Warn("Asset overexposed",
			zap.String("pair", pos.Pair), zap.Float64("exposure", exposure), zap.Float64("limit", limit))
		return true
	}
	return false
}

func (m *PositionMonitor) momentumWeak(snap *MarketSnapshot, age time.Duration, pnl float64) bool {
	if !m.exits.MomentumEnabled || age < m.exits.MomentumMinAge {
		return false
	}
	if math.Abs(pnl) > m.exits.MomentumPnLBandPercent {
		return false
	}
	if snap.RSI >= m.exits.MomentumRSIThreshold {
		return false
	}
	if m.exits.MomentumRequireMACD && snap.MACDHistogram >= 0 {
		return false
	}
	return true
}

// gap compares the loss the configured stop implied with the loss realized
// at price. Nil means the excess is within tolerance.
func (m *PositionMonitor) gap(pos *domain.Position, price float64) *GapAlert {
	expected := (pos.EntryPrice - pos.StopLoss) / pos.EntryPrice * 100
	actual := (pos.EntryPrice - price) / pos.EntryPrice * 100
	excess := actual - expected
	if excess <= m.exits.GapTolerancePercent {
		return nil
	}
	return &GapAlert{ExpectedLossPercent: expected, ActualLossPercent: actual, GapPercent: excess}
}

// ratchet raises the stop and pushes the take profit forward. The stop is
// capped below entry so stop < entry < take profit always holds.
func (m *PositionMonitor) ratchet(ctx context.Context, pos *domain.Position, price float64, now time.Time) bool {
	candidate := price * (1 - m.exits.TrailingStepPercent/100)
	ceiling := pos.EntryPrice * (1 - m.exits.MinStopDistancePercent/100)
	if candidate > ceiling {
		candidate = ceiling
	}
	candidate = m.orders.RoundPrice(ctx, pos.Pair, candidate)

	stopMoved := candidate > pos.StopLoss
	newTP := price * (1 + m.exits.TakeProfitPercent/100)
	tpMoved := newTP > pos.TakeProfit
	if !stopMoved && !tpMoved {
		return false
	}

	oldStop, oldTP := pos.StopLoss, pos.TakeProfit
	if stopMoved {
		pos.StopLoss = candidate
	}
	if tpMoved {
		pos.TakeProfit = newTP
	}
	pos.LastTrailingUpdateAt = now

	if stopMoved {
		m.orders.ReplaceProtectiveStop(ctx, pos)
	}

	m.logger.Info("Trailing stop ratcheted",
		zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
		zap.Float64("price", price),
		zap.Float64("old_stop", oldStop), zap.Float64("new_stop", pos.StopLoss),
		zap.Float64("old_take_profit", oldTP), zap.Float64("new_take_profit", pos.TakeProfit))
	return true
}
