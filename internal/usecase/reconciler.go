package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
)

// ExitOutcome is how a position actually left the market.
type ExitOutcome struct {
	Reason   domain.ExitReason
	Price    float64
	Quantity float64
	At       time.Time
	// Virtual means no broker sell matched this close.
	Virtual bool
}

// Reconciler brings the ledger back in line with exchange state when the
// exchange acted on its own or a local sell cannot be placed.
type Reconciler struct {
	exchange domain.Exchange
	orders   *OrderSynchronizer
	settings OrderSettings
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(exchange domain.Exchange, orders *OrderSynchronizer, settings OrderSettings, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		exchange: exchange,
		orders:   orders,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// ClassifyFill names an exchange-side fill: within StopMatchPercent of the
// configured stop is a stop loss, anything else a take profit.
func (r *Reconciler) ClassifyFill(pos *domain.Position, executedPrice float64) domain.ExitReason {
	if pos.StopLoss > 0 && math.Abs(executedPrice-pos.StopLoss)/pos.StopLoss*100 <= r.settings.StopMatchPercent {
		return domain.ReasonAutoStopLoss
	}
	return domain.ReasonAutoTakeProfit
}

// FromFill converts a filled protective order into an outcome.
func (r *Reconciler) FromFill(pos *domain.Position, order *domain.Order) ExitOutcome {
	price := order.FillPrice(pos.StopLoss)
	at := order.UpdatedAt
	if at.IsZero() {
		at = r.now()
	}
	qty := order.ExecutedQty
	if qty <= 0 {
		qty = pos.Size
	}
	return ExitOutcome{Reason: r.ClassifyFill(pos, price), Price: price, Quantity: qty, At: at}
}

// sellFill is one exchange order's sell fills summed together.
type sellFill struct {
	orderID  string
	qty      float64
	notional float64
	at       time.Time
}

func (f *sellFill) price() float64 { return f.notional / f.qty }

// groupSells sums recent sell fills per order. Fills without an order id
// stay on their own.
func groupSells(trades []domain.AccountTrade, since time.Time) []*sellFill {
	byKey := make(map[string]*sellFill)
	var groups []*sellFill
	for _, t := range trades {
		if t.IsBuyer || t.Time.Before(since) || t.Quantity <= 0 {
			continue
		}
		key := t.OrderID
		if key == "" {
			key = "trade:" + t.ID
		}
		g, ok := byKey[key]
		if !ok {
			g = &sellFill{orderID: t.OrderID}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.qty += t.Quantity
		g.notional += t.Quantity * t.Price
		if t.Time.After(g.at) {
			g.at = t.Time
		}
	}
	return groups
}

// ResolveVanished looks for a recent sell order whose fills add up to the
// position size, preferring the vanished protective order itself. When none
// is found the position is closed virtually at market.
func (r *Reconciler) ResolveVanished(ctx context.Context, pos *domain.Position) (ExitOutcome, error) {
	since := r.now().Add(-r.settings.TradeLookback)
	trades, err := r.exchange.GetRecentTrades(ctx, pos.Pair, since)
	if err != nil {
		return ExitOutcome{}, fmt.Errorf("recent trades for %s: %w", pos.Pair, err)
	}

	groups := groupSells(trades, since)
	if pos.ProtectiveOrderID != "" {
		for i, g := range groups {
			if g.orderID == pos.ProtectiveOrderID {
				groups[0], groups[i] = groups[i], groups[0]
				break
			}
		}
	}

	for _, g := range groups {
		if math.Abs(g.qty-pos.Size)/pos.Size*100 > r.settings.TradeMatchPercent {
			continue
		}
		price := g.price()
		r.logger.Info("Vanished protective order matched a recent sell",
			zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
			zap.String("exchange_order", g.orderID), zap.Float64("price", price), zap.Float64("qty", g.qty))
		return ExitOutcome{
			Reason:   r.ClassifyFill(pos, price),
			Price:    price,
			Quantity: g.qty,
			At:       g.at,
		}, nil
	}

	price, err := r.exchange.GetTicker(ctx, pos.Pair)
	if err != nil {
		return ExitOutcome{}, fmt.Errorf("ticker for %s: %w", pos.Pair, err)
	}
	r.logger.Warn("Protective order vanished without a matching trade, closing virtually",
		zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID))
	return ExitOutcome{
		Reason:   domain.ReasonAutoUnknown,
		Price:    price,
		Quantity: pos.Size,
		At:       r.now(),
		Virtual:  true,
	}, nil
}

// ExecuteSell sells the tracked size, adapting to the real balance. It only
// returns an error for transient failures; rejected sells become virtual
// closes, which the caller must not retry.
func (r *Reconciler) ExecuteSell(ctx context.Context, pos *domain.Position, reason domain.ExitReason, price float64) (ExitOutcome, error) {
	balances, err := r.exchange.GetBalances(ctx)
	if err != nil {
		return ExitOutcome{}, fmt.Errorf("read balances: %w", err)
	}
	held := balances[pos.BaseAsset].Free

	if held <= r.settings.NegligibleBalance && pos.Size > r.settings.NegligibleBalance {
		r.logger.Warn("Phantom position, base balance is gone",
			zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
			zap.Float64("tracked", pos.Size), zap.Float64("free", held))
		return r.virtual(reason.Phantom(), price, pos.Size), nil
	}

	qty := pos.Size
	if held < pos.Size*(1-r.settings.BalanceTolerancePercent/100) {
		qty = held * r.settings.BalanceSafetyMargin
		r.logger.Warn("Insufficient balance for full close, selling available",
			zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID),
			zap.Float64("tracked", pos.Size), zap.Float64("free", held), zap.Float64("qty", qty))
	} else if held < qty {
		qty = held
	}

	check, err := r.orders.ValidateOrderQuantity(ctx, pos.Pair, qty, price)
	if err != nil {
		if errors.Is(err, domain.ErrBelowMinQuantity) {
			r.logger.Warn("Sell quantity below exchange minimum, closing virtually",
				zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID), zap.Error(err))
			return r.virtual(reason.Virtual(), price, qty), nil
		}
		return ExitOutcome{}, err
	}
	if !check.NotionalOK {
		if check.MinNotionalQuantity > held {
			r.logger.Warn("Sell notional below exchange minimum, closing virtually",
				zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID))
			return r.virtual(reason.Virtual(), price, qty), nil
		}
		check.Quantity = check.MinNotionalQuantity
	}

	order, err := r.orders.MarketSell(ctx, pos.Pair, check.Quantity)
	if err != nil {
		if domain.IsKind(err, domain.KindInsufficientBalance, domain.KindMinNotional) {
			r.logger.Warn("Exchange rejected sell, closing virtually",
				zap.String("pair", pos.Pair), zap.String("trade_id", pos.ID), zap.Error(err))
			return r.virtual(reason.Virtual(), price, check.Quantity), nil
		}
		return ExitOutcome{}, fmt.Errorf("market sell %s: %w", pos.Pair, err)
	}

	return ExitOutcome{
		Reason:   reason,
		Price:    order.FillPrice(price),
		Quantity: check.Quantity,
		At:       r.now(),
	}, nil
}

// FindPhantoms returns the positions whose base asset is no longer held at
// all, counting quantity locked in resting orders.
func (r *Reconciler) FindPhantoms(ctx context.Context, positions []*domain.Position) ([]*domain.Position, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	balances, err := r.exchange.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("read balances: %w", err)
	}
	var phantoms []*domain.Position
	for _, pos := range positions {
		if balances[pos.BaseAsset].Total() <= r.settings.NegligibleBalance && pos.Size > r.settings.NegligibleBalance {
			phantoms = append(phantoms, pos)
		}
	}
	return phantoms, nil
}

func (r *Reconciler) virtual(reason domain.ExitReason, price, qty float64) ExitOutcome {
	return ExitOutcome{Reason: reason, Price: price, Quantity: qty, At: r.now(), Virtual: true}
}
