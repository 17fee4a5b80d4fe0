package usecase

import (
	"context"
	"fmt"
	"math"

	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
)

// CapitalTracker values the account in the quote asset and measures
// per-asset exposure.
type CapitalTracker struct {
	exchange   domain.Exchange
	ledger     *Ledger
	quoteAsset string
	sizing     SizingSettings
	logger     *zap.Logger
}

func NewCapitalTracker(exchange domain.Exchange, ledger *Ledger, quoteAsset string, sizing SizingSettings, logger *zap.Logger) *CapitalTracker {
	return &CapitalTracker{
		exchange:   exchange,
		ledger:     ledger,
		quoteAsset: quoteAsset,
		sizing:     sizing,
		logger:     logger,
	}
}

func (c *CapitalTracker) pairFor(asset string) string {
	return asset + c.quoteAsset
}

// GetTotalCapital sums the quote balance and every other asset converted at
// its current price. Assets that cannot be priced are skipped.
func (c *CapitalTracker) GetTotalCapital(ctx context.Context) (float64, error) {
	balances, err := c.exchange.GetBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrCapitalUnknown, err)
	}

	total := 0.0
	for asset, bal := range balances {
		qty := bal.Total()
		if qty <= 0 {
			continue
		}
		if asset == c.quoteAsset {
			total += qty
			continue
		}
		price, err := c.exchange.GetTicker(ctx, c.pairFor(asset))
		if err != nil {
			c.logger.Debug("Skipping asset without price", zap.String("asset", asset), zap.Error(err))
			continue
		}
		total += qty * price
	}
	return total, nil
}

// AvailableQuote is the free quote balance usable for a new entry.
func (c *CapitalTracker) AvailableQuote(ctx context.Context) (float64, error) {
	balances, err := c.exchange.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	return balances[c.quoteAsset].Free, nil
}

// GetAssetExposure values tracked positions on the asset's pair plus any
// untracked holding worth more than the dust threshold.
func (c *CapitalTracker) GetAssetExposure(ctx context.Context, asset string) (float64, error) {
	pair := c.pairFor(asset)
	price, priceErr := c.exchange.GetTicker(ctx, pair)
	if priceErr != nil {
		c.logger.Warn("Price unavailable for exposure, using entry prices",
			zap.String("pair", pair), zap.Error(priceErr))
	}

	exposure := 0.0
	tracked := 0.0
	fallback := 0.0
	for _, pos := range c.ledger.ByPair(pair) {
		tracked += pos.Size
		valueAt := price
		if priceErr != nil {
			valueAt = pos.EntryPrice
		}
		exposure += pos.Notional(valueAt)
		fallback = pos.EntryPrice
	}

	balances, err := c.exchange.GetBalances(ctx)
	if err != nil {
		return exposure, fmt.Errorf("read balances: %w", err)
	}

	untracked := balances[asset].Total() - tracked
	if untracked > 0 {
		valueAt := price
		if priceErr != nil {
			valueAt = fallback
		}
		if value := untracked * valueAt; value > c.sizing.DustThreshold {
			exposure += value
		}
	}
	return exposure, nil
}

// IsDust reports whether a position's notional is below the dust threshold.
func (c *CapitalTracker) IsDust(pos *domain.Position, price float64) bool {
	return pos.Notional(price) < c.sizing.DustThreshold
}

// SizeFor is the pure sizing rule used by CalculatePositionSize.
func (c *CapitalTracker) SizeFor(totalCapital, volatility, intensity float64) float64 {
	base := totalCapital * c.sizing.BasePercent / 100 * intensity

	high := c.sizing.HighVolatilityPercent
	switch {
	case high > 0 && volatility > high:
		reduction := math.Min(0.5, (volatility-high)/high)
		return base * (1 - reduction)
	case volatility < c.sizing.LowVolatilityPercent:
		return base * 1.1
	default:
		return base
	}
}

// CalculatePositionSize returns the quote amount to commit to a new entry.
func (c *CapitalTracker) CalculatePositionSize(ctx context.Context, volatility, intensity float64) (float64, error) {
	total, err := c.GetTotalCapital(ctx)
	if err != nil {
		return 0, err
	}
	return c.SizeFor(total, volatility, intensity), nil
}
