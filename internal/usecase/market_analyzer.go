package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vitos/spot_scalper/internal/domain"
)

// MarketSnapshot carries the indicators the monitor and governor use.
type MarketSnapshot struct {
	Pair          string    `json:"pair"`
	Price         float64   `json:"price"`
	Volatility    float64   `json:"volatility"` // 1h high-low range, percent
	RSI           float64   `json:"rsi"`
	MACDHistogram float64   `json:"macd_histogram"`
	ComputedAt    time.Time `json:"computed_at"`
}

// MarketData is the indicator source consumed by the engine.
type MarketData interface {
	Snapshot(ctx context.Context, pair string) (*MarketSnapshot, error)
}

type cachedSnapshot struct {
	snap   *MarketSnapshot
	expiry time.Time
}

const (
	candleInterval = "1m"
	candleLimit    = 100
	volatilityBars = 60
	rsiPeriod      = 14
	macdFast       = 12
	macdSlow       = 26
	macdSignal     = 9
)

// MarketAnalyzer derives indicators from 1m candles with a short TTL cache.
type MarketAnalyzer struct {
	exchange domain.Exchange
	ttl      time.Duration
	cache    map[string]cachedSnapshot
	mu       sync.Mutex
	timeNow  func() time.Time // For testing
}

func NewMarketAnalyzer(exchange domain.Exchange, ttl time.Duration) *MarketAnalyzer {
	return &MarketAnalyzer{
		exchange: exchange,
		ttl:      ttl,
		cache:    make(map[string]cachedSnapshot),
		timeNow:  time.Now,
	}
}

func (a *MarketAnalyzer) Snapshot(ctx context.Context, pair string) (*MarketSnapshot, error) {
	now := a.timeNow()

	a.mu.Lock()
	if c, ok := a.cache[pair]; ok && now.Before(c.expiry) {
		a.mu.Unlock()
		return c.snap, nil
	}
	a.mu.Unlock()

	candles, err := a.exchange.GetCandles(ctx, pair, candleInterval, candleLimit)
	if err != nil {
		return nil, fmt.Errorf("candles for %s: %w", pair, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s", pair)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	snap := &MarketSnapshot{
		Pair:          pair,
		Price:         closes[len(closes)-1],
		Volatility:    RangeVolatility(candles, volatilityBars),
		RSI:           RSI(closes, rsiPeriod),
		MACDHistogram: MACDHistogram(closes, macdFast, macdSlow, macdSignal),
		ComputedAt:    now,
	}

	a.mu.Lock()
	a.cache[pair] = cachedSnapshot{snap: snap, expiry: now.Add(a.ttl)}
	a.mu.Unlock()
	return snap, nil
}

// RangeVolatility is (max high - min low) / min low over the last n candles,
// in percent.
func RangeVolatility(candles []domain.Candle, n int) float64 {
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	if len(candles) == 0 {
		return 0
	}
	high, low := candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
	}
	if low <= 0 {
		return 0
	}
	return (high - low) / low * 100
}

// RSI uses Wilder smoothing. Returns 50 when there is not enough data.
func RSI(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDHistogram returns MACD line minus signal line at the last close.
func MACDHistogram(closes []float64, fast, slow, signal int) float64 {
	if len(closes) < slow+signal {
		return 0
	}
	fastEMA := ema(closes, fast)
	slowEMA := ema(closes, slow)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	signalEMA := ema(macd[slow-1:], signal)
	return macd[len(macd)-1] - signalEMA[len(signalEMA)-1]
}

func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}
