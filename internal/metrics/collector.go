// Package metrics exposes engine state as Prometheus series.
//
//   - scalper_trades_opened_total{pair}
//   - scalper_trades_closed_total{pair,reason,virtual}
//   - scalper_realized_pnl_total{pair}
//   - scalper_entries_rejected_total{pair,code}
//   - scalper_capital_quote, scalper_open_positions
//   - scalper_consecutive_losses, scalper_daily_pnl_quote, scalper_entries_blocked
//   - scalper_volatility_percent{pair}
//   - scalper_tick_duration_seconds
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitos/spot_scalper/internal/domain"
)

const namespace = "scalper"

// Collector implements usecase.MetricsRecorder.
type Collector struct {
	tradesOpened    *prometheus.CounterVec
	tradesClosed    *prometheus.CounterVec
	realizedPnL     *prometheus.CounterVec
	entriesRejected *prometheus.CounterVec
	capital         prometheus.Gauge
	openPositions   prometheus.Gauge
	lossStreak      prometheus.Gauge
	dailyPnL        prometheus.Gauge
	blocked         prometheus.Gauge
	volatility      *prometheus.GaugeVec
	tickDuration    prometheus.Histogram

	lastTick atomic.Int64
	now      func() time.Time
}

// NewCollector registers every series on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_opened_total",
			Help:      "Positions opened.",
		}, []string{"pair"}),
		tradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_closed_total",
			Help:      "Positions closed, split by exit reason and whether a broker sell happened.",
		}, []string{"pair", "reason", "virtual"}),
		realizedPnL: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_pnl_total",
			Help:      "Sum of positive realized PnL in quote currency.",
		}, []string{"pair"}),
		entriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_rejected_total",
			Help:      "Candidates refused before or during entry.",
		}, []string{"pair", "code"}),
		capital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capital_quote",
			Help:      "Whole-account value in quote currency.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently in the ledger.",
		}),
		lossStreak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_losses",
			Help:      "Current losing streak.",
		}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_pnl_quote",
			Help:      "Capital change since the start of the UTC day.",
		}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries_blocked",
			Help:      "1 while the risk governor blocks new entries.",
		}),
		volatility: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volatility_percent",
			Help:      "Latest volatility reading per pair.",
		}, []string{"pair"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one engine tick.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		now: time.Now,
	}

	reg.MustRegister(
		c.tradesOpened, c.tradesClosed, c.realizedPnL, c.entriesRejected,
		c.capital, c.openPositions, c.lossStreak, c.dailyPnL, c.blocked,
		c.volatility, c.tickDuration,
	)
	return c
}

func (c *Collector) TradeOpened(pair string) {
	c.tradesOpened.WithLabelValues(pair).Inc()
}

func (c *Collector) TradeClosed(pair string, reason domain.ExitReason, pnl float64, virtual bool) {
	c.tradesClosed.WithLabelValues(pair, string(reason), strconv.FormatBool(virtual)).Inc()
	// Counters cannot decrease; losses are visible through capital_quote.
	if pnl > 0 {
		c.realizedPnL.WithLabelValues(pair).Add(pnl)
	}
}

func (c *Collector) EntryRejected(pair, code string) {
	c.entriesRejected.WithLabelValues(pair, code).Inc()
}

func (c *Collector) CapitalSnapshot(total float64) {
	c.capital.Set(total)
}

func (c *Collector) OpenPositions(n int) {
	c.openPositions.Set(float64(n))
}

func (c *Collector) RiskSnapshot(consecutiveLosses int, dailyPnL float64, blocked bool) {
	c.lossStreak.Set(float64(consecutiveLosses))
	c.dailyPnL.Set(dailyPnL)
	if blocked {
		c.blocked.Set(1)
	} else {
		c.blocked.Set(0)
	}
}

func (c *Collector) Volatility(pair string, value float64) {
	c.volatility.WithLabelValues(pair).Set(value)
}

func (c *Collector) TickDuration(d time.Duration) {
	c.tickDuration.Observe(d.Seconds())
	c.lastTick.Store(c.now().UnixNano())
}

// LastTick is the completion time of the most recent tick, zero before the first.
func (c *Collector) LastTick() time.Time {
	ns := c.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
