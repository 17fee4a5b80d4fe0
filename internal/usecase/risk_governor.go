package usecase

import (
	"fmt"
	"time"

	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
)

// Violation codes, in the order CanOpen checks them.
const (
	ViolationPairLimit     = "PAIR_LIMIT"
	ViolationHourlyLimit   = "HOURLY_LIMIT"
	ViolationPairInterval  = "PAIR_INTERVAL"
	ViolationPaused        = "PAUSED"
	ViolationHalted        = "HALTED"
	ViolationLowVolatility = "LOW_VOLATILITY"
	ViolationMaxPositions  = "MAX_POSITIONS"
	ViolationExposure      = "EXPOSURE"
	ViolationBalance       = "BALANCE"
)

type Violation struct {
	Code string
	Msg  string
}

// Decision is the governor's answer to an entry request.
type Decision struct {
	Allowed   bool
	Violation *Violation
}

func deny(code, format string, args ...any) Decision {
	return Decision{Violation: &Violation{Code: code, Msg: fmt.Sprintf(format, args...)}}
}

// EntryRequest is everything the governor needs to judge a new entry.
type EntryRequest struct {
	Pair             string
	PairOpenCount    int // non-dust OPEN positions on the pair
	OpenPositions    int
	Volatility       float64
	CurrentExposure  float64
	PositionNotional float64
	AvailableQuote   float64
	TotalCapital     float64
}

// RiskState is mutated only by the RiskGovernor.
type RiskState struct {
	Outcomes          []bool // true = win, oldest first
	ConsecutiveLosses int
	PauseUntil        time.Time
	Halted            bool
	HaltReason        domain.ExitReason
	// DailyLimit is the daily target or stop hit today, if any.
	DailyLimit      domain.ExitReason
	DailyPnL        float64
	DailyTradeCount int
	DayStart        time.Time
	TradeTimes      []time.Time
	LastTradeByPair map[string]time.Time
}

// CloseResult reports governor transitions caused by a close.
type CloseResult struct {
	Win    bool
	Paused bool
	Halted bool
}

// RiskGovernor is the account-level circuit breaker.
type RiskGovernor struct {
	settings RiskSettings
	state    RiskState
	logger   *zap.Logger
	now      func() time.Time
}

func NewRiskGovernor(settings RiskSettings, logger *zap.Logger) *RiskGovernor {
	g := &RiskGovernor{
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
	g.state.LastTradeByPair = make(map[string]time.Time)
	return g
}

// State returns a copy of the current risk state.
func (g *RiskGovernor) State() RiskState {
	s := g.state
	s.Outcomes = append([]bool(nil), g.state.Outcomes...)
	s.TradeTimes = append([]time.Time(nil), g.state.TradeTimes...)
	s.LastTradeByPair = make(map[string]time.Time, len(g.state.LastTradeByPair))
	for k, v := range g.state.LastTradeByPair {
		s.LastTradeByPair[k] = v
	}
	return s
}

// CanOpen evaluates the entry gates in order; the first failure wins.
func (g *RiskGovernor) CanOpen(req EntryRequest) Decision {
	now := g.now()
	g.Roll(now)

	if req.PairOpenCount >= g.settings.MaxTradesPerPair {
		return deny(ViolationPairLimit, "%s already has %d open trades", req.Pair, req.PairOpenCount)
	}

	g.pruneTradeTimes(now)
	if g.settings.MaxTradesPerHour > 0 && len(g.state.TradeTimes) >= g.settings.MaxTradesPerHour {
		return deny(ViolationHourlyLimit, "%d trades in the last hour", len(g.state.TradeTimes))
	}
	if last, ok := g.state.LastTradeByPair[req.Pair]; ok && now.Sub(last) < g.settings.MinTradeInterval {
		return deny(ViolationPairInterval, "last %s trade %s ago", req.Pair, now.Sub(last).Round(time.Second))
	}

	if g.state.Halted {
		return deny(ViolationHalted, "trading halted: %s", g.state.HaltReason)
	}
	if g.IsPaused(now) {
		return deny(ViolationPaused, "paused until %s", g.state.PauseUntil.Format(time.RFC3339))
	}

	if req.Volatility < g.settings.MinVolatilityPercent {
		return deny(ViolationLowVolatility, "volatility %.3f%% below %.3f%%", req.Volatility, g.settings.MinVolatilityPercent)
	}
	if req.OpenPositions >= g.settings.MaxOpenPositions {
		return deny(ViolationMaxPositions, "%d positions open", req.OpenPositions)
	}

	limit := req.TotalCapital * g.settings.MaxExposurePercent / 100
	if projected := req.CurrentExposure + req.PositionNotional; projected > limit {
		return deny(ViolationExposure, "projected exposure %.2f above %.2f", projected, limit)
	}

	if need := req.PositionNotional * g.settings.BalanceBuffer; req.AvailableQuote < need {
		return deny(ViolationBalance, "available %.2f below required %.2f", req.AvailableQuote, need)
	}

	return Decision{Allowed: true}
}

// Blocked reports whether no new entry could pass the pause and halt gates.
func (g *RiskGovernor) Blocked(now time.Time) bool {
	g.Roll(now)
	return g.state.Halted || g.IsPaused(now)
}

// IsPaused also performs the auto-resume once the pause has elapsed.
func (g *RiskGovernor) IsPaused(now time.Time) bool {
	if g.state.PauseUntil.IsZero() {
		return false
	}
	if now.Before(g.state.PauseUntil) {
		return true
	}
	g.logger.Info("Consecutive-loss pause elapsed, resuming")
	g.state.PauseUntil = time.Time{}
	g.state.ConsecutiveLosses = 0
	g.state.Outcomes = nil
	return false
}

func (g *RiskGovernor) RecordOpen(pair string, at time.Time) {
	g.Roll(at)
	g.state.TradeTimes = append(g.state.TradeTimes, at)
	g.state.LastTradeByPair[pair] = at
	g.state.DailyTradeCount++
}

// RecordClose books a realized PnL and updates the loss streak.
func (g *RiskGovernor) RecordClose(pnl float64, at time.Time) CloseResult {
	g.Roll(at)
	g.state.DailyPnL += pnl

	win := pnl >= 0
	g.state.Outcomes = append(g.state.Outcomes, win)
	if n := len(g.state.Outcomes) - g.settings.OutcomeWindow; n > 0 {
		g.state.Outcomes = g.state.Outcomes[n:]
	}

	losses := 0
	for i := len(g.state.Outcomes) - 1; i >= 0 && !g.state.Outcomes[i]; i-- {
		losses++
	}
	g.state.ConsecutiveLosses = losses

	res := CloseResult{Win: win}
	if g.settings.MaxConsecutiveLosses <= 0 || losses < g.settings.MaxConsecutiveLosses {
		return res
	}
	if g.lossHalted() || !g.state.PauseUntil.IsZero() {
		return res
	}

	if g.settings.HaltOnMaxLosses {
		g.Halt(ReasonConsecutiveLosses)
		res.Halted = true
		return res
	}
	g.state.PauseUntil = at.Add(g.settings.PauseDuration)
	res.Paused = true
	g.logger.Warn("Consecutive-loss limit reached, pausing entries",
		zap.Int("losses", losses), zap.Time("pause_until", g.state.PauseUntil))
	return res
}

// ReasonConsecutiveLosses is the halt reason for the loss-streak breaker.
const ReasonConsecutiveLosses domain.ExitReason = "CONSECUTIVE_LOSSES"

// Halt blocks entries. A loss-streak halt is never replaced by a daily one.
func (g *RiskGovernor) Halt(reason domain.ExitReason) {
	if g.lossHalted() && reason != ReasonConsecutiveLosses {
		g.logger.Info("Trading already halted", zap.String("reason", string(g.state.HaltReason)),
			zap.String("ignored", string(reason)))
		return
	}
	g.state.Halted = true
	g.state.HaltReason = reason
	g.logger.Warn("Trading halted", zap.String("reason", string(reason)))
}

// CheckDaily compares today's PnL with the daily target and stop. On a hit
// it halts entries until the next UTC day and returns the flatten reason.
func (g *RiskGovernor) CheckDaily(totalCapital float64) (domain.ExitReason, bool) {
	g.Roll(g.now())
	if totalCapital <= 0 || g.state.DailyLimit != "" {
		return "", false
	}
	ratio := g.state.DailyPnL / totalCapital * 100

	switch {
	case g.settings.DailyTargetPercent > 0 && ratio >= g.settings.DailyTargetPercent:
		g.state.DailyLimit = domain.ReasonDailyTarget
	case g.settings.DailyStopPercent > 0 && ratio <= -g.settings.DailyStopPercent:
		g.state.DailyLimit = domain.ReasonDailyStopLoss
	default:
		return "", false
	}
	g.Halt(g.state.DailyLimit)
	return g.state.DailyLimit, true
}

// DailyLimit returns the daily limit hit today, or "" when none is active.
func (g *RiskGovernor) DailyLimit() domain.ExitReason {
	g.Roll(g.now())
	return g.state.DailyLimit
}

func (g *RiskGovernor) lossHalted() bool {
	return g.state.Halted && g.state.HaltReason == ReasonConsecutiveLosses
}

// Roll starts a new trading day at UTC midnight. Daily halts end with the day;
// loss-streak halts do not.
func (g *RiskGovernor) Roll(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if g.state.DayStart.Equal(day) {
		return
	}
	if !g.state.DayStart.IsZero() {
		g.logger.Info("New trading day",
			zap.Float64("previous_daily_pnl", g.state.DailyPnL),
			zap.Int("previous_trade_count", g.state.DailyTradeCount))
	}
	g.state.DayStart = day
	g.state.DailyPnL = 0
	g.state.DailyTradeCount = 0
	if g.state.DailyLimit != "" {
		g.state.DailyLimit = ""
		if !g.lossHalted() {
			g.state.Halted = false
			g.state.HaltReason = ""
		}
	}
}

func (g *RiskGovernor) pruneTradeTimes(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := g.state.TradeTimes[:0]
	for _, t := range g.state.TradeTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.state.TradeTimes = kept
}
