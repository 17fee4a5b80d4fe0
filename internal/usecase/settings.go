package usecase

import (
	"fmt"
	"time"
)

// Settings groups every tunable of the engine. Percent fields hold percent
// values (0.25 means 0.25%).
type Settings struct {
	QuoteAsset string          `yaml:"quote_asset"`
	Pairs      []string        `yaml:"pairs"`
	Sizing     SizingSettings  `yaml:"sizing"`
	Orders     OrderSettings   `yaml:"orders"`
	Exits      ExitSettings    `yaml:"exits"`
	Risk       RiskSettings    `yaml:"risk"`
	Schedule   TradingSchedule `yaml:"schedule"`
	Loop       LoopSettings    `yaml:"loop"`
}

type SizingSettings struct {
	BasePercent           float64 `yaml:"base_percent"`
	HighVolatilityPercent float64 `yaml:"high_volatility_percent"`
	LowVolatilityPercent  float64 `yaml:"low_volatility_percent"`
	DustThreshold         float64 `yaml:"dust_threshold"`
}

type OrderSettings struct {
	StopLimitOffsetPercent  float64 `yaml:"stop_limit_offset_percent"`
	PriceDecimals           int     `yaml:"price_decimals"`
	QuantityDecimals        int     `yaml:"quantity_decimals"`
	BalanceSafetyMargin     float64 `yaml:"balance_safety_margin"`
	BalanceTolerancePercent float64 `yaml:"balance_tolerance_percent"`
	NegligibleBalance       float64 `yaml:"negligible_balance"`

	// Fill reconciliation.
	StopMatchPercent  float64       `yaml:"stop_match_percent"`
	TradeMatchPercent float64       `yaml:"trade_match_percent"`
	TradeLookback     time.Duration `yaml:"trade_lookback"`
}

type ExitSettings struct {
	StopLossPercent           float64 `yaml:"stop_loss_percent"`
	TakeProfitPercent         float64 `yaml:"take_profit_percent"`
	TrailingActivationPercent float64 `yaml:"trailing_activation_percent"`
	TrailingStepPercent       float64 `yaml:"trailing_step_percent"`
	// MinStopDistancePercent caps a trailed stop below entry, so the
	// trailing stop never reaches breakeven and never locks in profit.
	MinStopDistancePercent float64 `yaml:"min_stop_distance_percent"`

	TimeoutLow               time.Duration `yaml:"timeout_low"`
	TimeoutHigh              time.Duration `yaml:"timeout_high"`
	TimeoutVolatilityPercent float64       `yaml:"timeout_volatility_percent"`
	TimeoutPnLBandPercent    float64       `yaml:"timeout_pnl_band_percent"`

	MomentumEnabled        bool          `yaml:"momentum_enabled"`
	MomentumMinAge         time.Duration `yaml:"momentum_min_age"`
	MomentumPnLBandPercent float64       `yaml:"momentum_pnl_band_percent"`
	MomentumRSIThreshold   float64       `yaml:"momentum_rsi_threshold"`
	MomentumRequireMACD    bool          `yaml:"momentum_require_macd"`

	GapTolerancePercent      float64 `yaml:"gap_tolerance_percent"`
	ExposureTolerancePercent float64 `yaml:"exposure_tolerance_percent"`
}

type RiskSettings struct {
	MaxOpenPositions     int           `yaml:"max_open_positions"`
	MaxTradesPerPair     int           `yaml:"max_trades_per_pair"`
	MaxTradesPerHour     int           `yaml:"max_trades_per_hour"`
	MinTradeInterval     time.Duration `yaml:"min_trade_interval"`
	MaxExposurePercent   float64       `yaml:"max_exposure_percent"`
	MinVolatilityPercent float64       `yaml:"min_volatility_percent"`
	BalanceBuffer        float64       `yaml:"balance_buffer"`

	OutcomeWindow        int           `yaml:"outcome_window"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	PauseDuration        time.Duration `yaml:"pause_duration"`
	HaltOnMaxLosses      bool          `yaml:"halt_on_max_losses"`

	DailyTargetPercent float64 `yaml:"daily_target_percent"`
	DailyStopPercent   float64 `yaml:"daily_stop_percent"`
}

type LoopSettings struct {
	ActiveInterval time.Duration `yaml:"active_interval"`
	IdleInterval   time.Duration `yaml:"idle_interval"`
	PausedInterval time.Duration `yaml:"paused_interval"`

	// Maintenance runs when the tick counter is a multiple of these.
	MetricsEvery         uint64 `yaml:"metrics_every"`
	ConsistencyEvery     uint64 `yaml:"consistency_every"`
	DustCleanupEvery     uint64 `yaml:"dust_cleanup_every"`
	VolatilityCheckEvery uint64 `yaml:"volatility_check_every"`
}

func DefaultSettings() Settings {
	return Settings{
		QuoteAsset: "USDT",
		Pairs:      []string{"BTCUSDT", "ETHUSDT"},
		Sizing: SizingSettings{
			BasePercent:           10,
			HighVolatilityPercent: 3,
			LowVolatilityPercent:  0.5,
			DustThreshold:         5,
		},
		Orders: OrderSettings{
			StopLimitOffsetPercent:  0.5,
			PriceDecimals:           8,
			QuantityDecimals:        6,
			BalanceSafetyMargin:     0.99,
			BalanceTolerancePercent: 0.5,
			NegligibleBalance:       1e-8,
			StopMatchPercent:        1,
			TradeMatchPercent:       5,
			TradeLookback:           10 * time.Minute,
		},
		Exits: ExitSettings{
			StopLossPercent:           0.25,
			TakeProfitPercent:         1.2,
			TrailingActivationPercent: 0.5,
			TrailingStepPercent:       0.3,
			MinStopDistancePercent:    0.2,
			TimeoutLow:                20 * time.Minute,
			TimeoutHigh:               40 * time.Minute,
			TimeoutVolatilityPercent:  2,
			TimeoutPnLBandPercent:     0.15,
			MomentumEnabled:           true,
			MomentumMinAge:            10 * time.Minute,
			MomentumPnLBandPercent:    0.2,
			MomentumRSIThreshold:      40,
			MomentumRequireMACD:       true,
			GapTolerancePercent:       0.3,
			ExposureTolerancePercent:  1,
		},
		Risk: RiskSettings{
			MaxOpenPositions:     3,
			MaxTradesPerPair:     1,
			MaxTradesPerHour:     6,
			MinTradeInterval:     5 * time.Minute,
			MaxExposurePercent:   30,
			MinVolatilityPercent: 0.1,
			BalanceBuffer:        1.1,
			OutcomeWindow:        10,
			MaxConsecutiveLosses: 3,
			PauseDuration:        30 * time.Minute,
			DailyTargetPercent:   1,
			DailyStopPercent:     2,
		},
		Schedule: TradingSchedule{StartHour: 0, EndHour: 24},
		Loop: LoopSettings{
			ActiveInterval:       5 * time.Second,
			IdleInterval:         30 * time.Second,
			PausedInterval:       5 * time.Minute,
			MetricsEvery:         12,
			ConsistencyEvery:     6,
			DustCleanupEvery:     60,
			VolatilityCheckEvery: 24,
		},
	}
}

// Validate reports the first setting that would break an engine invariant.
func (s Settings) Validate() error {
	if s.QuoteAsset == "" {
		return fmt.Errorf("quote_asset is required")
	}
	if len(s.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}
	if s.Sizing.BasePercent <= 0 || s.Sizing.BasePercent > 100 {
		return fmt.Errorf("sizing.base_percent must be in (0, 100], got %v", s.Sizing.BasePercent)
	}
	if s.Exits.StopLossPercent <= 0 {
		return fmt.Errorf("exits.stop_loss_percent must be positive")
	}
	if s.Exits.TakeProfitPercent <= 0 {
		return fmt.Errorf("exits.take_profit_percent must be positive")
	}
	if s.Exits.TrailingStepPercent <= 0 {
		return fmt.Errorf("exits.trailing_step_percent must be positive")
	}
	if s.Exits.MinStopDistancePercent <= 0 {
		return fmt.Errorf("exits.min_stop_distance_percent must be positive")
	}
	if s.Risk.MaxOpenPositions <= 0 || s.Risk.MaxTradesPerPair <= 0 {
		return fmt.Errorf("risk.max_open_positions and risk.max_trades_per_pair must be positive")
	}
	if s.Risk.MaxExposurePercent <= 0 || s.Risk.MaxExposurePercent > 100 {
		return fmt.Errorf("risk.max_exposure_percent must be in (0, 100]")
	}
	if s.Risk.OutcomeWindow <= 0 {
		return fmt.Errorf("risk.outcome_window must be positive")
	}
	if s.Orders.BalanceSafetyMargin <= 0 || s.Orders.BalanceSafetyMargin > 1 {
		return fmt.Errorf("orders.balance_safety_margin must be in (0, 1]")
	}
	if s.Loop.ActiveInterval <= 0 || s.Loop.IdleInterval <= 0 || s.Loop.PausedInterval <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}
	return s.Schedule.Validate()
}
