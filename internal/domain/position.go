package domain

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

type PositionStatus string

const (
	StatusOpen          PositionStatus = "OPEN"
	StatusClosed        PositionStatus = "CLOSED"
	StatusClosedVirtual PositionStatus = "CLOSED_VIRTUAL"
	StatusCancelled     PositionStatus = "CANCELLED"
)

// ExitReason is recorded on a position when it leaves the ledger.
type ExitReason string

const (
	ReasonStopLoss       ExitReason = "STOP_LOSS"
	ReasonTakeProfit     ExitReason = "TAKE_PROFIT"
	ReasonTimeout        ExitReason = "TIMEOUT"
	ReasonMomentumExit   ExitReason = "MOMENTUM_EXIT"
	ReasonOverexposure   ExitReason = "OVEREXPOSURE"
	ReasonDailyTarget    ExitReason = "DAILY_TARGET"
	ReasonDailyStopLoss  ExitReason = "DAILY_STOP_LOSS"
	ReasonAutoStopLoss   ExitReason = "BINANCE_AUTO_STOP_LOSS"
	ReasonAutoTakeProfit ExitReason = "BINANCE_AUTO_TAKE_PROFIT"
	ReasonAutoUnknown    ExitReason = "BINANCE_AUTO_UNKNOWN"
	ReasonPhantom        ExitReason = "PHANTOM"
	ReasonDust           ExitReason = "DUST"
	ReasonManual         ExitReason = "MANUAL"
	ReasonShutdown       ExitReason = "SHUTDOWN"
)

const (
	virtualSuffix = "_VIRTUAL"
	phantomSuffix = "_PHANTOM"
)

// Virtual marks a reason for a close that had no matching broker sell.
func (r ExitReason) Virtual() ExitReason {
	if r.IsVirtual() {
		return r
	}
	return r + virtualSuffix
}

// Phantom marks a reason for a close whose base balance was already gone.
func (r ExitReason) Phantom() ExitReason {
	if strings.HasSuffix(string(r), phantomSuffix) {
		return r
	}
	return r + phantomSuffix
}

func (r ExitReason) IsPhantom() bool {
	return r == ReasonPhantom || strings.HasSuffix(string(r), phantomSuffix)
}

func (r ExitReason) IsVirtual() bool {
	s := string(r)
	return strings.HasSuffix(s, virtualSuffix) || strings.HasSuffix(s, phantomSuffix)
}

// Position is a single spot trade tracked from entry to exit.
type Position struct {
	ID        string    `json:"id"`
	Pair      string    `json:"pair"`
	BaseAsset string    `json:"base_asset"`
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`

	EntryPrice              float64 `json:"entry_price"`
	StopLoss                float64 `json:"stop_loss"`
	TakeProfit              float64 `json:"take_profit"`
	TrailingActivationPrice float64 `json:"trailing_activation_price"`

	Status               PositionStatus `json:"status"`
	ProtectiveOrderID    string         `json:"protective_order_id,omitempty"`
	LastTrailingUpdateAt time.Time      `json:"last_trailing_update_at,omitempty"`

	// Whole-account valuations taken at entry and exit.
	CapitalBefore float64 `json:"capital_before"`
	CapitalAfter  float64 `json:"capital_after,omitempty"`

	OpenedAt        time.Time  `json:"opened_at"`
	ExitPrice       float64    `json:"exit_price,omitempty"`
	ExitAt          time.Time  `json:"exit_at,omitempty"`
	ExitReason      ExitReason `json:"exit_reason,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
	RealizedPnL     float64    `json:"realized_pnl,omitempty"`
	Virtual         bool       `json:"virtual,omitempty"`
}

func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

func (p *Position) Protected() bool {
	return p.ProtectiveOrderID != ""
}

// Notional values the position at the given price.
func (p *Position) Notional(price float64) float64 {
	return p.Size * price
}

// PnLPercent is the unrealized return at price, signed by direction.
func (p *Position) PnLPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (price - p.EntryPrice) / p.EntryPrice * 100
	if p.Direction == DirectionShort {
		return -pct
	}
	return pct
}

// PriceDeltaPnL is the naive (exit - entry) * size estimate.
func (p *Position) PriceDeltaPnL(exitPrice float64) float64 {
	delta := (exitPrice - p.EntryPrice) * p.Size
	if p.Direction == DirectionShort {
		return -delta
	}
	return delta
}

func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// Clone returns a detached copy, used when handing positions to storage.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}
