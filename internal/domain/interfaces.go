package domain

import (
	"context"
	"time"
)

// SnapshotRepository persists open positions so they survive a restart.
type SnapshotRepository interface {
	PutPositionSnapshot(ctx context.Context, id string, pos *Position) error
	DeletePositionSnapshot(ctx context.Context, id string) error
	ListPositionSnapshots(ctx context.Context) ([]*Position, error)
}

// HistoryRepository stores positions after they leave the ledger.
type HistoryRepository interface {
	SaveClosedPosition(ctx context.Context, pos *Position) error
	ListClosedPositions(ctx context.Context, limit int) ([]*Position, error)
}

type EventKind string

const (
	EventTradeOpened EventKind = "TRADE_OPENED"
	EventTradeClosed EventKind = "TRADE_CLOSED"
	EventRiskPause   EventKind = "RISK_PAUSE"
	EventRiskHalt    EventKind = "RISK_HALT"
	EventGapAlert    EventKind = "GAP_ALERT"
	EventUnprotected EventKind = "UNPROTECTED"
	EventPhantom     EventKind = "PHANTOM"
	EventDailyLimit  EventKind = "DAILY_LIMIT"
)

// Event is an outbound notification.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Pair    string         `json:"pair,omitempty"`
	TradeID string         `json:"trade_id,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier delivers events. Implementations must not block trading.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Candidate is a trade suggestion from the signal source.
type Candidate struct {
	Pair      string    `json:"pair" yaml:"pair"`
	Direction Direction `json:"direction" yaml:"direction"`
	Strength  float64   `json:"strength,omitempty" yaml:"strength"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at"`
}

// SignalSource is polled once per pair per tick. A nil candidate means no signal.
type SignalSource interface {
	SignalFor(ctx context.Context, pair string) (*Candidate, error)
}
