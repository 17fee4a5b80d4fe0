package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/spot_scalper/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLiteStore keeps open-position snapshots and the closed-trade history.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			payload BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS closed_positions (
			id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			direction TEXT NOT NULL,
			size REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL,
			exit_reason TEXT NOT NULL,
			status TEXT NOT NULL,
			realized_pnl REAL NOT NULL,
			capital_before REAL NOT NULL,
			capital_after REAL NOT NULL,
			opened_at DATETIME NOT NULL,
			exit_at DATETIME NOT NULL,
			duration_seconds INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_exit_at ON closed_positions(exit_at);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Migration: columns added after the first release.
	// We ignore the error if the column already exists
	_, _ = s.db.Exec(`ALTER TABLE closed_positions ADD COLUMN is_virtual BOOLEAN NOT NULL DEFAULT 0`)
	_, _ = s.db.Exec(`ALTER TABLE closed_positions ADD COLUMN base_asset TEXT NOT NULL DEFAULT ''`)

	return nil
}

// SnapshotRepository Implementation

func (s *SQLiteStore) PutPositionSnapshot(ctx context.Context, id string, pos *domain.Position) error {
	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", id, err)
	}
	query := `INSERT INTO position_snapshots (id, pair, payload, updated_at)
			  VALUES (?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  pair=excluded.pair,
			  payload=excluded.payload,
			  updated_at=excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, id, pos.Pair, payload, time.Now().UTC())
	return err
}

func (s *SQLiteStore) DeletePositionSnapshot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM position_snapshots WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) ListPositionSnapshots(ctx context.Context) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM position_snapshots ORDER BY updated_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var pos domain.Position
		if err := json.Unmarshal(payload, &pos); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
		}
		positions = append(positions, &pos)
	}
	return positions, rows.Err()
}

// HistoryRepository Implementation

func (s *SQLiteStore) SaveClosedPosition(ctx context.Context, pos *domain.Position) error {
	query := `INSERT OR REPLACE INTO closed_positions (id, pair, base_asset, direction, size, entry_price, exit_price, stop_loss, take_profit, exit_reason, status, is_virtual, realized_pnl, capital_before, capital_after, opened_at, exit_at, duration_seconds)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		pos.ID, pos.Pair, pos.BaseAsset, pos.Direction, pos.Size, pos.EntryPrice, pos.ExitPrice,
		pos.StopLoss, pos.TakeProfit, pos.ExitReason, pos.Status, pos.Virtual, pos.RealizedPnL,
		pos.CapitalBefore, pos.CapitalAfter, pos.OpenedAt.UTC(), pos.ExitAt.UTC(), pos.DurationSeconds)
	return err
}

// ListClosedPositions returns the most recent closes first. limit <= 0 means all.
func (s *SQLiteStore) ListClosedPositions(ctx context.Context, limit int) ([]*domain.Position, error) {
	query := `SELECT id, pair, base_asset, direction, size, entry_price, exit_price, stop_loss, take_profit, exit_reason, status, is_virtual, realized_pnl, capital_before, capital_after, opened_at, exit_at, duration_seconds
			  FROM closed_positions ORDER BY exit_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.ID, &p.Pair, &p.BaseAsset, &p.Direction, &p.Size, &p.EntryPrice, &p.ExitPrice,
			&p.StopLoss, &p.TakeProfit, &p.ExitReason, &p.Status, &p.Virtual, &p.RealizedPnL,
			&p.CapitalBefore, &p.CapitalAfter, &p.OpenedAt, &p.ExitAt, &p.DurationSeconds); err != nil {
			return nil, err
		}
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}
