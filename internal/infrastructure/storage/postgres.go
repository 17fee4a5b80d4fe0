package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/vitos/spot_scalper/internal/domain"
)

type PostgresOptions struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PostgresHistoryStore writes closed trades to a shared Postgres database for
// reporting. Open-position snapshots stay in the local SQLite store.
type PostgresHistoryStore struct {
	db *sql.DB
}

func NewPostgresHistoryStore(opts PostgresOptions) (*PostgresHistoryStore, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	store := NewPostgresHistoryStoreFromDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func NewPostgresHistoryStoreFromDB(db *sql.DB) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

func (s *PostgresHistoryStore) Close() error {
	return s.db.Close()
}

func (s *PostgresHistoryStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS closed_positions (
			id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			base_asset TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			exit_reason TEXT NOT NULL,
			status TEXT NOT NULL,
			is_virtual BOOLEAN NOT NULL DEFAULT FALSE,
			realized_pnl DOUBLE PRECISION NOT NULL,
			capital_before DOUBLE PRECISION NOT NULL,
			capital_after DOUBLE PRECISION NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			exit_at TIMESTAMPTZ NOT NULL,
			duration_seconds BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_exit_at ON closed_positions(exit_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_pair ON closed_positions(pair)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresHistoryStore) SaveClosedPosition(ctx context.Context, pos *domain.Position) error {
	query := `INSERT INTO closed_positions (id, pair, base_asset, direction, size, entry_price, exit_price, stop_loss, take_profit, exit_reason, status, is_virtual, realized_pnl, capital_before, capital_after, opened_at, exit_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		pos.ID, pos.Pair, pos.BaseAsset, string(pos.Direction), pos.Size, pos.EntryPrice, pos.ExitPrice,
		pos.StopLoss, pos.TakeProfit, string(pos.ExitReason), string(pos.Status), pos.Virtual, pos.RealizedPnL,
		pos.CapitalBefore, pos.CapitalAfter, pos.OpenedAt, pos.ExitAt, pos.DurationSeconds)
	if err != nil {
		return fmt.Errorf("insert closed position %s: %w", pos.ID, err)
	}
	return nil
}

func (s *PostgresHistoryStore) ListClosedPositions(ctx context.Context, limit int) ([]*domain.Position, error) {
	query := `SELECT id, pair, base_asset, direction, size, entry_price, exit_price, stop_loss, take_profit, exit_reason, status, is_virtual, realized_pnl, capital_before, capital_after, opened_at, exit_at, duration_seconds
		FROM closed_positions ORDER BY exit_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query closed positions: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var p domain.Position
		var direction, reason, status string
		if err := rows.Scan(&p.ID, &p.Pair, &p.BaseAsset, &direction, &p.Size, &p.EntryPrice, &p.ExitPrice,
			&p.StopLoss, &p.TakeProfit, &reason, &status, &p.Virtual, &p.RealizedPnL,
			&p.CapitalBefore, &p.CapitalAfter, &p.OpenedAt, &p.ExitAt, &p.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan closed position: %w", err)
		}
		p.Direction = domain.Direction(direction)
		p.ExitReason = domain.ExitReason(reason)
		p.Status = domain.PositionStatus(status)
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}
