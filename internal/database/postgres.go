package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trade-lifecycle-engine/internal/events"
)

// PostgresStore persists trades as JSONB records with a sequenced event table
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &PostgresStore{Pool: pool}
	if err := s.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// RunMigrations creates the trade and event tables
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	for _, stmt := range postgresMigrations {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS lifecycle_trades (
		id VARCHAR(40) PRIMARY KEY,
		symbol VARCHAR(30) NOT NULL,
		direction VARCHAR(5) NOT NULL,
		status VARCHAR(10) NOT NULL,
		record JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lifecycle_trades_status ON lifecycle_trades(status)`,
	`CREATE INDEX IF NOT EXISTS idx_lifecycle_trades_symbol ON lifecycle_trades(symbol)`,
	`CREATE TABLE IF NOT EXISTS lifecycle_trade_events (
		trade_id VARCHAR(40) NOT NULL REFERENCES lifecycle_trades(id),
		seq BIGINT NOT NULL,
		event_type VARCHAR(30) NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (trade_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lifecycle_trade_events_type ON lifecycle_trade_events(event_type)`,
}

// Commit implements Store in a single transaction
func (s *PostgresStore) Commit(ctx context.Context, rec *TradeRecord, evs []events.TradeEvent) ([]events.TradeEvent, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trade %s: %w", rec.ID, err)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO lifecycle_trades (id, symbol, direction, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Plan.Symbol, string(rec.Plan.Direction), string(rec.Status), body,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert trade %s: %w", rec.ID, err)
	}

	var last int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM lifecycle_trade_events WHERE trade_id = $1`, rec.ID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read event sequence: %w", err)
	}

	sequenced := assignSeq(evs, rec.ID, last)
	if len(sequenced) > 0 {
		batch := &pgx.Batch{}
		for _, ev := range sequenced {
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				payload = []byte("{}")
			}
			batch.Queue(`
				INSERT INTO lifecycle_trade_events (trade_id, seq, event_type, payload, occurred_at)
				VALUES ($1, $2, $3, $4, $5)`,
				ev.TradeID, ev.Seq, string(ev.Type), payload, ev.Timestamp,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("failed to append events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit trade %s: %w", rec.ID, err)
	}
	return sequenced, nil
}

// GetTrade implements Store
func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*TradeRecord, error) {
	var body []byte
	err := s.Pool.QueryRow(ctx, `SELECT record FROM lifecycle_trades WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %s: %w", id, err)
	}
	var rec TradeRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode trade %s: %w", id, err)
	}
	return &rec, nil
}

// ListTrades implements Store, newest first
func (s *PostgresStore) ListTrades(ctx context.Context, filter TradeFilter) ([]*TradeRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}

	query := `SELECT record FROM lifecycle_trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []*TradeRecord
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		var rec TradeRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode trade: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListEvents implements Store
func (s *PostgresStore) ListEvents(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]events.TradeEvent, error) {
	query := `
		SELECT trade_id, seq, event_type, payload, occurred_at
		FROM lifecycle_trade_events
		WHERE trade_id = $1 AND seq > $2
		ORDER BY seq ASC`
	args := []interface{}{tradeID, afterSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade events: %w", err)
	}
	defer rows.Close()

	var out []events.TradeEvent
	for rows.Next() {
		var (
			ev      events.TradeEvent
			typ     string
			payload []byte
		)
		if err := rows.Scan(&ev.TradeID, &ev.Seq, &typ, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan trade event: %w", err)
		}
		ev.Type = events.Type(typ)
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close implements Store
func (s *PostgresStore) Close() error {
	if s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}
