package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trade-lifecycle-engine/internal/events"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS lifecycle_trades (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	record TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lifecycle_trades_status ON lifecycle_trades(status);
CREATE TABLE IF NOT EXISTS lifecycle_trade_events (
	trade_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	occurred_at TIMESTAMP NOT NULL,
	PRIMARY KEY (trade_id, seq)
);
`

// SQLiteStore is a single-file Store for one-node deployments
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and applies the schema
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer keeps BEGIN..COMMIT serialised per file.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Commit implements Store
func (s *SQLiteStore) Commit(ctx context.Context, rec *TradeRecord, evs []events.TradeEvent) ([]events.TradeEvent, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trade %s: %w", rec.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin commit: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lifecycle_trades (id, symbol, direction, status, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Plan.Symbol, string(rec.Plan.Direction), string(rec.Status), string(body),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert trade %s: %w", rec.ID, err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM lifecycle_trade_events WHERE trade_id = ?`, rec.ID,
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read event sequence: %w", err)
	}

	sequenced := assignSeq(evs, rec.ID, last)
	for _, ev := range sequenced {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			payload = []byte("{}")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lifecycle_trade_events (trade_id, seq, event_type, payload, occurred_at)
			VALUES (?, ?, ?, ?, ?)`,
			ev.TradeID, ev.Seq, string(ev.Type), string(payload), ev.Timestamp.UTC(),
		); err != nil {
			return nil, fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit trade %s: %w", rec.ID, err)
	}
	return sequenced, nil
}

// GetTrade implements Store
func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*TradeRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM lifecycle_trades WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %s: %w", id, err)
	}
	var rec TradeRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode trade %s: %w", id, err)
	}
	return &rec, nil
}

// ListTrades implements Store, newest first
func (s *SQLiteStore) ListTrades(ctx context.Context, filter TradeFilter) ([]*TradeRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}

	query := `SELECT record FROM lifecycle_trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []*TradeRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		var rec TradeRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode trade: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListEvents implements Store
func (s *SQLiteStore) ListEvents(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]events.TradeEvent, error) {
	query := `
		SELECT trade_id, seq, event_type, payload, occurred_at
		FROM lifecycle_trade_events
		WHERE trade_id = ? AND seq > ?
		ORDER BY seq ASC`
	args := []interface{}{tradeID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade events: %w", err)
	}
	defer rows.Close()

	var out []events.TradeEvent
	for rows.Next() {
		var (
			ev      events.TradeEvent
			typ     string
			payload string
			at      time.Time
		)
		if err := rows.Scan(&ev.TradeID, &ev.Seq, &typ, &payload, &at); err != nil {
			return nil, fmt.Errorf("failed to scan trade event: %w", err)
		}
		ev.Type = events.Type(typ)
		ev.Timestamp = at.UTC()
		ev.Payload = map[string]interface{}{}
		_ = json.Unmarshal([]byte(payload), &ev.Payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
