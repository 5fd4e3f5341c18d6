// Package database persists trade records and the append-only trade event log.
// PostgreSQL is the production backend; SQLite and memory serve single-node and
// test deployments.
package database

import (
	"context"
	"errors"
	"fmt"

	"trade-lifecycle-engine/internal/events"
)

// ErrRecordNotFound is returned when no trade has the requested id
var ErrRecordNotFound = errors.New("trade record not found")

// Store is the durable key-value record per trade plus the per-trade event log.
// Commit writes the record and appends the events atomically, assigning each event
// the next sequence number for its trade.
type Store interface {
	Commit(ctx context.Context, rec *TradeRecord, evs []events.TradeEvent) ([]events.TradeEvent, error)
	GetTrade(ctx context.Context, id string) (*TradeRecord, error)
	ListTrades(ctx context.Context, filter TradeFilter) ([]*TradeRecord, error)
	ListEvents(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]events.TradeEvent, error)
	Close() error
}

// Driver names accepted by Open
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and configures the storage backend
type Config struct {
	Driver     string
	DSN        string
	MaxConns   int32
	SQLitePath string
}

// Open builds the configured store and runs its migrations
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg)
	case DriverSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func assignSeq(evs []events.TradeEvent, tradeID string, last int64) []events.TradeEvent {
	out := make([]events.TradeEvent, len(evs))
	for i, ev := range evs {
		ev.TradeID = tradeID
		last++
		ev.Seq = last
		out[i] = ev
	}
	return out
}
