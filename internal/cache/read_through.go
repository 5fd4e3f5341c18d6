package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"trade-lifecycle-engine/internal/database"
)

// TradeReader serves trade snapshots from Redis, falling back to the store
type TradeReader struct {
	store  database.Store
	cache  *SnapshotCache
	logger zerolog.Logger
}

// NewTradeReader builds a reader; a nil cache reads the store directly
func NewTradeReader(store database.Store, cache *SnapshotCache, logger zerolog.Logger) *TradeReader {
	return &TradeReader{store: store, cache: cache, logger: logger}
}

// GetTrade returns the latest committed record of a trade
func (r *TradeReader) GetTrade(ctx context.Context, id string) (*database.TradeRecord, error) {
	if r.cache != nil {
		rec, err := r.cache.GetTrade(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrMiss) && !errors.Is(err, ErrUnavailable) {
			r.logger.Debug().Err(err).Str("trade_id", id).Msg("Cache read failed, falling back to store")
		}
	}

	rec, err := r.store.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.cache != nil && r.cache.IsHealthy() {
		if err := r.cache.PutTrade(ctx, rec); err != nil {
			r.logger.Debug().Err(err).Str("trade_id", id).Msg("Cache backfill failed")
		}
	}
	return rec, nil
}
