// Package cache mirrors committed trade snapshots into Redis for the read side.
// The store stays authoritative; Redis failures degrade to store reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trade-lifecycle-engine/config"
	"trade-lifecycle-engine/internal/database"
)

// ErrUnavailable is returned while the circuit breaker holds Redis as unhealthy
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// ErrMiss is returned when a snapshot is not cached
var ErrMiss = errors.New("cache miss")

// Key prefixes
const (
	PrefixTrade        = "trade:%s:snapshot"
	KeyMonitoredTrades = "trades:monitored"
)

// DefaultSnapshotTTL bounds how long a snapshot outlives its last update
const DefaultSnapshotTTL = 24 * time.Hour

// SnapshotCache stores trade records in Redis with graceful degradation.
// When Redis is unavailable, operations return errors that callers should handle
// by falling back to the store.
type SnapshotCache struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       zerolog.Logger
	ttl          time.Duration
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// NewSnapshotCache connects to Redis. A failed initial ping returns the cache in
// degraded mode rather than an error.
func NewSnapshotCache(cfg config.RedisConfig, logger zerolog.Logger) (*SnapshotCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	sc := &SnapshotCache{
		client:        client,
		config:        cfg,
		logger:        logger.With().Str("component", "Cache").Logger(),
		ttl:           ttl,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		sc.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, running degraded")
		sc.lastCheck = time.Now()
		return sc, nil
	}

	sc.healthy = true
	sc.lastCheck = time.Now()
	sc.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return sc, nil
}

// IsHealthy returns whether Redis is currently available
func (sc *SnapshotCache) IsHealthy() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.healthy
}

// recordFailure tracks a Redis operation failure for circuit breaker
func (sc *SnapshotCache) recordFailure() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.failureCount++
	if sc.failureCount >= sc.maxFailures {
		if sc.healthy {
			sc.logger.Error().Int("failures", sc.failureCount).Msg("Circuit breaker OPEN: Redis marked unhealthy")
		}
		sc.healthy = false
		sc.lastCheck = time.Now()
	}
}

// recordSuccess resets the failure counter on successful operation
func (sc *SnapshotCache) recordSuccess() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.healthy {
		sc.logger.Info().Msg("Circuit breaker CLOSED: Redis recovered")
	}
	sc.healthy = true
	sc.failureCount = 0
	sc.lastCheck = time.Now()
}

// available lets a call through while healthy, and probes once per check interval
// while unhealthy
func (sc *SnapshotCache) available() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.healthy || sc.failureCount < sc.maxFailures {
		return true
	}
	if time.Since(sc.lastCheck) >= sc.checkInterval {
		sc.lastCheck = time.Now()
		return true
	}
	return false
}

// TradeKey generates the cache key of a trade snapshot
func TradeKey(tradeID string) string {
	return fmt.Sprintf(PrefixTrade, tradeID)
}

// PutTrade caches a committed record and maintains the monitored-trade index
func (sc *SnapshotCache) PutTrade(ctx context.Context, rec *database.TradeRecord) error {
	if !sc.available() {
		return ErrUnavailable
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trade snapshot: %w", err)
	}

	_, err = sc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, TradeKey(rec.ID), data, sc.ttl)
		if rec.Status.IsMonitored() || rec.Status == database.StatusError {
			pipe.SAdd(ctx, KeyMonitoredTrades, rec.ID)
		} else {
			pipe.SRem(ctx, KeyMonitoredTrades, rec.ID)
		}
		return nil
	})
	if err != nil {
		sc.recordFailure()
		return fmt.Errorf("redis put trade failed: %w", err)
	}

	sc.recordSuccess()
	return nil
}

// GetTrade returns a cached snapshot, ErrMiss when absent
func (sc *SnapshotCache) GetTrade(ctx context.Context, tradeID string) (*database.TradeRecord, error) {
	if !sc.available() {
		return nil, ErrUnavailable
	}

	data, err := sc.client.Get(ctx, TradeKey(tradeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			sc.recordSuccess()
			return nil, ErrMiss
		}
		sc.recordFailure()
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	sc.recordSuccess()

	var rec database.TradeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached trade: %w", err)
	}
	return &rec, nil
}

// MonitoredTradeIDs lists trades whose last cached status was ACTIVE, OPEN or ERROR
func (sc *SnapshotCache) MonitoredTradeIDs(ctx context.Context) ([]string, error) {
	if !sc.available() {
		return nil, ErrUnavailable
	}

	ids, err := sc.client.SMembers(ctx, KeyMonitoredTrades).Result()
	if err != nil {
		sc.recordFailure()
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	sc.recordSuccess()
	return ids, nil
}

// DeleteTrade evicts a snapshot
func (sc *SnapshotCache) DeleteTrade(ctx context.Context, tradeID string) error {
	if !sc.available() {
		return ErrUnavailable
	}

	_, err := sc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, TradeKey(tradeID))
		pipe.SRem(ctx, KeyMonitoredTrades, tradeID)
		return nil
	})
	if err != nil {
		sc.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}
	sc.recordSuccess()
	return nil
}

// Ping checks Redis connectivity
func (sc *SnapshotCache) Ping(ctx context.Context) error {
	if err := sc.client.Ping(ctx).Err(); err != nil {
		sc.recordFailure()
		return err
	}
	sc.recordSuccess()
	return nil
}

// Close closes the Redis connection
func (sc *SnapshotCache) Close() error {
	if sc.client != nil {
		return sc.client.Close()
	}
	return nil
}

// Stats returns cache statistics for monitoring
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics
func (sc *SnapshotCache) GetStats() Stats {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	return Stats{
		Healthy:      sc.healthy,
		FailureCount: sc.failureCount,
		Address:      sc.config.Address,
		PoolSize:     sc.config.PoolSize,
	}
}
