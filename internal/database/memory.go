package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trade-lifecycle-engine/internal/events"
)

// MemoryStore keeps trades in process memory. Used for paper mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	trades  map[string]*TradeRecord
	events  map[string][]events.TradeEvent
	failing error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*TradeRecord),
		events: make(map[string][]events.TradeEvent),
	}
}

// FailCommits makes every Commit return err until called with nil
func (s *MemoryStore) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = err
}

// Commit implements Store
func (s *MemoryStore) Commit(ctx context.Context, rec *TradeRecord, evs []events.TradeEvent) ([]events.TradeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing != nil {
		return nil, fmt.Errorf("commit trade %s: %w", rec.ID, s.failing)
	}

	existing := s.events[rec.ID]
	var last int64
	if n := len(existing); n > 0 {
		last = existing[n-1].Seq
	}
	sequenced := assignSeq(evs, rec.ID, last)

	stored := rec.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.trades[rec.ID] = stored
	s.events[rec.ID] = append(existing, sequenced...)
	return sequenced, nil
}

// GetTrade implements Store
func (s *MemoryStore) GetTrade(ctx context.Context, id string) (*TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec.Clone(), nil
}

// ListTrades implements Store, newest first
func (s *MemoryStore) ListTrades(ctx context.Context, filter TradeFilter) ([]*TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TradeRecord
	for _, rec := range s.trades {
		if filter.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListEvents implements Store
func (s *MemoryStore) ListEvents(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]events.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.TradeEvent
	for _, ev := range s.events[tradeID] {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }
