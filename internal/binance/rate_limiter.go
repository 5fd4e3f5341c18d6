package binance

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RequestPriority defines priority levels for API requests.
// Higher priority requests get more of the weight budget.
type RequestPriority int

const (
	// PriorityCritical - placements, cancellations and closes
	PriorityCritical RequestPriority = iota
	// PriorityHigh - order status and position reads of the monitoring loop
	PriorityHigh
	// PriorityNormal - exchange info and leverage setup
	PriorityNormal
)

// String returns a human-readable priority name
func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while Binance has the client banned
var ErrCircuitOpen = errors.New("rate limit: circuit breaker open, request blocked")

// Endpoint weights for Binance Futures API
var endpointWeights = map[string]int{
	"/fapi/v2/positionRisk": 5,
	"/fapi/v1/order":        1,
	"/fapi/v1/openOrders":   1,
	"/fapi/v1/leverage":     1,
	"/fapi/v1/exchangeInfo": 1,
}

// RateLimiter tracks the per-minute request weight and opens a circuit breaker
// when Binance answers with 429 or 418
type RateLimiter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	now    func() time.Time

	circuitOpen bool
	banUntil    time.Time

	currentWeight int
	weightResetAt time.Time
	maxWeight     int // 2400 per minute for futures

	consecutiveErrors int
}

// NewRateLimiter creates a limiter for one API key
func NewRateLimiter(logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		logger:        logger,
		now:           time.Now,
		maxWeight:     2400,
		weightResetAt: time.Now().Add(time.Minute),
	}
}

// thresholdFor returns the share of the weight budget a priority may use
func thresholdFor(priority RequestPriority) float64 {
	switch priority {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	default:
		return 0.60
	}
}

// TryAcquire atomically checks and records the weight of one request.
// It returns how long to wait when no slot is available.
func (r *RateLimiter) TryAcquire(endpoint string, priority RequestPriority) (bool, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}

	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return false, 0, ErrCircuitOpen
		}
		r.circuitOpen = false
		r.logger.Info().Msg("Circuit breaker auto-closed (ban expired)")
	}

	weight := getEndpointWeight(endpoint)
	threshold := int(float64(r.maxWeight) * thresholdFor(priority))
	if r.currentWeight+weight > threshold {
		wait := r.weightResetAt.Sub(now)
		if wait < 0 {
			wait = 100 * time.Millisecond
		}
		return false, wait, nil
	}

	r.currentWeight += weight
	return true, 0, nil
}

// Wait blocks until a slot is available, the context ends or the circuit opens
func (r *RateLimiter) Wait(ctx context.Context, endpoint string, priority RequestPriority) error {
	for {
		ok, wait, err := r.TryAcquire(endpoint, priority)
		if err != nil || ok {
			return err
		}
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordSuccess resets the consecutive error counter
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveErrors = 0
}

// RecordRateLimitError opens the circuit breaker until banUntilMs, or for an
// exponential backoff when Binance did not say
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++

	var banUntil time.Time
	if banUntilMs > 0 {
		banUntil = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Second
		if backoff > 2*time.Minute {
			backoff = 2 * time.Minute
		}
		banUntil = r.now().Add(backoff)
	}

	r.circuitOpen = true
	r.banUntil = banUntil

	r.logger.Warn().
		Time("ban_until", banUntil).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("CIRCUIT BREAKER OPEN")
}

// IsCircuitOpen returns true while a ban is in force
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen && r.now().Before(r.banUntil)
}

// UpdateFromHeaders adopts the used weight Binance reports when it exceeds ours
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}

	usagePct := float64(r.currentWeight) / float64(r.maxWeight) * 100
	if usagePct > 60 {
		r.logger.Warn().Int("weight", r.currentWeight).Int("max_weight", r.maxWeight).
			Float64("usage_pct", usagePct).Msg("Weight usage high")
	}
}

// CurrentWeight returns the weight used in the current window
func (r *RateLimiter) CurrentWeight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentWeight
}

func getEndpointWeight(endpoint string) int {
	if weight, ok := endpointWeights[endpoint]; ok {
		return weight
	}
	return 1
}

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntilFromError extracts the ban expiry from "banned until 1766824120342"
func ParseBanUntilFromError(errMsg string) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if len(m) != 2 {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}

	// Sanity check - should be a millisecond timestamp in the next day
	now := time.Now()
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
