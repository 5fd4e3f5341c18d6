package database

import (
	"time"

	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/internal/orders"
	"trade-lifecycle-engine/internal/plan"
)

// TradeStatus is the lifecycle state of a trade plan instance
type TradeStatus string

const (
	StatusPending TradeStatus = "PENDING"
	StatusActive  TradeStatus = "ACTIVE"
	StatusOpen    TradeStatus = "OPEN"
	StatusClosed  TradeStatus = "CLOSED"
	StatusError   TradeStatus = "ERROR"
)

// IsMonitored reports whether a trade needs a running monitoring task
func (s TradeStatus) IsMonitored() bool {
	return s == StatusActive || s == StatusOpen
}

// IsTerminal reports whether the status accepts no automatic transitions
func (s TradeStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusError
}

// Close reasons recorded on TRADE_CLOSED
const (
	CloseReasonStopLoss     = "stop_loss"
	CloseReasonTakeProfit   = "take_profit"
	CloseReasonForceClose   = "force_close"
	CloseReasonPositionFlat = "position_flat"
	CloseReasonCancelled    = "cancelled"
)

// PositionState is the engine's belief about a trade's exposure
type PositionState struct {
	AccumulatedSize        decimal.Decimal     `json:"accumulatedSize"`
	WeightedAverageEntry   decimal.Decimal     `json:"weightedAverageEntry"`
	CurrentStopLossPrice   decimal.NullDecimal `json:"currentStopLossPrice"`
	CurrentStopLossOrderID string              `json:"currentStopLossOrderId,omitempty"`
	RealizedPnL            decimal.Decimal     `json:"realizedPnL"`
	UnrealizedPnL          decimal.Decimal     `json:"unrealizedPnL"`
	LastObservedMarkPrice  decimal.Decimal     `json:"lastObservedMarkPrice"`
	LastSyncedAt           *time.Time          `json:"lastSyncedAt,omitempty"`
}

// TradeRecord is the single durable record per trade: plan, position and ledger
type TradeRecord struct {
	ID       string               `json:"id"`
	Plan     plan.TradePlan       `json:"plan"`
	Status   TradeStatus          `json:"status"`
	Position PositionState        `json:"position"`
	Orders   []orders.OrderRecord `json:"orders"`

	// CascadeLevel counts take-profit levels whose stop-loss step has been applied
	CascadeLevel int `json:"cascadeLevel"`

	TakeProfitsSubmitted bool        `json:"takeProfitsSubmitted"`
	Closing              bool        `json:"closing,omitempty"`
	CloseReason          string      `json:"closeReason,omitempty"`
	ErrorFrom            TradeStatus `json:"errorFrom,omitempty"`
	ErrorReason          string      `json:"errorReason,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// Clone returns a copy whose ledger slice can be modified independently
func (r *TradeRecord) Clone() *TradeRecord {
	c := *r
	c.Orders = make([]orders.OrderRecord, len(r.Orders))
	copy(c.Orders, r.Orders)
	if r.Position.LastSyncedAt != nil {
		t := *r.Position.LastSyncedAt
		c.Position.LastSyncedAt = &t
	}
	return &c
}

// TradeFilter narrows ListTrades
type TradeFilter struct {
	Statuses []TradeStatus
	Symbol   string
	Limit    int
}

func (f TradeFilter) matches(r *TradeRecord) bool {
	if f.Symbol != "" && f.Symbol != r.Plan.Symbol {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == r.Status {
			return true
		}
	}
	return false
}
