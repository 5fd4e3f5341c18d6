// Package events defines the append-only trade event record and the bus that fans
// committed events out to live consumers.
package events

import (
	"time"
)

// Type identifies what a TradeEvent records
type Type string

const (
	Created           Type = "CREATED"
	Started           Type = "STARTED"
	OrderPlaced       Type = "ORDER_PLACED"
	OrderFilled       Type = "ORDER_FILLED"
	OrderCancelled    Type = "ORDER_CANCELLED"
	SLMoved           Type = "SL_MOVED"
	TPHit             Type = "TP_HIT"
	PositionOpened    Type = "POSITION_OPENED"
	PositionClosed    Type = "POSITION_CLOSED"
	TradeClosed       Type = "TRADE_CLOSED"
	Error             Type = "ERROR"
	Warning           Type = "WARNING"
	MonitoringResumed Type = "MONITORING_RESUMED"
)

// AllTypes lists every event type in lifecycle order
func AllTypes() []Type {
	return []Type{
		Created, Started, OrderPlaced, OrderFilled, OrderCancelled, SLMoved, TPHit,
		PositionOpened, PositionClosed, TradeClosed, Error, Warning, MonitoringResumed,
	}
}

// TradeEvent is one immutable fact in a trade's history. Seq is assigned by the store
// and increases monotonically per trade.
type TradeEvent struct {
	TradeID   string                 `json:"tradeId"`
	Seq       int64                  `json:"seq"`
	Type      Type                   `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New builds an unsequenced event
func New(tradeID string, typ Type, at time.Time, payload map[string]interface{}) TradeEvent {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return TradeEvent{
		TradeID:   tradeID,
		Type:      typ,
		Payload:   payload,
		Timestamp: at.UTC(),
	}
}
