// Package plan holds the declarative trade plan: entry, rebuys, stop-loss and the
// take-profit cascade. A plan is immutable once Validate has accepted it.
package plan

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Direction is the side of the position the plan opens
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection normalizes user input into a Direction
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, true
	case "SHORT", "SELL":
		return Short, true
	}
	return "", false
}

// Sign returns +1 for LONG and -1 for SHORT
func (d Direction) Sign() int {
	if d == Short {
		return -1
	}
	return 1
}

// OpenSide is the exchange order side that adds to the position
func (d Direction) OpenSide() string {
	if d == Short {
		return "SELL"
	}
	return "BUY"
}

// CloseSide is the exchange order side that reduces the position
func (d Direction) CloseSide() string {
	if d == Short {
		return "BUY"
	}
	return "SELL"
}

// OrderLevel is one entry or rebuy. The first level of a plan is the initial entry.
type OrderLevel struct {
	Label           string          `json:"label"`
	Price           decimal.Decimal `json:"price"`
	SizeUSD         decimal.Decimal `json:"sizeUSD"`
	ExpectedAverage decimal.Decimal `json:"expectedAverage"`
}

// TPLevel is one take-profit step of the cascade
type TPLevel struct {
	Level       string          `json:"level"`
	Price       decimal.Decimal `json:"price"`
	SizePercent decimal.Decimal `json:"sizePercent"`
}

// TradePlan describes a leveraged trade from entry to final take-profit
type TradePlan struct {
	Symbol         string          `json:"symbol"`
	Direction      Direction       `json:"direction"`
	MarginUSD      decimal.Decimal `json:"marginUSD"`
	Leverage       decimal.Decimal `json:"leverage"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	StopLoss       decimal.Decimal `json:"stopLoss"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
	MaxLossPercent decimal.Decimal `json:"maxLossPercent"`
	Entries        []OrderLevel    `json:"entries"`
	TakeProfits    []TPLevel       `json:"takeProfits"`
	Notes          string          `json:"notes,omitempty"`
	PlannedAt      string          `json:"plannedAt,omitempty"`
}

// Clone returns a copy that shares no slices with p
func (p *TradePlan) Clone() TradePlan {
	c := *p
	c.Entries = append([]OrderLevel(nil), p.Entries...)
	c.TakeProfits = append([]TPLevel(nil), p.TakeProfits...)
	return c
}

// Rebuys returns every entry level after the initial entry
func (p *TradePlan) Rebuys() []OrderLevel {
	if len(p.Entries) < 2 {
		return nil
	}
	return p.Entries[1:]
}

// TakeProfitIndex returns the position of the level label in the cascade, or -1
func (p *TradePlan) TakeProfitIndex(level string) int {
	for i, tp := range p.TakeProfits {
		if tp.Level == level {
			return i
		}
	}
	return -1
}

// EntryByLabel looks up an entry or rebuy level
func (p *TradePlan) EntryByLabel(label string) (OrderLevel, bool) {
	for _, e := range p.Entries {
		if e.Label == label {
			return e, true
		}
	}
	return OrderLevel{}, false
}

// IsProtective reports whether a stop at price is on the loss side of ref for this direction
func (d Direction) IsProtective(stop, ref decimal.Decimal) bool {
	if d == Short {
		return stop.GreaterThan(ref)
	}
	return stop.LessThan(ref)
}

// IsBeyond reports whether a is further in the profit direction than b
func (d Direction) IsBeyond(a, b decimal.Decimal) bool {
	if d == Short {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}
