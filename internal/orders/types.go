// Package orders keeps the ledger of every entry, rebuy, take-profit and stop order a
// trade submits, together with the exchange identifiers assigned to them.
package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category groups ledger records by purpose
type Category string

const (
	CategoryEntries     Category = "entries"
	CategoryTakeProfits Category = "takeProfits"
	CategoryStopLoss    Category = "stopLoss"
	CategoryClose       Category = "close"
)

// Status is the submission state of one order record
type Status string

const (
	StatusUnsubmitted Status = "unsubmitted"
	StatusSubmitted   Status = "submitted"
	StatusFilled      Status = "filled"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further exchange activity is expected for the order
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// OrderRecord is the ledger entry for one planned order
type OrderRecord struct {
	Label           string          `json:"label"`
	Category        Category        `json:"category"`
	Side            string          `json:"side"`
	ReduceOnly      bool            `json:"reduceOnly"`
	TargetPrice     decimal.Decimal `json:"targetPrice"`
	SizeUSD         decimal.Decimal `json:"sizeUSD,omitempty"`
	SizePercent     decimal.Decimal `json:"sizePercent,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	Status          Status          `json:"status"`
	Version         int             `json:"version"`
	ClientOrderID   string          `json:"clientOrderId,omitempty"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Filled          bool            `json:"filled"`
	FilledAt        *time.Time      `json:"filledAt,omitempty"`
	FilledQty       decimal.Decimal `json:"filledQty"`
	FillPrice       decimal.Decimal `json:"fillPrice"`
	Rejections      int             `json:"rejections,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsOpen reports whether the order rests on the exchange
func (r *OrderRecord) IsOpen() bool {
	return r.Status == StatusSubmitted && r.ExchangeOrderID != ""
}
