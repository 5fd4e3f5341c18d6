// Package gateway defines the exchange capability the lifecycle engine consumes.
// Implementations exist per exchange; the engine only depends on this interface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP_MARKET"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderState is the exchange-side state of an order as seen by the engine
type OrderState string

const (
	OrderOpen      OrderState = "open"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
)

// OrderRequest describes a new order
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          OrderType
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// Order is the exchange view of one order
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	Quantity      decimal.Decimal `json:"quantity"`
	ReduceOnly    bool            `json:"reduceOnly"`
	State         OrderState      `json:"state"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Position is the exchange view of a symbol's one-way position.
// Size is signed: positive long, negative short, zero flat.
type Position struct {
	Symbol     string          `json:"symbol"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	MarkPrice  decimal.Decimal `json:"markPrice"`
}

// IsFlat reports whether there is no exposure
func (p Position) IsFlat() bool {
	return p.Size.IsZero()
}

// SymbolRules carries the price and quantity granularity of a symbol
type SymbolRules struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tickSize"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinQuantity decimal.Decimal `json:"minQuantity"`
}

// Gateway is the exchange capability used by the lifecycle controller.
// CancelOrder must treat already filled or cancelled orders as success, and
// placing an order with a client order id that already exists must return the
// existing order id.
type Gateway interface {
	Name() string
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetPosition(ctx context.Context, symbol string) (Position, error)
}

// ErrorKind classifies gateway failures for the controller's retry policy
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindRejected  ErrorKind = "rejected"
	KindNotFound  ErrorKind = "not_found"
)

// Error is a classified gateway failure
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Rejected wraps err as an exchange refusal of the request
func Rejected(op string, err error) error {
	return &Error{Kind: KindRejected, Op: op, Err: err}
}

// NotFound wraps err as an unknown order or symbol
func NotFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// KindOf returns the failure kind. Context expiry and unclassified errors are transient.
func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried on the next tick
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsRejected reports whether the exchange refused the request
func IsRejected(err error) bool {
	return err != nil && KindOf(err) == KindRejected
}

// IsNotFound reports whether the order or symbol is unknown to the exchange
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}
