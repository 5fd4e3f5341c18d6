package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Order status values returned by /fapi/v1/order
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
	OrderStatusRejected        = "REJECTED"
)

// Binance error codes the client classifies
const (
	codeDisconnected      = -1001
	codeTooManyRequests   = -1003
	codeTooManyOrders     = -1015
	codeServiceShutdown   = -1016
	codeTimestampOutside  = -1021
	codeInvalidSymbol     = -1121
	codeUnknownOrder      = -2011
	codeOrderDoesNotExist = -2013
	codeDuplicateClientID = -4116
)

// APIError is the error body Binance returns with non-2xx responses
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// FuturesOrder is the order view returned by order queries and placements
type FuturesOrder struct {
	OrderId       int64           `json:"orderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	ClientOrderId string          `json:"clientOrderId"`
	Price         decimal.Decimal `json:"price"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Type          string          `json:"type"`
	ReduceOnly    bool            `json:"reduceOnly"`
	Side          string          `json:"side"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	UpdateTime    int64           `json:"updateTime"`
}

// FuturesPosition is one entry of /fapi/v2/positionRisk
type FuturesPosition struct {
	Symbol       string          `json:"symbol"`
	PositionAmt  decimal.Decimal `json:"positionAmt"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	MarkPrice    decimal.Decimal `json:"markPrice"`
	PositionSide string          `json:"positionSide"`
	UpdateTime   int64           `json:"updateTime"`
}

// LeverageResponse is returned by /fapi/v1/leverage
type LeverageResponse struct {
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
	Symbol           string `json:"symbol"`
}

// FuturesSymbolFilter is one filter of a symbol in exchange info
type FuturesSymbolFilter struct {
	FilterType string          `json:"filterType"`
	TickSize   decimal.Decimal `json:"tickSize"`
	StepSize   decimal.Decimal `json:"stepSize"`
	MinQty     decimal.Decimal `json:"minQty"`
}

// FuturesSymbolInfo is the exchange info of a symbol
type FuturesSymbolInfo struct {
	Symbol  string                `json:"symbol"`
	Status  string                `json:"status"`
	Filters []FuturesSymbolFilter `json:"filters"`
}

// FuturesExchangeInfo is returned by /fapi/v1/exchangeInfo
type FuturesExchangeInfo struct {
	ServerTime int64               `json:"serverTime"`
	Symbols    []FuturesSymbolInfo `json:"symbols"`
}
