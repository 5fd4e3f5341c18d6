// Package binance implements the exchange gateway against the Binance USDⓈ-M
// Futures REST API in one-way position mode.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-lifecycle-engine/config"
	"trade-lifecycle-engine/internal/gateway"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClient implements gateway.Gateway
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
	retryDelay time.Duration

	rulesMu sync.RWMutex
	rules   map[string]gateway.SymbolRules
}

var _ gateway.Gateway = (*FuturesClient)(nil)

// NewFuturesClient creates a client from the exchange config. Keys are expected to
// be resolved already (see the vault package).
func NewFuturesClient(cfg config.ExchangeConfig, timeout time.Duration, logger zerolog.Logger) *FuturesClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if cfg.TestNet {
			baseURL = FuturesTestnetURL
		}
	}
	recvWindow := cfg.RecvWindow
	if recvWindow <= 0 {
		recvWindow = 10000
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger = logger.With().Str("component", "Binance").Logger()

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: recvWindow,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(logger),
		logger:     logger,
		retryDelay: baseRetryDelay,
		rules:      make(map[string]gateway.SymbolRules),
	}
}

// Name implements gateway.Gateway
func (c *FuturesClient) Name() string { return "binance" }

// ==================== LEVERAGE ====================

// SetLeverage sets the leverage for a symbol
func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, PriorityNormal)
	if err != nil {
		return classify("set_leverage", err)
	}

	var resp LeverageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return gateway.Transient("set_leverage", fmt.Errorf("error parsing leverage response: %w", err))
	}
	return nil
}

// ==================== EXCHANGE INFO ====================

// SymbolRules returns tick and step sizes, loading exchange info once per client
func (c *FuturesClient) SymbolRules(ctx context.Context, symbol string) (gateway.SymbolRules, error) {
	c.rulesMu.RLock()
	rules, ok := c.rules[symbol]
	c.rulesMu.RUnlock()
	if ok {
		return rules, nil
	}

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, PriorityNormal)
	if err != nil {
		return gateway.SymbolRules{}, classify("symbol_rules", err)
	}

	var info FuturesExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return gateway.SymbolRules{}, gateway.Transient("symbol_rules", fmt.Errorf("error parsing exchange info: %w", err))
	}

	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	for _, s := range info.Symbols {
		r := gateway.SymbolRules{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				r.TickSize = f.TickSize
			case "LOT_SIZE":
				r.StepSize = f.StepSize
				r.MinQuantity = f.MinQty
			}
		}
		c.rules[s.Symbol] = r
	}

	rules, ok = c.rules[symbol]
	if !ok {
		return gateway.SymbolRules{}, gateway.NotFound("symbol_rules", fmt.Errorf("unknown symbol %s", symbol))
	}
	return rules, nil
}

// ==================== TRADING ====================

// PlaceOrder places a new futures order. A duplicated client order id resolves to
// the order already on the book.
func (c *FuturesClient) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())

	switch req.Type {
	case gateway.OrderTypeLimit:
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	case gateway.OrderTypeStop:
		params.Set("stopPrice", req.StopPrice.String())
		params.Set("workingType", "MARK_PRICE")
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, PriorityCritical)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeDuplicateClientID && req.ClientOrderID != "" {
			c.logger.Info().Str("client_order_id", req.ClientOrderID).Msg("Duplicate client order id, resolving existing order")
			existing, lookupErr := c.orderByClientID(ctx, req.Symbol, req.ClientOrderID)
			if lookupErr != nil {
				return "", classify("place_order", lookupErr)
			}
			return strconv.FormatInt(existing.OrderId, 10), nil
		}
		return "", classify("place_order", err)
	}

	var order FuturesOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return "", gateway.Transient("place_order", fmt.Errorf("error parsing order response: %w", err))
	}
	return strconv.FormatInt(order.OrderId, 10), nil
}

func (c *FuturesClient) orderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/order", params, true, PriorityCritical)
	if err != nil {
		return nil, err
	}
	var order FuturesOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}
	return &order, nil
}

// CancelOrder cancels an order. Orders the exchange no longer knows as open
// (filled or already cancelled) count as cancelled.
func (c *FuturesClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return gateway.NotFound("cancel_order", fmt.Errorf("invalid order id %q", orderID))
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(id, 10))

	if _, err := c.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true, PriorityCritical); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			return nil
		}
		return classify("cancel_order", err)
	}
	return nil
}

// GetOrderStatus retrieves a specific order
func (c *FuturesClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (gateway.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return gateway.Order{}, gateway.NotFound("order_status", fmt.Errorf("invalid order id %q", orderID))
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(id, 10))

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/order", params, true, PriorityHigh)
	if err != nil {
		return gateway.Order{}, classify("order_status", err)
	}

	var order FuturesOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return gateway.Order{}, gateway.Transient("order_status", fmt.Errorf("error parsing order: %w", err))
	}
	return toGatewayOrder(order), nil
}

// GetOpenOrders retrieves all open orders for a symbol
func (c *FuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]gateway.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, PriorityHigh)
	if err != nil {
		return nil, classify("open_orders", err)
	}

	var raw []FuturesOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, gateway.Transient("open_orders", fmt.Errorf("error parsing open orders: %w", err))
	}
	out := make([]gateway.Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, toGatewayOrder(o))
	}
	return out, nil
}

// ==================== POSITIONS ====================

// GetPosition returns the one-way position of a symbol with its mark price
func (c *FuturesClient) GetPosition(ctx context.Context, symbol string) (gateway.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, PriorityHigh)
	if err != nil {
		return gateway.Position{}, classify("position", err)
	}

	var raw []FuturesPosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return gateway.Position{}, gateway.Transient("position", fmt.Errorf("error parsing positions: %w", err))
	}

	pos := gateway.Position{Symbol: symbol}
	for _, p := range raw {
		if p.Symbol != symbol {
			continue
		}
		if pos.MarkPrice.IsZero() {
			pos.MarkPrice = p.MarkPrice
		}
		if !p.PositionAmt.IsZero() {
			pos.Size = pos.Size.Add(p.PositionAmt)
			pos.EntryPrice = p.EntryPrice
		}
	}
	return pos, nil
}

func toGatewayOrder(o FuturesOrder) gateway.Order {
	state := gateway.OrderOpen
	switch o.Status {
	case OrderStatusFilled:
		state = gateway.OrderFilled
	case OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		state = gateway.OrderCancelled
	}
	return gateway.Order{
		ID:            strconv.FormatInt(o.OrderId, 10),
		ClientOrderID: o.ClientOrderId,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          gateway.OrderType(o.Type),
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		Quantity:      o.OrigQty,
		ReduceOnly:    o.ReduceOnly,
		State:         state,
		FilledQty:     o.ExecutedQty,
		AvgPrice:      o.AvgPrice,
		UpdatedAt:     time.UnixMilli(o.UpdateTime).UTC(),
	}
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs one API call with rate limiting and retry. Signed requests get
// a fresh timestamp per attempt.
func (c *FuturesClient) request(ctx context.Context, method, endpoint string, params url.Values, signed bool, priority RequestPriority) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx, endpoint, priority); err != nil {
			return nil, err
		}

		query := params
		if signed {
			query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
			query.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
		}
		encoded := query.Encode()
		if signed {
			encoded += "&signature=" + c.sign(encoded)
		}
		reqURL := c.baseURL + endpoint
		if encoded != "" {
			reqURL += "?" + encoded
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() == nil && attempt < maxRetries {
				delay := c.calculateRetryDelay(attempt)
				c.logger.Warn().Err(err).Str("method", method).Str("endpoint", endpoint).
					Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Request failed, retrying")
				if err := sleepContext(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if weight, err := strconv.Atoi(usedWeight); err == nil {
				c.limiter.UpdateFromHeaders(weight)
			}
		}

		if resp.StatusCode == http.StatusOK {
			c.limiter.RecordSuccess()
			return body, nil
		}

		apiErr := parseAPIError(resp.StatusCode, body)
		lastErr = apiErr

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot ||
			apiErr.Code == codeTooManyRequests {
			c.limiter.RecordRateLimitError(ParseBanUntilFromError(apiErr.Message))
			return nil, apiErr
		}

		if isRetryableError(apiErr) && attempt < maxRetries {
			delay := c.calculateRetryDelay(attempt)
			c.logger.Warn().Str("method", method).Str("endpoint", endpoint).Int("status", resp.StatusCode).
				Int("code", apiErr.Code).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("API error, retrying")
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		return nil, apiErr
	}

	return nil, lastErr
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{HTTPStatus: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// isRetryableError checks if an error is transient and should be retried
func isRetryableError(err *APIError) bool {
	if err.HTTPStatus >= 500 {
		return true
	}
	switch err.Code {
	case codeDisconnected, codeTooManyRequests, codeTooManyOrders, codeServiceShutdown, codeTimestampOutside:
		return true
	}
	return false
}

// calculateRetryDelay returns delay with exponential backoff and jitter
func (c *FuturesClient) calculateRetryDelay(attempt int) time.Duration {
	delay := c.retryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	if delay < 2 {
		return delay
	}
	// Add jitter (±25%)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// classify maps transport and API failures onto the gateway error kinds
func classify(op string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return gateway.Transient(op, err)
	}
	if apiErr.HTTPStatus >= 500 || apiErr.HTTPStatus == http.StatusTooManyRequests ||
		apiErr.HTTPStatus == http.StatusTeapot || isRetryableError(apiErr) {
		return gateway.Transient(op, err)
	}
	switch apiErr.Code {
	case codeUnknownOrder, codeOrderDoesNotExist, codeInvalidSymbol:
		return gateway.NotFound(op, err)
	}
	return gateway.Rejected(op, err)
}
