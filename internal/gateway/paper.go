package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	errUnreachable = errors.New("exchange unreachable")
	errRejected    = errors.New("order rejected by exchange")
)

// PaperGateway is an in-process exchange. Limit and stop orders rest until the mark
// price crosses them; market orders fill at mark. Faults can be injected for tests.
type PaperGateway struct {
	mu          sync.Mutex
	orders      map[string]*Order
	byClientID  map[string]string
	positions   map[string]*Position
	marks       map[string]decimal.Decimal
	rules       map[string]SymbolRules
	leverage    map[string]int
	nextOrderID int64
	now         func() time.Time

	unreachable bool
	rejectNext  int
	placed      []OrderRequest
}

// NewPaperGateway creates an empty paper exchange
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		orders:      make(map[string]*Order),
		byClientID:  make(map[string]string),
		positions:   make(map[string]*Position),
		marks:       make(map[string]decimal.Decimal),
		rules:       make(map[string]SymbolRules),
		leverage:    make(map[string]int),
		nextOrderID: 1000,
		now:         time.Now,
	}
}

// Name implements Gateway
func (g *PaperGateway) Name() string { return "paper" }

// ==================== FAULT INJECTION ====================

// SetUnreachable makes every call fail with a transient error while true
func (g *PaperGateway) SetUnreachable(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unreachable = v
}

// RejectNext rejects the next n order placements
func (g *PaperGateway) RejectNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectNext = n
}

// SetRules registers tick and step sizes for a symbol
func (g *PaperGateway) SetRules(r SymbolRules) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[r.Symbol] = r
}

// ForcePosition overwrites a position, bypassing order matching
func (g *PaperGateway) ForcePosition(symbol string, size, entry decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[symbol] = &Position{Symbol: symbol, Size: size, EntryPrice: entry}
}

// Placed returns every accepted order request in submission order
func (g *PaperGateway) Placed() []OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]OrderRequest, len(g.placed))
	copy(out, g.placed)
	return out
}

// Leverage returns the leverage last set for symbol
func (g *PaperGateway) Leverage(symbol string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leverage[symbol]
}

// ==================== MARKET ====================

// SetMarkPrice moves the mark price and fills every resting order it crosses
func (g *PaperGateway) SetMarkPrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.marks[symbol] = price
	for _, o := range g.sortedOpenOrdersLocked(symbol) {
		if g.crossesLocked(o, price) {
			fillAt := o.Price
			if o.Type == OrderTypeStop {
				fillAt = o.StopPrice
			}
			g.fillLocked(o, fillAt)
		}
	}
}

// FillOrder fills a resting order at its own price regardless of mark
func (g *PaperGateway) FillOrder(orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if o.State != OrderOpen {
		return fmt.Errorf("order %s is %s", orderID, o.State)
	}
	price := o.Price
	if o.Type == OrderTypeStop {
		price = o.StopPrice
	}
	g.fillLocked(o, price)
	return nil
}

// FillByClientID fills a resting order addressed by its client order id
func (g *PaperGateway) FillByClientID(clientOrderID string) error {
	g.mu.Lock()
	id, ok := g.byClientID[clientOrderID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("client order not found: %s", clientOrderID)
	}
	return g.FillOrder(id)
}

// PartialFill executes qty of a resting order at its own price and leaves the rest
// resting, like an exchange order in PARTIALLY_FILLED state
func (g *PaperGateway) PartialFill(clientOrderID string, qty decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.byClientID[clientOrderID]
	if !ok {
		return fmt.Errorf("client order not found: %s", clientOrderID)
	}
	o := g.orders[id]
	if o.State != OrderOpen {
		return fmt.Errorf("order %s is %s", id, o.State)
	}
	if !qty.IsPositive() || qty.GreaterThanOrEqual(o.Quantity.Sub(o.FilledQty)) {
		return fmt.Errorf("partial fill of %s must be below the remaining quantity", qty)
	}
	price := o.Price
	if o.Type == OrderTypeStop {
		price = o.StopPrice
	}
	g.executeLocked(o, qty, price)
	return nil
}

// OrderByClientID returns the order placed with a client order id
func (g *PaperGateway) OrderByClientID(clientOrderID string) (Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byClientID[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *g.orders[id], true
}

func (g *PaperGateway) crossesLocked(o *Order, mark decimal.Decimal) bool {
	switch o.Type {
	case OrderTypeLimit:
		if o.Side == "BUY" {
			return mark.LessThanOrEqual(o.Price)
		}
		return mark.GreaterThanOrEqual(o.Price)
	case OrderTypeStop:
		if o.Side == "BUY" {
			return mark.GreaterThanOrEqual(o.StopPrice)
		}
		return mark.LessThanOrEqual(o.StopPrice)
	}
	return false
}

func (g *PaperGateway) fillLocked(o *Order, price decimal.Decimal) {
	if g.executeLocked(o, o.Quantity.Sub(o.FilledQty), price) {
		o.State = OrderFilled
	}
}

// executeLocked applies qty of o to the position at price. It returns false when a
// reduce-only order had nothing to reduce and was cancelled instead.
func (g *PaperGateway) executeLocked(o *Order, qty, price decimal.Decimal) bool {
	pos := g.positionLocked(o.Symbol)
	delta := qty
	if o.Side == "SELL" {
		delta = qty.Neg()
	}

	if o.ReduceOnly {
		if pos.Size.IsZero() || pos.Size.Sign() == delta.Sign() {
			o.State = OrderCancelled
			o.UpdatedAt = g.now()
			return false
		}
		if qty.GreaterThan(pos.Size.Abs()) {
			qty = pos.Size.Abs()
			delta = qty.Mul(decimal.NewFromInt(int64(delta.Sign())))
		}
	}

	newSize := pos.Size.Add(delta)
	switch {
	case newSize.IsZero():
		pos.EntryPrice = decimal.Zero
	case pos.Size.IsZero() || pos.Size.Sign() == delta.Sign():
		total := pos.Size.Abs().Mul(pos.EntryPrice).Add(qty.Mul(price))
		pos.EntryPrice = total.Div(newSize.Abs())
	case pos.Size.Sign() != newSize.Sign():
		pos.EntryPrice = price
	}
	pos.Size = newSize

	executed := o.FilledQty.Add(qty)
	if executed.IsPositive() {
		o.AvgPrice = o.FilledQty.Mul(o.AvgPrice).Add(qty.Mul(price)).Div(executed)
	}
	o.FilledQty = executed
	o.UpdatedAt = g.now()
	return true
}

func (g *PaperGateway) positionLocked(symbol string) *Position {
	pos, ok := g.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		g.positions[symbol] = pos
	}
	return pos
}

func (g *PaperGateway) sortedOpenOrdersLocked(symbol string) []*Order {
	var open []*Order
	for _, o := range g.orders {
		if o.Symbol == symbol && o.State == OrderOpen {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		a, _ := strconv.ParseInt(open[i].ID, 10, 64)
		b, _ := strconv.ParseInt(open[j].ID, 10, 64)
		return a < b
	})
	return open
}

func (g *PaperGateway) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return Transient(op, err)
	}
	if g.unreachable {
		return Transient(op, errUnreachable)
	}
	return nil
}

// ==================== GATEWAY ====================

// SetLeverage implements Gateway
func (g *PaperGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "set_leverage"); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return Rejected("set_leverage", fmt.Errorf("leverage %d out of range", leverage))
	}
	g.leverage[symbol] = leverage
	return nil
}

// SymbolRules implements Gateway
func (g *PaperGateway) SymbolRules(ctx context.Context, symbol string) (SymbolRules, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "symbol_rules"); err != nil {
		return SymbolRules{}, err
	}
	if r, ok := g.rules[symbol]; ok {
		return r, nil
	}
	return SymbolRules{Symbol: symbol}, nil
}

// PlaceOrder implements Gateway
func (g *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "place_order"); err != nil {
		return "", err
	}
	if req.ClientOrderID != "" {
		if id, ok := g.byClientID[req.ClientOrderID]; ok {
			return id, nil
		}
	}
	if g.rejectNext > 0 {
		g.rejectNext--
		return "", Rejected("place_order", errRejected)
	}
	if !req.Quantity.IsPositive() {
		return "", Rejected("place_order", fmt.Errorf("quantity %s must be positive", req.Quantity))
	}
	mark, hasMark := g.marks[req.Symbol]
	if hasMark && req.Type == OrderTypeStop && g.crossesLocked(&Order{Type: req.Type, Side: req.Side, StopPrice: req.StopPrice}, mark) {
		return "", Rejected("place_order", fmt.Errorf("stop %s would immediately trigger at mark %s", req.StopPrice, mark))
	}

	id := strconv.FormatInt(g.nextOrderID, 10)
	g.nextOrderID++
	o := &Order{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		State:         OrderOpen,
		UpdatedAt:     g.now(),
	}
	g.orders[id] = o
	if req.ClientOrderID != "" {
		g.byClientID[req.ClientOrderID] = id
	}
	g.placed = append(g.placed, req)

	switch {
	case req.Type == OrderTypeMarket:
		if !hasMark {
			mark = req.Price
		}
		g.fillLocked(o, mark)
	case req.Type == OrderTypeLimit && hasMark && g.crossesLocked(o, mark):
		g.fillLocked(o, o.Price)
	}
	return id, nil
}

// CancelOrder implements Gateway. Filled and cancelled orders cancel successfully.
func (g *PaperGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "cancel_order"); err != nil {
		return err
	}
	o, ok := g.orders[orderID]
	if !ok {
		return NotFound("cancel_order", fmt.Errorf("order not found: %s", orderID))
	}
	if o.State == OrderOpen {
		o.State = OrderCancelled
		o.UpdatedAt = g.now()
	}
	return nil
}

// GetOrderStatus implements Gateway
func (g *PaperGateway) GetOrderStatus(ctx context.Context, symbol, orderID string) (Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "order_status"); err != nil {
		return Order{}, err
	}
	o, ok := g.orders[orderID]
	if !ok {
		return Order{}, NotFound("order_status", fmt.Errorf("order not found: %s", orderID))
	}
	return *o, nil
}

// GetOpenOrders implements Gateway
func (g *PaperGateway) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "open_orders"); err != nil {
		return nil, err
	}
	var out []Order
	for _, o := range g.sortedOpenOrdersLocked(symbol) {
		out = append(out, *o)
	}
	return out, nil
}

// GetPosition implements Gateway
func (g *PaperGateway) GetPosition(ctx context.Context, symbol string) (Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ctx, "position"); err != nil {
		return Position{}, err
	}
	pos := *g.positionLocked(symbol)
	pos.MarkPrice = g.marks[symbol]
	return pos, nil
}
