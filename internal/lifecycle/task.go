package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/gateway"
	"trade-lifecycle-engine/internal/logging"
	"trade-lifecycle-engine/internal/orders"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdClose
	cmdForceClose
	cmdCancelAll
	cmdResume
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdClose:
		return "close"
	case cmdForceClose:
		return "force-close"
	case cmdCancelAll:
		return "cancel-all"
	case cmdResume:
		return "resume"
	}
	return "unknown"
}

type command struct {
	kind  commandKind
	reply chan error
}

// tradeTask is the single mutator of one trade. Commands and ticks run on its
// goroutine; other goroutines only read published snapshots.
type tradeTask struct {
	m      *Manager
	id     string
	logger zerolog.Logger
	cmds   chan command

	mu  sync.RWMutex
	rec *database.TradeRecord

	rules          *gateway.SymbolRules
	failures       int
	outageReported bool
}

func (m *Manager) newTask(rec *database.TradeRecord) *tradeTask {
	return &tradeTask{
		m:      m,
		id:     rec.ID,
		logger: logging.Trade(m.logger, rec.ID, rec.Plan.Symbol),
		cmds:   make(chan command, m.cfg.CommandBuffer),
		rec:    rec.Clone(),
	}
}

func (t *tradeTask) snapshot() *database.TradeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.Clone()
}

func (t *tradeTask) swap(rec *database.TradeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rec = rec
}

// offer queues cmd without blocking; callers hold m.mu
func (t *tradeTask) offer(cmd command) error {
	select {
	case t.cmds <- cmd:
		return nil
	default:
		return ErrTradeBusy
	}
}

// finished reports whether the task has nothing left to monitor
func (t *tradeTask) finished() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rec.Status == database.StatusPending || t.rec.Status == database.StatusClosed
}

func (t *tradeTask) run() {
	defer t.m.wg.Done()

	ticker := time.NewTicker(t.m.cfg.PollInterval)
	defer ticker.Stop()

	t.logger.Debug().Msg("Trade task started")
	for {
		if t.finished() && t.m.retire(t, false) {
			t.logger.Debug().Msg("Trade task finished")
			return
		}

		select {
		case <-t.m.ctx.Done():
			t.m.retire(t, true)
			return
		case cmd := <-t.cmds:
			cmd.reply <- t.guard(t.m.ctx, cmd.kind.String(), func(ctx context.Context) error {
				return t.handle(ctx, cmd.kind)
			})
		case <-ticker.C:
			t.runTick(t.m.ctx)
		}
	}
}

func (t *tradeTask) runTick(ctx context.Context) {
	start := time.Now()
	status := t.snapshot().Status
	err := t.guard(ctx, "tick", t.tick)
	if t.m.observer != nil {
		t.m.observer.ObserveTick(status, time.Since(start), err)
	}
	if err == nil || ctx.Err() != nil {
		return
	}
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		t.logger.Error().Err(err).Msg("Tick aborted")
	}
}

// guard holds a worker slot for fn and turns a panic into an error
func (t *tradeTask) guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	if err := t.m.acquire(ctx); err != nil {
		return err
	}
	defer t.m.release()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
			t.logger.Error().
				Str("operation", name).
				Str("stack", string(debug.Stack())).
				Msgf("Recovered from panic: %v", r)
		}
	}()
	return fn(ctx)
}

// ==================== TRANSACTION ====================

// txn is the working copy a tick or command mutates. Nothing is visible until commit.
type txn struct {
	rec    *database.TradeRecord
	ledger *orders.Ledger
	evs    []events.TradeEvent
	now    time.Time

	// slReason names what moved the stop in this transaction
	slReason   string
	closePrice decimal.NullDecimal
}

func (t *tradeTask) begin() *txn {
	rec := t.snapshot()
	return &txn{
		rec:    rec,
		ledger: orders.FromRecords(rec.Orders),
		now:    t.m.now().UTC(),
	}
}

func (x *txn) emit(typ events.Type, payload map[string]interface{}) {
	x.evs = append(x.evs, events.New(x.rec.ID, typ, x.now, payload))
}

func (t *tradeTask) commit(ctx context.Context, x *txn) error {
	x.rec.Orders = x.ledger.Records()
	x.rec.UpdatedAt = x.now

	stored, err := t.m.store.Commit(ctx, x.rec, x.evs)
	if err != nil {
		return fmt.Errorf("failed to commit trade %s: %w", t.id, err)
	}
	t.swap(x.rec)
	t.m.publish(ctx, x.rec, stored)
	return nil
}

// ==================== GATEWAY CALLS ====================

// call runs one gateway operation under the configured timeout. A cancelled
// parent context stops the tick before the call is made.
func (t *tradeTask) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, t.m.cfg.GatewayTimeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && t.m.observer != nil {
		t.m.observer.ObserveGatewayError(op, gateway.KindOf(err))
	}
	return err
}

func (t *tradeTask) symbolRules(ctx context.Context, symbol string) (gateway.SymbolRules, error) {
	if t.rules != nil {
		return *t.rules, nil
	}
	var rules gateway.SymbolRules
	err := t.call(ctx, "symbol_rules", func(ctx context.Context) error {
		var err error
		rules, err = t.m.gw.SymbolRules(ctx, symbol)
		return err
	})
	if err != nil {
		return rules, err
	}
	if !rules.TickSize.IsPositive() {
		rules.TickSize = t.m.cfg.MinTick
	}
	t.rules = &rules
	return rules, nil
}

func (t *tradeTask) position(ctx context.Context, symbol string) (gateway.Position, error) {
	var pos gateway.Position
	err := t.call(ctx, "position", func(ctx context.Context) error {
		var err error
		pos, err = t.m.gw.GetPosition(ctx, symbol)
		return err
	})
	return pos, err
}

func (t *tradeTask) orderStatus(ctx context.Context, symbol, orderID string) (gateway.Order, error) {
	var o gateway.Order
	err := t.call(ctx, "order_status", func(ctx context.Context) error {
		var err error
		o, err = t.m.gw.GetOrderStatus(ctx, symbol, orderID)
		return err
	})
	if gateway.IsNotFound(err) {
		return gateway.Order{ID: orderID, State: gateway.OrderCancelled}, nil
	}
	return o, err
}

func (t *tradeTask) cancelOrder(ctx context.Context, symbol, orderID string) error {
	err := t.call(ctx, "cancel_order", func(ctx context.Context) error {
		return t.m.gw.CancelOrder(ctx, symbol, orderID)
	})
	if gateway.IsNotFound(err) {
		return nil
	}
	return err
}

// place submits the ledger record's intent. A rejection is recorded on the record
// and reported once per streak; it is not returned as an error.
func (t *tradeTask) place(ctx context.Context, x *txn, label string, req gateway.OrderRequest) (bool, error) {
	var orderID string
	err := t.call(ctx, "place_order", func(ctx context.Context) error {
		var err error
		orderID, err = t.m.gw.PlaceOrder(ctx, req)
		return err
	})
	if gateway.IsRejected(err) {
		return false, t.rejected(x, label, req, err)
	}
	if err != nil {
		return false, err
	}

	if err := x.ledger.MarkSubmitted(label, orderID); err != nil {
		return false, err
	}
	rec, _ := x.ledger.Get(label)
	payload := map[string]interface{}{
		"label":         label,
		"category":      string(rec.Category),
		"side":          req.Side,
		"type":          string(req.Type),
		"quantity":      req.Quantity.String(),
		"reduceOnly":    req.ReduceOnly,
		"orderId":       orderID,
		"clientOrderId": req.ClientOrderID,
	}
	switch req.Type {
	case gateway.OrderTypeStop:
		payload["stopPrice"] = req.StopPrice.String()
	case gateway.OrderTypeLimit:
		payload["price"] = req.Price.String()
	}
	x.emit(events.OrderPlaced, payload)

	t.logger.Info().
		Str("label", label).
		Str("side", req.Side).
		Str("type", string(req.Type)).
		Str("quantity", req.Quantity.String()).
		Str("order_id", orderID).
		Msg("Order placed")
	return true, nil
}

func (t *tradeTask) rejected(x *txn, label string, req gateway.OrderRequest, cause error) error {
	n, err := x.ledger.MarkRejected(label, cause.Error())
	if err != nil {
		return err
	}
	t.logger.Error().
		Err(cause).
		Str("label", label).
		Int("rejections", n).
		Msg("Order rejected, retrying next tick")

	if n == 1 {
		price := req.Price
		if req.Type == gateway.OrderTypeStop {
			price = req.StopPrice
		}
		x.emit(events.Error, map[string]interface{}{
			"kind":     "order_rejected",
			"label":    label,
			"side":     req.Side,
			"type":     string(req.Type),
			"price":    price.String(),
			"quantity": req.Quantity.String(),
			"error":    cause.Error(),
		})
	}
	return nil
}
