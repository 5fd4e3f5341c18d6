package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/gateway"
	"trade-lifecycle-engine/internal/orders"
	"trade-lifecycle-engine/internal/plan"
	"trade-lifecycle-engine/internal/risk"
)

// observation is everything a tick reads from the gateway before it mutates anything
type observation struct {
	orders   map[string]gateway.Order
	position gateway.Position
}

// tick runs one polling cycle. Reads come first; any read failure aborts the tick
// with nothing committed. Fills are then applied in plan order in a single pass,
// corrective orders are issued, and the result is committed with its events.
func (t *tradeTask) tick(ctx context.Context) error {
	rec := t.snapshot()
	closingInError := rec.Status == database.StatusError && rec.Closing
	if !rec.Status.IsMonitored() && !closingInError {
		return nil
	}

	rules, err := t.symbolRules(ctx, rec.Plan.Symbol)
	if err != nil {
		return t.fail(ctx, err)
	}
	obs, err := t.observe(ctx, rec)
	if err != nil {
		return t.fail(ctx, err)
	}

	x := t.begin()
	if t.outageReported {
		x.emit(events.MonitoringResumed, map[string]interface{}{
			"reason":      "gateway_recovered",
			"failedTicks": t.failures,
		})
	}

	if closingInError {
		err = t.driveClose(ctx, x)
	} else {
		err = t.reconcile(ctx, x, obs, rules)
	}
	if err != nil {
		if ctx.Err() == nil && gateway.IsTransient(err) && isGatewayError(err) {
			return t.fail(ctx, err)
		}
		return err
	}

	if err := t.commit(ctx, x); err != nil {
		return err
	}
	if t.outageReported {
		t.logger.Info().Int("failed_ticks", t.failures).Msg("Gateway reachable again, monitoring resumed")
	}
	t.failures = 0
	t.outageReported = false
	return nil
}

func isGatewayError(err error) bool {
	var gwErr *gateway.Error
	return errors.As(err, &gwErr)
}

// fail counts a failed tick. Reaching the outage threshold records exactly one
// ERROR event; the trade status is left unchanged.
func (t *tradeTask) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	t.failures++
	t.logger.Warn().Err(err).Int("consecutive_failures", t.failures).Msg("Gateway call failed, will retry next tick")

	if t.failures < t.m.cfg.OutageThreshold || t.outageReported {
		return err
	}

	x := t.begin()
	x.emit(events.Error, map[string]interface{}{
		"kind":                "gateway_unreachable",
		"consecutiveFailures": t.failures,
		"error":               err.Error(),
	})
	if cerr := t.commit(ctx, x); cerr != nil {
		t.logger.Error().Err(cerr).Msg("Failed to record gateway outage")
		return err
	}
	t.outageReported = true
	t.logger.Error().Int("consecutive_failures", t.failures).Msg("Gateway outage reported")
	return err
}

func (t *tradeTask) observe(ctx context.Context, rec *database.TradeRecord) (*observation, error) {
	obs := &observation{orders: make(map[string]gateway.Order)}
	for _, o := range rec.Orders {
		if !o.IsOpen() {
			continue
		}
		got, err := t.orderStatus(ctx, rec.Plan.Symbol, o.ExchangeOrderID)
		if err != nil {
			return nil, err
		}
		obs.orders[o.Label] = got
	}

	pos, err := t.position(ctx, rec.Plan.Symbol)
	if err != nil {
		return nil, err
	}
	obs.position = pos
	return obs, nil
}

// ==================== RECONCILIATION ====================

func (t *tradeTask) reconcile(ctx context.Context, x *txn, obs *observation, rules gateway.SymbolRules) error {
	p := &x.rec.Plan
	gp := obs.position

	if !gp.IsFlat() && gp.Size.Sign() != p.Direction.Sign() {
		t.enterError(x, &InconsistentStateError{Symbol: p.Symbol, Expected: p.Direction.Sign(), Size: gp.Size})
		return nil
	}
	t.observeMark(x, gp)

	if err := t.applyEntryFills(x, obs); err != nil {
		return err
	}
	if x.rec.Status == database.StatusActive && x.rec.Position.AccumulatedSize.IsPositive() {
		x.rec.Status = database.StatusOpen
		x.rec.TakeProfitsSubmitted = true
		x.emit(events.PositionOpened, map[string]interface{}{
			"size":         x.rec.Position.AccumulatedSize.String(),
			"averageEntry": x.rec.Position.WeightedAverageEntry.String(),
			"exchangeSize": gp.Size.String(),
		})
		t.logger.Info().Str("size", x.rec.Position.AccumulatedSize.String()).Msg("Position opened")
	}

	if err := t.applyTakeProfitFills(x, obs, rules); err != nil {
		return err
	}
	closed, err := t.applyStopLossFill(ctx, x, obs)
	if err != nil || closed {
		return err
	}

	if x.rec.Closing {
		return t.driveClose(ctx, x)
	}
	if x.rec.Status == database.StatusOpen && gp.IsFlat() {
		reason := database.CloseReasonPositionFlat
		if x.ledger.IsFullyFilled(orders.CategoryTakeProfits) {
			reason = database.CloseReasonTakeProfit
		}
		return t.closeTrade(ctx, x, reason, gp.MarkPrice)
	}

	if err := t.submitEntries(ctx, x, rules); err != nil {
		return err
	}
	if err := t.submitTakeProfits(ctx, x, rules); err != nil {
		return err
	}
	return t.maintainStopLoss(ctx, x, gp, rules)
}

func (t *tradeTask) observeMark(x *txn, gp gateway.Position) {
	pos := &x.rec.Position
	now := x.now
	pos.LastSyncedAt = &now
	if gp.MarkPrice.IsPositive() {
		pos.LastObservedMarkPrice = gp.MarkPrice
	}
	pos.UnrealizedPnL = decimal.Zero
	if pos.AccumulatedSize.IsPositive() && pos.LastObservedMarkPrice.IsPositive() {
		pos.UnrealizedPnL = risk.RealizedPnL(x.rec.Plan.Direction, pos.WeightedAverageEntry, pos.LastObservedMarkPrice, pos.AccumulatedSize)
	}
}

func (t *tradeTask) enterError(x *txn, cause error) {
	from := x.rec.Status
	x.rec.ErrorFrom = from
	x.rec.Status = database.StatusError
	x.rec.ErrorReason = cause.Error()

	payload := map[string]interface{}{
		"kind":  "inconsistent_state",
		"from":  string(from),
		"error": cause.Error(),
	}
	var inconsistent *InconsistentStateError
	if errors.As(cause, &inconsistent) {
		payload["positionSize"] = inconsistent.Size.String()
	}
	x.emit(events.Error, payload)
	t.logger.Error().Err(cause).Str("from", string(from)).Msg("Trade halted in ERROR, operator action required")
}

// fillDetails extracts quantity and price of a fill, falling back to the intent
func fillDetails(rec orders.OrderRecord, got gateway.Order) (decimal.Decimal, decimal.Decimal) {
	qty := got.FilledQty
	if !qty.IsPositive() {
		qty = rec.Quantity
	}
	price := got.AvgPrice
	if !price.IsPositive() {
		price = rec.TargetPrice
		if got.Type == gateway.OrderTypeStop && got.StopPrice.IsPositive() {
			price = got.StopPrice
		}
	}
	return qty, price
}

func fillTime(x *txn, got gateway.Order) time.Time {
	if got.UpdatedAt.IsZero() {
		return x.now
	}
	return got.UpdatedAt.UTC()
}

// externalCancel settles an order the exchange reports as cancelled or expired.
// Quantity that executed before the cancel is booked like a fill.
func (t *tradeTask) externalCancel(x *txn, rec orders.OrderRecord, got gateway.Order) error {
	executed := got.FilledQty.IsPositive()
	if executed {
		_, price := fillDetails(rec, got)
		if err := x.ledger.MarkCancelledAfterFill(rec.Label, fillTime(x, got), got.FilledQty, price); err != nil {
			return err
		}
		t.book(x, rec, got.FilledQty, price, true)
	} else if err := x.ledger.MarkCancelled(rec.Label); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"label":    rec.Label,
		"category": string(rec.Category),
		"orderId":  rec.ExchangeOrderID,
		"reason":   "cancelled on exchange",
	}
	if executed {
		payload["executedQty"] = got.FilledQty.String()
	}
	x.emit(events.OrderCancelled, payload)
	t.logger.Warn().
		Str("label", rec.Label).
		Str("executed", got.FilledQty.String()).
		Msg("Order cancelled outside the engine")
	return nil
}

// book applies an executed quantity to the position. Entries grow it and move the
// weighted average; reduce-only orders shrink it and realize PnL.
func (t *tradeTask) book(x *txn, rec orders.OrderRecord, qty, price decimal.Decimal, partial bool) decimal.Decimal {
	p := &x.rec.Plan
	pos := &x.rec.Position
	payload := map[string]interface{}{
		"label":    rec.Label,
		"category": string(rec.Category),
		"price":    price.String(),
		"quantity": qty.String(),
	}
	if partial {
		payload["partial"] = true
	}

	var pnl decimal.Decimal
	if rec.Category == orders.CategoryEntries {
		pos.WeightedAverageEntry = risk.WeightedAverage(pos.AccumulatedSize, pos.WeightedAverageEntry, qty, price)
		pos.AccumulatedSize = pos.AccumulatedSize.Add(qty)
		payload["weightedAverage"] = pos.WeightedAverageEntry.String()
		if x.slReason == "" {
			x.slReason = rec.Label + " filled"
		}
	} else {
		pnl = risk.RealizedPnL(p.Direction, pos.WeightedAverageEntry, price, qty)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.AccumulatedSize = decimal.Max(decimal.Zero, pos.AccumulatedSize.Sub(qty))
	}
	payload["accumulatedSize"] = pos.AccumulatedSize.String()
	x.emit(events.OrderFilled, payload)

	t.logger.Info().
		Str("label", rec.Label).
		Str("price", price.String()).
		Str("quantity", qty.String()).
		Bool("partial", partial).
		Str("size", pos.AccumulatedSize.String()).
		Msg("Order filled")
	return pnl
}

func (t *tradeTask) applyEntryFills(x *txn, obs *observation) error {
	for _, rec := range x.ledger.ByCategory(orders.CategoryEntries) {
		got, ok := obs.orders[rec.Label]
		if !ok {
			continue
		}
		switch got.State {
		case gateway.OrderFilled:
			qty, price := fillDetails(rec, got)
			if err := x.ledger.MarkFilled(rec.Label, fillTime(x, got), qty, price); err != nil {
				return err
			}
			t.book(x, rec, qty, price, false)
		case gateway.OrderCancelled:
			if err := t.externalCancel(x, rec, got); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *tradeTask) applyTakeProfitFills(x *txn, obs *observation, rules gateway.SymbolRules) error {
	p := &x.rec.Plan
	for _, rec := range x.ledger.ByCategory(orders.CategoryTakeProfits) {
		got, ok := obs.orders[rec.Label]
		if !ok {
			continue
		}
		switch got.State {
		case gateway.OrderFilled:
			qty, price := fillDetails(rec, got)
			if err := x.ledger.MarkFilled(rec.Label, fillTime(x, got), qty, price); err != nil {
				return err
			}
			pnl := t.book(x, rec, qty, price, false)
			x.emit(events.TPHit, map[string]interface{}{
				"level":         rec.Label,
				"price":         price.String(),
				"quantity":      qty.String(),
				"realizedPnL":   pnl.String(),
				"remainingSize": x.rec.Position.AccumulatedSize.String(),
			})
			t.logger.Info().
				Str("level", rec.Label).
				Str("price", price.String()).
				Str("pnl", pnl.String()).
				Msg("Take profit hit")

			if k := p.TakeProfitIndex(rec.Label); k >= 0 && k+1 > x.rec.CascadeLevel {
				t.cascade(x, k, rules)
			}
		case gateway.OrderCancelled:
			if err := t.externalCancel(x, rec, got); err != nil {
				return err
			}
		}
	}
	return nil
}

// cascade advances the stop after take-profit k fired. Stops only ever tighten.
func (t *tradeTask) cascade(x *txn, k int, rules gateway.SymbolRules) {
	p := &x.rec.Plan
	pos := &x.rec.Position

	anchor := risk.CascadeAnchor(p, k)
	next := risk.RoundToTick(risk.CascadeStopLoss(p.Direction, anchor, t.m.cfg.SLOffsetPercent), rules.TickSize)
	x.rec.CascadeLevel = k + 1

	if pos.CurrentStopLossPrice.Valid && !risk.IsMoreProtective(p.Direction, next, pos.CurrentStopLossPrice.Decimal) {
		t.logger.Debug().
			Str("level", p.TakeProfits[k].Level).
			Str("candidate", next.String()).
			Str("current", pos.CurrentStopLossPrice.Decimal.String()).
			Msg("Cascade stop not tighter than current stop, keeping current")
		return
	}
	pos.CurrentStopLossPrice = decimal.NewNullDecimal(next)
	x.slReason = p.TakeProfits[k].Level + " hit"
}

// applyStopLossFill closes the trade when the protective stop filled. A stop that
// disappeared from the exchange is reopened so it gets placed again.
func (t *tradeTask) applyStopLossFill(ctx context.Context, x *txn, obs *observation) (bool, error) {
	sl, ok := x.ledger.Get(plan.ReservedStopLossLabel)
	if !ok {
		return false, nil
	}
	got, ok := obs.orders[sl.Label]
	if !ok {
		return false, nil
	}

	switch got.State {
	case gateway.OrderFilled:
		qty, price := fillDetails(sl, got)
		if err := x.ledger.MarkFilled(sl.Label, fillTime(x, got), qty, price); err != nil {
			return false, err
		}
		x.emit(events.OrderFilled, map[string]interface{}{
			"label":    sl.Label,
			"category": string(sl.Category),
			"price":    price.String(),
			"quantity": qty.String(),
		})
		t.logger.Info().Str("price", price.String()).Msg("Stop loss filled")
		return true, t.closeTrade(ctx, x, database.CloseReasonStopLoss, price)
	case gateway.OrderCancelled:
		if got.FilledQty.IsPositive() {
			_, price := fillDetails(sl, got)
			t.book(x, sl, got.FilledQty, price, true)
		}
		if err := x.ledger.Reopen(sl.Label); err != nil {
			return false, err
		}
		x.emit(events.Warning, map[string]interface{}{
			"reason":      "stop_loss_missing",
			"orderId":     sl.ExchangeOrderID,
			"executedQty": got.FilledQty.String(),
		})
		t.logger.Warn().Str("order_id", sl.ExchangeOrderID).Msg("Stop loss no longer on exchange, replacing")
	}
	return false, nil
}

// ==================== SUBMISSION ====================

func (t *tradeTask) clientOrderID(label string) func(int) string {
	return func(version int) string {
		return orders.ClientOrderID(t.id, label, version)
	}
}

// tooSmall cancels an intent whose quantity rounds below the exchange minimum
func (t *tradeTask) tooSmall(x *txn, rec orders.OrderRecord, qty decimal.Decimal, rules gateway.SymbolRules) (bool, error) {
	if qty.IsPositive() && (!rules.MinQuantity.IsPositive() || qty.GreaterThanOrEqual(rules.MinQuantity)) {
		return false, nil
	}
	if err := x.ledger.MarkCancelled(rec.Label); err != nil {
		return true, err
	}
	x.emit(events.Warning, map[string]interface{}{
		"reason":      "quantity_below_minimum",
		"label":       rec.Label,
		"quantity":    qty.String(),
		"minQuantity": rules.MinQuantity.String(),
	})
	t.logger.Warn().Str("label", rec.Label).Str("quantity", qty.String()).Msg("Order skipped, quantity below exchange minimum")
	return true, nil
}

func (t *tradeTask) submitEntries(ctx context.Context, x *txn, rules gateway.SymbolRules) error {
	p := &x.rec.Plan
	for _, rec := range x.ledger.ByCategory(orders.CategoryEntries) {
		if rec.Status != orders.StatusUnsubmitted {
			continue
		}
		qty := risk.EntryQuantity(rec.SizeUSD, p.Leverage, rec.TargetPrice, rules.StepSize)
		if skipped, err := t.tooSmall(x, rec, qty, rules); skipped || err != nil {
			if err != nil {
				return err
			}
			continue
		}
		if err := x.ledger.SetQuantity(rec.Label, qty); err != nil {
			return err
		}
		_, err := t.place(ctx, x, rec.Label, gateway.OrderRequest{
			Symbol:        p.Symbol,
			Side:          rec.Side,
			Type:          gateway.OrderTypeLimit,
			Price:         rec.TargetPrice,
			Quantity:      qty,
			ClientOrderID: rec.ClientOrderID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// submitTakeProfits releases the prepared take-profit orders once exposure exists.
// Each level is sized from the exposure at the time it is submitted.
func (t *tradeTask) submitTakeProfits(ctx context.Context, x *txn, rules gateway.SymbolRules) error {
	if x.rec.Status != database.StatusOpen || !x.rec.TakeProfitsSubmitted {
		return nil
	}
	p := &x.rec.Plan
	acc := x.rec.Position.AccumulatedSize
	for _, rec := range x.ledger.ByCategory(orders.CategoryTakeProfits) {
		if rec.Status != orders.StatusUnsubmitted {
			continue
		}
		qty := risk.TakeProfitQuantity(acc, rec.SizePercent, rules.StepSize)
		if skipped, err := t.tooSmall(x, rec, qty, rules); skipped || err != nil {
			if err != nil {
				return err
			}
			continue
		}
		if err := x.ledger.SetQuantity(rec.Label, qty); err != nil {
			return err
		}
		_, err := t.place(ctx, x, rec.Label, gateway.OrderRequest{
			Symbol:        p.Symbol,
			Side:          rec.Side,
			Type:          gateway.OrderTypeLimit,
			Price:         rec.TargetPrice,
			Quantity:      qty,
			ReduceOnly:    true,
			ClientOrderID: rec.ClientOrderID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// maintainStopLoss keeps one reduce-only stop covering the whole accumulated size at
// the current stop price. It is replaced whenever either changes.
func (t *tradeTask) maintainStopLoss(ctx context.Context, x *txn, gp gateway.Position, rules gateway.SymbolRules) error {
	p := &x.rec.Plan
	pos := &x.rec.Position
	if x.rec.Status != database.StatusOpen || !pos.AccumulatedSize.IsPositive() {
		return nil
	}
	sl, ok := x.ledger.Get(plan.ReservedStopLossLabel)
	if !ok || sl.Status.IsTerminal() {
		return nil
	}

	desired := p.StopLoss
	if pos.CurrentStopLossPrice.Valid {
		desired = pos.CurrentStopLossPrice.Decimal
	}
	qty := pos.AccumulatedSize
	if sl.Status == orders.StatusSubmitted && sl.TargetPrice.Equal(desired) && sl.Quantity.Equal(qty) {
		return nil
	}

	price, clamped := risk.ClampStopLoss(p.Direction, desired, gp.MarkPrice, rules.TickSize)
	if clamped {
		price = risk.RoundToTick(price, rules.TickSize)
		x.emit(events.Warning, map[string]interface{}{
			"reason":    "stop_loss_clamped",
			"requested": desired.String(),
			"clamped":   price.String(),
			"markPrice": gp.MarkPrice.String(),
		})
		t.logger.Warn().
			Str("requested", desired.String()).
			Str("clamped", price.String()).
			Str("mark", gp.MarkPrice.String()).
			Msg("Stop loss would cross mark price, clamped")
	}

	if sl.IsOpen() {
		if err := t.cancelOrder(ctx, p.Symbol, sl.ExchangeOrderID); err != nil {
			return err
		}
	}
	previous := sl.TargetPrice
	wasPlaced := sl.Version > 0
	if err := x.ledger.Reprice(sl.Label, price, qty, t.clientOrderID(sl.Label)); err != nil {
		return err
	}
	sl, _ = x.ledger.Get(sl.Label)

	placed, err := t.place(ctx, x, sl.Label, gateway.OrderRequest{
		Symbol:        p.Symbol,
		Side:          sl.Side,
		Type:          gateway.OrderTypeStop,
		StopPrice:     price,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: sl.ClientOrderID,
	})
	if err != nil || !placed {
		return err
	}

	sl, _ = x.ledger.Get(sl.Label)
	pos.CurrentStopLossPrice = decimal.NewNullDecimal(price)
	pos.CurrentStopLossOrderID = sl.ExchangeOrderID

	reason := x.slReason
	if reason == "" {
		reason = "resize"
	}
	payload := map[string]interface{}{
		"to":       price.String(),
		"quantity": qty.String(),
		"orderId":  sl.ExchangeOrderID,
		"reason":   reason,
	}
	if wasPlaced {
		payload["from"] = previous.String()
	}
	x.emit(events.SLMoved, payload)
	t.logger.Info().
		Str("stop", price.String()).
		Str("quantity", qty.String()).
		Str("reason", reason).
		Msg("Stop loss moved")
	return nil
}

// ==================== CLOSING ====================

// cancelResting cancels every order still resting on the exchange and withdraws
// intents that were never submitted. Each cancelled order is read back so quantity
// that executed before the cancel is booked.
func (t *tradeTask) cancelResting(ctx context.Context, x *txn, reason string) error {
	symbol := x.rec.Plan.Symbol
	for _, rec := range x.ledger.Records() {
		if rec.Status.IsTerminal() {
			continue
		}
		if !rec.IsOpen() {
			if err := x.ledger.MarkCancelled(rec.Label); err != nil {
				return err
			}
			continue
		}

		if err := t.cancelOrder(ctx, symbol, rec.ExchangeOrderID); err != nil {
			return err
		}
		got, err := t.orderStatus(ctx, symbol, rec.ExchangeOrderID)
		if err != nil {
			return err
		}
		if got.State == gateway.OrderFilled {
			qty, price := fillDetails(rec, got)
			if err := x.ledger.MarkFilled(rec.Label, fillTime(x, got), qty, price); err != nil {
				return err
			}
			t.book(x, rec, qty, price, false)
			continue
		}

		payload := map[string]interface{}{
			"label":    rec.Label,
			"category": string(rec.Category),
			"orderId":  rec.ExchangeOrderID,
			"reason":   reason,
		}
		if got.FilledQty.IsPositive() {
			_, price := fillDetails(rec, got)
			if err := x.ledger.MarkCancelledAfterFill(rec.Label, fillTime(x, got), got.FilledQty, price); err != nil {
				return err
			}
			t.book(x, rec, got.FilledQty, price, true)
			payload["executedQty"] = got.FilledQty.String()
		} else if err := x.ledger.MarkCancelled(rec.Label); err != nil {
			return err
		}
		x.emit(events.OrderCancelled, payload)
	}
	x.rec.Position.CurrentStopLossOrderID = ""
	return nil
}

// closeTrade finalizes a trade whose position is gone
func (t *tradeTask) closeTrade(ctx context.Context, x *txn, reason string, exitPrice decimal.Decimal) error {
	if err := t.cancelResting(ctx, x, "trade closed"); err != nil {
		return err
	}
	t.finish(x, reason, exitPrice)
	return nil
}

func (t *tradeTask) finish(x *txn, reason string, exitPrice decimal.Decimal) {
	p := &x.rec.Plan
	pos := &x.rec.Position
	if !exitPrice.IsPositive() {
		exitPrice = pos.LastObservedMarkPrice
	}

	closedQty := pos.AccumulatedSize
	if closedQty.IsPositive() && exitPrice.IsPositive() {
		pos.RealizedPnL = pos.RealizedPnL.Add(risk.RealizedPnL(p.Direction, pos.WeightedAverageEntry, exitPrice, closedQty))
	}
	pos.AccumulatedSize = decimal.Zero
	pos.UnrealizedPnL = decimal.Zero

	opened := x.ledger.FilledQuantity(orders.CategoryEntries).IsPositive()
	closedAt := x.now
	x.rec.Status = database.StatusClosed
	x.rec.Closing = false
	x.rec.CloseReason = reason
	x.rec.ClosedAt = &closedAt

	if opened {
		x.emit(events.PositionClosed, map[string]interface{}{
			"reason":      reason,
			"exitPrice":   exitPrice.String(),
			"quantity":    closedQty.String(),
			"realizedPnL": pos.RealizedPnL.String(),
		})
	}
	x.emit(events.TradeClosed, map[string]interface{}{
		"reason":      reason,
		"realizedPnL": pos.RealizedPnL.String(),
	})
	t.logger.Info().
		Str("reason", reason).
		Str("realized_pnl", pos.RealizedPnL.String()).
		Msg("Trade closed")
}

// driveClose cancels everything, flattens the position with a reduce-only market
// order and closes the trade once the exchange reports it flat. If the position is
// still open afterwards the trade stays in Closing and the next tick continues.
func (t *tradeTask) driveClose(ctx context.Context, x *txn) error {
	symbol := x.rec.Plan.Symbol
	if err := t.cancelResting(ctx, x, "force close"); err != nil {
		return err
	}

	gp, err := t.position(ctx, symbol)
	if err != nil {
		return err
	}
	if gp.MarkPrice.IsPositive() {
		x.rec.Position.LastObservedMarkPrice = gp.MarkPrice
	}
	if !gp.IsFlat() {
		if err := t.placeClose(ctx, x, gp); err != nil {
			return err
		}
		if gp, err = t.position(ctx, symbol); err != nil {
			return err
		}
	}
	if !gp.IsFlat() {
		t.logger.Warn().Str("size", gp.Size.String()).Msg("Position still open after close order, continuing next tick")
		return nil
	}

	exit := gp.MarkPrice
	if x.closePrice.Valid {
		exit = x.closePrice.Decimal
	}
	t.finish(x, database.CloseReasonForceClose, exit)
	return nil
}

func (t *tradeTask) placeClose(ctx context.Context, x *txn, gp gateway.Position) error {
	side := "BUY"
	if gp.Size.IsPositive() {
		side = "SELL"
	}
	qty := gp.Size.Abs()

	label := ""
	closes := x.ledger.ByCategory(orders.CategoryClose)
	if n := len(closes); n > 0 && closes[n-1].Status == orders.StatusUnsubmitted {
		label = closes[n-1].Label
	} else {
		label = fmt.Sprintf("%s%d", plan.ReservedCloseLabel, n+1)
		if err := x.ledger.Record(orders.OrderRecord{
			Label:         label,
			Category:      orders.CategoryClose,
			Side:          side,
			ReduceOnly:    true,
			Version:       1,
			ClientOrderID: orders.ClientOrderID(t.id, label, 1),
		}); err != nil {
			return err
		}
	}
	if err := x.ledger.SetQuantity(label, qty); err != nil {
		return err
	}
	rec, _ := x.ledger.Get(label)

	placed, err := t.place(ctx, x, label, gateway.OrderRequest{
		Symbol:        x.rec.Plan.Symbol,
		Side:          side,
		Type:          gateway.OrderTypeMarket,
		Price:         gp.MarkPrice,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: rec.ClientOrderID,
	})
	if err != nil || !placed {
		return err
	}

	rec, _ = x.ledger.Get(label)
	got, err := t.orderStatus(ctx, x.rec.Plan.Symbol, rec.ExchangeOrderID)
	if err != nil {
		return err
	}
	if got.State != gateway.OrderFilled {
		return nil
	}
	fillQty, price := fillDetails(rec, got)
	if err := x.ledger.MarkFilled(label, fillTime(x, got), fillQty, price); err != nil {
		return err
	}
	x.closePrice = decimal.NewNullDecimal(price)
	x.emit(events.OrderFilled, map[string]interface{}{
		"label":    label,
		"category": string(orders.CategoryClose),
		"price":    price.String(),
		"quantity": fillQty.String(),
	})
	return nil
}
