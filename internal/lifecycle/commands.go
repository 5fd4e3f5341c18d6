package lifecycle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/orders"
	"trade-lifecycle-engine/internal/plan"
	"trade-lifecycle-engine/internal/risk"
)

// handle executes one operator command on the task goroutine
func (t *tradeTask) handle(ctx context.Context, kind commandKind) error {
	status := t.snapshot().Status

	switch kind {
	case cmdStart:
		if status != database.StatusPending {
			return transitionError(kind.String(), status)
		}
		return t.start(ctx)
	case cmdClose, cmdForceClose:
		if status == database.StatusPending || status == database.StatusClosed {
			return transitionError(kind.String(), status)
		}
		return t.forceClose(ctx)
	case cmdCancelAll:
		if status == database.StatusPending || status == database.StatusClosed {
			return transitionError(kind.String(), status)
		}
		return t.cancelAll(ctx)
	case cmdResume:
		if status != database.StatusError {
			return transitionError(kind.String(), status)
		}
		return t.resume(ctx)
	}
	return fmt.Errorf("unknown command %d", kind)
}

// start sets leverage, records the full order ledger in plan order and submits the
// entry orders. Take-profits are prepared but held until a position exists.
func (t *tradeTask) start(ctx context.Context) error {
	x := t.begin()
	p := &x.rec.Plan

	rules, err := t.symbolRules(ctx, p.Symbol)
	if err != nil {
		return err
	}

	leverage := int(p.Leverage.IntPart())
	if leverage < 1 {
		leverage = 1
	}
	if err := t.call(ctx, "set_leverage", func(ctx context.Context) error {
		return t.m.gw.SetLeverage(ctx, p.Symbol, leverage)
	}); err != nil {
		return fmt.Errorf("failed to set leverage %dx on %s: %w", leverage, p.Symbol, err)
	}

	if err := t.recordPlan(x, rules.TickSize); err != nil {
		return err
	}

	startedAt := x.now
	x.rec.Status = database.StatusActive
	x.rec.StartedAt = &startedAt
	x.rec.Position.CurrentStopLossPrice = decimal.NewNullDecimal(risk.RoundToTick(risk.InitialStopLoss(p), rules.TickSize))
	x.emit(events.Started, map[string]interface{}{
		"leverage": leverage,
		"stopLoss": x.rec.Position.CurrentStopLossPrice.Decimal.String(),
		"orders":   x.ledger.Len(),
	})

	if p.MaxLossPercent.IsPositive() {
		ref := p.AveragePrice
		if !ref.IsPositive() {
			ref = p.EntryPrice
		}
		limit := risk.StopForMaxLoss(p.Direction, ref, p.Leverage, p.MaxLossPercent)
		if p.Direction.IsProtective(p.StopLoss, limit) {
			x.emit(events.Warning, map[string]interface{}{
				"reason":         "max_loss_exceeded",
				"stopLoss":       p.StopLoss.String(),
				"maxLossStop":    limit.String(),
				"maxLossPercent": p.MaxLossPercent.String(),
			})
			t.logger.Warn().
				Str("stop_loss", p.StopLoss.String()).
				Str("max_loss_stop", limit.String()).
				Msg("Plan stop loss allows more than the configured max loss")
		}
	}

	if err := t.submitEntries(ctx, x, rules); err != nil {
		return err
	}
	if err := t.commit(ctx, x); err != nil {
		return err
	}
	t.logger.Info().Int("leverage", leverage).Msg("Trade started")
	return nil
}

func (t *tradeTask) recordPlan(x *txn, tick decimal.Decimal) error {
	p := &x.rec.Plan
	for _, e := range p.Entries {
		if err := x.ledger.Record(orders.OrderRecord{
			Label:         e.Label,
			Category:      orders.CategoryEntries,
			Side:          p.Direction.OpenSide(),
			TargetPrice:   risk.RoundToTick(e.Price, tick),
			SizeUSD:       e.SizeUSD,
			Version:       1,
			ClientOrderID: orders.ClientOrderID(t.id, e.Label, 1),
		}); err != nil {
			return err
		}
	}
	for _, tp := range p.TakeProfits {
		if err := x.ledger.Record(orders.OrderRecord{
			Label:         tp.Level,
			Category:      orders.CategoryTakeProfits,
			Side:          p.Direction.CloseSide(),
			ReduceOnly:    true,
			TargetPrice:   risk.RoundToTick(tp.Price, tick),
			SizePercent:   tp.SizePercent,
			Version:       1,
			ClientOrderID: orders.ClientOrderID(t.id, tp.Level, 1),
		}); err != nil {
			return err
		}
	}
	return x.ledger.Record(orders.OrderRecord{
		Label:       plan.ReservedStopLossLabel,
		Category:    orders.CategoryStopLoss,
		Side:        p.Direction.CloseSide(),
		ReduceOnly:  true,
		TargetPrice: p.StopLoss,
	})
}

// forceClose flattens the position. When the gateway fails midway, only the Closing
// flag is committed so the polling cycle keeps driving the close.
func (t *tradeTask) forceClose(ctx context.Context) error {
	x := t.begin()
	x.rec.Closing = true
	t.logger.Info().Str("status", string(x.rec.Status)).Msg("Force close requested")

	err := t.driveClose(ctx, x)
	if err == nil {
		return t.commit(ctx, x)
	}
	if ctx.Err() != nil {
		return err
	}

	pending := t.begin()
	pending.rec.Closing = true
	pending.emit(events.Warning, map[string]interface{}{
		"reason": "close_pending",
		"error":  err.Error(),
	})
	if cerr := t.commit(ctx, pending); cerr != nil {
		return cerr
	}
	return fmt.Errorf("close pending, will retry on next tick: %w", err)
}

// cancelAll cancels every resting order and leaves any open position alone. An ACTIVE
// trade that never filled is closed as cancelled since nothing is left to monitor.
func (t *tradeTask) cancelAll(ctx context.Context) error {
	x := t.begin()
	if err := t.cancelResting(ctx, x, "cancel_all"); err != nil {
		return err
	}

	if x.rec.Status == database.StatusActive && !x.ledger.FilledQuantity(orders.CategoryEntries).IsPositive() {
		gp, err := t.position(ctx, x.rec.Plan.Symbol)
		if err != nil {
			return err
		}
		if gp.IsFlat() {
			t.finish(x, database.CloseReasonCancelled, gp.MarkPrice)
		}
	}

	if err := t.commit(ctx, x); err != nil {
		return err
	}
	t.logger.Info().Str("status", string(x.rec.Status)).Msg("All resting orders cancelled")
	return nil
}

// resume leaves ERROR for the status held before, once the exchange position has the
// trade's sign again
func (t *tradeTask) resume(ctx context.Context) error {
	x := t.begin()
	p := &x.rec.Plan

	gp, err := t.position(ctx, p.Symbol)
	if err != nil {
		return err
	}
	if !gp.IsFlat() && gp.Size.Sign() != p.Direction.Sign() {
		return &InconsistentStateError{Symbol: p.Symbol, Expected: p.Direction.Sign(), Size: gp.Size}
	}

	to := x.rec.ErrorFrom
	if to == "" || to == database.StatusError {
		to = database.StatusActive
	}
	x.rec.Status = to
	x.rec.ErrorFrom = ""
	x.rec.ErrorReason = ""
	x.emit(events.MonitoringResumed, map[string]interface{}{
		"reason": "operator",
		"from":   string(database.StatusError),
		"to":     string(to),
	})
	if err := t.commit(ctx, x); err != nil {
		return err
	}

	t.failures = 0
	t.outageReported = false
	t.logger.Info().Str("status", string(to)).Msg("Trade resumed by operator")
	return nil
}
