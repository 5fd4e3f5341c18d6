package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/gateway"
	"trade-lifecycle-engine/internal/orders"
	"trade-lifecycle-engine/internal/plan"
)

const symbol = "DOGEUSDT"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	t      *testing.T
	ctx    context.Context
	symbol string
	gw     *gateway.PaperGateway
	store  *database.MemoryStore
	m      *Manager
	task   *tradeTask
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.OutageThreshold = 3
	return cfg
}

func newGateway() *gateway.PaperGateway {
	gw := gateway.NewPaperGateway()
	gw.SetRules(gateway.SymbolRules{
		Symbol:      symbol,
		TickSize:    d("0.000001"),
		StepSize:    d("1"),
		MinQuantity: d("1"),
	})
	gw.SetMarkPrice(symbol, d("0.0221"))
	return gw
}

func loadPlan(t *testing.T) *plan.TradePlan {
	t.Helper()
	p, err := plan.LoadFile("../plan/testdata/short_plan.json")
	require.NoError(t, err)
	return p
}

// newHarness creates a PENDING trade and a task that the test drives directly
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessFor(t, newGateway(), loadPlan(t))
}

func newHarnessFor(t *testing.T, gw *gateway.PaperGateway, p *plan.TradePlan) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		symbol: p.Symbol,
		gw:     gw,
		store:  database.NewMemoryStore(),
	}
	h.m = NewManager(testConfig(), h.gw, h.store, nil, zerolog.Nop())
	rec, err := h.m.Create(h.ctx, p)
	require.NoError(t, err)
	h.task = h.m.newTask(rec)
	return h
}

const longPlan = `{
  "tradeSetup": {
    "symbol": "SOLUSDT",
    "direction": "LONG",
    "marginUSD": 100,
    "entryPrice": 100,
    "stopLoss": 90,
    "leverage": "10x",
    "maxLossPercent": 100
  },
  "orderEntries": [
    {"label": "Entry", "sizeUSD": 60, "price": 100},
    {"label": "Rebuy 1", "sizeUSD": 40, "price": 95}
  ],
  "takeProfits": [
    {"level": "TP1", "price": 105, "sizePercent": 30},
    {"level": "TP2", "price": 110, "sizePercent": 30}
  ]
}`

// newLongHarness trades a LONG plan on SOLUSDT with the mark above the entry
func newLongHarness(t *testing.T) *harness {
	t.Helper()
	p, err := plan.Parse([]byte(longPlan))
	require.NoError(t, err)

	gw := gateway.NewPaperGateway()
	gw.SetRules(gateway.SymbolRules{
		Symbol:      "SOLUSDT",
		TickSize:    d("0.001"),
		StepSize:    d("0.001"),
		MinQuantity: d("0.001"),
	})
	gw.SetMarkPrice("SOLUSDT", d("101"))
	return newHarnessFor(t, gw, p)
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.task.handle(h.ctx, cmdStart))
}

func (h *harness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.task.tick(h.ctx))
}

func (h *harness) mark(price string) {
	h.gw.SetMarkPrice(h.symbol, d(price))
}

func (h *harness) exchangeSize() decimal.Decimal {
	h.t.Helper()
	pos, err := h.gw.GetPosition(h.ctx, h.symbol)
	require.NoError(h.t, err)
	return pos.Size
}

func (h *harness) rec() *database.TradeRecord {
	return h.task.snapshot()
}

func (h *harness) order(label string) orders.OrderRecord {
	h.t.Helper()
	for _, o := range h.rec().Orders {
		if o.Label == label {
			return o
		}
	}
	h.t.Fatalf("no order %q in ledger", label)
	return orders.OrderRecord{}
}

func (h *harness) events() []events.TradeEvent {
	h.t.Helper()
	evs, err := h.store.ListEvents(h.ctx, h.task.id, 0, 0)
	require.NoError(h.t, err)
	return evs
}

func (h *harness) lastSeq() int64 {
	evs := h.events()
	if len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].Seq
}

func (h *harness) since(seq int64) []events.TradeEvent {
	h.t.Helper()
	evs, err := h.store.ListEvents(h.ctx, h.task.id, seq, 0)
	require.NoError(h.t, err)
	return evs
}

func types(evs []events.TradeEvent) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func count(evs []events.TradeEvent, typ events.Type, label string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type != typ {
			continue
		}
		if label != "" && ev.Payload["label"] != label {
			continue
		}
		n++
	}
	return n
}

func last(evs []events.TradeEvent, typ events.Type) events.TradeEvent {
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == typ {
			return evs[i]
		}
	}
	return events.TradeEvent{}
}

// ============================================================================
// TEST CASES: START
// ============================================================================

func TestStartSubmitsEntriesAndPreparesLedger(t *testing.T) {
	h := newHarness(t)
	h.start()

	rec := h.rec()
	assert.Equal(t, database.StatusActive, rec.Status)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, 20, h.gw.Leverage(symbol))
	assert.True(t, rec.Position.CurrentStopLossPrice.Decimal.Equal(d("0.024699")))

	labels := make([]string, 0, len(rec.Orders))
	for _, o := range rec.Orders {
		labels = append(labels, o.Label)
	}
	assert.Equal(t, []string{"Entry", "Rebuy 1", "Rebuy 2", "TP1", "TP2", "TP3", "SL"}, labels)

	assert.True(t, h.order("Entry").Quantity.Equal(d("54054")))
	assert.True(t, h.order("Rebuy 1").Quantity.Equal(d("17391")))
	assert.True(t, h.order("Rebuy 2").Quantity.Equal(d("16806")))
	assert.Equal(t, orders.StatusUnsubmitted, h.order("TP1").Status)
	assert.Equal(t, orders.StatusUnsubmitted, h.order("SL").Status)

	assert.Equal(t, []events.Type{
		events.Created, events.Started, events.Warning,
		events.OrderPlaced, events.OrderPlaced, events.OrderPlaced,
	}, types(h.events()))
	assert.Equal(t, "max_loss_exceeded", last(h.events(), events.Warning).Payload["reason"])

	for _, req := range h.gw.Placed() {
		assert.Equal(t, "SELL", req.Side)
		assert.Equal(t, gateway.OrderTypeLimit, req.Type)
		assert.False(t, req.ReduceOnly)
	}
}

func TestStartRejectedLeverageCommitsNothing(t *testing.T) {
	h := newHarness(t)
	p := h.rec().Plan
	p.Leverage = d("200")
	h.task.rec.Plan = p

	err := h.task.handle(h.ctx, cmdStart)
	require.Error(t, err)
	assert.True(t, gateway.IsRejected(err))

	stored, err := h.store.GetTrade(h.ctx, h.task.id)
	require.NoError(t, err)
	assert.Equal(t, database.StatusPending, stored.Status)
	assert.Empty(t, h.gw.Placed())
}

// ============================================================================
// TEST CASES: CASCADE
// ============================================================================

func TestShortPlanCascade(t *testing.T) {
	h := newHarness(t)
	h.start()

	// Entry fills
	h.mark("0.0222")
	seq := h.lastSeq()
	h.tick()
	rec := h.rec()
	assert.Equal(t, database.StatusOpen, rec.Status)
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("54054")))
	assert.Equal(t, []events.Type{
		events.OrderFilled, events.PositionOpened,
		events.OrderPlaced, events.OrderPlaced, events.OrderPlaced,
		events.OrderPlaced, events.SLMoved,
	}, types(h.since(seq)))
	assert.True(t, h.order("TP1").Quantity.Equal(d("10810")))
	assert.True(t, h.order("TP2").Quantity.Equal(d("16216")))
	assert.True(t, h.order("TP3").Quantity.Equal(d("27027")))
	sl := h.order("SL")
	assert.True(t, sl.TargetPrice.Equal(d("0.024699")))
	assert.True(t, sl.Quantity.Equal(d("54054")))
	assert.Equal(t, 1, sl.Version)
	assert.NotContains(t, last(h.events(), events.SLMoved).Payload, "from")

	// rebuys keep the stop price and resize it to the exposure
	h.mark("0.023")
	h.tick()
	sl = h.order("SL")
	assert.True(t, sl.TargetPrice.Equal(d("0.024699")))
	assert.True(t, sl.Quantity.Equal(d("71445")))
	assert.Equal(t, "Rebuy 1 filled", last(h.events(), events.SLMoved).Payload["reason"])

	h.mark("0.0238")
	h.tick()
	rec = h.rec()
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("88251")))
	assert.InDelta(t, 0.0227, rec.Position.WeightedAverageEntry.InexactFloat64(), 0.0001)
	sl = h.order("SL")
	assert.True(t, sl.TargetPrice.Equal(d("0.024699")))
	assert.True(t, sl.Quantity.Equal(d("88251")))
	assert.Equal(t, 3, sl.Version)

	// TP1 moves the stop to entry / 1.001
	h.mark("0.0219")
	seq = h.lastSeq()
	h.tick()
	rec = h.rec()
	assert.Equal(t, 1, rec.CascadeLevel)
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("77441")))
	assert.True(t, rec.Position.CurrentStopLossPrice.Decimal.Equal(d("0.022178")))
	assert.True(t, rec.Position.RealizedPnL.IsPositive())
	assert.Equal(t, []events.Type{events.OrderFilled, events.TPHit, events.OrderPlaced, events.SLMoved}, types(h.since(seq)))
	moved := last(h.events(), events.SLMoved)
	assert.Equal(t, "TP1 hit", moved.Payload["reason"])
	assert.Equal(t, "0.024699", moved.Payload["from"])
	assert.True(t, h.order("SL").Quantity.Equal(d("77441")))

	// TP2 anchors on TP1
	h.mark("0.0215")
	h.tick()
	rec = h.rec()
	assert.Equal(t, 2, rec.CascadeLevel)
	assert.True(t, rec.Position.CurrentStopLossPrice.Decimal.Equal(d("0.021878")))
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("61225")))

	// TP3 anchors on TP2; the remainder stays protected
	h.mark("0.021")
	h.tick()
	rec = h.rec()
	assert.Equal(t, database.StatusOpen, rec.Status)
	assert.Equal(t, 3, rec.CascadeLevel)
	assert.True(t, rec.Position.CurrentStopLossPrice.Decimal.Equal(d("0.021479")))
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("34198")))

	// the cascaded stop closes the rest
	h.mark("0.0216")
	h.tick()
	rec = h.rec()
	assert.Equal(t, database.StatusClosed, rec.Status)
	assert.Equal(t, database.CloseReasonStopLoss, rec.CloseReason)
	assert.True(t, rec.Position.AccumulatedSize.IsZero())
	assert.True(t, rec.Position.RealizedPnL.IsPositive())
	require.NotNil(t, rec.ClosedAt)

	evs := h.events()
	assert.Equal(t, 3, count(evs, events.TPHit, ""))
	assert.Equal(t, 1, count(evs, events.PositionClosed, ""))
	assert.Equal(t, 1, count(evs, events.TradeClosed, ""))

	pos, err := h.gw.GetPosition(h.ctx, symbol)
	require.NoError(t, err)
	assert.True(t, pos.IsFlat())

	for i := 1; i < len(evs); i++ {
		assert.Equal(t, evs[i-1].Seq+1, evs[i].Seq)
	}
}

func TestMultipleTakeProfitsInOneTickMoveStopOnce(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	h.mark("0.0215")
	seq := h.lastSeq()
	h.tick()

	evs := h.since(seq)
	assert.Equal(t, 2, count(evs, events.TPHit, ""))
	assert.Equal(t, 1, count(evs, events.SLMoved, ""))
	rec := h.rec()
	assert.Equal(t, 2, rec.CascadeLevel)
	assert.True(t, rec.Position.CurrentStopLossPrice.Decimal.Equal(d("0.021878")))
}

func TestRebuyAfterCascadeResizesAtCascadedPrice(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()
	h.mark("0.0219")
	h.tick()
	require.True(t, h.order("SL").TargetPrice.Equal(d("0.022178")))

	require.NoError(t, h.gw.FillByClientID(h.order("Rebuy 1").ClientOrderID))
	h.tick()

	sl := h.order("SL")
	assert.True(t, sl.TargetPrice.Equal(d("0.022178")))
	assert.True(t, sl.Quantity.Equal(d("60635")))
	moved := last(h.events(), events.SLMoved)
	assert.Equal(t, "0.022178", moved.Payload["from"])
	assert.Equal(t, "Rebuy 1 filled", moved.Payload["reason"])
}

func TestCascadedStopClampedToMark(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	require.NoError(t, h.gw.FillByClientID(h.order("TP1").ClientOrderID))
	seq := h.lastSeq()
	h.tick()

	warn := last(h.since(seq), events.Warning)
	assert.Equal(t, "stop_loss_clamped", warn.Payload["reason"])
	assert.True(t, h.order("SL").TargetPrice.Equal(d("0.022201")))
	assert.True(t, h.rec().Position.CurrentStopLossPrice.Decimal.Equal(d("0.022201")))

	seq = h.lastSeq()
	h.tick()
	assert.Empty(t, h.since(seq))
}

func TestLongPlanCascade(t *testing.T) {
	h := newLongHarness(t)
	h.start()

	for _, label := range []string{"Entry", "Rebuy 1"} {
		o := h.order(label)
		assert.Equal(t, "BUY", o.Side, label)
		assert.False(t, o.ReduceOnly, label)
	}
	assert.True(t, h.order("Entry").Quantity.Equal(d("6")))
	assert.True(t, h.order("Rebuy 1").Quantity.Equal(d("4.21")))

	// Entry fills
	h.mark("100")
	h.tick()
	rec := h.rec()
	assert.Equal(t, database.StatusOpen, rec.Status)
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("6")))
	sl := h.order("SL")
	assert.Equal(t, "SELL", sl.Side)
	assert.True(t, sl.ReduceOnly)
	assert.True(t, sl.TargetPrice.Equal(d("90")))
	assert.True(t, sl.Quantity.Equal(d("6")))
	for _, label := range []string{"TP1", "TP2"} {
		o := h.order(label)
		assert.Equal(t, "SELL", o.Side, label)
		assert.True(t, o.Quantity.Equal(d("1.8")), label)
	}

	// the rebuy lowers the average; the stop keeps its price and covers everything
	h.mark("95")
	h.tick()
	rec = h.rec()
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("10.21")))
	assert.InDelta(t, 97.94, rec.Position.WeightedAverageEntry.InexactFloat64(), 0.01)
	sl = h.order("SL")
	assert.True(t, sl.TargetPrice.Equal(d("90")))
	assert.True(t, sl.Quantity.Equal(d("10.21")))

	// TP1 lifts the stop above the entry
	h.mark("105")
	h.tick()
	rec = h.rec()
	assert.Equal(t, 1, rec.CascadeLevel)
	assert.True(t, rec.Position.CurrentStopLossPrice.Decimal.Equal(d("100.1")))
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("8.41")))
	assert.True(t, rec.Position.RealizedPnL.IsPositive())
	moved := last(h.events(), events.SLMoved)
	assert.Equal(t, "TP1 hit", moved.Payload["reason"])
	assert.Equal(t, "90", moved.Payload["from"])

	// TP2 lifts it above TP1
	h.mark("110")
	h.tick()
	rec = h.rec()
	assert.Equal(t, 2, rec.CascadeLevel)
	assert.True(t, rec.Position.CurrentStopLossPrice.Decimal.Equal(d("105.105")))
	assert.True(t, rec.Position.CurrentStopLossPrice.Decimal.GreaterThan(d("100.1")))
	assert.True(t, h.order("SL").Quantity.Equal(d("6.61")))

	// the pullback hits the cascaded stop
	h.mark("104")
	h.tick()
	rec = h.rec()
	assert.Equal(t, database.StatusClosed, rec.Status)
	assert.Equal(t, database.CloseReasonStopLoss, rec.CloseReason)
	assert.True(t, rec.Position.AccumulatedSize.IsZero())
	assert.True(t, rec.Position.RealizedPnL.IsPositive())
	assert.True(t, h.exchangeSize().IsZero())

	evs := h.events()
	assert.Equal(t, 2, count(evs, events.TPHit, ""))
	assert.Equal(t, 1, count(evs, events.TradeClosed, ""))
}

func TestLongCascadedStopClampedBelowMark(t *testing.T) {
	h := newLongHarness(t)
	h.start()
	h.mark("100")
	h.tick()

	require.NoError(t, h.gw.FillByClientID(h.order("TP1").ClientOrderID))
	seq := h.lastSeq()
	h.tick()

	warn := last(h.since(seq), events.Warning)
	assert.Equal(t, "stop_loss_clamped", warn.Payload["reason"])
	assert.True(t, h.order("SL").TargetPrice.Equal(d("99.999")))
	assert.True(t, h.rec().Position.CurrentStopLossPrice.Decimal.Equal(d("99.999")))
}

func TestLongForceCloseSells(t *testing.T) {
	h := newLongHarness(t)
	h.start()
	h.mark("100")
	h.tick()

	require.NoError(t, h.task.handle(h.ctx, cmdForceClose))
	rec := h.rec()
	assert.Equal(t, database.StatusClosed, rec.Status)
	assert.Equal(t, 1, count(h.events(), events.TradeClosed, ""))

	closeOrder := h.gw.Placed()[len(h.gw.Placed())-1]
	assert.Equal(t, gateway.OrderTypeMarket, closeOrder.Type)
	assert.Equal(t, "SELL", closeOrder.Side)
	assert.True(t, closeOrder.ReduceOnly)
	assert.True(t, closeOrder.Quantity.Equal(d("6")))
	assert.True(t, h.exchangeSize().IsZero())
}

// ============================================================================
// TEST CASES: PARTIAL EXECUTION BEFORE CANCEL
// ============================================================================

func TestCancelledEntryWithPartialFillIsProtected(t *testing.T) {
	h := newHarness(t)
	h.start()

	entry := h.order("Entry")
	require.NoError(t, h.gw.PartialFill(entry.ClientOrderID, d("20000")))
	require.NoError(t, h.gw.CancelOrder(h.ctx, symbol, entry.ExchangeOrderID))
	require.True(t, h.exchangeSize().Equal(d("-20000")))

	seq := h.lastSeq()
	h.tick()

	rec := h.rec()
	assert.Equal(t, database.StatusOpen, rec.Status)
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("20000")))
	assert.True(t, rec.Position.WeightedAverageEntry.Equal(d("0.0222")))

	entry = h.order("Entry")
	assert.Equal(t, orders.StatusCancelled, entry.Status)
	assert.True(t, entry.FilledQty.Equal(d("20000")))

	evs := h.since(seq)
	filled := last(evs, events.OrderFilled)
	assert.Equal(t, "Entry", filled.Payload["label"])
	assert.Equal(t, true, filled.Payload["partial"])
	assert.Equal(t, "20000", last(evs, events.OrderCancelled).Payload["executedQty"])
	assert.Equal(t, 1, count(evs, events.PositionOpened, ""))

	sl := h.order("SL")
	assert.True(t, sl.IsOpen())
	assert.True(t, sl.TargetPrice.Equal(d("0.024699")))
	assert.True(t, sl.Quantity.Equal(d("20000")))
	assert.True(t, h.order("TP1").Quantity.Equal(d("4000")))

	// the booked quantity is not counted twice
	seq = h.lastSeq()
	h.tick()
	assert.Empty(t, h.since(seq))
	assert.True(t, h.rec().Position.AccumulatedSize.Equal(d("20000")))
}

func TestCancelledTakeProfitWithPartialFillShrinksStop(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	tp1 := h.order("TP1")
	require.NoError(t, h.gw.PartialFill(tp1.ClientOrderID, d("5000")))
	require.NoError(t, h.gw.CancelOrder(h.ctx, symbol, tp1.ExchangeOrderID))

	h.tick()
	rec := h.rec()
	assert.Equal(t, database.StatusOpen, rec.Status)
	assert.Equal(t, 0, rec.CascadeLevel)
	assert.True(t, rec.Position.AccumulatedSize.Equal(d("49054")))
	assert.True(t, rec.Position.AccumulatedSize.Neg().Equal(h.exchangeSize()))
	assert.True(t, rec.Position.RealizedPnL.Equal(d("1.5")))

	sl := h.order("SL")
	assert.True(t, sl.TargetPrice.Equal(d("0.024699")))
	assert.True(t, sl.Quantity.Equal(d("49054")))
	assert.Equal(t, "resize", last(h.events(), events.SLMoved).Payload["reason"])
}

func TestForceCloseBooksPartiallyFilledRebuy(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	require.NoError(t, h.gw.PartialFill(h.order("Rebuy 1").ClientOrderID, d("10000")))
	require.NoError(t, h.task.handle(h.ctx, cmdForceClose))

	rec := h.rec()
	assert.Equal(t, database.StatusClosed, rec.Status)
	assert.True(t, h.order("Rebuy 1").FilledQty.Equal(d("10000")))
	assert.Equal(t, 1, count(h.events(), events.OrderFilled, "Rebuy 1"))

	closeOrder := h.gw.Placed()[len(h.gw.Placed())-1]
	assert.True(t, closeOrder.Quantity.Equal(d("64054")))
	assert.True(t, h.exchangeSize().IsZero())
}

// ============================================================================
// TEST CASES: IDEMPOTENCY
// ============================================================================

func TestRepeatedTickIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	placed := len(h.gw.Placed())
	seq := h.lastSeq()
	for i := 0; i < 3; i++ {
		h.tick()
	}
	assert.Empty(t, h.since(seq))
	assert.Len(t, h.gw.Placed(), placed)
}

func TestCommitFailureReplaysWithoutDuplicates(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")

	h.store.FailCommits(errors.New("disk full"))
	require.Error(t, h.task.tick(h.ctx))
	assert.Equal(t, database.StatusActive, h.rec().Status)
	placed := len(h.gw.Placed())
	assert.Equal(t, 3+4, placed)

	h.store.FailCommits(nil)
	h.tick()
	assert.Equal(t, database.StatusOpen, h.rec().Status)
	assert.Len(t, h.gw.Placed(), placed)

	evs := h.events()
	for _, label := range []string{"TP1", "TP2", "TP3", "SL"} {
		assert.Equal(t, 1, count(evs, events.OrderPlaced, label), label)
	}
	assert.Equal(t, 1, count(evs, events.PositionOpened, ""))
}

// ============================================================================
// TEST CASES: FAILURES
// ============================================================================

func TestGatewayOutageEmitsSingleError(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	h.gw.SetUnreachable(true)
	for i := 0; i < 6; i++ {
		err := h.task.tick(h.ctx)
		require.Error(t, err)
		assert.True(t, gateway.IsTransient(err))
	}
	evs := h.events()
	assert.Equal(t, 1, count(evs, events.Error, ""))
	assert.Equal(t, "gateway_unreachable", last(evs, events.Error).Payload["kind"])
	assert.Equal(t, database.StatusOpen, h.rec().Status)

	h.gw.SetUnreachable(false)
	h.tick()
	resumed := last(h.events(), events.MonitoringResumed)
	assert.Equal(t, "gateway_recovered", resumed.Payload["reason"])
	assert.Equal(t, 6, resumed.Payload["failedTicks"])
	assert.Equal(t, 0, h.task.failures)

	seq := h.lastSeq()
	h.tick()
	assert.Empty(t, h.since(seq))
}

func TestShortOutageBelowThresholdIsSilent(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.gw.SetUnreachable(true)
	require.Error(t, h.task.tick(h.ctx))
	require.Error(t, h.task.tick(h.ctx))
	h.gw.SetUnreachable(false)

	seq := h.lastSeq()
	h.tick()
	assert.Zero(t, count(h.events(), events.Error, ""))
	assert.Empty(t, h.since(seq))
}

func TestRejectedOrderRetriesWithSingleError(t *testing.T) {
	h := newHarness(t)
	h.gw.RejectNext(1)
	h.start()

	entry := h.order("Entry")
	assert.Equal(t, orders.StatusUnsubmitted, entry.Status)
	assert.Equal(t, 1, entry.Rejections)

	h.gw.RejectNext(1)
	h.tick()
	assert.Equal(t, 2, h.order("Entry").Rejections)

	h.tick()
	entry = h.order("Entry")
	assert.Equal(t, orders.StatusSubmitted, entry.Status)
	assert.Zero(t, entry.Rejections)

	evs := h.events()
	assert.Equal(t, 1, count(evs, events.Error, ""))
	assert.Equal(t, "order_rejected", last(evs, events.Error).Payload["kind"])
	assert.Equal(t, 1, count(evs, events.OrderPlaced, "Entry"))
	assert.Equal(t, database.StatusActive, h.rec().Status)
}

func TestWrongSignPositionEntersErrorAndResumes(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	h.gw.ForcePosition(symbol, d("100"), d("0.0222"))
	h.tick()
	rec := h.rec()
	assert.Equal(t, database.StatusError, rec.Status)
	assert.Equal(t, database.StatusOpen, rec.ErrorFrom)
	assert.Equal(t, "inconsistent_state", last(h.events(), events.Error).Payload["kind"])

	// ticks do not act on an ERROR trade
	seq := h.lastSeq()
	placed := len(h.gw.Placed())
	h.tick()
	assert.Empty(t, h.since(seq))
	assert.Len(t, h.gw.Placed(), placed)

	err := h.task.handle(h.ctx, cmdResume)
	var inconsistent *InconsistentStateError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, database.StatusError, h.rec().Status)

	h.gw.ForcePosition(symbol, d("-54054"), d("0.0222"))
	require.NoError(t, h.task.handle(h.ctx, cmdResume))
	rec = h.rec()
	assert.Equal(t, database.StatusOpen, rec.Status)
	assert.Empty(t, rec.ErrorFrom)
	resumed := last(h.events(), events.MonitoringResumed)
	assert.Equal(t, "operator", resumed.Payload["reason"])
	assert.Equal(t, "OPEN", resumed.Payload["to"])

	assert.ErrorIs(t, h.task.handle(h.ctx, cmdResume), ErrInvalidTransition)
}

// ============================================================================
// TEST CASES: MANUAL CONTROLS
// ============================================================================

func TestForceCloseWhileOpen(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()
	h.mark("0.023")
	h.tick()
	h.tick()

	seq := h.lastSeq()
	require.NoError(t, h.task.handle(h.ctx, cmdForceClose))

	rec := h.rec()
	assert.Equal(t, database.StatusClosed, rec.Status)
	assert.Equal(t, database.CloseReasonForceClose, rec.CloseReason)
	assert.False(t, rec.Closing)
	for _, o := range rec.Orders {
		assert.True(t, o.Status.IsTerminal(), o.Label)
	}

	evs := h.since(seq)
	assert.Equal(t, 5, count(evs, events.OrderCancelled, ""))
	assert.Equal(t, 1, count(evs, events.OrderPlaced, "CLOSE1"))
	assert.Equal(t, 1, count(evs, events.OrderFilled, "CLOSE1"))
	assert.Equal(t, 1, count(h.events(), events.TradeClosed, ""))

	closeOrder := h.gw.Placed()[len(h.gw.Placed())-1]
	assert.Equal(t, gateway.OrderTypeMarket, closeOrder.Type)
	assert.Equal(t, "BUY", closeOrder.Side)
	assert.True(t, closeOrder.ReduceOnly)
	assert.True(t, closeOrder.Quantity.Equal(d("71445")))

	pos, err := h.gw.GetPosition(h.ctx, symbol)
	require.NoError(t, err)
	assert.True(t, pos.IsFlat())

	assert.ErrorIs(t, h.task.handle(h.ctx, cmdForceClose), ErrInvalidTransition)
	assert.Equal(t, 1, count(h.events(), events.TradeClosed, ""))
}

func TestForceCloseDuringOutageFinishesOnNextTick(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	h.gw.SetUnreachable(true)
	err := h.task.handle(h.ctx, cmdClose)
	require.Error(t, err)
	rec := h.rec()
	assert.True(t, rec.Closing)
	assert.Equal(t, database.StatusOpen, rec.Status)
	assert.Equal(t, "close_pending", last(h.events(), events.Warning).Payload["reason"])

	h.gw.SetUnreachable(false)
	h.tick()
	rec = h.rec()
	assert.Equal(t, database.StatusClosed, rec.Status)
	assert.Equal(t, database.CloseReasonForceClose, rec.CloseReason)
	assert.Equal(t, 1, count(h.events(), events.TradeClosed, ""))
}

func TestCancelAllKeepsOpenPosition(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.mark("0.0222")
	h.tick()

	require.NoError(t, h.task.handle(h.ctx, cmdCancelAll))
	rec := h.rec()
	assert.Equal(t, database.StatusOpen, rec.Status)
	for _, o := range rec.Orders {
		assert.True(t, o.Status.IsTerminal(), o.Label)
	}
	pos, err := h.gw.GetPosition(h.ctx, symbol)
	require.NoError(t, err)
	assert.True(t, pos.Size.Equal(d("-54054")))

	open, err := h.gw.GetOpenOrders(h.ctx, symbol)
	require.NoError(t, err)
	assert.Empty(t, open)

	placed := len(h.gw.Placed())
	h.tick()
	assert.Len(t, h.gw.Placed(), placed)
}

func TestCancelAllBeforeAnyFillClosesTrade(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.task.handle(h.ctx, cmdCancelAll))
	rec := h.rec()
	assert.Equal(t, database.StatusClosed, rec.Status)
	assert.Equal(t, database.CloseReasonCancelled, rec.CloseReason)

	evs := h.events()
	assert.Equal(t, 3, count(evs, events.OrderCancelled, ""))
	assert.Zero(t, count(evs, events.PositionClosed, ""))
	assert.Equal(t, 1, count(evs, events.TradeClosed, ""))
}

func TestCommandsRejectedInWrongStatus(t *testing.T) {
	h := newHarness(t)
	for _, kind := range []commandKind{cmdClose, cmdForceClose, cmdCancelAll, cmdResume} {
		assert.ErrorIs(t, h.task.handle(h.ctx, kind), ErrInvalidTransition, kind.String())
	}
	h.start()
	assert.ErrorIs(t, h.task.handle(h.ctx, cmdStart), ErrInvalidTransition)
	assert.ErrorIs(t, h.task.handle(h.ctx, cmdResume), ErrInvalidTransition)
}

func TestConfigTreatsZeroOffsetAsUnset(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.True(t, cfg.SLOffsetPercent.Equal(d("0.1")), cfg.SLOffsetPercent.String())
	assert.True(t, Config{SLOffsetPercent: d("-1")}.withDefaults().SLOffsetPercent.Equal(d("0.1")))
	assert.True(t, Config{SLOffsetPercent: d("0.25")}.withDefaults().SLOffsetPercent.Equal(d("0.25")))
}
