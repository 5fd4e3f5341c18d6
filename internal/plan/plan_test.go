package plan

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func longPlan() *TradePlan {
	return &TradePlan{
		Symbol:     "BTCUSDT",
		Direction:  Long,
		MarginUSD:  d("300"),
		Leverage:   d("10"),
		EntryPrice: d("60000"),
		StopLoss:   d("57000"),
		Entries: []OrderLevel{
			{Label: "Entry", Price: d("60000"), SizeUSD: d("100")},
			{Label: "Rebuy 1", Price: d("59000"), SizeUSD: d("100")},
			{Label: "Rebuy 2", Price: d("58000"), SizeUSD: d("100")},
		},
		TakeProfits: []TPLevel{
			{Level: "TP1", Price: d("61000"), SizePercent: d("30")},
			{Level: "TP2", Price: d("62500"), SizePercent: d("30")},
			{Level: "TP3", Price: d("64000"), SizePercent: d("40")},
		},
	}
}

func shortPlan() *TradePlan {
	return &TradePlan{
		Symbol:     "DOGEUSDT",
		Direction:  Short,
		MarginUSD:  d("100"),
		Leverage:   d("20"),
		EntryPrice: d("0.0222"),
		StopLoss:   d("0.024699"),
		Entries: []OrderLevel{
			{Label: "Entry", Price: d("0.0222"), SizeUSD: d("60")},
			{Label: "Rebuy 1", Price: d("0.023"), SizeUSD: d("20")},
			{Label: "Rebuy 2", Price: d("0.0238"), SizeUSD: d("20")},
		},
		TakeProfits: []TPLevel{
			{Level: "TP1", Price: d("0.0219"), SizePercent: d("20")},
			{Level: "TP2", Price: d("0.0215"), SizePercent: d("30")},
		},
	}
}

func kindOf(t *testing.T, err error) string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
	return ve.Kind
}

// ============================================================================
// TEST CASES: VALID PLANS
// ============================================================================

func TestValidateAcceptsWellFormedPlans(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Validate(longPlan()))
	assert.NoError(t, Validate(shortPlan()))
}

func TestValidateAllowsMarginRoundingWithinTolerance(t *testing.T) {
	t.Parallel()

	p := longPlan()
	p.Entries[2].SizeUSD = d("100.0001")
	assert.NoError(t, Validate(p))

	p.Entries[2].SizeUSD = d("100.01")
	assert.Equal(t, KindMarginMismatch, kindOf(t, Validate(p)))
}

func TestValidateDoesNotMutatePlan(t *testing.T) {
	t.Parallel()

	p := shortPlan()
	before := *p
	require.NoError(t, Validate(p))
	assert.Equal(t, before.Symbol, p.Symbol)
	assert.Len(t, p.Entries, 3)
	assert.True(t, before.StopLoss.Equal(p.StopLoss))
}

// ============================================================================
// TEST CASES: INVARIANT VIOLATIONS
// ============================================================================

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *TradePlan)
		kind   string
	}{
		{"missing symbol", func(p *TradePlan) { p.Symbol = " " }, KindMissingField},
		{"bad direction", func(p *TradePlan) { p.Direction = "FLAT" }, KindInvalidDirection},
		{"zero margin", func(p *TradePlan) { p.MarginUSD = decimal.Zero }, KindNonPositive},
		{"negative leverage", func(p *TradePlan) { p.Leverage = d("-5") }, KindNonPositive},
		{"no entries", func(p *TradePlan) { p.Entries = nil }, KindNoEntries},
		{"no take profits", func(p *TradePlan) { p.TakeProfits = nil }, KindNoTakeProfits},
		{"zero entry size", func(p *TradePlan) { p.Entries[1].SizeUSD = decimal.Zero }, KindNonPositive},
		{"duplicate entry label", func(p *TradePlan) { p.Entries[1].Label = "Entry" }, KindDuplicateLabel},
		{"tp label clashes with entry", func(p *TradePlan) { p.TakeProfits[0].Level = "Entry" }, KindDuplicateLabel},
		{"reserved label", func(p *TradePlan) { p.TakeProfits[0].Level = ReservedStopLossLabel }, KindDuplicateLabel},
		{"reserved close label", func(p *TradePlan) { p.Entries[1].Label = "close2" }, KindDuplicateLabel},
		{"tp percent above 100", func(p *TradePlan) { p.TakeProfits[0].SizePercent = d("101") }, KindOutOfRange},
		{"stop loss above entry", func(p *TradePlan) { p.StopLoss = d("60500") }, KindStopLossSide},
		{"stop loss equals entry", func(p *TradePlan) { p.StopLoss = d("60000") }, KindStopLossSide},
		{"tp below entry", func(p *TradePlan) { p.TakeProfits[0].Price = d("59900") }, KindTakeProfitSide},
		{"tp not increasing", func(p *TradePlan) { p.TakeProfits[2].Price = d("62000") }, KindTakeProfitOrder},
		{"rebuy below stop", func(p *TradePlan) { p.Entries[2].Price = d("56000") }, KindEntryRange},
		{"margin mismatch", func(p *TradePlan) { p.MarginUSD = d("350") }, KindMarginMismatch},
		{"tp sum above 100", func(p *TradePlan) { p.TakeProfits[2].SizePercent = d("41") }, KindTakeProfitPercent},
		{"max loss out of range", func(p *TradePlan) { p.MaxLossPercent = d("120") }, KindOutOfRange},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := longPlan()
			tt.mutate(p)
			assert.Equal(t, tt.kind, kindOf(t, Validate(p)))
		})
	}
}

func TestValidateShortMirrorsLong(t *testing.T) {
	t.Parallel()

	p := shortPlan()
	p.StopLoss = d("0.022")
	assert.Equal(t, KindStopLossSide, kindOf(t, Validate(p)))

	p = shortPlan()
	p.TakeProfits[1].Price = d("0.0220")
	assert.Equal(t, KindTakeProfitOrder, kindOf(t, Validate(p)))

	p = shortPlan()
	p.TakeProfits[0].Price = d("0.0225")
	assert.Equal(t, KindTakeProfitSide, kindOf(t, Validate(p)))
}

func TestValidateReturnsFirstViolation(t *testing.T) {
	t.Parallel()

	p := longPlan()
	p.StopLoss = d("61000")
	p.MarginUSD = d("999")
	assert.Equal(t, KindStopLossSide, kindOf(t, Validate(p)))
}

// ============================================================================
// TEST CASES: DOCUMENT IMPORT
// ============================================================================

func TestLoadFileShortPlan(t *testing.T) {
	t.Parallel()

	p, err := LoadFile("testdata/short_plan.json")
	require.NoError(t, err)

	assert.Equal(t, "DOGEUSDT", p.Symbol)
	assert.Equal(t, Short, p.Direction)
	assert.True(t, p.Leverage.Equal(d("20")))
	assert.Len(t, p.Entries, 3)
	assert.Len(t, p.Rebuys(), 2)
	assert.Equal(t, "Rebuy 2", p.Rebuys()[1].Label)
	assert.True(t, p.Entries[2].ExpectedAverage.Equal(d("0.0227")))
	assert.Equal(t, 1, p.TakeProfitIndex("TP2"))
	assert.Equal(t, -1, p.TakeProfitIndex("TP9"))
	assert.Equal(t, "2025-10-12T09:30:00Z", p.PlannedAt)
}

func TestParseLeverageForms(t *testing.T) {
	t.Parallel()

	for _, lev := range []string{`"10x"`, `"10"`, `10`, `"10X"`} {
		doc := `{"tradeSetup":{"symbol":"ethusdt","direction":"long","marginUSD":50,"entryPrice":3000,` +
			`"stopLoss":2900,"leverage":` + lev + `},` +
			`"orderEntries":[{"label":"Entry","sizeUSD":50,"price":3000,"average":3000}],` +
			`"takeProfits":[{"level":"TP1","price":3100,"sizePercent":100}]}`
		p, err := Parse([]byte(doc))
		require.NoError(t, err, lev)
		assert.True(t, p.Leverage.Equal(d("10")), lev)
		assert.Equal(t, Long, p.Direction)
	}
}

func TestParseRejectsInvalidDocument(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"tradeSetup":`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"tradeSetup":{"symbol":"X","direction":"LONG","marginUSD":1,"entryPrice":1,"stopLoss":2,"leverage":"1x"},` +
		`"orderEntries":[{"label":"Entry","sizeUSD":1,"price":1}],"takeProfits":[{"level":"TP1","price":2,"sizePercent":10}]}`))
	assert.Equal(t, KindStopLossSide, kindOf(t, err))
}

func TestDirectionHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "BUY", Long.OpenSide())
	assert.Equal(t, "SELL", Long.CloseSide())
	assert.Equal(t, "SELL", Short.OpenSide())
	assert.Equal(t, -1, Short.Sign())
	assert.True(t, Short.IsBeyond(d("1"), d("2")))
	assert.True(t, Long.IsProtective(d("1"), d("2")))

	dir, ok := ParseDirection("sell")
	assert.True(t, ok)
	assert.Equal(t, Short, dir)
	_, ok = ParseDirection("sideways")
	assert.False(t, ok)
}
