package plan

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Validation error kinds
const (
	KindMissingField      = "missing_field"
	KindInvalidDirection  = "invalid_direction"
	KindNonPositive       = "non_positive"
	KindOutOfRange        = "out_of_range"
	KindDuplicateLabel    = "duplicate_label"
	KindNoEntries         = "no_entries"
	KindNoTakeProfits     = "no_take_profits"
	KindStopLossSide      = "stop_loss_side"
	KindTakeProfitSide    = "take_profit_side"
	KindTakeProfitOrder   = "take_profit_order"
	KindEntryRange        = "entry_range"
	KindMarginMismatch    = "margin_mismatch"
	KindTakeProfitPercent = "take_profit_percent"
)

// MarginTolerance is the relative tolerance between marginUSD and the sum of entry sizes
var MarginTolerance = decimal.New(1, -6)

// Ledger labels owned by the engine. Plan levels may not use them; close orders are
// numbered CLOSE1, CLOSE2 and so on.
const (
	ReservedStopLossLabel = "SL"
	ReservedCloseLabel    = "CLOSE"
)

func isReserved(label string) bool {
	return label == ReservedStopLossLabel || strings.HasPrefix(strings.ToUpper(label), ReservedCloseLabel)
}

var hundred = decimal.NewFromInt(100)

// ValidationError reports the first plan invariant that does not hold
type ValidationError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trade plan (%s): %s", e.Kind, e.Detail)
}

func invalid(kind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Validate checks every plan invariant and returns the first violation, or nil.
// It never mutates the plan.
func Validate(p *TradePlan) error {
	if p == nil {
		return invalid(KindMissingField, "plan is empty")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return invalid(KindMissingField, "symbol is required")
	}
	if p.Direction != Long && p.Direction != Short {
		return invalid(KindInvalidDirection, "direction must be LONG or SHORT, got %q", p.Direction)
	}

	for _, f := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"marginUSD", p.MarginUSD},
		{"leverage", p.Leverage},
		{"entryPrice", p.EntryPrice},
		{"stopLoss", p.StopLoss},
	} {
		if !f.value.IsPositive() {
			return invalid(KindNonPositive, "%s must be positive, got %s", f.name, f.value)
		}
	}
	if p.AveragePrice.IsNegative() {
		return invalid(KindNonPositive, "averagePrice must be positive, got %s", p.AveragePrice)
	}
	if p.MaxLossPercent.IsNegative() || p.MaxLossPercent.GreaterThan(hundred) {
		return invalid(KindOutOfRange, "maxLossPercent must be within [0,100], got %s", p.MaxLossPercent)
	}

	if err := validateEntries(p); err != nil {
		return err
	}
	if err := validateTakeProfits(p); err != nil {
		return err
	}

	if !p.Direction.IsProtective(p.StopLoss, p.EntryPrice) {
		if p.Direction == Long {
			return invalid(KindStopLossSide, "for LONG, stop loss %s must be below entry %s", p.StopLoss, p.EntryPrice)
		}
		return invalid(KindStopLossSide, "for SHORT, stop loss %s must be above entry %s", p.StopLoss, p.EntryPrice)
	}

	prev := p.EntryPrice
	for i, tp := range p.TakeProfits {
		if !p.Direction.IsBeyond(tp.Price, p.EntryPrice) {
			if p.Direction == Long {
				return invalid(KindTakeProfitSide, "for LONG, %s price %s must be above entry %s", tp.Level, tp.Price, p.EntryPrice)
			}
			return invalid(KindTakeProfitSide, "for SHORT, %s price %s must be below entry %s", tp.Level, tp.Price, p.EntryPrice)
		}
		if i > 0 && !p.Direction.IsBeyond(tp.Price, prev) {
			return invalid(KindTakeProfitOrder, "%s price %s does not advance past %s", tp.Level, tp.Price, prev)
		}
		prev = tp.Price
	}

	firstTP := p.TakeProfits[0].Price
	for _, e := range p.Entries {
		if !p.Direction.IsProtective(p.StopLoss, e.Price) || !p.Direction.IsBeyond(firstTP, e.Price) {
			return invalid(KindEntryRange, "%s price %s must lie between stop loss %s and %s %s",
				e.Label, e.Price, p.StopLoss, p.TakeProfits[0].Level, firstTP)
		}
	}

	total := decimal.Zero
	for _, e := range p.Entries {
		total = total.Add(e.SizeUSD)
	}
	if total.Sub(p.MarginUSD).Abs().GreaterThan(p.MarginUSD.Mul(MarginTolerance)) {
		return invalid(KindMarginMismatch, "entries sum to %s but marginUSD is %s", total, p.MarginUSD)
	}

	pct := decimal.Zero
	for _, tp := range p.TakeProfits {
		pct = pct.Add(tp.SizePercent)
	}
	if pct.GreaterThan(hundred) {
		return invalid(KindTakeProfitPercent, "take profit sizes sum to %s%%", pct)
	}

	return nil
}

func validateEntries(p *TradePlan) error {
	if len(p.Entries) == 0 {
		return invalid(KindNoEntries, "at least one entry is required")
	}
	seen := make(map[string]bool, len(p.Entries))
	for i, e := range p.Entries {
		if strings.TrimSpace(e.Label) == "" {
			return invalid(KindMissingField, "entry %d has no label", i+1)
		}
		if seen[e.Label] {
			return invalid(KindDuplicateLabel, "entry label %q is used twice", e.Label)
		}
		seen[e.Label] = true
		if isReserved(e.Label) {
			return invalid(KindDuplicateLabel, "label %q is reserved", e.Label)
		}
		if !e.Price.IsPositive() {
			return invalid(KindNonPositive, "%s price must be positive, got %s", e.Label, e.Price)
		}
		if !e.SizeUSD.IsPositive() {
			return invalid(KindNonPositive, "%s sizeUSD must be positive, got %s", e.Label, e.SizeUSD)
		}
		if e.ExpectedAverage.IsNegative() {
			return invalid(KindNonPositive, "%s expected average must be positive, got %s", e.Label, e.ExpectedAverage)
		}
	}
	return nil
}

func validateTakeProfits(p *TradePlan) error {
	if len(p.TakeProfits) == 0 {
		return invalid(KindNoTakeProfits, "at least one take profit is required")
	}
	seen := make(map[string]bool, len(p.TakeProfits))
	for i, tp := range p.TakeProfits {
		if strings.TrimSpace(tp.Level) == "" {
			return invalid(KindMissingField, "take profit %d has no level label", i+1)
		}
		if _, clash := p.EntryByLabel(tp.Level); clash || seen[tp.Level] {
			return invalid(KindDuplicateLabel, "take profit level %q is used twice", tp.Level)
		}
		if isReserved(tp.Level) {
			return invalid(KindDuplicateLabel, "label %q is reserved", tp.Level)
		}
		seen[tp.Level] = true
		if !tp.Price.IsPositive() {
			return invalid(KindNonPositive, "%s price must be positive, got %s", tp.Level, tp.Price)
		}
		if !tp.SizePercent.IsPositive() || tp.SizePercent.GreaterThan(hundred) {
			return invalid(KindOutOfRange, "%s sizePercent must be within (0,100], got %s", tp.Level, tp.SizePercent)
		}
	}
	return nil
}
