// Package risk holds the pure price and size math behind the stop-loss cascade.
// Nothing in here performs I/O or keeps state.
package risk

import (
	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/internal/plan"
)

// DefaultOffsetPercent is the protective shift applied to a cascaded stop
var DefaultOffsetPercent = decimal.RequireFromString("0.1")

// fallbackTickFraction is used as the clamp distance when the symbol tick is unknown
var fallbackTickFraction = decimal.New(1, -4)

var hundred = decimal.NewFromInt(100)

// WeightedAverage returns the quantity-weighted mean entry after adding fillQty at fillPrice
func WeightedAverage(priorQty, priorAvg, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if priorQty.Sign() <= 0 {
		return fillPrice
	}
	total := priorQty.Add(fillQty)
	if total.Sign() <= 0 {
		return fillPrice
	}
	return priorQty.Mul(priorAvg).Add(fillQty.Mul(fillPrice)).Div(total)
}

// InitialStopLoss is the stop price before any take-profit has fired: the plan's own stop.
// Rebuy fills never move it; they only resize the order to the new exposure.
func InitialStopLoss(p *plan.TradePlan) decimal.Decimal {
	return p.StopLoss
}

// CascadeAnchor returns the price the stop is anchored to once the take-profit at
// index k (zero based) fills: the entry price for the first level, the previous
// level's price otherwise.
func CascadeAnchor(p *plan.TradePlan, k int) decimal.Decimal {
	if k <= 0 || k > len(p.TakeProfits) {
		return p.EntryPrice
	}
	return p.TakeProfits[k-1].Price
}

// CascadeStopLoss shifts anchor by offsetPercent toward profit: up for LONG, down for SHORT.
func CascadeStopLoss(dir plan.Direction, anchor, offsetPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(offsetPercent.Div(hundred))
	if dir == plan.Short {
		return anchor.Div(factor)
	}
	return anchor.Mul(factor)
}

// ClampStopLoss keeps a stop on the loss side of the mark price. A LONG stop at or
// above mark becomes mark minus one tick, a SHORT stop at or below mark becomes mark
// plus one tick. The second return value reports whether a clamp happened.
func ClampStopLoss(dir plan.Direction, stop, mark, tick decimal.Decimal) (decimal.Decimal, bool) {
	if mark.Sign() <= 0 {
		return stop, false
	}
	if tick.Sign() <= 0 {
		tick = mark.Mul(fallbackTickFraction)
	}
	if dir == plan.Short {
		if stop.LessThanOrEqual(mark) {
			return mark.Add(tick), true
		}
		return stop, false
	}
	if stop.GreaterThanOrEqual(mark) {
		return mark.Sub(tick), true
	}
	return stop, false
}

// IsMoreProtective reports whether next locks in at least as much as prev for the direction
func IsMoreProtective(dir plan.Direction, next, prev decimal.Decimal) bool {
	if dir == plan.Short {
		return next.LessThan(prev)
	}
	return next.GreaterThan(prev)
}

// StopForMaxLoss is the stop price at which the leveraged loss equals maxLossPercent of margin
func StopForMaxLoss(dir plan.Direction, avgEntry, leverage, maxLossPercent decimal.Decimal) decimal.Decimal {
	if leverage.Sign() <= 0 {
		return avgEntry
	}
	move := maxLossPercent.Div(hundred).Div(leverage)
	if dir == plan.Short {
		return avgEntry.Mul(decimal.NewFromInt(1).Add(move))
	}
	return avgEntry.Mul(decimal.NewFromInt(1).Sub(move))
}

// EntryQuantity converts a USD margin slice into base-asset quantity at price
func EntryQuantity(sizeUSD, leverage, price, step decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	return RoundToStep(sizeUSD.Mul(leverage).Div(price), step)
}

// TakeProfitQuantity is the share of the current exposure a take-profit level closes
func TakeProfitQuantity(accumulated, sizePercent, step decimal.Decimal) decimal.Decimal {
	return RoundToStep(accumulated.Mul(sizePercent).Div(hundred), step)
}

// RoundToStep floors qty to a multiple of step. A zero step leaves qty untouched.
func RoundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// RoundToTick rounds price to the nearest multiple of tick
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// RealizedPnL is the profit of closing qty at exitPrice against avgEntry
func RealizedPnL(dir plan.Direction, avgEntry, exitPrice, qty decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(avgEntry)
	if dir == plan.Short {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}
