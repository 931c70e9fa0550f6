// Package grid implements the per-symbol grid state machine: level layout,
// order placement and replacement, fill detection and P/L accounting.
package grid

import (
	"time"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

// level is one rung of the grid. Levels are owned exclusively by the
// worker goroutine and need no locking.
type level struct {
	index       int
	price       decimal.Decimal
	quantity    decimal.Decimal
	buyOrderID  string
	sellOrderID string
	holding     bool
	filledQty   decimal.Decimal
	faulted     bool
	lastChange  time.Time
}

// buildLevels lays the grid out with center-aligned level prices:
// price(i) = lower + (i+0.5)*spacing. Prices round to the tick size and
// quantities round down to the lot step so buy and sell legs match.
func buildLevels(params core.GridParameters, filters core.SymbolFilters) []*level {
	spacing := params.Spacing()
	invest := params.InvestPerLevel()
	half := decimal.NewFromFloat(0.5)

	levels := make([]*level, 0, params.GridCount)
	for i := 0; i < params.GridCount; i++ {
		offset := decimal.NewFromInt(int64(i)).Add(half)
		price := roundToStep(params.LowerPrice.Add(offset.Mul(spacing)), filters.TickSize)
		qty := roundDownToStep(invest.Div(price), filters.LotStep)
		levels = append(levels, &level{
			index:     i,
			price:     price,
			quantity:  qty,
			filledQty: decimal.Zero,
		})
	}
	return levels
}

// levelIndexForPrice returns k = floor((p - lower) / spacing) clamped to
// the valid index range. Levels below k are buy side. Dividing by the full
// span keeps exact boundaries exact; dividing by a rounded spacing does not.
func levelIndexForPrice(params core.GridParameters, price decimal.Decimal) int {
	span := params.UpperPrice.Sub(params.LowerPrice)
	if !span.IsPositive() || params.GridCount < 1 {
		return 0
	}
	count := decimal.NewFromInt(int64(params.GridCount))
	k := int(price.Sub(params.LowerPrice).Mul(count).Div(span).IntPart())
	if price.LessThan(params.LowerPrice) {
		k = 0
	}
	if k < 0 {
		k = 0
	}
	if k > params.GridCount-1 {
		k = params.GridCount - 1
	}
	return k
}

// sellPriceFor returns the matched sell price one spacing above the level,
// clamped to the upper bound.
func sellPriceFor(params core.GridParameters, lv *level, filters core.SymbolFilters) decimal.Decimal {
	p := lv.price.Add(params.Spacing())
	if p.GreaterThan(params.UpperPrice) {
		p = params.UpperPrice
	}
	return roundToStep(p, filters.TickSize)
}

func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}

func roundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
