package grid

import (
	"testing"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btcParams() core.GridParameters {
	return core.GridParameters{
		Symbol:          "BTCUSDT",
		LowerPrice:      decimal.NewFromInt(95500),
		UpperPrice:      decimal.NewFromInt(99000),
		GridCount:       12,
		TotalInvestment: decimal.NewFromInt(25000),
		StopLoss:        decimal.NewFromInt(94800),
	}
}

func btcFilters() core.SymbolFilters {
	return core.SymbolFilters{
		TickSize: decimal.NewFromFloat(0.01),
		LotStep:  decimal.NewFromFloat(0.000001),
	}
}

func TestBuildLevelsCenterAligned(t *testing.T) {
	params := btcParams()
	levels := buildLevels(params, btcFilters())
	require.Len(t, levels, 12)

	// spacing = 3500/12 = 291.67, level 0 sits half a spacing above the floor
	first, _ := levels[0].price.Float64()
	assert.InDelta(t, 95645.83, first, 0.01)

	last, _ := levels[11].price.Float64()
	assert.InDelta(t, 98854.17, last, 0.01)

	// each level budgets total/gridCount of quote currency
	for _, lv := range levels {
		notional, _ := lv.quantity.Mul(lv.price).Float64()
		assert.InDelta(t, 25000.0/12.0, notional, 0.25, "level %d", lv.index)
	}
}

func TestBuildLevelsMonotonic(t *testing.T) {
	levels := buildLevels(btcParams(), btcFilters())
	for i := 1; i < len(levels); i++ {
		assert.True(t, levels[i].price.GreaterThan(levels[i-1].price))
	}
}

func TestLevelIndexForPrice(t *testing.T) {
	params := btcParams()

	// 97250 sits exactly six spacings above the floor
	assert.Equal(t, 6, levelIndexForPrice(params, decimal.NewFromInt(97250)))

	// below the range clamps to zero
	assert.Equal(t, 0, levelIndexForPrice(params, decimal.NewFromInt(90000)))

	// above the range clamps to the top level
	assert.Equal(t, 11, levelIndexForPrice(params, decimal.NewFromInt(120000)))
}

func TestSellPriceOneSpacingAbove(t *testing.T) {
	params := btcParams()
	filters := btcFilters()
	levels := buildLevels(params, filters)

	sell, _ := sellPriceFor(params, levels[5], filters).Float64()
	buy, _ := levels[5].price.Float64()
	assert.InDelta(t, 291.67, sell-buy, 0.02)

	// the top level's sell clamps to the upper bound
	topSell := sellPriceFor(params, levels[11], filters)
	assert.True(t, topSell.LessThanOrEqual(params.UpperPrice))
}

func TestRounding(t *testing.T) {
	tick := decimal.NewFromFloat(0.01)
	got := roundToStep(decimal.NewFromFloat(97104.1666), tick)
	assert.True(t, got.Equal(decimal.NewFromFloat(97104.17)), got.String())

	lot := decimal.NewFromFloat(0.001)
	got = roundDownToStep(decimal.NewFromFloat(0.0259), lot)
	assert.True(t, got.Equal(decimal.NewFromFloat(0.025)), got.String())
}
