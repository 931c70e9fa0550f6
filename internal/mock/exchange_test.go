package mock

import (
	"context"
	"testing"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buyRequest(tag string) core.PlaceLimitRequest {
	return core.PlaceLimitRequest{
		Symbol:    "BTCUSDT",
		Side:      core.SideBuy,
		Price:     decimal.NewFromInt(96000),
		Quantity:  decimal.NewFromFloat(0.01),
		ClientTag: tag,
	}
}

func TestPlaceLimitIdempotentUnderClientTag(t *testing.T) {
	m := NewExchange()
	ctx := context.Background()

	first, err := m.PlaceLimit(ctx, buyRequest("tag-1"))
	require.NoError(t, err)

	second, err := m.PlaceLimit(ctx, buyRequest("tag-1"))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, m.OpenOrderCount("BTCUSDT"))

	third, err := m.PlaceLimit(ctx, buyRequest("tag-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, third.OrderID)
}

func TestCancelSemantics(t *testing.T) {
	m := NewExchange()
	ctx := context.Background()

	order, err := m.PlaceLimit(ctx, buyRequest("tag-1"))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, "BTCUSDT", order.OrderID))

	// a second cancel and an unknown id both surface not-found
	err = m.Cancel(ctx, "BTCUSDT", order.OrderID)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
	err = m.Cancel(ctx, "BTCUSDT", "no-such-order")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestSimulatedFills(t *testing.T) {
	m := NewExchange()
	ctx := context.Background()

	order, err := m.PlaceLimit(ctx, buyRequest("tag-1"))
	require.NoError(t, err)

	m.SimulatePartialFill(order.OrderID, decimal.NewFromFloat(0.004))
	got, err := m.OrderStatus(ctx, "BTCUSDT", order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatePartial, got.State)

	m.SimulatePartialFill(order.OrderID, decimal.NewFromFloat(0.006))
	got, err = m.OrderStatus(ctx, "BTCUSDT", order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStateFilled, got.State)
	assert.True(t, got.FilledQty.Equal(got.Quantity))
}

func TestFailureInjection(t *testing.T) {
	m := NewExchange()
	ctx := context.Background()

	m.FailNextCalls(2, apperrors.ErrNetwork)
	_, err := m.LatestPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	_, err = m.WalletEquity(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)

	// the budget is spent, calls succeed again
	price, err := m.LatestPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.IsPositive())
}

func TestFillSweeps(t *testing.T) {
	m := NewExchange()
	ctx := context.Background()

	low, err := m.PlaceLimit(ctx, core.PlaceLimitRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy,
		Price: decimal.NewFromInt(95000), Quantity: decimal.NewFromFloat(0.01), ClientTag: "low",
	})
	require.NoError(t, err)
	high, err := m.PlaceLimit(ctx, core.PlaceLimitRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy,
		Price: decimal.NewFromInt(97000), Quantity: decimal.NewFromFloat(0.01), ClientTag: "high",
	})
	require.NoError(t, err)

	filled := m.FillOrdersBelow("BTCUSDT", decimal.NewFromInt(96000))
	require.Len(t, filled, 1)
	assert.Equal(t, high.OrderID, filled[0])

	status, err := m.OrderStatus(ctx, "BTCUSDT", low.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStateNew, status.State)
}

func TestDeterministicWalkMovesPrice(t *testing.T) {
	m := NewExchange()
	start, err := m.LatestPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	tick := m.nextWalkTick("BTCUSDT")
	assert.NotEqual(t, start.String(), tick.Price.String())

	// first walk step drifts +5 per ten thousand
	expected := start.Add(start.Mul(decimal.New(5, -4)))
	assert.True(t, tick.Price.Equal(expected), "got %s want %s", tick.Price, expected)
}
