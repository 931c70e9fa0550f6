package grid

import (
	"context"
	"sync"
	"testing"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/mock"
	"gridtrader/internal/store"
	"gridtrader/pkg/logging"
	"gridtrader/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRisk lets tests script the gate and breaker answers
type stubRisk struct {
	mu       sync.Mutex
	gate     core.GateResult
	breakers map[string]bool
	killed   bool
	reason   string
}

func newStubRisk() *stubRisk {
	return &stubRisk{gate: core.GateResult{OK: true}, breakers: make(map[string]bool)}
}

func (s *stubRisk) setGate(g core.GateResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = g
}

func (s *stubRisk) setBreaker(symbol string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[symbol] = active
}

func (s *stubRisk) ObserveTick(string, decimal.Decimal, time.Time) {}
func (s *stubRisk) ReportAPICall(bool)                             {}

func (s *stubRisk) AllowStart(core.GateRequest) core.GateResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

func (s *stubRisk) BreakerActive(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakers[symbol]
}

func (s *stubRisk) KillActive() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed, s.reason
}

func (s *stubRisk) TriggerKill(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed, s.reason = true, reason
}

func (s *stubRisk) Snapshot() core.RiskSnapshot { return core.RiskSnapshot{} }

type workerHarness struct {
	worker *Worker
	mock   *mock.Exchange
	risk   *stubRisk
	ticks  chan core.Tick
	cancel context.CancelFunc
	lastTs time.Time
}

func newWorkerHarness(t *testing.T, params core.GridParameters) *workerHarness {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	ex := mock.NewExchange()
	risk := newStubRisk()
	ticks := make(chan core.Tick, 64)

	w := NewWorker(params, ex, risk, store.NullStore{}, ticks, btcFilters(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)

	return &workerHarness{worker: w, mock: ex, risk: risk, ticks: ticks, cancel: cancel, lastTs: time.Now()}
}

// pushTick feeds a strictly advancing tick into the worker
func (h *workerHarness) pushTick(price float64) {
	h.lastTs = h.lastTs.Add(time.Second)
	h.ticks <- core.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromFloat(price), Ts: h.lastTs}
}

func (h *workerHarness) snapshot(t *testing.T) core.GridSnapshot {
	t.Helper()
	snap, err := h.worker.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func TestStartPlacesBuysBelowPrice(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))

	placed, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	// 97250 is six spacings above the floor: levels 0..5 get buy orders
	assert.Equal(t, 6, placed)
	assert.Equal(t, 6, h.mock.OpenOrderCount("BTCUSDT"))

	for _, o := range h.mock.Orders() {
		assert.Equal(t, core.SideBuy, o.Side)
		assert.True(t, o.Price.LessThan(decimal.NewFromInt(97250)))
	}

	snap := h.snapshot(t)
	assert.Equal(t, core.GridRunning, snap.Status)
	assert.Equal(t, 6, snap.PendingBuys)
	assert.Equal(t, 0, snap.PendingSells)
}

func TestStartBlockedByRiskGate(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.risk.setGate(core.GateResult{OK: false, Reason: "exposure over limit"})

	_, err := h.worker.Start(context.Background())
	require.ErrorIs(t, err, core.ErrStartBlocked)
	assert.Contains(t, err.Error(), "exposure over limit")
	assert.Equal(t, core.GridStopped, h.snapshot(t).Status)
}

func TestBuyFillPlacesMatchingSell(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	// sweep the highest buy (level 5 at ~97104.17)
	filled := h.mock.FillOrdersBelow("BTCUSDT", decimal.NewFromInt(97100))
	require.Len(t, filled, 1)

	h.pushTick(97250)
	eventually(t, func() bool { return h.snapshot(t).PendingSells == 1 }, "sell not placed")

	snap := h.snapshot(t)
	assert.Equal(t, 1, snap.TotalBuys)
	assert.Equal(t, 1, snap.FilledLevels)
	assert.Equal(t, 5, snap.PendingBuys)

	// the replacement sell sits one spacing above the filled level
	var sell core.Order
	for _, o := range h.mock.Orders() {
		if o.Side == core.SideSell && !o.State.Terminal() {
			sell = o
		}
	}
	price, _ := sell.Price.Float64()
	assert.InDelta(t, 97395.84, price, 0.05)
}

func TestSellFillRealizesProfitAndReplacesBuy(t *testing.T) {
	params := btcParams()
	params.FeeBps = decimal.NewFromInt(10) // 0.1% per leg
	h := newWorkerHarness(t, params)
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	h.mock.FillOrdersBelow("BTCUSDT", decimal.NewFromInt(97100))
	h.pushTick(97250)
	eventually(t, func() bool { return h.snapshot(t).PendingSells == 1 }, "sell not placed")

	h.mock.FillOrdersAbove("BTCUSDT", decimal.NewFromInt(97400))
	h.pushTick(97400)
	eventually(t, func() bool { return h.snapshot(t).TotalSells == 1 }, "sell fill not detected")

	snap := h.snapshot(t)
	assert.Equal(t, 0, snap.FilledLevels)
	assert.True(t, snap.RealizedPnL.IsPositive(), "pnl %s", snap.RealizedPnL)

	// profit is bounded by one spacing of notional minus fees
	levels := buildLevels(params, btcFilters())
	maxProfit := levels[5].quantity.Mul(params.Spacing())
	assert.True(t, snap.RealizedPnL.LessThan(maxProfit), "fees not deducted")

	// the freed level gets its buy back
	eventually(t, func() bool { return h.snapshot(t).PendingBuys == 6 }, "buy not re-placed")
}

func TestStopLossPausesAndStaysSticky(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	h.pushTick(94700)
	eventually(t, func() bool { return h.snapshot(t).Status == core.GridPaused }, "grid not paused")
	assert.Equal(t, 0, h.mock.OpenOrderCount("BTCUSDT"))
	assert.True(t, h.snapshot(t).StopLossTrip)

	// restart refuses until the trip is acknowledged
	_, err = h.worker.Start(context.Background())
	require.ErrorIs(t, err, core.ErrStopLossTripped)
	assert.Contains(t, err.Error(), "stop-loss tripped for BTCUSDT")

	require.NoError(t, h.worker.AckStopLoss(context.Background()))
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	h.pushTick(97250)
	eventually(t, func() bool { return !h.snapshot(t).StopLossTrip }, "ack not applied")

	_, err = h.worker.Start(context.Background())
	require.NoError(t, err)
}

func TestRebalanceRecentersOnCurrentPrice(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, h.mock.OpenOrderCount("BTCUSDT"))

	h.pushTick(96000)
	eventually(t, func() bool {
		return h.snapshot(t).CurrentPrice.Equal(decimal.NewFromInt(96000))
	}, "tick not applied")

	placed, err := h.worker.Rebalance(context.Background())
	require.NoError(t, err)

	// 96000 is 1.7 spacings above the floor: only level 0 is buy side
	assert.Equal(t, 1, placed)
	assert.Equal(t, 1, h.mock.OpenOrderCount("BTCUSDT"))
}

func TestReconcileAdoptsMatchingOrders(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))

	levels := buildLevels(btcParams(), btcFilters())

	// two survivors at level prices and one stray far off the grid
	survivor1, err := h.mock.PlaceLimit(context.Background(), core.PlaceLimitRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy,
		Price: levels[2].price, Quantity: levels[2].quantity, ClientTag: "old-1",
	})
	require.NoError(t, err)
	survivor2, err := h.mock.PlaceLimit(context.Background(), core.PlaceLimitRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy,
		Price: levels[4].price, Quantity: levels[4].quantity, ClientTag: "old-2",
	})
	require.NoError(t, err)
	stray, err := h.mock.PlaceLimit(context.Background(), core.PlaceLimitRequest{
		Symbol: "BTCUSDT", Side: core.SideBuy,
		Price: decimal.NewFromInt(90000), Quantity: decimal.NewFromFloat(0.01), ClientTag: "old-3",
	})
	require.NoError(t, err)

	placed, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	// four fresh orders fill the gaps, the survivors stay, the stray dies
	assert.Equal(t, 4, placed)
	assert.Equal(t, 6, h.mock.OpenOrderCount("BTCUSDT"))

	states := make(map[string]core.OrderState)
	for _, o := range h.mock.Orders() {
		states[o.OrderID] = o.State
	}
	assert.Equal(t, core.OrderStateNew, states[survivor1.OrderID])
	assert.Equal(t, core.OrderStateNew, states[survivor2.OrderID])
	assert.Equal(t, core.OrderStateCancelled, states[stray.OrderID])
}

func TestPauseAndResume(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.worker.Pause(context.Background()))
	assert.Equal(t, 0, h.mock.OpenOrderCount("BTCUSDT"))
	assert.Equal(t, core.GridPaused, h.snapshot(t).Status)

	placed, err := h.worker.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, placed)
	assert.Equal(t, core.GridRunning, h.snapshot(t).Status)
}

func TestStopLeavesNoOrphans(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	remaining, err := h.worker.Stop(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Equal(t, 0, h.mock.OpenOrderCount("BTCUSDT"))
	assert.Equal(t, core.GridStopped, h.snapshot(t).Status)
}

func TestForceKillLatchesWorker(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	remaining, err := h.worker.ForceKill(context.Background(), "drawdown limit")
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Equal(t, 0, h.mock.OpenOrderCount("BTCUSDT"))
	assert.Equal(t, core.GridKilled, h.snapshot(t).Status)

	_, err = h.worker.Start(context.Background())
	require.ErrorIs(t, err, core.ErrKilledByRisk)

	// clearing the latch returns the worker to STOPPED, not RUNNING
	require.NoError(t, h.worker.ResetKill(context.Background()))
	assert.Equal(t, core.GridStopped, h.snapshot(t).Status)
}

func TestKillReleasesRunningGauge(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))

	gauge := telemetry.GetGlobalMetrics().GridsRunning
	before := testutil.ToFloat64(gauge)

	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, before+1, testutil.ToFloat64(gauge))

	_, err = h.worker.ForceKill(context.Background(), "drawdown limit")
	require.NoError(t, err)
	assert.Equal(t, before, testutil.ToFloat64(gauge))
}

func TestExternallyCancelledOrderIsReplaced(t *testing.T) {
	h := newWorkerHarness(t, btcParams())
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	var victim string
	for _, o := range h.mock.Orders() {
		victim = o.OrderID
		break
	}
	require.NoError(t, h.mock.Cancel(context.Background(), "BTCUSDT", victim))
	require.Equal(t, 5, h.mock.OpenOrderCount("BTCUSDT"))

	// detection clears the slot on the first tick, replacement follows
	h.pushTick(97250)
	h.pushTick(97250)
	eventually(t, func() bool { return h.mock.OpenOrderCount("BTCUSDT") == 6 }, "order not re-placed")
}

func TestDustRemainderCountsAsFill(t *testing.T) {
	params := btcParams()
	h := newWorkerHarness(t, params)
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)

	// leave less than one lot step unfilled on the highest buy
	var target core.Order
	for _, o := range h.mock.Orders() {
		if target.OrderID == "" || o.Price.GreaterThan(target.Price) {
			target = o
		}
	}
	dust := decimal.New(5, -9) // half a lot step
	h.mock.SimulatePartialFill(target.OrderID, target.Quantity.Sub(dust))

	h.pushTick(97250)
	eventually(t, func() bool { return h.snapshot(t).FilledLevels == 1 }, "dust fill not consolidated")
	eventually(t, func() bool { return h.snapshot(t).PendingSells == 1 }, "sell not placed")
}

func TestBTCFilterSuspendsPlacements(t *testing.T) {
	params := btcParams()
	params.BTCFilterEnabled = true
	h := newWorkerHarness(t, params)
	h.mock.SetPrice("BTCUSDT", decimal.NewFromInt(97250))
	_, err := h.worker.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, h.mock.OpenOrderCount("BTCUSDT"))

	// breaker active: a fill is still detected, the replacement waits
	h.risk.setBreaker("BTCUSDT", true)
	h.mock.FillOrdersBelow("BTCUSDT", decimal.NewFromInt(97100))
	h.pushTick(97250)
	eventually(t, func() bool { return h.snapshot(t).TotalBuys == 1 }, "fill not detected")
	assert.Equal(t, 0, h.snapshot(t).PendingSells)

	// breaker clears: the held level gets its sell
	h.risk.setBreaker("BTCUSDT", false)
	h.pushTick(97250)
	eventually(t, func() bool { return h.snapshot(t).PendingSells == 1 }, "sell not placed after clear")
}
