package grid

import (
	"context"
	"fmt"
	"time"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"
	"gridtrader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	mailboxSize      = 16
	cancelRetryLimit = 3
	btcSymbol        = "BTCUSDT"
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdRebalance
	cmdSnapshot
	cmdAckStopLoss
	cmdResetKill
)

// command is one mailbox message; every command carries a reply channel
type command struct {
	kind  cmdKind
	reply chan cmdResult
}

// cmdResult is the uniform reply shape
type cmdResult struct {
	ordersPlaced int
	remaining    []string
	snapshot     core.GridSnapshot
	err          error
}

// killRequest preempts the ordinary mailbox
type killRequest struct {
	reason string
	reply  chan cmdResult
}

// Worker owns one symbol's grid. All state mutation happens on the Run
// goroutine; external callers talk to it through the mailbox.
type Worker struct {
	params   core.GridParameters
	exchange core.IExchange
	risk     core.IRiskSupervisor
	store    core.IStore
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	filters  core.SymbolFilters

	cmdCh  chan command
	killCh chan killRequest
	tickCh <-chan core.Tick

	// state below is touched only by the Run goroutine
	levels          []*level
	status          core.GridStatus
	currentPrice    decimal.Decimal
	lastTickTs      time.Time
	epoch           int64
	totalBuys       int
	totalSells      int
	realizedPnL     decimal.Decimal
	stopLossTripped bool
	lastUpdate      time.Time
}

// NewWorker creates a worker for the given parameters. ticks is the
// symbol's feed channel; filters come from the exchange adapter.
func NewWorker(
	params core.GridParameters,
	exchange core.IExchange,
	risk core.IRiskSupervisor,
	store core.IStore,
	ticks <-chan core.Tick,
	filters core.SymbolFilters,
	logger core.ILogger,
) *Worker {
	return &Worker{
		params:      params,
		exchange:    exchange,
		risk:        risk,
		store:       store,
		logger:      logger.WithField("component", "grid_worker").WithField("symbol", params.Symbol),
		metrics:     telemetry.GetGlobalMetrics(),
		filters:     filters,
		cmdCh:       make(chan command, mailboxSize),
		killCh:      make(chan killRequest, 1),
		tickCh:      ticks,
		status:      core.GridStopped,
		realizedPnL: decimal.Zero,
	}
}

// Symbol returns the worker's symbol
func (w *Worker) Symbol() string { return w.params.Symbol }

// Params returns the immutable grid parameters
func (w *Worker) Params() core.GridParameters { return w.params }

// Run processes ticks, commands and kill requests until ctx ends.
// Kill requests preempt queued commands.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Grid worker started",
		"lower", w.params.LowerPrice.String(),
		"upper", w.params.UpperPrice.String(),
		"grids", w.params.GridCount)

	for {
		// drain a pending kill before ordinary work
		select {
		case kr := <-w.killCh:
			w.handleKill(ctx, kr)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case kr := <-w.killCh:
			w.handleKill(ctx, kr)
		case cmd := <-w.cmdCh:
			w.handleCommand(ctx, cmd)
		case t, ok := <-w.tickCh:
			if !ok {
				w.shutdown()
				return nil
			}
			w.handleTick(ctx, t)
		}
	}
}

// shutdown runs best-effort cancellation on process exit
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.cancelAllOrders(ctx)
	w.logger.Info("Grid worker stopped")
}

// ----- external command API (blocking, mailbox-backed) -----

func (w *Worker) send(ctx context.Context, kind cmdKind) (cmdResult, error) {
	cmd := command{kind: kind, reply: make(chan cmdResult, 1)}
	select {
	case w.cmdCh <- cmd:
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
}

// Start places the initial grid. Returns the number of orders placed.
func (w *Worker) Start(ctx context.Context) (int, error) {
	res, err := w.send(ctx, cmdStart)
	return res.ordersPlaced, err
}

// Pause cancels all open orders and suspends trading
func (w *Worker) Pause(ctx context.Context) error {
	_, err := w.send(ctx, cmdPause)
	return err
}

// Resume re-places orders from the current price
func (w *Worker) Resume(ctx context.Context) (int, error) {
	res, err := w.send(ctx, cmdResume)
	return res.ordersPlaced, err
}

// Stop cancels everything and clears the grid. Returns order ids that
// survived best-effort cancellation.
func (w *Worker) Stop(ctx context.Context) ([]string, error) {
	res, err := w.send(ctx, cmdStop)
	return res.remaining, err
}

// Rebalance runs stop+start atomically under the same parameters
func (w *Worker) Rebalance(ctx context.Context) (int, error) {
	res, err := w.send(ctx, cmdRebalance)
	return res.ordersPlaced, err
}

// Snapshot returns a deep-copied read-only view
func (w *Worker) Snapshot(ctx context.Context) (core.GridSnapshot, error) {
	res, err := w.send(ctx, cmdSnapshot)
	return res.snapshot, err
}

// AckStopLoss clears the sticky stop-loss flag
func (w *Worker) AckStopLoss(ctx context.Context) error {
	_, err := w.send(ctx, cmdAckStopLoss)
	return err
}

// ResetKill returns a killed worker to STOPPED. Called after the global
// kill latch has been cleared; the grid must be started again explicitly.
func (w *Worker) ResetKill(ctx context.Context) error {
	_, err := w.send(ctx, cmdResetKill)
	return err
}

// ForceKill preempts queued commands, cancels all orders and latches the
// worker in KILLED. Returns order ids left open after best effort.
func (w *Worker) ForceKill(ctx context.Context, reason string) ([]string, error) {
	kr := killRequest{reason: reason, reply: make(chan cmdResult, 1)}
	select {
	case w.killCh <- kr:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-kr.reply:
		return res.remaining, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ----- command handling (Run goroutine only) -----

func (w *Worker) handleCommand(ctx context.Context, cmd command) {
	var res cmdResult
	switch cmd.kind {
	case cmdStart, cmdResume:
		res.ordersPlaced, res.err = w.doStart(ctx)
	case cmdPause:
		res.err = w.doPause(ctx)
	case cmdStop:
		res.remaining = w.doStop(ctx)
	case cmdRebalance:
		w.doStop(ctx)
		res.ordersPlaced, res.err = w.doStart(ctx)
	case cmdSnapshot:
		res.snapshot = w.buildSnapshot()
	case cmdAckStopLoss:
		w.stopLossTripped = false
		w.logger.Info("Stop-loss acknowledged by operator")
	case cmdResetKill:
		if w.status == core.GridKilled {
			w.status = core.GridStopped
			w.levels = nil
			w.lastUpdate = time.Now()
			w.logger.Info("Kill latch cleared, worker back to STOPPED")
		}
	}
	cmd.reply <- res
}

func (w *Worker) handleKill(ctx context.Context, kr killRequest) {
	w.epoch++
	remaining := w.cancelAllOrders(ctx)
	if w.status == core.GridRunning {
		w.metrics.GridsRunning.Dec()
	}
	w.status = core.GridKilled
	w.lastUpdate = time.Now()
	w.logger.Error("Worker killed", "reason", kr.reason, "orders_remaining", len(remaining))
	kr.reply <- cmdResult{remaining: remaining}
}

func (w *Worker) doStart(ctx context.Context) (int, error) {
	switch w.status {
	case core.GridRunning:
		return 0, nil
	case core.GridKilled:
		return 0, fmt.Errorf("%w: worker is killed", core.ErrKilledByRisk)
	}

	if w.stopLossTripped {
		return 0, fmt.Errorf("%w for %s", core.ErrStopLossTripped, w.params.Symbol)
	}

	price := w.currentPrice
	if !price.IsPositive() {
		p, err := w.exchange.LatestPrice(ctx, w.params.Symbol)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", core.ErrExchangeUnavailable, err)
		}
		price = p
		w.currentPrice = p
	}

	gate := w.risk.AllowStart(core.GateRequest{
		Symbol:    w.params.Symbol,
		Price:     price,
		StopLoss:  w.params.StopLoss,
		Exposure:  w.params.TotalInvestment,
		BTCFilter: w.params.BTCFilterEnabled,
	})
	if !gate.OK {
		if gate.Killed {
			return 0, fmt.Errorf("%w: %s", core.ErrKilledByRisk, gate.Reason)
		}
		return 0, fmt.Errorf("%w: %s", core.ErrStartBlocked, gate.Reason)
	}

	// a fresh start regenerates levels; resume from PAUSED keeps holdings
	if len(w.levels) == 0 {
		w.levels = buildLevels(w.params, w.filters)
		w.epoch++
	}

	if err := w.reconcile(ctx); err != nil {
		return 0, fmt.Errorf("%w: reconciliation failed: %v", core.ErrExchangeUnavailable, err)
	}

	placed := w.ensureOrders(ctx)
	w.status = core.GridRunning
	w.lastUpdate = time.Now()
	w.metrics.GridsRunning.Inc()
	w.store.SaveGridConfig(w.params)
	w.logger.Info("Grid started", "price", price.String(), "orders_placed", placed)
	return placed, nil
}

func (w *Worker) doPause(ctx context.Context) error {
	if w.status == core.GridKilled {
		return fmt.Errorf("%w: worker is killed", core.ErrKilledByRisk)
	}
	if w.status == core.GridPaused || w.status == core.GridStopped {
		return nil
	}

	var remaining []string
	for attempt := 0; attempt < cancelRetryLimit; attempt++ {
		remaining = w.cancelAllOrders(ctx)
		if len(remaining) == 0 {
			break
		}
	}

	w.status = core.GridPaused
	w.metrics.GridsRunning.Dec()
	w.lastUpdate = time.Now()

	if len(remaining) > 0 {
		w.logger.Error("Pause left orders open after retries", "orders", remaining)
		return fmt.Errorf("%w: %d orders still open", core.ErrExchangeUnavailable, len(remaining))
	}
	w.logger.Info("Grid paused")
	return nil
}

func (w *Worker) doStop(ctx context.Context) []string {
	wasRunning := w.status == core.GridRunning
	w.epoch++
	remaining := w.cancelAllOrders(ctx)
	w.levels = nil
	if w.status != core.GridKilled {
		w.status = core.GridStopped
	}
	if wasRunning {
		w.metrics.GridsRunning.Dec()
	}
	w.lastUpdate = time.Now()
	w.logger.Info("Grid stopped", "orders_remaining", len(remaining))
	return remaining
}

// cancelAllOrders issues a cancel for every recorded order id and clears
// the slots of those that succeeded. Returns ids still open.
func (w *Worker) cancelAllOrders(ctx context.Context) []string {
	var remaining []string
	for _, lv := range w.levels {
		if lv.buyOrderID != "" {
			if err := w.exchange.Cancel(ctx, w.params.Symbol, lv.buyOrderID); err != nil {
				remaining = append(remaining, lv.buyOrderID)
			} else {
				lv.buyOrderID = ""
			}
		}
		if lv.sellOrderID != "" {
			if err := w.exchange.Cancel(ctx, w.params.Symbol, lv.sellOrderID); err != nil {
				remaining = append(remaining, lv.sellOrderID)
			} else {
				lv.sellOrderID = ""
			}
		}
	}
	return remaining
}

// reconcile adopts open orders that sit within half a spacing of a level
// and cancels everything else. Defends against crash-restart orphans.
func (w *Worker) reconcile(ctx context.Context) error {
	open, err := w.exchange.OpenOrders(ctx, w.params.Symbol)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	halfSpacing := w.params.Spacing().Div(decimal.NewFromInt(2))
	adopted, cancelled := 0, 0

	for _, order := range open {
		lv := w.matchLevel(order, halfSpacing)
		if lv == nil {
			if err := w.exchange.Cancel(ctx, w.params.Symbol, order.OrderID); err != nil {
				w.logger.Warn("Failed to cancel stray order", "order_id", order.OrderID, "error", err.Error())
			}
			cancelled++
			continue
		}
		if order.Side == core.SideBuy {
			lv.buyOrderID = order.OrderID
		} else {
			lv.sellOrderID = order.OrderID
			lv.holding = true
		}
		lv.lastChange = time.Now()
		adopted++
	}

	if adopted > 0 || cancelled > 0 {
		w.logger.Info("Reconciled open orders", "adopted", adopted, "cancelled", cancelled)
	}
	return nil
}

// matchLevel finds a level within tolerance that has a free slot for the
// order's side. Buy orders match the level price; sell orders match the
// level's matched sell price.
func (w *Worker) matchLevel(order core.Order, tolerance decimal.Decimal) *level {
	for _, lv := range w.levels {
		ref := lv.price
		if order.Side == core.SideSell {
			ref = sellPriceFor(w.params, lv, w.filters)
		}
		if order.Price.Sub(ref).Abs().GreaterThan(tolerance) {
			continue
		}
		if order.Side == core.SideBuy && lv.buyOrderID == "" && !lv.holding {
			return lv
		}
		if order.Side == core.SideSell && lv.sellOrderID == "" {
			return lv
		}
	}
	return nil
}

// placementsSuspended reports whether the BTC filter blocks new orders
func (w *Worker) placementsSuspended() bool {
	return w.params.BTCFilterEnabled && w.risk.BreakerActive(btcSymbol)
}

// ensureOrders places any missing orders: buys on empty levels below the
// current price, sells on holding levels. Failed placements stay empty and
// retry on the next tick.
func (w *Worker) ensureOrders(ctx context.Context) int {
	if w.placementsSuspended() {
		return 0
	}

	k := levelIndexForPrice(w.params, w.currentPrice)
	placed := 0
	for _, lv := range w.levels {
		if lv.faulted {
			continue
		}
		if lv.holding && lv.sellOrderID == "" {
			if w.placeSell(ctx, lv) {
				placed++
			}
			continue
		}
		if !lv.holding && lv.index < k && lv.buyOrderID == "" && lv.sellOrderID == "" {
			if w.placeBuy(ctx, lv) {
				placed++
			}
		}
	}
	return placed
}

func (w *Worker) placeBuy(ctx context.Context, lv *level) bool {
	if !lv.quantity.IsPositive() {
		return false
	}
	epoch := w.epoch
	order, err := w.exchange.PlaceLimit(ctx, core.PlaceLimitRequest{
		Symbol:    w.params.Symbol,
		Side:      core.SideBuy,
		Price:     lv.price,
		Quantity:  lv.quantity,
		ClientTag: newClientTag(),
	})
	if err != nil {
		w.handlePlacementError(lv, err)
		return false
	}
	if epoch != w.epoch {
		// the grid was reset while this call was in flight
		w.discardOrder(order.OrderID)
		return false
	}
	lv.buyOrderID = order.OrderID
	lv.lastChange = time.Now()
	return true
}

func (w *Worker) placeSell(ctx context.Context, lv *level) bool {
	qty := lv.quantity
	if lv.filledQty.IsPositive() && lv.filledQty.LessThan(qty) {
		qty = roundDownToStep(lv.filledQty, w.filters.LotStep)
	}
	if !qty.IsPositive() {
		return false
	}
	epoch := w.epoch
	order, err := w.exchange.PlaceLimit(ctx, core.PlaceLimitRequest{
		Symbol:    w.params.Symbol,
		Side:      core.SideSell,
		Price:     sellPriceFor(w.params, lv, w.filters),
		Quantity:  qty,
		ClientTag: newClientTag(),
	})
	if err != nil {
		w.handlePlacementError(lv, err)
		return false
	}
	if epoch != w.epoch {
		w.discardOrder(order.OrderID)
		return false
	}
	lv.sellOrderID = order.OrderID
	lv.lastChange = time.Now()
	return true
}

// discardOrder cancels an order that landed after an epoch change
func (w *Worker) discardOrder(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.exchange.Cancel(ctx, w.params.Symbol, orderID); err != nil {
		w.logger.Warn("Failed to cancel stale-epoch order", "order_id", orderID, "error", err.Error())
	}
}

func (w *Worker) handlePlacementError(lv *level, err error) {
	if isTerminalPlacement(err) {
		lv.faulted = true
		w.logger.Error("Level faulted on terminal placement error",
			"level", lv.index, "price", lv.price.String(), "error", err.Error())
		return
	}
	w.logger.Warn("Placement failed, will retry on next tick",
		"level", lv.index, "price", lv.price.String(), "error", err.Error())
}

// ----- tick handling -----

func (w *Worker) handleTick(ctx context.Context, t core.Tick) {
	// out-of-order ticks are dropped
	if !w.lastTickTs.IsZero() && !t.Ts.After(w.lastTickTs) {
		return
	}
	w.lastTickTs = t.Ts
	w.currentPrice = t.Price
	w.lastUpdate = time.Now()
	w.store.RecordTick(t)

	if w.status != core.GridRunning {
		return
	}

	if w.checkStopLoss(ctx) {
		return
	}

	w.checkFills(ctx)
	w.ensureOrders(ctx)
}

// checkStopLoss auto-pauses when the price crosses the stop. The trip flag
// is sticky until the operator acknowledges it.
func (w *Worker) checkStopLoss(ctx context.Context) bool {
	if w.params.StopLoss.IsZero() || w.currentPrice.GreaterThan(w.params.StopLoss) {
		return false
	}

	w.logger.Error("Stop-loss tripped, pausing grid",
		"price", w.currentPrice.String(), "stop_loss", w.params.StopLoss.String())
	w.stopLossTripped = true

	for attempt := 0; attempt < cancelRetryLimit; attempt++ {
		if len(w.cancelAllOrders(ctx)) == 0 {
			break
		}
	}
	w.status = core.GridPaused
	w.metrics.GridsRunning.Dec()
	w.store.RecordKillEvent(fmt.Sprintf("stop-loss tripped for %s", w.params.Symbol), time.Now())
	return true
}

// checkFills polls the status of every recorded order and applies the
// replacement protocol.
func (w *Worker) checkFills(ctx context.Context) {
	for _, lv := range w.levels {
		if lv.buyOrderID != "" {
			w.checkBuyOrder(ctx, lv)
		}
		if lv.sellOrderID != "" {
			w.checkSellOrder(ctx, lv)
		}
	}
}

func (w *Worker) checkBuyOrder(ctx context.Context, lv *level) {
	epoch := w.epoch
	order, err := w.exchange.OrderStatus(ctx, w.params.Symbol, lv.buyOrderID)
	if err != nil {
		w.logger.Debug("Order status check failed", "order_id", lv.buyOrderID, "error", err.Error())
		return
	}
	if epoch != w.epoch {
		return
	}

	switch order.State {
	case core.OrderStatePartial:
		lv.filledQty = order.FilledQty
		remaining := order.Quantity.Sub(order.FilledQty)
		if remaining.GreaterThan(w.filters.LotStep) {
			return
		}
		// the dust remainder will never fill; consolidate as a full fill
		w.discardOrder(lv.buyOrderID)
		fallthrough
	case core.OrderStateFilled:
		w.onBuyFilled(ctx, lv, order)
	case core.OrderStateCancelled:
		// externally dropped; clear the slot and re-place next tick
		lv.buyOrderID = ""
		lv.lastChange = time.Now()
		w.logger.Warn("Buy order cancelled externally", "level", lv.index)
	case core.OrderStateRejected:
		lv.buyOrderID = ""
		lv.faulted = true
		w.logger.Error("Buy order rejected", "level", lv.index)
	}
}

func (w *Worker) onBuyFilled(ctx context.Context, lv *level, order core.Order) {
	if order.FilledQty.IsPositive() {
		lv.filledQty = order.FilledQty
	} else {
		lv.filledQty = lv.quantity
	}
	lv.buyOrderID = ""
	lv.holding = true
	lv.lastChange = time.Now()
	w.totalBuys++
	w.metrics.OrdersFilledTotal.WithLabelValues(w.params.Symbol, string(core.SideBuy)).Inc()

	fee := w.feeFor(lv.price, lv.filledQty)
	w.store.RecordTrade(core.Trade{
		Symbol:     w.params.Symbol,
		Side:       core.SideBuy,
		Price:      lv.price,
		Quantity:   lv.filledQty,
		Fee:        fee,
		PnL:        decimal.Zero,
		OrderID:    order.OrderID,
		ExecutedAt: time.Now(),
	})
	w.logger.Info("Buy filled", "level", lv.index, "price", lv.price.String(), "qty", lv.filledQty.String())

	if !w.placementsSuspended() {
		w.placeSell(ctx, lv)
	}
}

func (w *Worker) checkSellOrder(ctx context.Context, lv *level) {
	epoch := w.epoch
	order, err := w.exchange.OrderStatus(ctx, w.params.Symbol, lv.sellOrderID)
	if err != nil {
		w.logger.Debug("Order status check failed", "order_id", lv.sellOrderID, "error", err.Error())
		return
	}
	if epoch != w.epoch {
		return
	}

	switch order.State {
	case core.OrderStatePartial:
		remaining := order.Quantity.Sub(order.FilledQty)
		if remaining.GreaterThan(w.filters.LotStep) {
			return
		}
		w.discardOrder(lv.sellOrderID)
		fallthrough
	case core.OrderStateFilled:
		w.onSellFilled(ctx, lv, order)
	case core.OrderStateCancelled:
		lv.sellOrderID = ""
		lv.lastChange = time.Now()
		w.logger.Warn("Sell order cancelled externally", "level", lv.index)
	case core.OrderStateRejected:
		lv.sellOrderID = ""
		lv.faulted = true
		w.logger.Error("Sell order rejected", "level", lv.index)
	}
}

func (w *Worker) onSellFilled(ctx context.Context, lv *level, order core.Order) {
	qty := order.Quantity
	sellPrice := order.Price
	lv.sellOrderID = ""
	lv.holding = false
	lv.filledQty = decimal.Zero
	lv.lastChange = time.Now()
	w.totalSells++
	w.metrics.OrdersFilledTotal.WithLabelValues(w.params.Symbol, string(core.SideSell)).Inc()

	// profit of one matched cycle: qty * spacing minus both legs' fees
	gross := qty.Mul(sellPrice.Sub(lv.price))
	fees := w.feeFor(lv.price, qty).Add(w.feeFor(sellPrice, qty))
	profit := gross.Sub(fees)
	w.realizedPnL = w.realizedPnL.Add(profit)

	pf, _ := profit.Float64()
	if pf > 0 {
		w.metrics.PnLRealizedTotal.WithLabelValues(w.params.Symbol).Add(pf)
	}

	w.store.RecordTrade(core.Trade{
		Symbol:     w.params.Symbol,
		Side:       core.SideSell,
		Price:      sellPrice,
		Quantity:   qty,
		Fee:        fees,
		PnL:        profit,
		OrderID:    order.OrderID,
		ExecutedAt: time.Now(),
	})
	w.logger.Info("Sell filled, cycle complete",
		"level", lv.index, "sell_price", sellPrice.String(),
		"profit", profit.String(), "realized_pnl", w.realizedPnL.String())

	if !w.placementsSuspended() {
		w.placeBuy(ctx, lv)
	}
}

// feeFor computes the fee of one leg from the configured bps
func (w *Worker) feeFor(price, qty decimal.Decimal) decimal.Decimal {
	if !w.params.FeeBps.IsPositive() {
		return decimal.Zero
	}
	return price.Mul(qty).Mul(w.params.FeeBps).Div(decimal.NewFromInt(10000))
}

// ----- snapshot -----

func (w *Worker) buildSnapshot() core.GridSnapshot {
	filled, pendingBuys, pendingSells := 0, 0, 0
	for _, lv := range w.levels {
		if lv.holding {
			filled++
		}
		if lv.buyOrderID != "" {
			pendingBuys++
		}
		if lv.sellOrderID != "" {
			pendingSells++
		}
	}
	return core.GridSnapshot{
		Symbol:       w.params.Symbol,
		Status:       w.status,
		CurrentPrice: w.currentPrice,
		LowerPrice:   w.params.LowerPrice,
		UpperPrice:   w.params.UpperPrice,
		GridCount:    w.params.GridCount,
		FilledLevels: filled,
		PendingBuys:  pendingBuys,
		PendingSells: pendingSells,
		TotalBuys:    w.totalBuys,
		TotalSells:   w.totalSells,
		RealizedPnL:  w.realizedPnL,
		Epoch:        w.epoch,
		StopLossTrip: w.stopLossTripped,
		LastUpdate:   w.lastUpdate,
	}
}

func newClientTag() string {
	return "grid-" + uuid.NewString()
}

// isTerminalPlacement reports whether a placement error means the level's
// order can never succeed as specified.
func isTerminalPlacement(err error) bool {
	switch apperrors.Classify(err) {
	case apperrors.KindInvalid, apperrors.KindAuth:
		return true
	}
	return false
}
