// Package controller multiplexes operator commands onto the per-symbol grid
// workers and couples the workers to the risk supervisor's kill latch.
package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/internal/grid"
	"gridtrader/internal/risk"
	"gridtrader/pkg/concurrency"
	"gridtrader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const commandTimeout = 45 * time.Second

// TickSource provides per-symbol tick channels and last prices
type TickSource interface {
	SubscribeSymbol(symbol string) <-chan core.Tick
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// RiskSupervisor extends the core capability with latch management and
// kill-event subscription, which only the controller consumes.
type RiskSupervisor interface {
	core.IRiskSupervisor
	ResetKill() error
	Subscribe() <-chan risk.KillEvent
}

// Controller owns the worker registry. Workers run as goroutines for the
// life of the deployment; commands block until the worker replies.
type Controller struct {
	exchange core.IExchange
	filters  core.IFilterProvider
	feed     TickSource
	risk     RiskSupervisor
	store    core.IStore
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	pool     *concurrency.WorkerPool

	mu      sync.RWMutex
	workers map[string]*grid.Worker
	cancels map[string]context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
}

// NewController wires the controller to its collaborators
func NewController(
	exchange core.IExchange,
	filters core.IFilterProvider,
	feed TickSource,
	riskSup RiskSupervisor,
	store core.IStore,
	logger core.ILogger,
) *Controller {
	return &Controller{
		exchange: exchange,
		filters:  filters,
		feed:     feed,
		risk:     riskSup,
		store:    store,
		logger:   logger.WithField("component", "controller"),
		metrics:  telemetry.GetGlobalMetrics(),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "controller-fanout",
			MaxWorkers:  8,
			MaxCapacity: 64,
			IdleTimeout: time.Minute,
		}, logger),
		workers: make(map[string]*grid.Worker),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run reacts to kill events until ctx ends, then shuts the workers down
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	events := c.risk.Subscribe()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case ev := <-events:
			c.logger.Error("Kill event received, halting all grids", "reason", ev.Reason)
			c.killWorkers(ctx, ev.Reason)
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.pool.Stop()
}

// Deploy registers a grid and starts its worker goroutine. The grid stays
// STOPPED until started; autoStart launches it immediately.
func (c *Controller) Deploy(ctx context.Context, params core.GridParameters, autoStart bool) error {
	if err := params.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.workers[params.Symbol]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: grid for %s already deployed", core.ErrInvalidParameters, params.Symbol)
	}

	parent := c.runCtx
	if parent == nil {
		parent = context.Background()
	}
	workerCtx, cancel := context.WithCancel(parent)

	w := grid.NewWorker(
		params,
		c.exchange,
		c.risk,
		c.store,
		c.feed.SubscribeSymbol(params.Symbol),
		c.filters.Filters(params.Symbol),
		c.logger,
	)
	c.workers[params.Symbol] = w
	c.cancels[params.Symbol] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := w.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			c.logger.Error("Worker exited unexpectedly", "symbol", params.Symbol, "error", err.Error())
		}
	}()

	c.store.SaveGridConfig(params)
	c.logger.Info("Grid deployed", "symbol", params.Symbol, "auto_start", autoStart)

	if autoStart {
		if _, err := c.Start(ctx, params.Symbol); err != nil {
			c.logger.Warn("Auto-start failed", "symbol", params.Symbol, "error", err.Error())
		}
	}
	return nil
}

// Undeploy stops a grid's worker and removes it from the registry
func (c *Controller) Undeploy(ctx context.Context, symbol string) error {
	w, err := c.worker(symbol)
	if err != nil {
		return err
	}
	if _, err := w.Stop(ctx); err != nil {
		c.logger.Warn("Stop during undeploy reported open orders", "symbol", symbol, "error", err.Error())
	}

	c.mu.Lock()
	if cancel, ok := c.cancels[symbol]; ok {
		cancel()
	}
	delete(c.workers, symbol)
	delete(c.cancels, symbol)
	c.mu.Unlock()

	c.logger.Info("Grid undeployed", "symbol", symbol)
	return nil
}

func (c *Controller) worker(symbol string) (*grid.Worker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSymbol, symbol)
	}
	return w, nil
}

func (c *Controller) allWorkers() []*grid.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*grid.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	return out
}

// Symbols returns the deployed symbols in stable order
func (c *Controller) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.workers))
	for sym := range c.workers {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Start launches one grid. Returns the number of orders placed.
func (c *Controller) Start(ctx context.Context, symbol string) (int, error) {
	w, err := c.worker(symbol)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return w.Start(ctx)
}

// Pause suspends one grid, cancelling its open orders
func (c *Controller) Pause(ctx context.Context, symbol string) error {
	w, err := c.worker(symbol)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return w.Pause(ctx)
}

// Resume restarts one paused grid
func (c *Controller) Resume(ctx context.Context, symbol string) (int, error) {
	w, err := c.worker(symbol)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return w.Resume(ctx)
}

// Stop halts one grid and clears its levels
func (c *Controller) Stop(ctx context.Context, symbol string) error {
	w, err := c.worker(symbol)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err = w.Stop(ctx)
	return err
}

// Rebalance re-centers one grid on the current price
func (c *Controller) Rebalance(ctx context.Context, symbol string) (int, error) {
	w, err := c.worker(symbol)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return w.Rebalance(ctx)
}

// AckStopLoss clears one grid's sticky stop-loss flag
func (c *Controller) AckStopLoss(ctx context.Context, symbol string) error {
	w, err := c.worker(symbol)
	if err != nil {
		return err
	}
	return w.AckStopLoss(ctx)
}

// CommandResult is the per-grid outcome of a fan-out command
type CommandResult struct {
	Status         string   `json:"status"`
	OrdersPlaced   int      `json:"orders_placed,omitempty"`
	OrdersLeftOpen []string `json:"orders_left_open,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// PauseAll pauses every deployed grid concurrently. Per-symbol outcomes are
// always returned; the error aggregates the failures.
func (c *Controller) PauseAll(ctx context.Context) (map[string]CommandResult, error) {
	return c.fanout(func(w *grid.Worker) CommandResult {
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		if err := w.Pause(ctx); err != nil {
			return CommandResult{Status: "error", Error: err.Error()}
		}
		return CommandResult{Status: "paused"}
	})
}

// ResumeAll resumes every deployed grid concurrently
func (c *Controller) ResumeAll(ctx context.Context) (map[string]CommandResult, error) {
	return c.fanout(func(w *grid.Worker) CommandResult {
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		placed, err := w.Resume(ctx)
		if err != nil {
			return CommandResult{Status: "error", Error: err.Error()}
		}
		return CommandResult{Status: "resumed", OrdersPlaced: placed}
	})
}

// RebalanceAll rebalances every deployed grid concurrently
func (c *Controller) RebalanceAll(ctx context.Context) (map[string]CommandResult, error) {
	return c.fanout(func(w *grid.Worker) CommandResult {
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		placed, err := w.Rebalance(ctx)
		if err != nil {
			return CommandResult{Status: "error", Error: err.Error()}
		}
		return CommandResult{Status: "rebalanced", OrdersPlaced: placed}
	})
}

// fanout runs fn against every worker on the pool, collects per-symbol
// outcomes and aggregates failures into the returned error
func (c *Controller) fanout(fn func(*grid.Worker) CommandResult) (map[string]CommandResult, error) {
	workers := c.allWorkers()
	results := make([]CommandResult, len(workers))
	var wg sync.WaitGroup

	for i, w := range workers {
		i, w := i, w
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = fn(w)
		}
		if err := c.pool.Submit(task); err != nil {
			// pool saturated; run inline rather than dropping the command
			task()
		}
	}
	wg.Wait()

	out := make(map[string]CommandResult, len(workers))
	var failed []string
	for i, res := range results {
		out[workers[i].Symbol()] = res
		if res.Error != "" {
			failed = append(failed, fmt.Sprintf("%s: %s", workers[i].Symbol(), res.Error))
		}
	}
	if len(failed) > 0 {
		return out, fmt.Errorf("%d of %d grids failed: %v", len(failed), len(workers), failed)
	}
	return out, nil
}

// Kill latches the risk kill switch and force-halts every worker, returning
// the per-symbol cancellation outcomes. Used by the manual kill endpoint;
// automatic kills arrive via Run.
func (c *Controller) Kill(ctx context.Context, reason string) map[string]CommandResult {
	c.risk.TriggerKill(reason)
	return c.killWorkers(ctx, reason)
}

func (c *Controller) killWorkers(ctx context.Context, reason string) map[string]CommandResult {
	workers := c.allWorkers()
	results := make([]CommandResult, len(workers))
	var wg sync.WaitGroup

	for i, w := range workers {
		i, w := i, w
		wg.Add(1)
		task := func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			remaining, err := w.ForceKill(ctx, reason)
			if err != nil {
				c.logger.Error("Force kill failed", "symbol", w.Symbol(), "error", err.Error())
				results[i] = CommandResult{Status: "error", Error: err.Error()}
				return
			}
			results[i] = CommandResult{Status: "killed", OrdersLeftOpen: remaining}
		}
		if err := c.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	out := make(map[string]CommandResult, len(workers))
	var leftOpen []string
	for i, res := range results {
		out[workers[i].Symbol()] = res
		leftOpen = append(leftOpen, res.OrdersLeftOpen...)
	}

	c.store.RecordKillEvent(reason, time.Now())
	if len(leftOpen) > 0 {
		c.logger.Error("Kill left orders open on the exchange", "order_ids", leftOpen)
	} else {
		c.logger.Info("All grids halted", "reason", reason)
	}
	return out
}

// ResetKill clears the kill latch if no kill condition still holds, then
// returns killed workers to STOPPED. Grids must be restarted explicitly.
func (c *Controller) ResetKill(ctx context.Context) error {
	if err := c.risk.ResetKill(); err != nil {
		return err
	}
	for _, w := range c.allWorkers() {
		if err := w.ResetKill(ctx); err != nil {
			c.logger.Warn("Worker kill reset failed", "symbol", w.Symbol(), "error", err.Error())
		}
	}
	return nil
}

// Snapshot returns one grid's state
func (c *Controller) Snapshot(ctx context.Context, symbol string) (core.GridSnapshot, error) {
	w, err := c.worker(symbol)
	if err != nil {
		return core.GridSnapshot{}, err
	}
	return w.Snapshot(ctx)
}

// Snapshots returns the state of every deployed grid keyed by symbol
func (c *Controller) Snapshots(ctx context.Context) map[string]core.GridSnapshot {
	out := make(map[string]core.GridSnapshot)
	for _, w := range c.allWorkers() {
		snap, err := w.Snapshot(ctx)
		if err != nil {
			c.logger.Warn("Snapshot failed", "symbol", w.Symbol(), "error", err.Error())
			continue
		}
		out[snap.Symbol] = snap
	}
	return out
}
