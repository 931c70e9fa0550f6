// Package mock provides an in-memory exchange for tests and dry runs
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange implements core.IExchange in memory. Placement is idempotent
// under ClientTag, fills are driven explicitly through SimulateFill, and
// Subscribe replays a deterministic price walk so scenario tests are
// reproducible.
type Exchange struct {
	mu             sync.RWMutex
	orders         map[string]*core.Order
	clientTagMap   map[string]string
	orderIDCounter int64
	equity         decimal.Decimal
	prices         map[string]decimal.Decimal
	walkStep       map[string]int

	failMu   sync.Mutex
	failNext int
	failErr  error

	subsMu      sync.Mutex
	subscribers []func(core.Tick)
}

// NewExchange creates a mock exchange seeded with the default wallet
func NewExchange() *Exchange {
	return &Exchange{
		orders:         make(map[string]*core.Order),
		clientTagMap:   make(map[string]string),
		orderIDCounter: 1000,
		equity:         decimal.NewFromInt(34000),
		prices: map[string]decimal.Decimal{
			"BTCUSDT":  decimal.NewFromFloat(97000.0),
			"MNTUSDT":  decimal.NewFromFloat(1.08),
			"DOGEUSDT": decimal.NewFromFloat(0.137),
			"PEPEUSDT": decimal.NewFromFloat(0.0000045),
		},
		walkStep: make(map[string]int),
	}
}

// SetPrice overrides the latest price for a symbol
func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	m.prices[symbol] = price
	m.mu.Unlock()
}

// SetEquity overrides the wallet equity
func (m *Exchange) SetEquity(equity decimal.Decimal) {
	m.mu.Lock()
	m.equity = equity
	m.mu.Unlock()
}

// FailNextCalls makes the next n API calls return err
func (m *Exchange) FailNextCalls(n int, err error) {
	m.failMu.Lock()
	m.failNext = n
	m.failErr = err
	m.failMu.Unlock()
}

func (m *Exchange) consumeFailure() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	return nil
}

// PlaceLimit places a limit order. Re-submitting an existing ClientTag
// returns the original order.
func (m *Exchange) PlaceLimit(ctx context.Context, req core.PlaceLimitRequest) (core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.consumeFailure(); err != nil {
		return core.Order{}, err
	}

	if req.ClientTag != "" {
		if existingID, exists := m.clientTagMap[req.ClientTag]; exists {
			if existing, ok := m.orders[existingID]; ok {
				return *existing, nil
			}
		}
	}

	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return core.Order{}, fmt.Errorf("%w: price and quantity must be positive", apperrors.ErrInvalidOrderParameter)
	}

	m.orderIDCounter++
	id := strconv.FormatInt(m.orderIDCounter, 10)

	order := &core.Order{
		OrderID:   id,
		ClientTag: req.ClientTag,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		State:     core.OrderStateNew,
		FilledQty: decimal.Zero,
		UpdatedAt: time.Now(),
	}

	m.orders[id] = order
	if req.ClientTag != "" {
		m.clientTagMap[req.ClientTag] = id
	}

	return *order, nil
}

// Cancel cancels an open order. Cancelling an unknown order returns
// ErrOrderNotFound; callers treat that as success.
func (m *Exchange) Cancel(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.consumeFailure(); err != nil {
		return err
	}

	order, exists := m.orders[orderID]
	if !exists {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if order.State.Terminal() {
		return fmt.Errorf("%w: order %s already %s", apperrors.ErrOrderNotFound, orderID, order.State)
	}

	order.State = core.OrderStateCancelled
	order.UpdatedAt = time.Now()
	return nil
}

// OrderStatus returns the current state of an order
func (m *Exchange) OrderStatus(ctx context.Context, symbol, orderID string) (core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.consumeFailure(); err != nil {
		return core.Order{}, err
	}

	order, exists := m.orders[orderID]
	if !exists {
		return core.Order{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return *order, nil
}

// OpenOrders returns all non-terminal orders for a symbol
func (m *Exchange) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.consumeFailure(); err != nil {
		return nil, err
	}

	var open []core.Order
	for _, order := range m.orders {
		if order.Symbol == symbol && !order.State.Terminal() {
			open = append(open, *order)
		}
	}
	return open, nil
}

// WalletEquity returns the configured wallet equity
func (m *Exchange) WalletEquity(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.consumeFailure(); err != nil {
		return decimal.Zero, err
	}
	return m.equity, nil
}

// LatestPrice returns the current mock price for the symbol
func (m *Exchange) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.consumeFailure(); err != nil {
		return decimal.Zero, err
	}

	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return price, nil
}

// Subscribe streams a deterministic price walk until ctx is cancelled.
// Each step moves the price by +-0.05% in a fixed 8-step cycle.
func (m *Exchange) Subscribe(ctx context.Context, symbols []string, onTick func(core.Tick)) error {
	m.subsMu.Lock()
	m.subscribers = append(m.subscribers, onTick)
	m.subsMu.Unlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, sym := range symbols {
				onTick(m.nextWalkTick(sym))
			}
		}
	}
}

// walkPattern is the per-mille price drift applied per step
var walkPattern = []int64{5, -3, 4, -6, 2, 7, -5, -4}

func (m *Exchange) nextWalkTick(symbol string) core.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[symbol]
	if !ok {
		price = decimal.NewFromInt(100)
	}

	step := m.walkStep[symbol]
	drift := decimal.New(walkPattern[step%len(walkPattern)], -4) // per-ten-thousand
	price = price.Add(price.Mul(drift))
	m.prices[symbol] = price
	m.walkStep[symbol] = step + 1

	return core.Tick{Symbol: symbol, Price: price, Ts: time.Now()}
}

// PushTick delivers a tick to every subscriber synchronously
func (m *Exchange) PushTick(t core.Tick) {
	m.mu.Lock()
	m.prices[t.Symbol] = t.Price
	m.mu.Unlock()

	m.subsMu.Lock()
	subs := make([]func(core.Tick), len(m.subscribers))
	copy(subs, m.subscribers)
	m.subsMu.Unlock()

	for _, cb := range subs {
		cb(t)
	}
}

// SimulateFill marks an order fully filled at its limit price
func (m *Exchange) SimulateFill(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.orders[orderID]
	if !exists || order.State.Terminal() {
		return
	}
	order.State = core.OrderStateFilled
	order.FilledQty = order.Quantity
	order.AvgPrice = order.Price
	order.UpdatedAt = time.Now()
}

// SimulatePartialFill accumulates a partial execution on an order
func (m *Exchange) SimulatePartialFill(orderID string, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.orders[orderID]
	if !exists || order.State.Terminal() {
		return
	}
	order.FilledQty = order.FilledQty.Add(qty)
	order.AvgPrice = order.Price
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.FilledQty = order.Quantity
		order.State = core.OrderStateFilled
	} else {
		order.State = core.OrderStatePartial
	}
	order.UpdatedAt = time.Now()
}

// FillOrdersBelow fills every open buy order whose limit price is at or
// above the given market price, mimicking a downward sweep.
func (m *Exchange) FillOrdersBelow(symbol string, price decimal.Decimal) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filled []string
	for id, order := range m.orders {
		if order.Symbol != symbol || order.State.Terminal() {
			continue
		}
		if order.Side == core.SideBuy && order.Price.GreaterThanOrEqual(price) {
			order.State = core.OrderStateFilled
			order.FilledQty = order.Quantity
			order.AvgPrice = order.Price
			order.UpdatedAt = time.Now()
			filled = append(filled, id)
		}
	}
	return filled
}

// FillOrdersAbove fills every open sell order whose limit price is at or
// below the given market price, mimicking an upward sweep.
func (m *Exchange) FillOrdersAbove(symbol string, price decimal.Decimal) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filled []string
	for id, order := range m.orders {
		if order.Symbol != symbol || order.State.Terminal() {
			continue
		}
		if order.Side == core.SideSell && order.Price.LessThanOrEqual(price) {
			order.State = core.OrderStateFilled
			order.FilledQty = order.Quantity
			order.AvgPrice = order.Price
			order.UpdatedAt = time.Now()
			filled = append(filled, id)
		}
	}
	return filled
}

// Orders returns a copy of every order ever placed
func (m *Exchange) Orders() []core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := make([]core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, *o)
	}
	return orders
}

// OpenOrderCount returns the number of non-terminal orders for a symbol
func (m *Exchange) OpenOrderCount(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.State.Terminal() {
			n++
		}
	}
	return n
}

// Filters returns fixed rounding rules for tests
func (m *Exchange) Filters(symbol string) core.SymbolFilters {
	return core.SymbolFilters{
		TickSize: decimal.New(1, -8),
		LotStep:  decimal.New(1, -8),
	}
}
