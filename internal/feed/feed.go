// Package feed distributes exchange ticks to workers and the risk layer.
// It keeps the last observed tick per symbol and falls back to REST polling
// when the stream goes quiet.
package feed

import (
	"context"
	"sync"
	"time"

	"gridtrader/internal/core"

	"github.com/shopspring/decimal"
)

const (
	subscriberBuffer = 64
	staleAfter       = 5 * time.Second
)

// Feed fans exchange ticks out to channel subscribers and callbacks
type Feed struct {
	exchange     core.IExchange
	symbols      []string
	pollInterval time.Duration
	logger       core.ILogger

	mu        sync.RWMutex
	last      map[string]core.Tick
	channels  map[string][]chan core.Tick
	callbacks []func(core.Tick)
}

// NewFeed creates a feed for the given symbols
func NewFeed(exchange core.IExchange, symbols []string, pollInterval time.Duration, logger core.ILogger) *Feed {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Feed{
		exchange:     exchange,
		symbols:      symbols,
		pollInterval: pollInterval,
		logger:       logger.WithField("component", "feed"),
		last:         make(map[string]core.Tick),
		channels:     make(map[string][]chan core.Tick),
	}
}

// SubscribeSymbol returns a buffered channel of ticks for one symbol.
// Slow consumers lose ticks rather than blocking the feed.
func (f *Feed) SubscribeSymbol(symbol string) <-chan core.Tick {
	ch := make(chan core.Tick, subscriberBuffer)
	f.mu.Lock()
	f.channels[symbol] = append(f.channels[symbol], ch)
	f.mu.Unlock()
	return ch
}

// OnTick registers a callback invoked synchronously for every tick.
// Callbacks must be fast; the risk supervisor's ObserveTick qualifies.
func (f *Feed) OnTick(cb func(core.Tick)) {
	f.mu.Lock()
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// LastTick returns the most recent tick for a symbol
func (f *Feed) LastTick(symbol string) (core.Tick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.last[symbol]
	return t, ok
}

// LastPrice returns the most recent price for a symbol
func (f *Feed) LastPrice(symbol string) (decimal.Decimal, bool) {
	t, ok := f.LastTick(symbol)
	return t.Price, ok
}

// Snapshot returns a copy of the last tick per symbol
func (f *Feed) Snapshot() map[string]core.Tick {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]core.Tick, len(f.last))
	for k, v := range f.last {
		out[k] = v
	}
	return out
}

// Publish records and distributes one tick. Ticks that do not advance the
// symbol's timestamp are dropped.
func (f *Feed) Publish(t core.Tick) {
	f.mu.Lock()
	if prev, ok := f.last[t.Symbol]; ok && !t.Ts.After(prev.Ts) {
		f.mu.Unlock()
		return
	}
	f.last[t.Symbol] = t

	chans := f.channels[t.Symbol]
	cbs := f.callbacks
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(t)
	}
	for _, ch := range chans {
		select {
		case ch <- t:
		default:
			// subscriber is behind; it will catch up on the next tick
		}
	}
}

// Run streams ticks from the exchange until ctx ends. A poll loop backfills
// prices for symbols whose stream has gone stale.
func (f *Feed) Run(ctx context.Context) error {
	go f.pollLoop(ctx)

	for {
		err := f.exchange.Subscribe(ctx, f.symbols, f.Publish)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			f.logger.Warn("Tick stream ended, restarting", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (f *Feed) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range f.symbols {
				f.mu.RLock()
				last, ok := f.last[sym]
				f.mu.RUnlock()
				if ok && time.Since(last.Ts) < staleAfter {
					continue
				}

				price, err := f.exchange.LatestPrice(ctx, sym)
				if err != nil {
					f.logger.Debug("Price poll failed", "symbol", sym, "error", err.Error())
					continue
				}
				f.Publish(core.Tick{Symbol: sym, Price: price, Ts: time.Now()})
			}
		}
	}
}
