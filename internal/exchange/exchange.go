// Package exchange wraps a raw exchange client with rate limiting, retries,
// deadlines and risk counter reporting. Every outbound API attempt passes
// through here so the risk supervisor sees a complete call history.
package exchange

import (
	"context"
	"errors"
	"time"

	"gridtrader/internal/core"
	apperrors "gridtrader/pkg/errors"
	"gridtrader/pkg/retry"
	"gridtrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// APICallReporter receives the outcome of every API attempt
type APICallReporter interface {
	ReportAPICall(success bool)
}

// Options configures the resilient wrapper
type Options struct {
	RateLimitPerSecond int
	OrderTimeout       time.Duration
	RetryPolicy        retry.RetryPolicy
}

// DefaultOptions match the production trading settings
func DefaultOptions() Options {
	return Options{
		RateLimitPerSecond: 10,
		OrderTimeout:       30 * time.Second,
		RetryPolicy:        retry.DefaultPolicy,
	}
}

// Resilient implements core.IExchange on top of an inner client
type Resilient struct {
	inner    core.IExchange
	limiter  *rate.Limiter
	reporter APICallReporter
	opts     Options
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// NewResilient creates the wrapper. reporter may be nil until the risk
// supervisor is attached.
func NewResilient(inner core.IExchange, opts Options, logger core.ILogger) *Resilient {
	if opts.RateLimitPerSecond <= 0 {
		opts.RateLimitPerSecond = 10
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 30 * time.Second
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = retry.DefaultPolicy
	}
	return &Resilient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitPerSecond), opts.RateLimitPerSecond),
		opts:    opts,
		logger:  logger.WithField("component", "exchange"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// SetReporter attaches the risk supervisor's call counter
func (r *Resilient) SetReporter(reporter APICallReporter) {
	r.reporter = reporter
}

// call runs one operation through the limiter, deadline and retry policy.
// Each attempt is reported individually so the error rate reflects real
// API traffic, not logical operations.
func (r *Resilient) call(ctx context.Context, op func(context.Context) error) error {
	return retry.Do(ctx, r.opts.RetryPolicy, apperrors.IsTransient, func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.OrderTimeout)
		err := op(attemptCtx)
		cancel()

		r.metrics.APICallsTotal.Inc()
		success := err == nil
		if !success {
			r.metrics.APIErrorsTotal.Inc()
		}
		if r.reporter != nil {
			r.reporter.ReportAPICall(success)
		}
		return err
	})
}

func (r *Resilient) PlaceLimit(ctx context.Context, req core.PlaceLimitRequest) (core.Order, error) {
	var order core.Order
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		order, err = r.inner.PlaceLimit(ctx, req)
		return err
	})
	if err != nil {
		r.logger.Warn("Order placement failed",
			"symbol", req.Symbol, "side", req.Side, "price", req.Price.String(),
			"kind", apperrors.Classify(err).String(), "error", err.Error())
		return core.Order{}, err
	}
	r.metrics.OrdersPlacedTotal.WithLabelValues(req.Symbol, string(req.Side)).Inc()
	return order, nil
}

// Cancel cancels an order. An order the exchange no longer knows is
// already gone, so ErrOrderNotFound counts as success.
func (r *Resilient) Cancel(ctx context.Context, symbol, orderID string) error {
	err := r.call(ctx, func(ctx context.Context) error {
		return r.inner.Cancel(ctx, symbol, orderID)
	})
	if err != nil && errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil
	}
	return err
}

func (r *Resilient) OrderStatus(ctx context.Context, symbol, orderID string) (core.Order, error) {
	var order core.Order
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		order, err = r.inner.OrderStatus(ctx, symbol, orderID)
		return err
	})
	return order, err
}

func (r *Resilient) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	var orders []core.Order
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		orders, err = r.inner.OpenOrders(ctx, symbol)
		return err
	})
	return orders, err
}

func (r *Resilient) WalletEquity(ctx context.Context) (decimal.Decimal, error) {
	var equity decimal.Decimal
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		equity, err = r.inner.WalletEquity(ctx)
		return err
	})
	return equity, err
}

func (r *Resilient) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		price, err = r.inner.LatestPrice(ctx, symbol)
		return err
	})
	return price, err
}

// Subscribe passes through to the inner stream; reconnect policy lives in
// the adapter, not here.
func (r *Resilient) Subscribe(ctx context.Context, symbols []string, onTick func(core.Tick)) error {
	return r.inner.Subscribe(ctx, symbols, onTick)
}
