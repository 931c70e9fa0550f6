// Package telemetry holds the Prometheus instruments of the trading core
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names
const (
	MetricOrdersPlacedTotal = "gridtrader_orders_placed_total"
	MetricOrdersFilledTotal = "gridtrader_orders_filled_total"
	MetricPnLRealizedTotal  = "gridtrader_pnl_realized_total"
	MetricAPICallsTotal     = "gridtrader_api_calls_total"
	MetricAPIErrorsTotal    = "gridtrader_api_errors_total"
	MetricKillSwitchActive  = "gridtrader_kill_switch_active"
	MetricVolatilityBreaker = "gridtrader_volatility_breaker_active"
	MetricGridsRunning      = "gridtrader_grids_running"
	MetricWebhookAlerts     = "gridtrader_webhook_alerts_total"
	MetricTicksDropped      = "gridtrader_store_ticks_dropped_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	Registry *prometheus.Registry

	OrdersPlacedTotal  *prometheus.CounterVec
	OrdersFilledTotal  *prometheus.CounterVec
	PnLRealizedTotal   *prometheus.CounterVec
	APICallsTotal      prometheus.Counter
	APIErrorsTotal     prometheus.Counter
	KillSwitchActive   prometheus.Gauge
	VolatilityBreakers *prometheus.GaugeVec
	GridsRunning       prometheus.Gauge
	WebhookAlerts      *prometheus.CounterVec
	TicksDropped       prometheus.Counter
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder, registering all
// instruments on first use.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = newMetricsHolder()
	})
	return globalMetrics
}

func newMetricsHolder() *MetricsHolder {
	reg := prometheus.NewRegistry()
	m := &MetricsHolder{
		Registry: reg,
		OrdersPlacedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricOrdersPlacedTotal,
			Help: "Total limit orders placed",
		}, []string{"symbol", "side"}),
		OrdersFilledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricOrdersFilledTotal,
			Help: "Total limit orders detected as filled",
		}, []string{"symbol", "side"}),
		PnLRealizedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPnLRealizedTotal,
			Help: "Cumulative realized profit in quote currency",
		}, []string{"symbol"}),
		APICallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAPICallsTotal,
			Help: "Total exchange API calls attempted",
		}),
		APIErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAPIErrorsTotal,
			Help: "Total exchange API calls that failed",
		}),
		KillSwitchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricKillSwitchActive,
			Help: "Kill switch state (1=triggered, 0=normal)",
		}),
		VolatilityBreakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricVolatilityBreaker,
			Help: "Per-symbol volatility breaker state (1=active, 0=normal)",
		}, []string{"symbol"}),
		GridsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricGridsRunning,
			Help: "Number of grid workers currently in RUNNING state",
		}),
		WebhookAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricWebhookAlerts,
			Help: "Webhook alerts received by action",
		}, []string{"action", "executed"}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricTicksDropped,
			Help: "Tick rows dropped by the store writer under backpressure",
		}),
	}

	reg.MustRegister(
		m.OrdersPlacedTotal,
		m.OrdersFilledTotal,
		m.PnLRealizedTotal,
		m.APICallsTotal,
		m.APIErrorsTotal,
		m.KillSwitchActive,
		m.VolatilityBreakers,
		m.GridsRunning,
		m.WebhookAlerts,
		m.TicksDropped,
	)
	return m
}
