// Package risk provides portfolio-level supervision: volatility breakers,
// API error rate tracking, equity drawdown and the kill switch.
package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	errorWindowCap  = 1000
	errorRateWindow = 5 * time.Minute
	volSampleTail   = 10
	killEventBuffer = 8

	btcSymbol = "BTCUSDT"
)

// Thresholds configures the kill conditions
type Thresholds struct {
	MaxDrawdownPercent     float64
	MaxAPIErrorRatePercent float64
	MinAPICallsForRate     int
	VolatilityWindow       int
	VolatilityThreshold    float64
	BreakersToKill         int
	EquityPollInterval     time.Duration
	CheckInterval          time.Duration
	MaxExposurePercent     float64
}

// DefaultThresholds match the production risk settings
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxDrawdownPercent:     30.0,
		MaxAPIErrorRatePercent: 2.0,
		MinAPICallsForRate:     50,
		VolatilityWindow:       100,
		VolatilityThreshold:    5.0,
		BreakersToKill:         2,
		EquityPollInterval:     60 * time.Second,
		CheckInterval:          5 * time.Second,
		MaxExposurePercent:     50.0,
	}
}

// KillEvent is published to subscribers when the kill switch latches
type KillEvent struct {
	Reason string
	At     time.Time
}

// apiCall is one entry in the error-rate ring buffer
type apiCall struct {
	ts      time.Time
	success bool
}

// symbolWindow tracks recent prices and the breaker flag for one symbol
type symbolWindow struct {
	prices  []float64
	breaker bool
}

// Supervisor implements core.IRiskSupervisor
type Supervisor struct {
	exchange  core.IExchange
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	threshold Thresholds

	killed int32 // atomic fast path for KillActive

	mu            sync.RWMutex
	killReason    string
	potential     string
	windows       map[string]*symbolWindow
	calls         []apiCall
	callHead      int
	callCount     int
	initialEquity decimal.Decimal
	currentEquity decimal.Decimal
	lastCheck     time.Time

	subMu       sync.Mutex
	subscribers []chan KillEvent
}

// NewSupervisor creates a risk supervisor. The exchange is used for equity
// polling only; tick flow arrives through ObserveTick.
func NewSupervisor(exchange core.IExchange, threshold Thresholds, logger core.ILogger) *Supervisor {
	if threshold.VolatilityWindow <= 0 {
		threshold = DefaultThresholds()
	}
	return &Supervisor{
		exchange:  exchange,
		logger:    logger.WithField("component", "risk_supervisor"),
		metrics:   telemetry.GetGlobalMetrics(),
		threshold: threshold,
		windows:   make(map[string]*symbolWindow),
		calls:     make([]apiCall, errorWindowCap),
	}
}

// Subscribe returns a channel that receives at most one kill event
func (s *Supervisor) Subscribe() <-chan KillEvent {
	ch := make(chan KillEvent, killEventBuffer)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

// ObserveTick appends a price sample and re-evaluates the symbol's breaker
func (s *Supervisor) ObserveTick(symbol string, price decimal.Decimal, ts time.Time) {
	p, _ := price.Float64()
	if p <= 0 {
		return
	}

	s.mu.Lock()
	w, ok := s.windows[symbol]
	if !ok {
		w = &symbolWindow{prices: make([]float64, 0, s.threshold.VolatilityWindow)}
		s.windows[symbol] = w
	}
	w.prices = append(w.prices, p)
	if len(w.prices) > s.threshold.VolatilityWindow {
		w.prices = w.prices[1:]
	}

	wasActive := w.breaker
	w.breaker = s.volatility(w.prices) > s.threshold.VolatilityThreshold
	changed := w.breaker != wasActive
	active := w.breaker

	var breakers int
	for _, win := range s.windows {
		if win.breaker {
			breakers++
		}
	}
	tripKill := breakers >= s.threshold.BreakersToKill
	s.mu.Unlock()

	if changed {
		val := 0.0
		if active {
			val = 1.0
		}
		s.metrics.VolatilityBreakers.WithLabelValues(symbol).Set(val)
		if active {
			s.logger.Warn("Volatility breaker tripped", "symbol", symbol)
		} else {
			s.logger.Info("Volatility breaker cleared", "symbol", symbol)
		}
	}

	if tripKill {
		s.TriggerKill(fmt.Sprintf("volatility breakers active on %d symbols", breakers))
	}
}

// volatility returns the max percent deviation of the most recent samples
// from the window mean. Short windows report zero.
func (s *Supervisor) volatility(prices []float64) float64 {
	if len(prices) < volSampleTail {
		return 0
	}

	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(len(prices))
	if mean == 0 {
		return 0
	}

	maxDev := 0.0
	for _, p := range prices[len(prices)-volSampleTail:] {
		dev := p - mean
		if dev < 0 {
			dev = -dev
		}
		pct := dev / mean * 100
		if pct > maxDev {
			maxDev = pct
		}
	}
	return maxDev
}

// ReportAPICall records one API attempt in the ring buffer
func (s *Supervisor) ReportAPICall(success bool) {
	s.mu.Lock()
	idx := (s.callHead + s.callCount) % errorWindowCap
	if s.callCount == errorWindowCap {
		s.callHead = (s.callHead + 1) % errorWindowCap
		idx = (s.callHead + s.callCount - 1) % errorWindowCap
	} else {
		s.callCount++
	}
	s.calls[idx] = apiCall{ts: time.Now(), success: success}
	s.mu.Unlock()
}

// errorRate returns (ratePercent, total) over the rolling window.
// Caller must hold at least a read lock.
func (s *Supervisor) errorRate(now time.Time) (float64, int) {
	cutoff := now.Add(-errorRateWindow)
	total, failures := 0, 0
	for i := 0; i < s.callCount; i++ {
		c := s.calls[(s.callHead+i)%errorWindowCap]
		if c.ts.Before(cutoff) {
			continue
		}
		total++
		if !c.success {
			failures++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total) * 100, total
}

// AllowStart is the pre-trade gate checked before a grid goes live
func (s *Supervisor) AllowStart(req core.GateRequest) core.GateResult {
	if killed, reason := s.KillActive(); killed {
		return core.GateResult{OK: false, Killed: true, Reason: "kill switch active: " + reason}
	}
	if s.BreakerActive(req.Symbol) {
		return core.GateResult{OK: false, Reason: "volatility breaker active for " + req.Symbol}
	}
	if !req.StopLoss.IsZero() && req.Price.LessThanOrEqual(req.StopLoss) {
		return core.GateResult{OK: false, Reason: "price at or below stop-loss"}
	}
	if req.BTCFilter && s.BreakerActive(btcSymbol) {
		return core.GateResult{OK: false, Reason: "BTC volatility breaker active"}
	}

	s.mu.RLock()
	equity := s.currentEquity
	s.mu.RUnlock()
	if equity.IsPositive() && req.Exposure.IsPositive() {
		maxExposure := equity.Mul(decimal.NewFromFloat(s.threshold.MaxExposurePercent / 100))
		if req.Exposure.GreaterThan(maxExposure) {
			return core.GateResult{OK: false, Reason: fmt.Sprintf(
				"exposure %s exceeds %.0f%% of equity", req.Exposure.String(), s.threshold.MaxExposurePercent)}
		}
	}
	return core.GateResult{OK: true}
}

// BreakerActive reports the symbol's volatility breaker state
func (s *Supervisor) BreakerActive(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[symbol]
	return ok && w.breaker
}

// KillActive reports whether the kill switch is latched
func (s *Supervisor) KillActive() (bool, string) {
	if atomic.LoadInt32(&s.killed) == 0 {
		return false, ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return true, s.killReason
}

// TriggerKill latches the kill switch. The first reason wins; repeated
// triggers are no-ops.
func (s *Supervisor) TriggerKill(reason string) {
	if !atomic.CompareAndSwapInt32(&s.killed, 0, 1) {
		return
	}
	s.mu.Lock()
	s.killReason = reason
	s.mu.Unlock()

	s.metrics.KillSwitchActive.Set(1)
	s.logger.Error("KILL SWITCH TRIGGERED", "reason", reason)

	event := KillEvent{Reason: reason, At: time.Now()}
	s.subMu.Lock()
	subs := s.subscribers
	s.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// ResetKill clears the latch. It refuses while any kill condition still
// evaluates true.
func (s *Supervisor) ResetKill() error {
	if reason := s.evaluateConditions(time.Now()); reason != "" {
		return fmt.Errorf("%w: %s", core.ErrKilledByRisk, reason)
	}

	if !atomic.CompareAndSwapInt32(&s.killed, 1, 0) {
		return nil
	}
	s.mu.Lock()
	s.killReason = ""
	s.mu.Unlock()
	s.metrics.KillSwitchActive.Set(0)
	s.logger.Warn("Kill switch reset by operator")
	return nil
}

// evaluateConditions returns the first kill condition currently true
func (s *Supervisor) evaluateConditions(now time.Time) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.initialEquity.IsPositive() && s.currentEquity.IsPositive() {
		change := s.currentEquity.Sub(s.initialEquity).
			Div(s.initialEquity).Mul(decimal.NewFromInt(100))
		dd, _ := change.Float64()
		if dd <= -s.threshold.MaxDrawdownPercent {
			return fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", -dd, s.threshold.MaxDrawdownPercent)
		}
	}

	rate, total := s.errorRate(now)
	if total >= s.threshold.MinAPICallsForRate && rate >= s.threshold.MaxAPIErrorRatePercent {
		return fmt.Sprintf("API error rate %.2f%% exceeds %.2f%%", rate, s.threshold.MaxAPIErrorRatePercent)
	}

	breakers := 0
	for _, w := range s.windows {
		if w.breaker {
			breakers++
		}
	}
	if breakers >= s.threshold.BreakersToKill {
		return fmt.Sprintf("volatility breakers active on %d symbols", breakers)
	}

	return ""
}

// Snapshot returns a copy of the supervisor's state
func (s *Supervisor) Snapshot() core.RiskSnapshot {
	killed, reason := s.KillActive()
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rate, _ := s.errorRate(now)
	breakers := 0
	for _, w := range s.windows {
		if w.breaker {
			breakers++
		}
	}

	// negative drawdown means a loss relative to the baseline
	drawdown := 0.0
	if s.initialEquity.IsPositive() && s.currentEquity.IsPositive() {
		dd := s.currentEquity.Sub(s.initialEquity).Div(s.initialEquity).Mul(decimal.NewFromInt(100))
		drawdown, _ = dd.Float64()
	}

	return core.RiskSnapshot{
		TotalEquity:         s.currentEquity,
		InitialEquity:       s.initialEquity,
		DrawdownPercent:     drawdown,
		APIErrorRate:        rate,
		VolatilityBreakers:  breakers,
		KillSwitchTriggered: killed,
		KillSwitchReason:    reason,
		PotentialKillReason: s.potential,
		LastCheck:           s.lastCheck,
	}
}

// SetEquityForTest seeds the equity readings without polling
func (s *Supervisor) SetEquityForTest(initial, current decimal.Decimal) {
	s.mu.Lock()
	s.initialEquity = initial
	s.currentEquity = current
	s.mu.Unlock()
}

// Run polls equity and evaluates kill conditions until ctx ends
func (s *Supervisor) Run(ctx context.Context) error {
	s.pollEquity(ctx)

	equityTicker := time.NewTicker(s.threshold.EquityPollInterval)
	checkTicker := time.NewTicker(s.threshold.CheckInterval)
	defer equityTicker.Stop()
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-equityTicker.C:
			s.pollEquity(ctx)
		case <-checkTicker.C:
			s.check(time.Now())
		}
	}
}

func (s *Supervisor) pollEquity(ctx context.Context) {
	equity, err := s.exchange.WalletEquity(ctx)
	if err != nil {
		s.logger.Warn("Equity poll failed", "error", err.Error())
		return
	}

	s.mu.Lock()
	if !s.initialEquity.IsPositive() {
		s.initialEquity = equity
		s.logger.Info("Initial equity recorded", "equity", equity.String())
	}
	s.currentEquity = equity
	s.mu.Unlock()
}

func (s *Supervisor) check(now time.Time) {
	reason := s.evaluateConditions(now)

	s.mu.Lock()
	s.potential = reason
	s.lastCheck = now
	s.mu.Unlock()

	if reason != "" {
		s.TriggerKill(reason)
	}
}
