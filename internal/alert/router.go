// Package alert receives TradingView-style webhook alerts, validates them
// and routes them to grid commands.
package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridtrader/internal/core"
	"gridtrader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Payload is the webhook body accepted on /api/tv-alert
type Payload struct {
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Price     decimal.Decimal `json:"price"`
	Zone      string          `json:"zone,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// GridCommander is the subset of controller commands alerts may trigger
type GridCommander interface {
	Pause(ctx context.Context, symbol string) error
	Resume(ctx context.Context, symbol string) (int, error)
	Stop(ctx context.Context, symbol string) error
}

// PriceSource reports the latest observed price per symbol
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Router validates webhook alerts and maps actions to grid commands.
// Every received alert lands in a bounded history, executed or not.
type Router struct {
	secret      []byte
	maxAge      time.Duration
	maxDevPct   decimal.Decimal
	commander   GridCommander
	prices      PriceSource
	risk        core.IRiskSupervisor
	store       core.IStore
	logger      core.ILogger
	metrics     *telemetry.MetricsHolder
	historySize int

	mu      sync.RWMutex
	history []core.AlertRecord
}

// Options configures the router's validation thresholds
type Options struct {
	Secret              string
	MaxAgeSeconds       int
	MaxDeviationPercent float64
	HistorySize         int
}

// NewRouter builds an alert router
func NewRouter(
	opts Options,
	commander GridCommander,
	prices PriceSource,
	riskSup core.IRiskSupervisor,
	store core.IStore,
	logger core.ILogger,
) *Router {
	if opts.MaxAgeSeconds <= 0 {
		opts.MaxAgeSeconds = 60
	}
	if opts.MaxDeviationPercent <= 0 {
		opts.MaxDeviationPercent = 1.0
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 500
	}
	return &Router{
		secret:      []byte(opts.Secret),
		maxAge:      time.Duration(opts.MaxAgeSeconds) * time.Second,
		maxDevPct:   decimal.NewFromFloat(opts.MaxDeviationPercent),
		commander:   commander,
		prices:      prices,
		risk:        riskSup,
		store:       store,
		logger:      logger.WithField("component", "alert_router"),
		metrics:     telemetry.GetGlobalMetrics(),
		historySize: opts.HistorySize,
	}
}

// VerifySignature checks the lowercase hex HMAC-SHA256 of the raw body.
// Verification happens before any state change.
func (r *Router) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Result describes how one alert was handled: the history record, the grid
// command the action mapped to, and the order count when that command was a
// resume.
type Result struct {
	Record       core.AlertRecord
	Command      string
	OrdersPlaced int
}

// Handle parses and routes one verified alert. The returned record reflects
// whether the action was executed; a non-nil error means the payload itself
// was unusable.
func (r *Router) Handle(ctx context.Context, body []byte) (Result, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Result{}, fmt.Errorf("malformed alert payload: %w", err)
	}
	if p.Symbol == "" || p.Action == "" {
		return Result{}, fmt.Errorf("alert payload missing symbol or action")
	}

	symbol := NormalizeSymbol(p.Symbol)
	action := strings.ToLower(strings.TrimSpace(p.Action))
	record := core.AlertRecord{
		Symbol:    symbol,
		Action:    action,
		Price:     p.Price,
		Zone:      p.Zone,
		Timestamp: time.Now(),
	}

	command := commandFor(action)

	if reason := r.rejectReason(p, symbol); reason != "" {
		r.logger.Warn("Alert recorded but not executed",
			"symbol", symbol, "action", action, "reason", reason)
		r.remember(record)
		r.metrics.WebhookAlerts.WithLabelValues(action, "false").Inc()
		return Result{Record: record, Command: command}, nil
	}

	placed, err := r.execute(ctx, symbol, command)
	record.Executed = err == nil
	if err != nil {
		r.logger.Warn("Alert action failed",
			"symbol", symbol, "action", action, "error", err.Error())
	} else {
		r.logger.Info("Alert executed",
			"symbol", symbol, "action", action, "command", command)
	}

	r.remember(record)
	r.metrics.WebhookAlerts.WithLabelValues(action, fmt.Sprintf("%t", record.Executed)).Inc()
	return Result{Record: record, Command: command, OrdersPlaced: placed}, nil
}

// rejectReason applies the freshness and deviation guards. A rejected alert
// is still recorded.
func (r *Router) rejectReason(p Payload, symbol string) string {
	if p.Timestamp > 0 {
		age := time.Since(time.Unix(p.Timestamp, 0))
		if age > r.maxAge {
			return fmt.Sprintf("alert is stale (%s old)", age.Truncate(time.Second))
		}
	}
	if p.Price.IsPositive() {
		if current, ok := r.prices.LastPrice(symbol); ok && current.IsPositive() {
			dev := p.Price.Sub(current).Abs().Div(current).Mul(decimal.NewFromInt(100))
			if dev.GreaterThan(r.maxDevPct) {
				return fmt.Sprintf("alert price deviates %s%% from market", dev.StringFixed(2))
			}
		}
	}
	return ""
}

// commandFor maps alert actions onto grid commands. Unknown actions map to
// the empty command and are recorded without executing.
func commandFor(action string) string {
	switch action {
	case "buy", "long":
		return "resume"
	case "sell", "short":
		return "pause"
	case "close":
		return "stop"
	default:
		return ""
	}
}

func (r *Router) execute(ctx context.Context, symbol, command string) (int, error) {
	switch command {
	case "resume":
		return r.commander.Resume(ctx, symbol)
	case "pause":
		return 0, r.commander.Pause(ctx, symbol)
	case "stop":
		return 0, r.commander.Stop(ctx, symbol)
	default:
		return 0, fmt.Errorf("unknown alert action")
	}
}

func (r *Router) remember(record core.AlertRecord) {
	r.mu.Lock()
	r.history = append(r.history, record)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}
	r.mu.Unlock()
	r.store.RecordAlert(record)
}

// History returns the newest alerts first, optionally filtered by symbol
func (r *Router) History(symbol string, limit int) []core.AlertRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.AlertRecord, 0, limit)
	for i := len(r.history) - 1; i >= 0; i-- {
		rec := r.history[i]
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats aggregates the history per symbol and per action
func (r *Router) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bySymbol := make(map[string]int)
	byAction := make(map[string]int)
	executed := 0
	for _, rec := range r.history {
		bySymbol[rec.Symbol]++
		byAction[rec.Action]++
		if rec.Executed {
			executed++
		}
	}
	return map[string]interface{}{
		"total":     len(r.history),
		"executed":  executed,
		"by_symbol": bySymbol,
		"by_action": byAction,
	}
}

// NormalizeSymbol upper-cases the symbol and appends the quote currency
// when the alert sends a bare base asset.
func NormalizeSymbol(s string) string {
	sym := strings.ToUpper(strings.TrimSpace(s))
	sym = strings.TrimSuffix(sym, ".P")
	if !strings.HasSuffix(sym, "USDT") {
		sym += "USDT"
	}
	return sym
}
