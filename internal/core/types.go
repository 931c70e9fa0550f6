// Package core defines the shared types and interfaces of the grid trading system
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderState is the lifecycle state reported by the exchange
type OrderState string

const (
	OrderStateNew       OrderState = "NEW"
	OrderStatePartial   OrderState = "PARTIAL"
	OrderStateFilled    OrderState = "FILLED"
	OrderStateCancelled OrderState = "CANCELLED"
	OrderStateRejected  OrderState = "REJECTED"
)

// Terminal reports whether the state admits no further transitions
func (s OrderState) Terminal() bool {
	return s == OrderStateFilled || s == OrderStateCancelled || s == OrderStateRejected
}

// GridStatus is the lifecycle state of a grid worker
type GridStatus string

const (
	GridStopped GridStatus = "STOPPED"
	GridRunning GridStatus = "RUNNING"
	GridPaused  GridStatus = "PAUSED"
	GridKilled  GridStatus = "KILLED"
)

// Tick is a single timestamped price observation
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Ts     time.Time       `json:"ts"`
}

// PlaceLimitRequest describes a limit order to be placed.
// ClientTag makes placement idempotent: re-submitting the same tag
// must return the original order instead of creating a duplicate.
type PlaceLimitRequest struct {
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	ClientTag string
}

// Order is the exchange's view of an order
type Order struct {
	OrderID   string
	ClientTag string
	Symbol    string
	Side      OrderSide
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	State     OrderState
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	UpdatedAt time.Time
}

// Trade is a completed fill recorded for persistence and P/L accounting
type Trade struct {
	Symbol     string
	Side       OrderSide
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Fee        decimal.Decimal
	PnL        decimal.Decimal
	OrderID    string
	ExecutedAt time.Time
}

// GridParameters is the immutable per-deployment grid configuration
type GridParameters struct {
	Symbol           string          `json:"symbol" yaml:"symbol"`
	LowerPrice       decimal.Decimal `json:"lower_price" yaml:"lower_price"`
	UpperPrice       decimal.Decimal `json:"upper_price" yaml:"upper_price"`
	GridCount        int             `json:"grid_count" yaml:"grid_count"`
	TotalInvestment  decimal.Decimal `json:"total_investment" yaml:"total_investment"`
	StopLoss         decimal.Decimal `json:"stop_loss,omitempty" yaml:"stop_loss"`     // zero = disabled
	TakeProfit       decimal.Decimal `json:"take_profit,omitempty" yaml:"take_profit"` // zero = disabled
	BTCFilterEnabled bool            `json:"btc_filter_enabled" yaml:"btc_filter_enabled"`
	FeeBps           decimal.Decimal `json:"fee_bps,omitempty" yaml:"fee_bps"`
}

// Spacing returns the price distance between adjacent grid levels
func (p GridParameters) Spacing() decimal.Decimal {
	return p.UpperPrice.Sub(p.LowerPrice).Div(decimal.NewFromInt(int64(p.GridCount)))
}

// InvestPerLevel returns the quote-currency budget of a single level
func (p GridParameters) InvestPerLevel() decimal.Decimal {
	return p.TotalInvestment.Div(decimal.NewFromInt(int64(p.GridCount)))
}

// Validate checks the structural invariants of the parameters
func (p GridParameters) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidParameters)
	}
	if !p.LowerPrice.IsPositive() {
		return fmt.Errorf("%w: lower_price must be positive", ErrInvalidParameters)
	}
	if p.UpperPrice.LessThanOrEqual(p.LowerPrice) {
		return fmt.Errorf("%w: upper_price must exceed lower_price", ErrInvalidParameters)
	}
	if p.GridCount < 2 {
		return fmt.Errorf("%w: grid_count must be at least 2", ErrInvalidParameters)
	}
	if !p.TotalInvestment.IsPositive() {
		return fmt.Errorf("%w: total_investment must be positive", ErrInvalidParameters)
	}
	if !p.StopLoss.IsZero() && p.StopLoss.GreaterThanOrEqual(p.LowerPrice) {
		return fmt.Errorf("%w: stop_loss must be below lower_price", ErrInvalidParameters)
	}
	if !p.TakeProfit.IsZero() && p.TakeProfit.LessThanOrEqual(p.UpperPrice) {
		return fmt.Errorf("%w: take_profit must be above upper_price", ErrInvalidParameters)
	}
	return nil
}

// GridSnapshot is a read-only copy of a worker's state for presentation
type GridSnapshot struct {
	Symbol       string          `json:"symbol"`
	Status       GridStatus      `json:"status"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	LowerPrice   decimal.Decimal `json:"lower_price"`
	UpperPrice   decimal.Decimal `json:"upper_price"`
	GridCount    int             `json:"grid_count"`
	FilledLevels int             `json:"filled_levels"`
	PendingBuys  int             `json:"pending_buys"`
	PendingSells int             `json:"pending_sells"`
	TotalBuys    int             `json:"total_buys"`
	TotalSells   int             `json:"total_sells"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Epoch        int64           `json:"epoch"`
	StopLossTrip bool            `json:"stop_loss_tripped"`
	LastUpdate   time.Time       `json:"last_update"`
}

// RiskSnapshot is a read-only copy of the risk supervisor's state
type RiskSnapshot struct {
	TotalEquity         decimal.Decimal `json:"total_equity"`
	InitialEquity       decimal.Decimal `json:"initial_equity"`
	DrawdownPercent     float64         `json:"drawdown_percent"`
	APIErrorRate        float64         `json:"api_error_rate"`
	VolatilityBreakers  int             `json:"volatility_breakers"`
	KillSwitchTriggered bool            `json:"kill_switch_triggered"`
	KillSwitchReason    string          `json:"kill_switch_reason,omitempty"`
	PotentialKillReason string          `json:"potential_kill_reason,omitempty"`
	LastCheck           time.Time       `json:"last_check"`
}

// AlertRecord is one received webhook alert kept in the bounded history
type AlertRecord struct {
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Price     decimal.Decimal `json:"price"`
	Zone      string          `json:"zone"`
	Timestamp time.Time       `json:"timestamp"`
	Executed  bool            `json:"executed"`
}

// GateRequest carries the inputs of a pre-trade risk check
type GateRequest struct {
	Symbol    string
	Price     decimal.Decimal
	StopLoss  decimal.Decimal
	Exposure  decimal.Decimal
	BTCFilter bool
}

// GateResult is the outcome of a pre-trade risk check. Killed marks a
// refusal caused by the kill latch rather than an ordinary gate condition.
type GateResult struct {
	OK     bool
	Killed bool
	Reason string
}
