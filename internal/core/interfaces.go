package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the capability the core requires from an exchange. The
// production implementation signs REST requests and streams public tickers;
// the core treats it as opaque. Implementations must make PlaceLimit
// idempotent under ClientTag and treat cancelling an unknown order as
// success.
type IExchange interface {
	PlaceLimit(ctx context.Context, req PlaceLimitRequest) (Order, error)
	Cancel(ctx context.Context, symbol, orderID string) error
	OrderStatus(ctx context.Context, symbol, orderID string) (Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	WalletEquity(ctx context.Context) (decimal.Decimal, error)
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Subscribe streams ticks for the given symbols until ctx is cancelled.
	// It blocks; callers run it in their own goroutine.
	Subscribe(ctx context.Context, symbols []string, onTick func(Tick)) error
}

// SymbolFilters are the exchange rounding rules applied at placement
type SymbolFilters struct {
	TickSize decimal.Decimal
	LotStep  decimal.Decimal
}

// IFilterProvider exposes per-symbol rounding filters
type IFilterProvider interface {
	Filters(symbol string) SymbolFilters
}

// IRiskSupervisor is the risk capability consumed by workers and the
// controller: tick observation, API call accounting, pre-trade gating and
// the kill latch.
type IRiskSupervisor interface {
	ObserveTick(symbol string, price decimal.Decimal, ts time.Time)
	ReportAPICall(success bool)
	AllowStart(req GateRequest) GateResult
	BreakerActive(symbol string) bool
	KillActive() (bool, string)
	TriggerKill(reason string)
	Snapshot() RiskSnapshot
}

// IStore is the persistence capability. All methods are fire-and-forget:
// implementations queue writes and never block the trading path.
type IStore interface {
	SaveGridConfig(p GridParameters)
	RecordTrade(t Trade)
	RecordTick(t Tick)
	RecordKillEvent(reason string, ts time.Time)
	RecordAlert(a AlertRecord)
	Close() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
