package core

import "errors"

// Error kinds surfaced by the trading core. Workers recover transient and
// rate-limited errors locally; auth and invalid errors escalate to the
// controller; kill and stop-loss errors require operator intervention.
var (
	ErrStopLossTripped     = errors.New("stop-loss tripped")
	ErrKilledByRisk        = errors.New("killed by risk supervisor")
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrInvalidParameters   = errors.New("invalid parameters")
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrEpochStale          = errors.New("stale epoch")
	ErrStartBlocked        = errors.New("start blocked by risk gate")
)
