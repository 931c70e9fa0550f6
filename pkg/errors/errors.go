// Package apperrors defines standardized exchange errors and classification
package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Kind groups errors by the recovery action they require
type Kind int

const (
	// KindTransient errors are safe to retry with backoff
	KindTransient Kind = iota
	// KindRateLimited errors are retried after the limiter window passes
	KindRateLimited
	// KindAuth errors abort the operation and escalate to the operator
	KindAuth
	// KindInvalid errors indicate a caller bug; retrying cannot help
	KindInvalid
	// KindTerminal covers everything else that must not be retried
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindInvalid:
		return "invalid"
	default:
		return "terminal"
	}
}

// Classify maps an error to its recovery kind
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrSystemOverload),
		errors.Is(err, ErrTimestampOutOfBounds):
		return KindTransient
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuth
	case errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrDuplicateOrder):
		return KindInvalid
	default:
		return KindTerminal
	}
}

// IsTransient reports whether the error should be retried
func IsTransient(err error) bool {
	k := Classify(err)
	return k == KindTransient || k == KindRateLimited
}
