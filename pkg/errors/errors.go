package apperrors

import "errors"

// Standardized exchange and store errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrTimeout               = errors.New("request timed out")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrMinNotional           = errors.New("order notional below exchange minimum")
	ErrSystemOverload        = errors.New("system overload")
)

// IsTransient reports whether an error is worth retrying. Validation and
// permanent exchange rejections are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrSystemOverload),
		errors.Is(err, ErrExchangeMaintenance):
		return true
	}
	return false
}
