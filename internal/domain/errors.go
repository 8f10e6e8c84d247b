package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels). Quota and resolver errors are terminal;
// provider errors are retryable and surface as ErrServiceUnavailable once
// retries are exhausted.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")

	// Quota gate
	ErrNoBindingConfigured   = errors.New("no resource binding configured")
	ErrDailyLimitExceeded    = errors.New("daily token limit exceeded")
	ErrMonthlyBudgetExceeded = errors.New("monthly budget exceeded")

	// Resolver
	ErrNoDedicatedAccounts      = errors.New("no dedicated accounts available")
	ErrNoSharedPoolConfigured   = errors.New("no shared pool configured")
	ErrNoSharedAccountAvailable = errors.New("no shared account available")
	ErrNoHealthyAccount         = errors.New("no healthy account available")

	// Provider
	ErrProvider             = errors.New("provider error")
	ErrProviderTimeout      = errors.New("provider timeout")
	ErrAuthenticationFailed = errors.New("provider authentication failed")
	ErrRemoteRateLimited    = errors.New("provider rate limited")

	// Router terminal
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRateLimited        = errors.New("rate limited")
)

// Retryable reports whether the router may re-enter selection after err.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrProvider),
		errors.Is(err, ErrProviderTimeout),
		errors.Is(err, ErrRemoteRateLimited):
		return true
	}
	return false
}

// ExhaustedError wraps the last cause after the router runs out of retries.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("service unavailable after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes both the terminal sentinel and the last cause so that
// errors.Is works against either.
func (e *ExhaustedError) Unwrap() []error {
	// Remote rate limiting surfaces as RateLimited rather than generic 503.
	if errors.Is(e.Last, ErrRemoteRateLimited) {
		return []error{ErrRateLimited, e.Last}
	}
	return []error{ErrServiceUnavailable, e.Last}
}

// Truncate caps an upstream error message for storage.
func Truncate(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	return msg[:max]
}
