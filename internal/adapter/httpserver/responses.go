// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the routing API plus pool status and health-check endpoints,
// keeping HTTP concerns separate from the routing logic itself.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrNoBindingConfigured):
		code = http.StatusBadRequest
		codeStr = "NO_BINDING_CONFIGURED"
	case errors.Is(err, domain.ErrNoSharedPoolConfigured):
		code = http.StatusBadRequest
		codeStr = "NO_SHARED_POOL_CONFIGURED"
	case errors.Is(err, domain.ErrDailyLimitExceeded):
		code = http.StatusTooManyRequests
		codeStr = "DAILY_LIMIT_EXCEEDED"
	case errors.Is(err, domain.ErrMonthlyBudgetExceeded):
		code = http.StatusTooManyRequests
		codeStr = "MONTHLY_BUDGET_EXCEEDED"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrAuthenticationFailed):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_AUTH_FAILED"
	case errors.Is(err, domain.ErrNoDedicatedAccounts),
		errors.Is(err, domain.ErrNoSharedAccountAvailable),
		errors.Is(err, domain.ErrNoHealthyAccount),
		errors.Is(err, domain.ErrServiceUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "SERVICE_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
