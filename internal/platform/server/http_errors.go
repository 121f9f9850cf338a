package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/money"
	"github.com/wizardbeardstudio/karnalix-ledger/internal/platform/users"
)

type errorBody struct {
	Code              string `json:"code"`
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

type errorClass struct {
	target error
	status int
	code   string
}

// errorClasses is evaluated in order. Invariant failures come first because
// their cause may also match insufficient funds.
var errorClasses = []errorClass{
	{ledger.ErrLedgerInvariant, http.StatusInternalServerError, "ledger_invariant"},
	{ledger.ErrPersistence, http.StatusServiceUnavailable, "persistence_unavailable"},
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{money.ErrInvalidFormat, http.StatusBadRequest, "invalid_amount"},
	{money.ErrPrecision, http.StatusBadRequest, "invalid_amount"},
	{money.ErrOverflow, http.StatusBadRequest, "invalid_amount"},
	{auth.ErrAuthenticationRequired, http.StatusUnauthorized, "authentication_required"},
	{auth.ErrInvalidPin, http.StatusUnauthorized, "invalid_pin"},
	{users.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{auth.ErrInvalidTOTP, http.StatusUnauthorized, "invalid_totp"},
	{ErrTOTPRequired, http.StatusUnauthorized, "totp_required"},
	{ErrRefreshTokenInvalid, http.StatusUnauthorized, "invalid_refresh_token"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{auth.ErrPinLocked, http.StatusTooManyRequests, "pin_locked"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{ErrAccountLocked, http.StatusTooManyRequests, "account_locked"},
	{ErrNothingToSettle, http.StatusConflict, "nothing_to_settle"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{users.ErrUserNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrWalletNotFound, http.StatusNotFound, "not_found"},
	{auth.ErrPinSessionNotFound, http.StatusNotFound, "not_found"},
	{ErrInvalidState, http.StatusConflict, "invalid_state"},
	{auth.ErrPinSessionExpired, http.StatusConflict, "pin_session_expired"},
	{auth.ErrPinNotConfigured, http.StatusConflict, "pin_not_configured"},
	{ErrTOTPNotPending, http.StatusConflict, "invalid_state"},
	{users.ErrEmailTaken, http.StatusConflict, "email_taken"},
	{users.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{users.ErrInvalidRole, http.StatusBadRequest, "invalid_request"},
	{users.ErrInvalidHierarchy, http.StatusBadRequest, "invalid_hierarchy"},
	{auth.ErrWeakPassword, http.StatusBadRequest, "invalid_request"},
	{auth.ErrMalformedPIN, http.StatusBadRequest, "invalid_request"},
}

func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func retryAfter(err error) time.Duration {
	var pin *auth.PinLockedError
	if errors.As(err, &pin) {
		return pin.RetryAfter
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	var al *AccountLockedError
	if errors.As(err, &al) {
		return al.RetryAfter
	}
	return 0
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// writeServiceError maps a service error onto its HTTP status and body.
// Internal failures are logged and their detail is withheld.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Code: code, Error: err.Error()}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", "path", r.URL.Path, "method", r.Method, "code", code, "error", err)
		body.Error = http.StatusText(status)
	}
	if status == http.StatusTooManyRequests {
		if secs := ceilSeconds(retryAfter(err)); secs > 0 {
			body.RetryAfterSeconds = secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	var mismatch *auth.PinMismatchError
	if errors.As(err, &mismatch) {
		remaining := mismatch.Remaining
		body.RemainingAttempts = &remaining
	}
	writeJSON(w, status, body)
}
