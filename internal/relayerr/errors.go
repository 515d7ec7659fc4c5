// Package relayerr is the closed error taxonomy (§7) shared by the account
// pool, retry orchestrator, and ingress layer. Each kind is a distinct Go
// type so callers can classify with errors.As instead of string sniffing,
// while the underlying cause (an upstream HTTP error, a transport failure)
// stays reachable through Unwrap.
package relayerr

import (
	"errors"
	"fmt"
)

// CapacityError signals upstream-reported temporary unavailability (429 or
// "resource exhausted"-shaped messages). ServerWide distinguishes the
// "server-capacity-exhausted" subtype, where switching accounts cannot help.
type CapacityError struct {
	Message      string
	RetryAfterMs int64
	ServerWide   bool
	Cause        error
}

func (e *CapacityError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "capacity exhausted"
}
func (e *CapacityError) Unwrap() error { return e.Cause }

// AuthError is a 401/UNAUTHENTICATED-class failure. RefreshInvalid marks the
// terminal subtype: the refresh token itself was rejected, so no amount of
// retrying will recover this account.
type AuthError struct {
	Message       string
	RefreshInvalid bool
	Cause         error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "authentication failed"
}
func (e *AuthError) Unwrap() error { return e.Cause }

// NonRetryableError covers 4xx classes (other than 429) that retrying will
// never fix: safety/content-filter, context-length exceeded, invalid
// argument, model-not-found.
type NonRetryableError struct {
	Code    string
	Message string
	Status  int
	Cause   error
}

func (e *NonRetryableError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "non-retryable upstream error"
}
func (e *NonRetryableError) Unwrap() error { return e.Cause }

// NetworkError wraps a transport-level failure (spawn, dial, read timeout).
type NetworkError struct {
	Message string
	Cause   error
}

func (e *NetworkError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "network error"
}
func (e *NetworkError) Unwrap() error { return e.Cause }

// TimeoutError marks a deadline exceeded on an outbound call.
type TimeoutError struct {
	Cause error
}

func (e *TimeoutError) Error() string { return "timeout" }
func (e *TimeoutError) Unwrap() error { return e.Cause }

// CanceledError marks a client-initiated abort; it is never retried.
type CanceledError struct {
	Cause error
}

func (e *CanceledError) Error() string { return "canceled" }
func (e *CanceledError) Unwrap() error { return e.Cause }

// NoCapacityError is the pool-level synthetic 429 surfaced when no account
// satisfies selection after the caller-provided exclude/cooldown/concurrency
// filters (§4.5 steps 3 and 8).
type NoCapacityError struct {
	Message      string
	RetryAfterMs int64
}

func (e *NoCapacityError) Error() string { return e.Message }

// BadRequestError is a dialect parse failure; Ingress returns it as a 400 in
// the caller's dialect envelope.
type BadRequestError struct {
	Message string
	Cause   error
}

func (e *BadRequestError) Error() string { return e.Message }
func (e *BadRequestError) Unwrap() error { return e.Cause }

// Code returns a stable machine-readable code for the user-visible error
// envelope (§7: message + stable code + retryAfterMs where relevant).
func Code(err error) string {
	var capErr *CapacityError
	var authErr *AuthError
	var nonRetry *NonRetryableError
	var netErr *NetworkError
	var timeoutErr *TimeoutError
	var cancelErr *CanceledError
	var noCapErr *NoCapacityError
	var badReq *BadRequestError
	switch {
	case errors.As(err, &capErr):
		if capErr.ServerWide {
			return "server_capacity_exhausted"
		}
		return "capacity_exhausted"
	case errors.As(err, &authErr):
		if authErr.RefreshInvalid {
			return "refresh_token_invalid"
		}
		return "authentication_error"
	case errors.As(err, &nonRetry):
		if nonRetry.Code != "" {
			return nonRetry.Code
		}
		return "invalid_request_error"
	case errors.As(err, &netErr):
		return "network_error"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &cancelErr):
		return "canceled"
	case errors.As(err, &noCapErr):
		return "no_capacity_available"
	case errors.As(err, &badReq):
		return "invalid_request_error"
	default:
		return "internal_error"
	}
}

// RetryAfterMs extracts the retry hint, if any, carried by err.
func RetryAfterMs(err error) int64 {
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return capErr.RetryAfterMs
	}
	var noCapErr *NoCapacityError
	if errors.As(err, &noCapErr) {
		return noCapErr.RetryAfterMs
	}
	return 0
}

// IsRetryable reports whether the orchestrator should attempt again at all
// (on the same account or by switching) rather than surfacing err to Ingress.
func IsRetryable(err error) bool {
	var cancelErr *CanceledError
	var nonRetry *NonRetryableError
	var authErr *AuthError
	if errors.As(err, &cancelErr) {
		return false
	}
	if errors.As(err, &nonRetry) {
		return false
	}
	if errors.As(err, &authErr) && authErr.RefreshInvalid {
		return false
	}
	return true
}

// IsCapacity reports whether err is (or wraps) a CapacityError.
func IsCapacity(err error) bool {
	var capErr *CapacityError
	return errors.As(err, &capErr)
}

// IsServerWideCapacity reports whether err is a capacity error that upstream
// itself is saturated on — switching accounts would not help (§4.5/§7).
func IsServerWideCapacity(err error) bool {
	var capErr *CapacityError
	return errors.As(err, &capErr) && capErr.ServerWide
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRefreshInvalid reports the terminal auth subtype.
func IsRefreshInvalid(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.RefreshInvalid
}

// ParseResetAfterSeconds extracts an upstream `"reset after Ns"` hint from an
// error message, used to compute precise cooldowns (§4.5) instead of the
// default exponential backoff.
func ParseResetAfterSeconds(msg string) (seconds int, ok bool) {
	return parseResetAfter(msg)
}

// Wrapf builds a NetworkError, preserving the cause chain, for transport
// failures that don't already carry a relayerr type.
func Wrapf(cause error, format string, args ...any) *NetworkError {
	return &NetworkError{Message: fmt.Sprintf(format, args...), Cause: cause}
}
