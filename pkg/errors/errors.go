// Package errors defines the error taxonomy shared by the access layer:
// transient, authorization, fatal, deadline and contract-violation kinds,
// plus the structured wrappers that carry endpoint, key and attempt detail.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRateLimited          = errors.New("rate limited by provider")
	ErrServerError          = errors.New("upstream server error")
	ErrNetwork              = errors.New("network error")
	ErrUnauthorized         = errors.New("credential rejected")
	ErrCredentialsExhausted = errors.New("all credentials rejected")
	ErrRetriesExhausted     = errors.New("retry budget exhausted")
	ErrUpstreamRejected     = errors.New("upstream rejected request")
	ErrNotFound             = errors.New("resource not found")
	ErrUnknownEndpoint      = errors.New("unknown endpoint")
	ErrInvalidInput         = errors.New("invalid input")
	ErrDeadlineExceeded     = errors.New("deadline exceeded")
	ErrWorkInProgress       = errors.New("work already in progress")

	ErrDuplicateInFlight = errors.New("duplicate in-flight")
	ErrAlreadyCompleted  = errors.New("already completed")
	ErrUnknownToken      = errors.New("unknown or finished token")
)

// Kind classifies an error so callers can branch without matching messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindAuthorization
	KindFatal
	KindDeadline
	KindContractViolation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthorization:
		return "authorization"
	case KindFatal:
		return "fatal"
	case KindDeadline:
		return "deadline"
	case KindContractViolation:
		return "contract_violation"
	default:
		return "unknown"
	}
}

// CallError is the terminal error of an outbound call. It names the endpoint,
// the last URL tried, how many attempts were spent and the last status seen.
type CallError struct {
	Kind       Kind
	Endpoint   string
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s call to %s failed (%s) after %d attempt(s)", e.Endpoint, e.URL, e.Kind, e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", last status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// ContractError reports a caller bug: an operation issued in a state where the
// protocol forbids it, such as a second Begin for an in-flight key.
type ContractError struct {
	Op  string
	Key string
	Err error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation in %s for %q: %v", e.Op, e.Key, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// NewContractError wraps sentinel as a contract violation for op on key.
func NewContractError(op, key string, sentinel error) *ContractError {
	return &ContractError{Op: op, Key: key, Err: sentinel}
}

// KindOf returns the Kind of err, walking the wrap chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var contractErr *ContractError
	if errors.As(err, &contractErr) {
		return KindContractViolation
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}
	switch {
	case errors.Is(err, ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindDeadline
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrServerError),
		errors.Is(err, ErrNetwork),
		errors.Is(err, ErrWorkInProgress):
		return KindTransient
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrCredentialsExhausted):
		return KindAuthorization
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnknownEndpoint),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUpstreamRejected):
		return KindFatal
	}
	return KindUnknown
}

// IsRetryable reports whether a later attempt at the same work may succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatusCode maps an error to the status the service layer responds with.
func HTTPStatusCode(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, ErrInvalidInput) {
		return http.StatusBadRequest
	}
	switch KindOf(err) {
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindAuthorization:
		return http.StatusBadGateway
	case KindDeadline:
		return http.StatusGatewayTimeout
	case KindContractViolation:
		return http.StatusConflict
	case KindFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
