// Package errs implements the orchestration core's error taxonomy: a closed
// set of named kinds (not Go types) carried on one structured error value,
// following the pattern used throughout the reference agent framework's
// types.Error rather than a tree of sentinel errors or custom error types
// per failure mode.
package errs

import (
	"errors"
	"fmt"
)

// Kind names a failure category from the taxonomy. Kinds are not Go types:
// every failure is a *Error with a Kind field, so callers switch on Kind
// instead of type-asserting.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindNoHealthyKey  Kind = "no_healthy_key"
	KindCircuitOpen   Kind = "circuit_open"
	KindTimeout       Kind = "timeout"
	KindNetworkError  Kind = "network_error"
	KindProviderError Kind = "provider_error"
	KindRateLimited   Kind = "rate_limited"
	KindAuthError     Kind = "auth_error"
	KindToolNotFound  Kind = "tool_not_found"
	KindLoopDetected  Kind = "loop_detected"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindRollbackFailed Kind = "rollback_failed"
)

// Error is the structured error carried across every component boundary.
type Error struct {
	Kind      Kind
	Message   string
	Provider  string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error for the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// KindOf extracts the Kind from err, walking Unwrap chains. The second
// return value is false when no *Error is found anywhere in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err is a retryable *Error. Non-Error values
// are treated as not retryable: the taxonomy is closed by design.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Is supports errors.Is(err, errs.New(errs.KindValidation, "")) style
// comparisons: a *Error target matches when its Kind equals e.Kind. Targets
// of any other type never match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
