// Package strerr defines the typed error taxonomy shared by every Strato
// subsystem. API handlers surface the Kind verbatim to callers; internal
// callers branch with errors.As / strerr.KindOf.
package strerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for API callers and for internal dispatch.
type Kind string

const (
	KindBadRequest                Kind = "BadRequest"
	KindPermissionDenied          Kind = "PermissionDenied"
	KindNotFound                  Kind = "NotFound"
	KindConflict                  Kind = "Conflict"
	KindQuotaExceeded             Kind = "QuotaExceeded"
	KindNoEligibleAgent           Kind = "NoEligibleAgent"
	KindInsufficientCapacity      Kind = "InsufficientCapacity"
	KindNoAgents                  Kind = "NoAgents"
	KindSchedulingContention      Kind = "SchedulingContention"
	KindAgentBusy                 Kind = "AgentBusy"
	KindAgentDisconnected         Kind = "AgentDisconnected"
	KindTimeout                   Kind = "Timeout"
	KindInvalidStateTransition    Kind = "InvalidStateTransition"
	KindCAUnavailable             Kind = "CAUnavailable"
	KindPermissionStoreUnavailable Kind = "PermissionStoreUnavailable"
	KindPersistenceUnavailable    Kind = "PersistenceUnavailable"
	KindInternal                  Kind = "Internal"
)

// Error is the one error type that crosses API boundaries.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string // set on Internal errors for log lookup
	Err           error  // wrapped cause, not serialised to callers
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, strerr.New(kind, "")) works
// alongside the more common errors.As pattern.
func (e *Error) Is(target error) bool {
	var se *Error
	if errors.As(target, &se) {
		return se.Kind == e.Kind
	}
	return false
}

// New creates a typed error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error with a wrapped cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal creates an Internal error carrying a correlation id for log lookup.
func Internal(correlationID string, err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       "internal error; see logs for correlation id " + correlationID,
		CorrelationID: correlationID,
		Err:           err,
	}
}

// KindOf extracts the Kind from an error chain. Untyped errors map to Internal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to the HTTP status code the API returns for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest, KindInvalidStateTransition:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusUnprocessableEntity
	case KindNoEligibleAgent, KindInsufficientCapacity, KindNoAgents, KindSchedulingContention:
		return http.StatusConflict
	case KindAgentBusy:
		return http.StatusTooManyRequests
	case KindAgentDisconnected, KindCAUnavailable, KindPermissionStoreUnavailable, KindPersistenceUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
