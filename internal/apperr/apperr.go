// Package apperr defines the error kinds surfaced by the memory graph.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindNotFound                 Kind = "NOT_FOUND"
	KindDuplicateID              Kind = "DUPLICATE_ID"
	KindInvalid                  Kind = "INVALID"
	KindInvalidConfiguration     Kind = "INVALID_CONFIGURATION"
	KindTransientProviderFailure Kind = "TRANSIENT_PROVIDER_FAILURE"
	KindConsistencyViolation     Kind = "CONSISTENCY_VIOLATION"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrDuplicateID              = &Error{Kind: KindDuplicateID}
	ErrInvalid                  = &Error{Kind: KindInvalid}
	ErrInvalidConfiguration     = &Error{Kind: KindInvalidConfiguration}
	ErrTransientProviderFailure = &Error{Kind: KindTransientProviderFailure}
	ErrConsistencyViolation     = &Error{Kind: KindConsistencyViolation}
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateID:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusBadRequest
	case KindTransientProviderFailure:
		return http.StatusBadGateway
	case KindConsistencyViolation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
