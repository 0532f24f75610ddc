// Package apperr holds the dispatch error taxonomy. Every failure that
// crosses a component boundary is one of the sentinels below, optionally
// wrapped in an *Error that carries the HTTP status and a stable code
// clients can switch on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation            = errors.New("ValidationError")
	ErrRideNotFound          = errors.New("RideNotFound")
	ErrDriverNotFound        = errors.New("DriverNotFound")
	ErrRideNoLongerAvailable = errors.New("RideNoLongerAvailable")
	ErrInvalidTransition     = errors.New("InvalidTransition")
	ErrForbidden             = errors.New("Forbidden")
	ErrUnauthorized          = errors.New("Unauthorized")
	ErrNoDriversAvailable    = errors.New("NoDriversAvailable")
	ErrDriverUnavailable     = errors.New("DriverUnavailable")
	ErrAlreadyRated          = errors.New("AlreadyRated")
)

var statusOf = map[error]int{
	ErrValidation:            http.StatusBadRequest,
	ErrRideNotFound:          http.StatusNotFound,
	ErrDriverNotFound:        http.StatusNotFound,
	ErrRideNoLongerAvailable: http.StatusBadRequest,
	ErrInvalidTransition:     http.StatusBadRequest,
	ErrForbidden:             http.StatusForbidden,
	ErrUnauthorized:          http.StatusUnauthorized,
	ErrNoDriversAvailable:    http.StatusServiceUnavailable,
	ErrDriverUnavailable:     http.StatusConflict,
	ErrAlreadyRated:          http.StatusConflict,
}

type Error struct {
	Kind   error
	Msg    string
	Fields map[string][]string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Code is the machine readable name sent to clients.
func (e *Error) Code() string { return e.Kind.Error() }

func (e *Error) HTTPStatus() int {
	if s, ok := statusOf[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(fields map[string][]string) *Error {
	return &Error{Kind: ErrValidation, Msg: "invalid request", Fields: fields}
}

// From normalizes any error into an *Error. Unknown errors map to a 500
// with code "InternalError".
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	for kind := range statusOf {
		if errors.Is(err, kind) {
			return &Error{Kind: kind, Msg: err.Error()}
		}
	}
	return &Error{Kind: errInternal, Msg: err.Error()}
}

var errInternal = errors.New("InternalError")
