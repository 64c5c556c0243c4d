// Package apperr defines the error kinds shared by the store, the trip state
// machine, the relay client and the gateway.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyReserved   = errors.New("already reserved")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSignature         = errors.New("invalid signature")
	ErrTransientIO       = errors.New("transient io error")
)

// Error carries one of the kinds above plus a caller-facing message.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return newErr(ErrValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return newErr(ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return newErr(ErrConflict, format, args...)
}

func AlreadyReserved(format string, args ...any) error {
	return newErr(ErrAlreadyReserved, format, args...)
}

func InvalidTransition(from, to string) error {
	return newErr(ErrInvalidTransition, "cannot transition from %s to %s", from, to)
}

func Signature(format string, args ...any) error {
	return newErr(ErrSignature, format, args...)
}

// Transient wraps an I/O failure that is safe to retry.
func Transient(err error, format string, args ...any) error {
	e := newErr(ErrTransientIO, format, args...)
	e.Err = err
	return e
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return errors.Is(err, ErrTransientIO) }

// HTTPStatus maps an error to the response code used by the HTTP surface.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSignature):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyReserved), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrTransientIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Label names the kind of err for metrics.
func Label(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyReserved):
		return "already_reserved"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrSignature):
		return "signature"
	case errors.Is(err, ErrTransientIO):
		return "transient"
	default:
		return "internal"
	}
}
