// Package apierr classifies failures across the capture and replay
// pipeline so that callers can tell user mistakes, security rejections,
// auth problems, and transport faults apart without string matching.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure category an error belongs to.
type Kind string

const (
	// KindInput marks invalid caller input: bad URLs, unknown domains or
	// endpoint ids, malformed skill files. Never retried.
	KindInput Kind = "input"
	// KindSafety marks security rejections: SSRF, redirect policy,
	// forbidden headers, signature failures. Never masked.
	KindSafety Kind = "safety"
	// KindAuth marks refresh and credential failures.
	KindAuth Kind = "auth"
	// KindIO marks transport and persistence faults.
	KindIO Kind = "io"
	// KindDrift tags contract drift; drift is reported as warnings on a
	// successful replay, so errors of this kind rarely surface.
	KindDrift Kind = "drift"
)

// Error is a kinded error with an optional diagnostic detail.
type Error struct {
	Kind   Kind
	Msg    string
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Msg + ": " + e.Detail
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, cause error) *Error {
	e := &Error{Kind: kind, Msg: msg, cause: cause}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// Inputf formats a caller-input error.
func Inputf(format string, args ...any) *Error {
	return &Error{Kind: KindInput, Msg: fmt.Sprintf(format, args...)}
}

// Safetyf formats a security rejection.
func Safetyf(format string, args ...any) *Error {
	return &Error{Kind: KindSafety, Msg: fmt.Sprintf(format, args...)}
}

// Authf formats an auth or refresh failure.
func Authf(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Msg: fmt.Sprintf(format, args...)}
}

// IOf formats a transport or persistence failure.
func IOf(format string, args ...any) *Error {
	return &Error{Kind: KindIO, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or an empty Kind for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error kind to the status the serve surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindSafety:
		return http.StatusForbidden
	case KindAuth:
		return http.StatusUnauthorized
	case KindIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
