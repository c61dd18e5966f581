// Package apperror defines the error taxonomy shared by the account flows and
// the table that maps it onto HTTP responses. Messages are safe to show to
// clients; wrapped causes are for logs only.
package apperror

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUpload       Kind = "upload"
	KindStore        Kind = "store"
	KindCreation     Kind = "creation"
	KindServer       Kind = "server"
)

var statusByKind = map[Kind]int{
	KindValidation:   http.StatusBadRequest,
	KindUnauthorized: http.StatusUnauthorized,
	KindNotFound:     http.StatusNotFound,
	KindConflict:     http.StatusConflict,
	KindUpload:       http.StatusBadGateway,
	KindStore:        http.StatusInternalServerError,
	KindCreation:     http.StatusInternalServerError,
	KindServer:       http.StatusInternalServerError,
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(msg string) *Error   { return New(KindValidation, msg) }
func Unauthorized(msg string) *Error { return New(KindUnauthorized, msg) }
func NotFound(msg string) *Error     { return New(KindNotFound, msg) }
func Conflict(msg string) *Error     { return New(KindConflict, msg) }

func Upload(msg string, err error) *Error   { return Wrap(KindUpload, msg, err) }
func Store(msg string, err error) *Error    { return Wrap(KindStore, msg, err) }
func Creation(msg string, err error) *Error { return Wrap(KindCreation, msg, err) }
func Server(msg string, err error) *Error   { return Wrap(KindServer, msg, err) }

// KindOf reports the kind of err, or KindServer for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindServer
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// Response resolves err into an HTTP status and a client-facing message.
// Unclassified errors never leak their text.
func Response(err error) (int, string) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status(), ae.Message
	}
	return http.StatusInternalServerError, "internal server error"
}
