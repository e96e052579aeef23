// Package apperr defines the error taxonomy shared by the messaging core and its transports.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindStorage        Kind = "storage"
)

// Error is a classified failure. Msg is safe to show to the client; Err is the cause and is
// only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, apperr.Conflict("")) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Msg: msg}
}

func Authorization(msg string) *Error {
	return &Error{Kind: KindAuthorization, Msg: msg}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Msg: msg}
}

func Storage(msg string, err error) *Error {
	return &Error{Kind: KindStorage, Msg: msg, Err: err}
}

// Wrap attaches a cause to a classified error without changing its kind or message.
func Wrap(e *Error, err error) *Error {
	return &Error{Kind: e.Kind, Msg: e.Msg, Err: err}
}

// KindOf classifies err. Anything that is not an *Error counts as a storage failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// Message returns the client-facing text for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal server error"
}
