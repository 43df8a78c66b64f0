package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can map them to responses or persisted state.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuthorization    Kind = "authorization"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindRemoteService    Kind = "remote_service"
	KindNetworkTransient Kind = "network_transient"
	KindTimeout          Kind = "timeout"
	KindEmptyResult      Kind = "empty_result"
	KindInternal         Kind = "internal"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrAuthorization    = &Error{Kind: KindAuthorization}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrRemoteService    = &Error{Kind: KindRemoteService}
	ErrNetworkTransient = &Error{Kind: KindNetworkTransient}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrEmptyResult      = &Error{Kind: KindEmptyResult}
	ErrInternal         = &Error{Kind: KindInternal}
)

// Error is an application error tagged with a Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match when target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
