// Package resilienceerrors models the tagged remote-call error taxonomy
// the resilience core reasons about: breaker rejection, transient
// transport failures, client-side failures, and decode failures. It
// replaces exception-based control flow with explicit result-or-error
// returns carrying a stable Kind for callers (the retry handler, the
// circuit breaker's excluded-exceptions check) to switch on.
package resilienceerrors

import (
	"errors"
	"fmt"
)

// Kind is a stable tag for one class of remote-call failure.
type Kind string

const (
	KindBreakerRejected Kind = "breaker_rejected"
	KindTimeout         Kind = "timeout"
	KindConnectRefused  Kind = "connect_refused"
	KindServerError     Kind = "server_error"
	KindClientError     Kind = "client_error"
	KindDecode          Kind = "decode"
	KindOther           Kind = "other"
)

// Error is the tagged error type carried through the resilience core.
type Error struct {
	Kind    Kind
	Message string
	Code    int // HTTP-like status code, meaningful for ServerError/ClientError
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// BreakerRejected builds the error a breaker returns when it refuses a
// call because it is Open or over half-open capacity.
func BreakerRejected(name string, state fmt.Stringer) *Error {
	return &Error{Kind: KindBreakerRejected, Message: fmt.Sprintf("circuit breaker %q is %s", name, state)}
}

func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

func ConnectRefused(message string) *Error {
	return &Error{Kind: KindConnectRefused, Message: message}
}

func ServerError(code int, message string) *Error {
	return &Error{Kind: KindServerError, Code: code, Message: message}
}

func ClientError(code int, message string) *Error {
	return &Error{Kind: KindClientError, Code: code, Message: message}
}

func Decode(message string, cause error) *Error {
	return &Error{Kind: KindDecode, Message: message, Cause: cause}
}

func Other(message string, cause error) *Error {
	return &Error{Kind: KindOther, Message: message, Cause: cause}
}

// IsExcluded reports whether an error's kind is in a breaker's excluded
// set — client-side (4xx) failures should never trip a breaker.
func IsExcluded(err error, excluded map[Kind]bool) bool {
	if len(excluded) == 0 {
		return false
	}
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return excluded[re.Kind]
}
