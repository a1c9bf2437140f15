// Package faults classifies failures at the external-service boundaries so
// each component can pick its degrade, fallback or abort policy.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an Error.
type Kind int

const (
	// Transient covers unreachable, rate-limited or timed-out services.
	Transient Kind = iota + 1
	// MalformedResponse is structured model output that could not be decoded.
	MalformedResponse
	// Transport is a mail send/receive failure.
	Transport
	// Fatal is an authentication or credential failure; the run must abort.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case MalformedResponse:
		return "malformed_response"
	case Transport:
		return "transport"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error. A nil err still produces a non-nil error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsFatal reports whether err must abort the current run.
func IsFatal(err error) bool {
	return Is(err, Fatal)
}
