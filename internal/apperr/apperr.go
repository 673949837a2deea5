// Package apperr classifies the failures surfaced by the wallet session and the
// endpoint selector so callers can choose a presentation without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a failure category. A Kind is itself an error so it can be used as
// the target of errors.Is.
type Kind string

// Failure categories
const (
	NoWalletSelected  Kind = "no wallet selected"
	UnknownWallet     Kind = "unknown wallet"
	UserRejected      Kind = "user rejected request"
	Timeout           Kind = "timeout"
	CapabilityError   Kind = "wallet capability error"
	AlreadyInProgress Kind = "connection already in progress"
	Superseded        Kind = "connection attempt superseded"
	Canceled          Kind = "request canceled"
	NoWorkingEndpoint Kind = "no working rpc endpoint"
	ChainMismatch     Kind = "chain id mismatch"
	Config            Kind = "invalid configuration"
)

func (k Kind) Error() string { return string(k) }

// Retryable reports whether retrying the same operation can reasonably succeed.
func (k Kind) Retryable() bool {
	return k == Timeout
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "session.Connect".
	Op  string
	Err error
}

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error of the given kind with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches either another *Error of the same kind or a bare Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
