// Package errs classifies errors by propagation policy.
//
// The engine treats errors differently depending on where they originate:
// a transient network blip while polling market data is swallowed and
// retried, the same blip during an order RPC fails the leg, and a detected
// state-machine invariant violation halts entries. Kind carries that
// distinction through the call stack instead of string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the category of an error, used to decide how it propagates.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindVenueNetwork  // transient: retried with backoff, not surfaced
	KindVenueBusiness // insufficient funds, order not found, rate-limited, unsupported
	KindAuth
	KindParse
	KindPersistence
	KindInternalInvariant // fatal: alert, persist Error, halt entries
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindVenueNetwork:
		return "venue_network"
	case KindVenueBusiness:
		return "venue_business"
	case KindAuth:
		return "auth"
	case KindParse:
		return "parse"
	case KindPersistence:
		return "persistence"
	case KindInternalInvariant:
		return "internal_invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op string, format string, args ...any) error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from err, or KindUnknown if err was not
// produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is a kind that callers should retry
// with backoff rather than surface.
func IsTransient(err error) bool {
	return KindOf(err) == KindVenueNetwork
}

// IsFatal reports whether err demands halting entries and alerting an
// operator.
func IsFatal(err error) bool {
	return KindOf(err) == KindInternalInvariant
}
