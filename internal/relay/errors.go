// Package relay defines the domain types shared by the relay core: the
// validated sending identity, the mail transaction and its states, delivery
// attempts, and the error taxonomy every collaborator translates into.
package relay

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure by scope and policy.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that carry no Kind.
	KindUnknown Kind = iota

	// KindConfigInconsistency is a startup failure caused by invalid or
	// contradictory configuration. Fatal, never retried.
	KindConfigInconsistency

	// KindCloudMismatch means the acquired token belongs to a different
	// cloud environment than the resolved profile. Fatal, never retried.
	KindCloudMismatch

	// KindIdentityNotFound means the relay identity does not exist in the
	// directory or has no mail address. Fatal, never retried.
	KindIdentityNotFound

	// KindProtocolViolation is an out-of-order SMTP command. Only the
	// current transaction is rejected; the session continues.
	KindProtocolViolation

	// KindTransientDispatch is a send attempt failure that may succeed on
	// retry (timeouts, throttling, server errors).
	KindTransientDispatch

	// KindPermanentDispatch is a send attempt failure that will not
	// succeed on retry (bad recipient, authorization failure).
	KindPermanentDispatch
)

// String returns the name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindConfigInconsistency:
		return "config_inconsistency"
	case KindCloudMismatch:
		return "cloud_mismatch"
	case KindIdentityNotFound:
		return "identity_not_found"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindTransientDispatch:
		return "transient_dispatch"
	case KindPermanentDispatch:
		return "permanent_dispatch"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind must stop startup.
func (k Kind) Fatal() bool {
	return k == KindConfigInconsistency || k == KindCloudMismatch || k == KindIdentityNotFound
}

// Error is the error type crossing the core boundary. Directory, token and
// mail API failures are translated into an Error by the package that talks
// to the remote service.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "graph.sendMail".
	Op string

	// Msg is a short human-readable description.
	Msg string

	// StatusCode is the remote HTTP status, 0 if no response was received.
	StatusCode int

	// RetryAfter is the delay requested by the remote service, if any.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs an *Error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the remote-requested retry delay carried by err, or 0.
func RetryAfterOf(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
