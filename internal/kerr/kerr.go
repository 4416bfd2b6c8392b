// Package kerr defines the closed set of error kinds the kernel returns
// to callers. Every fallible kernel operation returns a *kerr.Error
// (or nil) rather than a raw integer code: the Kind is what callers branch
// on, the Cause/Message carry the human-readable detail.
package kerr

import "errors"

// Kind is one of the seven categorical failures the kernel can report.
type Kind int

const (
	// Invalid means the caller passed a malformed argument.
	Invalid Kind = iota + 1
	// Busy means a non-blocking acquire found the resource held.
	Busy
	// Timeout means a deadline fired before the blocking condition was met.
	Timeout
	// Interrupted means a blocking call was aborted by an asynchronous unblock.
	Interrupted
	// Deadlock means a non-recursive mutex was re-acquired by its owner, or
	// a priority-inheritance chain would have self-looped.
	Deadlock
	// NoEntry means the operation required state that is not present.
	NoEntry
	// Overflow means a counter bound would be exceeded.
	Overflow
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "INVALID"
	case Busy:
		return "BUSY"
	case Timeout:
		return "TIMEOUT"
	case Interrupted:
		return "INTERRUPTED"
	case Deadlock:
		return "DEADLOCK"
	case NoEntry:
		return "NO_ENTRY"
	case Overflow:
		return "OVERFLOW"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned by kernel operations.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// Unwrap lets errors.Is/errors.As walk into Cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches against another *Error by Kind only, so callers can write
// errors.Is(err, kerr.ErrTimeout) instead of a type switch on Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind with a message and no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind, chaining cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// sentinels for use with errors.Is(err, kerr.ErrXxx).
var (
	ErrInvalid     = &Error{Kind: Invalid}
	ErrBusy        = &Error{Kind: Busy}
	ErrTimeout     = &Error{Kind: Timeout}
	ErrInterrupted = &Error{Kind: Interrupted}
	ErrDeadlock    = &Error{Kind: Deadlock}
	ErrNoEntry     = &Error{Kind: NoEntry}
	ErrOverflow    = &Error{Kind: Overflow}
)

// Of reports the Kind of err, and ok=false if err is nil or not a *Error.
func Of(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
