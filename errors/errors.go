package errors

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrUnauthorized is returned when an operation requires an
	// authenticated session and none is established.
	ErrUnauthorized = Register(2, "unauthorized")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = Register(3, "not found")

	// ErrInput is returned for caller mistakes that no amount of retrying
	// can fix (bad parameters, missing fields).
	ErrInput = Register(4, "invalid input")

	// ErrNetwork is returned when the socket cannot be opened, closes
	// unexpectedly, or a frame cannot be written.
	ErrNetwork = Register(5, "network")

	// ErrTimeout is returned when no response arrived within the
	// operation deadline. Distinct from ErrProtocol so that callers can
	// tell "server rejected" from "server silent".
	ErrTimeout = Register(6, "timeout")

	// ErrProtocol is returned when the clearing node answered with an
	// error envelope.
	ErrProtocol = Register(7, "protocol")

	// ErrConflict is returned when an entity that was to be created
	// already exists. Channel creation treats this as a recoverable
	// branch, not a failure.
	ErrConflict = Register(8, "already exists")

	// ErrPaymentRequired is returned when a payment proof is missing,
	// insufficient or misdirected. Always mapped to a 402 response so the
	// client is told to pay correctly rather than that the server broke.
	ErrPaymentRequired = Register(9, "payment required")

	// ErrMalformed is returned when a payload cannot be decoded.
	ErrMalformed = Register(10, "malformed")

	// ErrState is returned when an operation is attempted in a lifecycle
	// state that does not permit it.
	ErrState = Register(11, "invalid state")

	// ErrStale is returned when a channel state would be submitted whose
	// version is not newer than the last on-chain-confirmed one.
	ErrStale = Register(12, "stale state")

	// ErrAmount is returned for negative, unparseable or otherwise
	// invalid amounts.
	ErrAmount = Register(13, "invalid amount")

	// ErrHuman is returned when the application reaches a code path that
	// should not be reachable if the code was written as intended.
	ErrHuman = Register(15, "coding error")

	// ErrPanic is only set when we recover from a panic.
	ErrPanic = Register(111222, "panic")
)

// Register returns an error instance that should be used as the base for
// creating error instances during runtime.
//
// Popular root errors are declared in this package, but extensions may want
// to declare custom codes. This function ensures that no error code is used
// twice. Attempt to reuse an error code results in panic.
//
// Use this function only during a program startup phase.
func Register(code uint32, description string) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already registered: %q", code, e.desc))
	}
	err := &Error{
		code: code,
		desc: description,
	}
	usedCodes[err.code] = err
	return err
}

// usedCodes is keeping track of used codes to ensure their uniqueness. No
// two error instances should share the same error code.
var usedCodes = map[uint32]*Error{
	1: nil, // Code 1 is reserved for errors from outside this package.
}

// Error represents a root error.
//
// Each error instance created during runtime should wrap one of the root
// errors declared here. This allows error tests and returning all errors to
// the caller in a safe manner.
type Error struct {
	code uint32
	desc string
}

func (e Error) Error() string {
	return e.desc
}

// Code returns the registered code of this error kind.
func (e Error) Code() uint32 {
	return e.code
}

// New returns a new error. Returned instance is having the root cause set
// to this error. Below two lines are equal
//
//	e.New("my description")
//	Wrap(e, "my description")
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

// Newf is basically New with formatting capabilities.
func (e *Error) Newf(description string, args ...interface{}) error {
	return e.New(fmt.Sprintf(description, args...))
}

// Is checks if given error instance is of a given kind/type. This involves
// unwrapping given error using the Cause method if available.
func (kind *Error) Is(err error) bool {
	// Reflect usage is necessary to correctly compare with
	// a nil implementation of an error.
	if kind == nil {
		if err == nil {
			return true
		}
		return reflect.ValueOf(err).IsNil()
	}

	for {
		if err == kind {
			return true
		}

		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			return false
		}
	}
}

// Timeout reports whether err resulted from an expired operation deadline
// rather than a rejection.
func Timeout(err error) bool {
	return ErrTimeout.Is(err)
}

// PaymentRequired reports whether err is correctable by the caller paying
// properly.
func PaymentRequired(err error) bool {
	return ErrPaymentRequired.Is(err)
}

// Wrap extends given error with an additional information.
//
// If err is nil, this returns nil, avoiding the need for an if statement
// when wrapping an error returned at the end of a function.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}

	// Attach a stack trace only once per error, at the lowest frame
	// possible (most inner wrap).
	if stackTrace(err) == nil {
		err = errors.WithStack(err)
	}

	return &wrappedError{
		parent: err,
		msg:    description,
	}
}

// Wrapf extends given error with an additional information.
//
// This function works like Wrap function with additional functionality of
// formatting the input as specified.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

type wrappedError struct {
	// This error layer description.
	msg string
	// The underlying error that triggered this one.
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

func (e *wrappedError) Cause() error {
	return e.parent
}

// Unwrap makes the error compatible with the standard library errors
// package matching.
func (e *wrappedError) Unwrap() error {
	return e.parent
}

// Recover captures a panic and stops its propagation. If panic happens it
// is transformed into an ErrPanic instance and assigned to given error.
// Call this function using defer in order to work as expected.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = Wrapf(ErrPanic, "%v", r)
	}
}

// WithType is a helper to augment an error with a corresponding type message.
func WithType(err error, obj interface{}) error {
	return Wrap(err, fmt.Sprintf("%T", obj))
}

// causer is an interface implemented by an error that supports wrapping.
// Use it to test if an error wraps another error instance.
type causer interface {
	Cause() error
}

// stackTrace returns the first found stack trace frame carried by given
// error or any wrapped error. It returns nil if no stack trace is found.
func stackTrace(err error) errors.StackTrace {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	for {
		if st, ok := err.(stackTracer); ok {
			return st.StackTrace()
		}

		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			return nil
		}
	}
}
