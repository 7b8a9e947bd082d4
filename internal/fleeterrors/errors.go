// Package fleeterrors defines the closed error-kind taxonomy shared across
// every core component, so callers can discriminate on Kind instead of
// matching error strings.
package fleeterrors

import "fmt"

// Kind is one of the error kinds a component boundary can return.
type Kind string

const (
	KindConfiguration        Kind = "CONFIGURATION_ERROR"
	KindIllegalStateTransition Kind = "ILLEGAL_STATE_TRANSITION"
	KindTaskTimeout           Kind = "TASK_TIMEOUT"
	KindTaskFailed            Kind = "TASK_FAILED"
	KindPoolExhausted         Kind = "POOL_EXHAUSTED"
	KindBackpressureDrop      Kind = "BACKPRESSURE_DROP"
	KindMemoryIO              Kind = "MEMORY_IO_ERROR"
	KindCapabilityUnmet       Kind = "CAPABILITY_UNMET"
	KindCanceled              Kind = "CANCELED"
)

// Error is the single wrapped-error shape every component boundary returns:
// a stable Kind plus context fields plus an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Field   string // populated for ConfigurationError: the offending field
	Cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (field=%s): %v", e.Kind, e.Message, e.Field, e.Cause)
		}
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, fleeterrors.KindX) style checks via a sentinel
// wrapper; callers more commonly use As + Kind comparison, but a fast path
// on Kind is handy in tests.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Configuration builds a ConfigurationError naming the offending field.
func Configuration(field, message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Field: field}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if fe == nil {
		return "", false
	}
	return fe.Kind, true
}
