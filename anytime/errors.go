package anytime

import "errors"

// Error kinds. Every domain failure unwraps to exactly one of these.
var (
	ErrValidation   = errors.New("anytime: validation failed")
	ErrNotFound     = errors.New("anytime: window not found")
	ErrConflict     = errors.New("anytime: conflict")
	ErrUnauthorized = errors.New("anytime: not authorized")
)

// ErrDuplicateWindow is returned when an insert collides with an existing id.
var ErrDuplicateWindow = errors.New("anytime: window already exists")

// errStaleWrite signals a conditional write matched no row. The coordinator
// re-reads the window to classify it; it never leaves this package.
var errStaleWrite = errors.New("anytime: conditional write matched no row")

// Error is a typed operation failure with a reason suitable for display.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return "anytime: " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func validationError(reason string) error {
	return &Error{Kind: ErrValidation, Reason: reason}
}

func notFoundError(windowID string) error {
	return &Error{Kind: ErrNotFound, Reason: "window " + windowID + " not found"}
}

func conflictError(reason string) error {
	return &Error{Kind: ErrConflict, Reason: reason}
}

func unauthorizedError(reason string) error {
	return &Error{Kind: ErrUnauthorized, Reason: reason}
}

// Reason extracts the human-readable reason of a domain error, falling back
// to err.Error() for anything else.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// ErrorKind maps an error to a stable label for logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}
