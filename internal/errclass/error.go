package errclass

import (
	"errors"
	"fmt"

	"modelgate/internal/shared"
)

var (
	ErrValidationFailed     = errors.New("validation failed")
	ErrModelNotFound        = errors.New("model not found")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Error is what callers of the gateway see: a classified failure with the
// original cause preserved.
type Error struct {
	Class     Classification
	Operation shared.OperationKind
	Model     string
	Provider  string
	Attempts  int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (provider %q, %d attempts) failed with %s: %v",
		e.Operation, e.Model, e.Provider, e.Attempts, e.Class.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err in the given context and wraps it.
func Wrap(err error, c Context, attempts int) *Error {
	return &Error{
		Class:     Classify(err, c),
		Operation: c.Operation,
		Model:     c.Model,
		Provider:  c.Provider,
		Attempts:  attempts,
		Err:       err,
	}
}

// KindOf returns the kind of a wrapped Error, or classifies err on the fly.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Class.Kind
	}
	return Classify(err, Context{}).Kind
}
