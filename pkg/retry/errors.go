package retry

import (
	"errors"
	"fmt"
)

// ExhaustedError is returned after every permitted attempt failed.
type ExhaustedError struct {
	Dependency string
	Attempts   int
	LastErr    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Dependency, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// NonRetryableError marks an error that must not be retried, such as an authorisation failure.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so the default predicate stops retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries a NonRetryableError.
func IsNonRetryable(err error) bool {
	var target *NonRetryableError
	return errors.As(err, &target)
}

type classifier interface {
	Class() string
}

// ClassOf names the classification used by the adaptive strategy: the Class method of the first
// error in the chain that has one, otherwise the type of the innermost error.
func ClassOf(err error) string {
	if err == nil {
		return ""
	}
	var c classifier
	if errors.As(err, &c) {
		return c.Class()
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return fmt.Sprintf("%T", inner)
}
