package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrOpen is matched by every rejection of a breaker that is open or already probing.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError reports a call rejected without invoking the dependency.
type OpenError struct {
	Dependency string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker for %s is %s, retry after %s", e.Dependency, e.State, e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker for %s is %s", e.Dependency, e.State)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// PanicError wraps a panic raised by a protected operation.
type PanicError struct {
	Dependency string
	Value      interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("protected call to %s panicked: %v", e.Dependency, e.Value)
}
