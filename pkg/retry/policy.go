package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/selfheald/selfheald/pkg/breaker"
	"github.com/selfheald/selfheald/pkg/config"
)

// Strategy selects how the delay before a retry is computed.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyAdaptive    Strategy = "adaptive"
)

// Policy is an immutable retry configuration shared across calls.
type Policy struct {
	MaxAttempts int
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether a failed attempt may be retried. Nil uses DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryable retries everything except NonRetryableError and caller cancellation.
func DefaultRetryable(err error) bool {
	return !IsNonRetryable(err) && !errors.Is(err, context.Canceled)
}

// Validate reports an invalid policy.
func (p *Policy) Validate() error {
	if p == nil {
		return errors.New("retry policy must not be nil")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	switch p.Strategy {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyAdaptive:
	default:
		return fmt.Errorf("unsupported retry strategy %q", p.Strategy)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry delays must be non-negative")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// maxDelay is where uncapped delays saturate instead of overflowing.
const maxDelay = time.Duration(math.MaxInt64)

// Backoff returns the delay before retry number n (1 for the second attempt) for the non-adaptive
// strategies. The adaptive strategy falls back to the exponential delay.
func (p *Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var delay time.Duration
	switch p.Strategy {
	case StrategyFixed:
		delay = p.BaseDelay
	case StrategyLinear:
		if p.BaseDelay > 0 && time.Duration(n) > maxDelay/p.BaseDelay {
			delay = maxDelay
		} else {
			delay = p.BaseDelay * time.Duration(n)
		}
	default:
		delay = p.BaseDelay
		for i := 1; i < n; i++ {
			if delay > maxDelay/2 {
				delay = maxDelay
				break
			}
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				break
			}
		}
	}
	return p.cap(delay)
}

func (p *Policy) cap(delay time.Duration) time.Duration {
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p *Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return DefaultRetryable(err)
}

// FromConfig builds a policy from a dependency's retry configuration.
func FromConfig(cfg config.RetryConfig) (*Policy, error) {
	base, max := cfg.Delays()
	p := &Policy{
		MaxAttempts: cfg.MaxAttempts,
		Strategy:    Strategy(cfg.Strategy),
		BaseDelay:   base,
		MaxDelay:    max,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, breaker.ErrOpen)
}
