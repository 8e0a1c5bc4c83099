package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfheald/selfheald/pkg/breaker"
	"github.com/selfheald/selfheald/pkg/config"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func exponential() *Policy {
	return &Policy{MaxAttempts: 3, Strategy: StrategyExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}
}

func TestDoExhaustsAfterMaxAttempts(t *testing.T) {
	sleeps := &recordedSleeps{}
	m := NewManager(WithSleep(sleeps.sleep))
	errFlaky := errors.New("flaky")

	calls := 0
	err := m.Do(context.Background(), "chat", exponential(), func(context.Context) error {
		calls++
		return errFlaky
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps.delays)
}

func TestDoReturnsOnSuccess(t *testing.T) {
	sleeps := &recordedSleeps{}
	m := NewManager(WithSleep(sleeps.sleep))

	calls := 0
	err := m.Do(context.Background(), "chat", exponential(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, sleeps.delays, 1)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	m := NewManager(WithSleep((&recordedSleeps{}).sleep))
	errAuth := NonRetryable(errors.New("unauthorized"))

	calls := 0
	err := m.Do(context.Background(), "tracker", exponential(), func(context.Context) error {
		calls++
		return errAuth
	})
	assert.Same(t, errAuth, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCustomPredicate(t *testing.T) {
	m := NewManager(WithSleep((&recordedSleeps{}).sleep))
	errForbidden := errors.New("forbidden")
	policy := exponential()
	policy.Retryable = func(err error) bool { return !errors.Is(err, errForbidden) }

	calls := 0
	err := m.Do(context.Background(), "tracker", policy, func(context.Context) error {
		calls++
		return errForbidden
	})
	assert.Equal(t, errForbidden, err)
	assert.Equal(t, 1, calls)
}

func TestDoPropagatesOpenBreakerImmediately(t *testing.T) {
	m := NewManager(WithSleep((&recordedSleeps{}).sleep))
	b := breaker.New("chat", breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("down") })

	invoked := 0
	err := m.Do(context.Background(), "chat", exponential(), func(ctx context.Context) error {
		return b.Call(ctx, func(context.Context) error {
			invoked++
			return nil
		})
	})
	require.ErrorIs(t, err, breaker.ErrOpen)
	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Zero(t, invoked)
}

func TestDoStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	calls := 0
	err := m.Do(ctx, "chat", exponential(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffStrategies(t *testing.T) {
	base := 100 * time.Millisecond
	fixed := &Policy{MaxAttempts: 5, Strategy: StrategyFixed, BaseDelay: base}
	linear := &Policy{MaxAttempts: 5, Strategy: StrategyLinear, BaseDelay: base}
	capped := &Policy{MaxAttempts: 10, Strategy: StrategyExponential, BaseDelay: base, MaxDelay: 500 * time.Millisecond}

	assert.Equal(t, base, fixed.Backoff(3))
	assert.Equal(t, 300*time.Millisecond, linear.Backoff(3))

	prev := time.Duration(0)
	for n := 1; n <= 9; n++ {
		d := capped.Backoff(n)
		assert.GreaterOrEqual(t, d, prev, "delay for retry %d decreased", n)
		assert.LessOrEqual(t, d, capped.MaxDelay)
		prev = d
	}
	assert.Equal(t, 400*time.Millisecond, capped.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, capped.Backoff(4))
}

func TestUncappedBackoffSaturates(t *testing.T) {
	exponential := &Policy{MaxAttempts: 100, Strategy: StrategyExponential, BaseDelay: time.Second}
	linear := &Policy{MaxAttempts: 100, Strategy: StrategyLinear, BaseDelay: time.Hour * 24 * 365 * 100}

	prev := time.Duration(0)
	for n := 1; n < 100; n++ {
		d := exponential.Backoff(n)
		require.Positive(t, d, "delay for retry %d overflowed", n)
		require.GreaterOrEqual(t, d, prev, "delay for retry %d decreased", n)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), exponential.Backoff(99))
	assert.Equal(t, time.Duration(math.MaxInt64), linear.Backoff(1<<20))
}

type throttledError struct{}

func (throttledError) Error() string { return "throttled" }
func (throttledError) Class() string { return "throttle" }

func TestAdaptiveStrategyLearnsFromSuccessfulRetries(t *testing.T) {
	sleeps := &recordedSleeps{}
	m := NewManager(WithSleep(sleeps.sleep), WithAdaptiveWindow(2))
	policy := &Policy{MaxAttempts: 4, Strategy: StrategyAdaptive, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, m.Delay(policy, 1, "throttle"))

	failTimes := func(n int) func(context.Context) error {
		calls := 0
		return func(context.Context) error {
			calls++
			if calls <= n {
				return fmt.Errorf("call: %w", throttledError{})
			}
			return nil
		}
	}

	require.NoError(t, m.Do(context.Background(), "chat", policy, failTimes(3)))
	// The successful retry followed the third delay of 400ms.
	assert.Equal(t, 400*time.Millisecond, m.Delay(policy, 1, "throttle"))

	require.NoError(t, m.Do(context.Background(), "chat", policy, failTimes(1)))
	assert.Equal(t, 400*time.Millisecond, m.Delay(policy, 1, "throttle"))

	assert.Equal(t, 100*time.Millisecond, m.Delay(policy, 1, "other"), "unknown classes fall back to exponential")
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, "throttle", ClassOf(fmt.Errorf("wrapped: %w", throttledError{})))
	assert.Equal(t, "*errors.errorString", ClassOf(fmt.Errorf("wrapped: %w", errors.New("x"))))
	assert.Equal(t, "", ClassOf(nil))
}

func TestPolicyValidationAndConfig(t *testing.T) {
	require.Error(t, (&Policy{MaxAttempts: 0, Strategy: StrategyFixed}).Validate())
	require.Error(t, (&Policy{MaxAttempts: 1, Strategy: "random"}).Validate())
	require.Error(t, (&Policy{MaxAttempts: 1, Strategy: StrategyFixed, BaseDelay: time.Second, MaxDelay: time.Millisecond}).Validate())

	p, err := FromConfig(config.RetryConfig{MaxAttempts: 3, Strategy: "linear", BaseDelayMs: 50, MaxDelayMs: 500})
	require.NoError(t, err)
	assert.Equal(t, StrategyLinear, p.Strategy)
	assert.Equal(t, 50*time.Millisecond, p.BaseDelay)
}
