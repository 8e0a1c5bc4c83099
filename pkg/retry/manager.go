package retry

import (
	"context"
	"time"

	"github.com/selfheald/selfheald/pkg/observability"
)

const defaultAdaptiveWindow = 20

// Option customises a Manager.
type Option func(*Manager)

// WithAdaptiveWindow bounds how many successful delays are remembered per error class.
func WithAdaptiveWindow(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.window = n
		}
	}
}

// WithSleep overrides how the manager waits between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithReporter wires a reporter for attempt events.
func WithReporter(rep observability.Reporter) Option {
	return func(m *Manager) {
		m.reporter = observability.OrNoop(rep)
	}
}

// Manager executes operations under a Policy and learns adaptive delays.
type Manager struct {
	window   int
	sleep    func(context.Context, time.Duration) error
	reporter observability.Reporter
	history  *delayHistory
}

// NewManager constructs a retry manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		window:   defaultAdaptiveWindow,
		sleep:    sleepWithContext,
		reporter: observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.history = newDelayHistory(m.window)
	return m
}

// Do runs op until it succeeds, the policy gives up, or ctx ends. A breaker rejection or an error
// the policy refuses to retry is returned unchanged. Exhaustion returns *ExhaustedError.
func (m *Manager) Do(ctx context.Context, dependency string, policy *Policy, op func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	var (
		lastErr   error
		lastClass string
		lastDelay time.Duration
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			lastDelay = m.delay(policy, attempt-1, lastClass)
			if err := m.sleep(ctx, lastDelay); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				m.history.record(lastClass, lastDelay)
			}
			m.recordAttempt(ctx, dependency, attempt, "success", nil)
			return nil
		}

		switch {
		case isBreakerRejection(err):
			m.recordAttempt(ctx, dependency, attempt, "rejected", err)
			return err
		case !policy.retryable(err):
			m.recordAttempt(ctx, dependency, attempt, "non_retryable", err)
			return err
		}

		m.recordAttempt(ctx, dependency, attempt, "failure", err)
		lastErr = err
		lastClass = ClassOf(err)
		if ctx.Err() != nil {
			return err
		}
	}

	exhausted := &ExhaustedError{Dependency: dependency, Attempts: policy.MaxAttempts, LastErr: lastErr}
	m.reporter.RecordEvent(ctx, observability.Event{
		Event:   "retry_exhausted",
		Level:   observability.LevelWarn,
		Message: exhausted.Error(),
		Fields: map[string]interface{}{
			"dependency": dependency,
			"attempts":   policy.MaxAttempts,
			"class":      lastClass,
		},
	})
	return exhausted
}

// Delay exposes the delay the manager would wait before retry n for errors of class.
func (m *Manager) Delay(policy *Policy, n int, class string) time.Duration {
	return m.delay(policy, n, class)
}

func (m *Manager) delay(policy *Policy, n int, class string) time.Duration {
	if policy.Strategy == StrategyAdaptive {
		if avg, ok := m.history.average(class); ok {
			return policy.cap(avg)
		}
	}
	return policy.Backoff(n)
}

func (m *Manager) recordAttempt(ctx context.Context, dependency string, attempt int, result string, err error) {
	m.reporter.RecordMetric(observability.Metric{
		Name:        "retry_attempts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"dependency": dependency, "result": result},
		Description: "Number of protected call attempts by outcome.",
	})
	if err == nil {
		return
	}
	fields := map[string]interface{}{
		"dependency": dependency,
		"attempt":    attempt,
		"result":     result,
		"error":      err.Error(),
	}
	m.reporter.RecordEvent(ctx, observability.Event{
		Event:  "retry_attempt",
		Level:  observability.LevelDebug,
		Fields: fields,
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
