package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Step is one iteration of a periodic task.
type Step func(ctx context.Context) error

// Loop drives a periodic task until the context is cancelled. Step errors never stop the loop;
// they are reported and followed by an exponential error backoff.
type Loop struct {
	name          string
	step          Step
	interval      time.Duration
	sleep         func(time.Duration)
	iterationHook func()
	errorHandler  func(error)
	errorBackoff  time.Duration
	errorMinDelay time.Duration
	errorMaxDelay time.Duration
}

// LoopOption customises loop behaviour.
type LoopOption func(*Loop)

// WithLoopSleepFunc overrides the sleep implementation between iterations.
func WithLoopSleepFunc(fn func(time.Duration)) LoopOption {
	return func(l *Loop) {
		l.sleep = fn
	}
}

// WithLoopIterationHook registers a callback invoked after each successful iteration.
func WithLoopIterationHook(fn func()) LoopOption {
	return func(l *Loop) {
		l.iterationHook = fn
	}
}

// WithLoopErrorHandler registers a callback for step errors.
func WithLoopErrorHandler(fn func(error)) LoopOption {
	return func(l *Loop) {
		l.errorHandler = fn
	}
}

// WithLoopErrorBackoff overrides the retry backoff window applied after errors.
func WithLoopErrorBackoff(min, max time.Duration) LoopOption {
	return func(l *Loop) {
		l.errorMinDelay = min
		l.errorMaxDelay = max
	}
}

// NewLoop constructs a Loop running step every interval.
func NewLoop(name string, interval time.Duration, step Step, opts ...LoopOption) (*Loop, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("loop name must not be empty")
	}
	if step == nil {
		return nil, errors.New("loop step must not be nil")
	}

	loop := &Loop{
		name:          name,
		step:          step,
		interval:      interval,
		sleep:         time.Sleep,
		errorMinDelay: 5 * time.Second,
		errorMaxDelay: time.Minute,
	}

	for _, opt := range opts {
		opt(loop)
	}

	if loop.sleep == nil {
		loop.sleep = time.Sleep
	}
	if loop.interval <= 0 {
		loop.interval = time.Minute
	}
	if loop.errorMinDelay < 0 {
		loop.errorMinDelay = 0
	}
	if loop.errorMaxDelay < loop.errorMinDelay {
		loop.errorMaxDelay = loop.errorMinDelay
	}

	return loop, nil
}

// Name identifies the loop in logs.
func (l *Loop) Name() string { return l.name }

// Run executes the loop until ctx is cancelled and returns the context error.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.step(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if l.errorHandler != nil {
				l.errorHandler(err)
			}
			if delay := l.nextErrorDelay(); delay > 0 {
				if sleepErr := l.sleepWithContext(ctx, delay); sleepErr != nil {
					return sleepErr
				}
			}
			continue
		}
		l.resetErrorBackoff()

		if l.iterationHook != nil {
			l.iterationHook()
		}

		if err := l.sleepWithContext(ctx, l.interval); err != nil {
			return err
		}
	}
}

func (l *Loop) nextErrorDelay() time.Duration {
	if l.errorMinDelay <= 0 {
		return 0
	}
	if l.errorBackoff <= 0 {
		l.errorBackoff = l.errorMinDelay
	} else {
		l.errorBackoff *= 2
		if l.errorBackoff < l.errorMinDelay {
			l.errorBackoff = l.errorMinDelay
		}
	}
	if l.errorBackoff > l.errorMaxDelay {
		l.errorBackoff = l.errorMaxDelay
	}
	return l.errorBackoff
}

func (l *Loop) resetErrorBackoff() {
	l.errorBackoff = 0
}

func (l *Loop) sleepWithContext(ctx context.Context, d time.Duration) error {
	return sleepWithContext(ctx, l.sleep, d)
}

func sleepWithContext(ctx context.Context, sleep func(time.Duration), d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
