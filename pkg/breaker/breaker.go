package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/selfheald/selfheald/pkg/observability"
)

// State is the position of a breaker in its closed, open, half-open cycle.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) gauge() float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Config holds the tunables of one breaker.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure decides whether an error counts against the dependency. Errors it rejects pass
	// through without touching breaker state.
	IsFailure func(error) bool
}

// DefaultIsFailure counts every error except caller cancellation, rejections by another breaker
// and recovered panics.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	var panicErr *PanicError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrOpen), errors.As(err, &panicErr):
		return false
	default:
		return true
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.IsFailure == nil {
		c.IsFailure = DefaultIsFailure
	}
	return c
}

// Transition describes a state change.
type Transition struct {
	Dependency string
	From       State
	To         State
	At         time.Time
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithReporter wires a reporter for transition and rejection events.
func WithReporter(rep observability.Reporter) Option {
	return func(b *Breaker) {
		b.reporter = observability.OrNoop(rep)
	}
}

// WithTransitionListener registers fn to be called after every state change.
func WithTransitionListener(fn func(Transition)) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.listeners = append(b.listeners, fn)
		}
	}
}

// Breaker guards a single outbound dependency. The state machine is gobreaker's; Breaker adds
// the failure classifier, panic capture, events and a lock-free view of the state.
type Breaker struct {
	name string
	cfg  Config
	cb   *gobreaker.CircuitBreaker[struct{}]

	// mu guards the fields below. gobreaker invokes onStateChange under its own mutex, so mu is
	// never held while calling into cb.
	mu          sync.Mutex
	state       State
	lastFailure time.Time
	openedAt    time.Time
	pending     []Transition

	listeners []func(Transition)
	reporter  observability.Reporter
}

// New constructs a closed breaker for the named dependency.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		state:    StateClosed,
		reporter: observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(b)
	}

	threshold := uint32(b.cfg.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(convertState(from), convertState(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		IsExcluded: func(err error) bool {
			return err != nil && !b.cfg.IsFailure(err)
		},
	})
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Call invokes op unless the breaker rejects it. While open, calls fail with an OpenError until
// the recovery timeout elapses; the next call is then the single half-open probe.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.invoke(ctx, op)
	})
	b.flush(ctx)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		err = &OpenError{Dependency: b.name, State: StateOpen, RetryAfter: b.retryAfter()}
		b.recordRejection(ctx, err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		err = &OpenError{Dependency: b.name, State: StateHalfOpen}
		b.recordRejection(ctx, err)
	case err != nil && b.cfg.IsFailure(err):
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
	}
	return err
}

func (b *Breaker) invoke(ctx context.Context, op func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Dependency: b.name, Value: r}
		}
	}()
	return op(ctx)
}

func (b *Breaker) retryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) onStateChange(from, to State) {
	now := time.Now()
	b.mu.Lock()
	b.state = to
	if to == StateOpen {
		b.openedAt = now
	}
	b.pending = append(b.pending, Transition{Dependency: b.name, From: from, To: to, At: now})
	b.mu.Unlock()
}

func (b *Breaker) flush(ctx context.Context) {
	b.mu.Lock()
	transitions := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, t := range transitions {
		b.recordTransition(ctx, t)
		for _, fn := range b.listeners {
			fn(t)
		}
	}
}

// State returns the state as of the last call. An open breaker whose timeout elapsed stays open
// until the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters. Failure counts restart whenever the state
// changes.
func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		LastFailureAt:       b.lastFailure,
		OpenedAt:            b.openedAt,
	}
}

func (b *Breaker) recordTransition(ctx context.Context, t Transition) {
	b.reporter.RecordMetric(observability.Metric{
		Name:        "breaker_transitions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"dependency": t.Dependency, "to": string(t.To)},
		Description: "Number of circuit breaker state transitions.",
	})
	b.reporter.RecordMetric(observability.Metric{
		Name:        "breaker_state",
		Type:        observability.MetricGauge,
		Value:       t.To.gauge(),
		Labels:      map[string]string{"dependency": t.Dependency},
		Description: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})
	b.reporter.RecordEvent(ctx, observability.Event{
		Event:   "breaker_transition",
		Level:   observability.LevelFor(t.To != StateClosed, false),
		Message: string(t.From) + " -> " + string(t.To),
		Fields: map[string]interface{}{
			"dependency": t.Dependency,
			"from":       string(t.From),
			"to":         string(t.To),
		},
	})
}

func (b *Breaker) recordRejection(ctx context.Context, err error) {
	b.reporter.RecordMetric(observability.Metric{
		Name:        "breaker_rejections_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"dependency": b.name},
		Description: "Number of calls rejected by an open circuit breaker.",
	})
	b.reporter.RecordEvent(ctx, observability.Event{
		Event:   "breaker_rejected",
		Level:   observability.LevelDebug,
		Message: err.Error(),
		Fields:  map[string]interface{}{"dependency": b.name},
	})
}
