package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/selfheald/selfheald/pkg/observability"
)

const defaultCheckTimeout = 5 * time.Second

// Registration binds a Check to the metadata the manager stamps onto its results.
type Registration struct {
	Check     Check
	Kind      Kind
	Timeout   time.Duration
	Exclude   bool
	Problem   string
	Component string
}

// Option customises a Manager.
type Option func(*Manager)

// WithDefaultTimeout sets the timeout applied to registrations without their own.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.defaultTimeout = timeout
		}
	}
}

// WithReporter wires a reporter for cycle and check events.
func WithReporter(rep observability.Reporter) Option {
	return func(m *Manager) {
		m.reporter = observability.OrNoop(rep)
	}
}

// WithClock overrides the time source used to stamp results.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager runs registered checks concurrently and publishes the latest Report.
type Manager struct {
	mu          sync.RWMutex
	checks      []Registration
	names       map[string]struct{}
	subscribers []func(*Report)

	cycleMu sync.Mutex
	current atomic.Pointer[Report]

	defaultTimeout time.Duration
	reporter       observability.Reporter
	now            func() time.Time
}

// NewManager constructs a Manager. The current report starts empty and healthy.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		names:          make(map[string]struct{}),
		defaultTimeout: defaultCheckTimeout,
		reporter:       observability.NoopReporter{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&Report{OverallStatus: StatusHealthy, Checks: map[string]CheckResult{}, GeneratedAt: m.now()})
	return m
}

// Register adds a check. Names must be unique.
func (m *Manager) Register(reg Registration) error {
	if reg.Check == nil {
		return errors.New("health check must not be nil")
	}
	name := strings.TrimSpace(reg.Check.Name())
	if name == "" {
		return errors.New("health check name must not be empty")
	}
	if reg.Kind == "" {
		reg.Kind = KindGeneric
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[name]; ok {
		return fmt.Errorf("duplicate health check name %q", name)
	}
	m.names[name] = struct{}{}
	m.checks = append(m.checks, reg)
	return nil
}

// Subscribe registers fn to receive every new Report after it is published.
func (m *Manager) Subscribe(fn func(*Report)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// Current returns the most recently published Report.
func (m *Manager) Current() *Report {
	return m.current.Load()
}

// RunHealthChecks runs every registered check concurrently, publishes the new Report and returns it.
// Cycles are serialised so a slow cycle never overwrites a newer report.
func (m *Manager) RunHealthChecks(ctx context.Context) *Report {
	if ctx == nil {
		ctx = context.Background()
	}
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.mu.RLock()
	regs := append([]Registration(nil), m.checks...)
	m.mu.RUnlock()

	start := m.now()
	results := make(map[string]CheckResult, len(regs))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, reg := range regs {
		wg.Add(1)
		go func(reg Registration) {
			defer wg.Done()
			res := m.runOne(ctx, reg)
			resMu.Lock()
			results[res.Name] = res
			resMu.Unlock()
		}(reg)
	}
	wg.Wait()

	report := &Report{
		OverallStatus: Aggregate(results),
		Checks:        results,
		GeneratedAt:   m.now(),
	}
	m.current.Store(report)
	m.recordCycle(ctx, report, report.GeneratedAt.Sub(start))

	m.mu.RLock()
	subscribers := slices.Clone(m.subscribers)
	m.mu.RUnlock()
	for _, fn := range subscribers {
		fn(report)
	}
	return report
}

func (m *Manager) runOne(ctx context.Context, reg Registration) CheckResult {
	name := strings.TrimSpace(reg.Check.Name())
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := m.now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Unhealthy(&CheckPanicError{Check: name, Value: r})
			}
		}()
		done <- reg.Check.Run(checkCtx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-checkCtx.Done():
		if errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			res = Unhealthy(&CheckTimeoutError{Check: name, Timeout: timeout})
			res.Message = "timeout"
		} else {
			res = Unhealthy(checkCtx.Err())
		}
	}

	if !res.Status.Valid() {
		res.Message = fmt.Sprintf("check returned unknown status %q: %s", res.Status, res.Message)
		res.Status = StatusUnhealthy
	}
	res.Name = name
	res.Kind = reg.Kind
	res.Excluded = reg.Exclude
	res.Problem = reg.Problem
	res.Component = reg.Component
	if res.Component == "" {
		res.Component = name
	}
	if res.MeasuredAt.IsZero() {
		res.MeasuredAt = m.now()
	}
	res.Duration = res.MeasuredAt.Sub(started)
	if res.Duration < 0 {
		res.Duration = 0
	}

	m.recordCheck(ctx, res)
	return res
}

func (m *Manager) recordCheck(ctx context.Context, res CheckResult) {
	labels := map[string]string{"check": res.Name, "status": string(res.Status)}
	m.reporter.RecordMetric(observability.Metric{
		Name:        "health_checks_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of health check executions by outcome.",
	})
	m.reporter.RecordMetric(observability.Metric{
		Name:        "health_check_seconds",
		Type:        observability.MetricHistogram,
		Value:       res.Duration.Seconds(),
		Labels:      map[string]string{"check": res.Name},
		Description: "Duration of health check executions.",
		Unit:        "seconds",
	})
	if res.Status == StatusHealthy {
		return
	}
	fields := map[string]interface{}{
		"check":    res.Name,
		"status":   string(res.Status),
		"kind":     string(res.Kind),
		"excluded": res.Excluded,
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	m.reporter.RecordEvent(ctx, observability.Event{
		Event:   "check_failed",
		Level:   observability.LevelFor(true, res.Status == StatusUnhealthy && !res.Excluded),
		Message: res.Message,
		Fields:  fields,
	})
}

func (m *Manager) recordCycle(ctx context.Context, report *Report, duration time.Duration) {
	failing := make([]string, 0)
	for _, res := range report.Failing() {
		failing = append(failing, res.Name)
	}
	m.reporter.RecordMetric(observability.Metric{
		Name:        "health_overall_status",
		Type:        observability.MetricGauge,
		Value:       float64(report.OverallStatus.rank()),
		Description: "Overall health: 0 healthy, 1 degraded, 2 unhealthy.",
	})
	m.reporter.RecordEvent(ctx, observability.Event{
		Event: "health_cycle",
		Level: observability.LevelFor(report.OverallStatus == StatusDegraded, report.OverallStatus == StatusUnhealthy),
		Fields: map[string]interface{}{
			"overall_status": string(report.OverallStatus),
			"checks":         len(report.Checks),
			"failing":        failing,
			"duration_ms":    duration.Milliseconds(),
		},
	})
}
