package health

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	return s == StatusHealthy || s == StatusDegraded || s == StatusUnhealthy
}

// Worse returns the more severe of the two statuses.
func Worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Kind classifies what a check measures; degradation scoring depends on it.
type Kind string

const (
	KindDependency  Kind = "dependency"
	KindPerformance Kind = "performance"
	KindResource    Kind = "resource"
	KindGeneric     Kind = "generic"
)

// Well-known Detail keys populated by resource checks.
const (
	DetailCPUPercent    = "cpu_percent"
	DetailMemoryPercent = "memory_percent"
	DetailLatencyMs     = "latency_ms"
)

// CheckResult is the outcome of a single check invocation.
type CheckResult struct {
	Name       string                 `json:"name"`
	Status     Status                 `json:"status"`
	Message    string                 `json:"message,omitempty"`
	MeasuredAt time.Time              `json:"measured_at"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Kind       Kind                   `json:"kind"`
	Problem    string                 `json:"problem_type,omitempty"`
	Component  string                 `json:"component,omitempty"`
	Excluded   bool                   `json:"excluded,omitempty"`
	Duration   time.Duration          `json:"duration"`
	Err        error                  `json:"-"`
}

// Healthy builds a healthy result.
func Healthy(message string) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: message}
}

// Degraded builds a degraded result.
func Degraded(message string) CheckResult {
	return CheckResult{Status: StatusDegraded, Message: message}
}

// Unhealthy builds an unhealthy result carrying err.
func Unhealthy(err error) CheckResult {
	res := CheckResult{Status: StatusUnhealthy, Err: err}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// DetailFloat returns the numeric Detail value stored under key.
func (r CheckResult) DetailFloat(key string) (float64, bool) {
	if r.Detail == nil {
		return 0, false
	}
	switch v := r.Detail[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Report is an immutable snapshot of one health cycle.
type Report struct {
	OverallStatus Status                 `json:"overall_status"`
	Checks        map[string]CheckResult `json:"checks"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

// Aggregate computes the overall status, ignoring excluded checks.
func Aggregate(results map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, res := range results {
		if res.Excluded {
			continue
		}
		overall = Worse(overall, res.Status)
	}
	return overall
}

// Check returns the result recorded for name.
func (r *Report) Check(name string) (CheckResult, bool) {
	if r == nil {
		return CheckResult{}, false
	}
	res, ok := r.Checks[name]
	return res, ok
}

// Names returns the check names in sorted order.
func (r *Report) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failing returns the non-healthy results of non-excluded checks sorted by name.
func (r *Report) Failing() []CheckResult {
	if r == nil {
		return nil
	}
	failing := make([]CheckResult, 0)
	for _, name := range r.Names() {
		res := r.Checks[name]
		if res.Excluded || res.Status == StatusHealthy {
			continue
		}
		failing = append(failing, res)
	}
	return failing
}

// Check is a named probe.
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

type funcCheck struct {
	name string
	fn   func(context.Context) CheckResult
}

func (c funcCheck) Name() string { return c.name }
func (c funcCheck) Run(ctx context.Context) CheckResult { return c.fn(ctx) }

// CheckFunc adapts a function into a Check.
func CheckFunc(name string, fn func(context.Context) CheckResult) Check {
	return funcCheck{name: name, fn: fn}
}

// ErrorCheck adapts an error-returning probe: nil is healthy, an error is unhealthy.
func ErrorCheck(name string, fn func(context.Context) error) Check {
	return funcCheck{name: name, fn: func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return Unhealthy(err)
		}
		return Healthy("ok")
	}}
}

// CheckTimeoutError is recorded when a check does not finish within its timeout.
type CheckTimeoutError struct {
	Check   string
	Timeout time.Duration
}

func (e *CheckTimeoutError) Error() string {
	return fmt.Sprintf("health check %s timed out after %s", e.Check, e.Timeout)
}

// CheckPanicError is recorded when a check panics.
type CheckPanicError struct {
	Check string
	Value interface{}
}

func (e *CheckPanicError) Error() string {
	return fmt.Sprintf("health check %s panicked: %v", e.Check, e.Value)
}

var _ Check = funcCheck{}
