package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/selfheald/selfheald/pkg/health"
)

// ProblemType is one of the closed set of problem classes the catalog can address.
type ProblemType string

const (
	ProblemIntegrationFailure     ProblemType = "integration_failure"
	ProblemDatabaseFailure        ProblemType = "database_failure"
	ProblemResourceExhaustion     ProblemType = "resource_exhaustion"
	ProblemPerformanceDegradation ProblemType = "performance_degradation"
	ProblemAnomalyDetected        ProblemType = "anomaly_detected"
	ProblemHealthCheckFailure     ProblemType = "health_check_failure"
)

var problemTypes = []ProblemType{
	ProblemIntegrationFailure,
	ProblemDatabaseFailure,
	ProblemResourceExhaustion,
	ProblemPerformanceDegradation,
	ProblemAnomalyDetected,
	ProblemHealthCheckFailure,
}

// ProblemTypes returns every known problem type.
func ProblemTypes() []ProblemType {
	return append([]ProblemType(nil), problemTypes...)
}

// Valid reports whether p is a known problem type.
func (p ProblemType) Valid() bool {
	for _, known := range problemTypes {
		if p == known {
			return true
		}
	}
	return false
}

// ParseProblemType resolves a problem type by name.
func ParseProblemType(raw string) (ProblemType, error) {
	p := ProblemType(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown problem type %q", raw)
	}
	return p, nil
}

// ProblemDescriptor names a problem and the component it affects.
type ProblemDescriptor struct {
	Type      ProblemType `json:"type"`
	Component string      `json:"component"`
	Source    string      `json:"source"`
	Detail    string      `json:"detail,omitempty"`
}

// ProblemMapping overrides the problem type and component derived from a named check.
type ProblemMapping struct {
	Type      ProblemType
	Component string
}

// AnomalySignal is an event from the external anomaly detector.
type AnomalySignal struct {
	Metric    string    `json:"metric"`
	Severity  float64   `json:"severity"`
	Component string    `json:"component,omitempty"`
	At        time.Time `json:"at"`
}

// AnomalySource supplies anomaly signals for a healing cycle.
type AnomalySource interface {
	Signals(ctx context.Context) ([]AnomalySignal, error)
}

// SignalBuffer is an in-process AnomalySource the detector pushes into; each cycle drains it.
type SignalBuffer struct {
	mu      sync.Mutex
	signals []AnomalySignal
	limit   int
}

// NewSignalBuffer bounds the buffer to limit signals, dropping the oldest beyond it.
func NewSignalBuffer(limit int) *SignalBuffer {
	if limit <= 0 {
		limit = 256
	}
	return &SignalBuffer{limit: limit}
}

// Push records a signal.
func (b *SignalBuffer) Push(signal AnomalySignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, signal)
	if over := len(b.signals) - b.limit; over > 0 {
		b.signals = append([]AnomalySignal(nil), b.signals[over:]...)
	}
}

// Signals drains the buffer.
func (b *SignalBuffer) Signals(ctx context.Context) ([]AnomalySignal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.signals
	b.signals = nil
	return drained, nil
}

// DeriveProblems turns the unhealthy checks of a report, its degraded performance checks and the
// sufficiently severe anomaly signals into de-duplicated problem descriptors, ordered by type then
// component. Other degraded checks, such as a half-open breaker, are left to settle on their own.
func DeriveProblems(report *health.Report, mapping map[string]ProblemMapping, signals []AnomalySignal, minSeverity float64) []ProblemDescriptor {
	seen := make(map[ProblemDescriptor]struct{})
	problems := make([]ProblemDescriptor, 0)
	add := func(p ProblemDescriptor) {
		key := ProblemDescriptor{Type: p.Type, Component: p.Component}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		problems = append(problems, p)
	}

	for _, res := range report.Failing() {
		performance := res.Kind == health.KindPerformance
		if res.Status != health.StatusUnhealthy && !performance {
			continue
		}
		p := ProblemDescriptor{
			Type:      ProblemHealthCheckFailure,
			Component: res.Component,
			Source:    "health:" + res.Name,
			Detail:    res.Message,
		}
		if performance {
			p.Type = ProblemPerformanceDegradation
		}
		if pt := ProblemType(res.Problem); pt.Valid() {
			p.Type = pt
		}
		if m, ok := mapping[res.Name]; ok {
			if m.Type.Valid() {
				p.Type = m.Type
			}
			if m.Component != "" {
				p.Component = m.Component
			}
		}
		if p.Component == "" {
			p.Component = res.Name
		}
		add(p)
	}

	for _, sig := range signals {
		if sig.Severity < minSeverity {
			continue
		}
		component := sig.Component
		if component == "" {
			component = sig.Metric
		}
		add(ProblemDescriptor{
			Type:      ProblemAnomalyDetected,
			Component: component,
			Source:    "anomaly:" + sig.Metric,
			Detail:    fmt.Sprintf("severity %.2f", sig.Severity),
		})
	}

	sort.SliceStable(problems, func(i, j int) bool {
		if problems[i].Type != problems[j].Type {
			return problems[i].Type < problems[j].Type
		}
		return problems[i].Component < problems[j].Component
	})
	return problems
}
