package degradation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/observability"
)

// Change describes one tier step.
type Change struct {
	From     Tier      `json:"from"`
	To       Tier      `json:"to"`
	Target   Tier      `json:"target"`
	Score    float64   `json:"score"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
	Disabled []string  `json:"disabled_features"`
}

// Snapshot is a point-in-time view of the manager.
type Snapshot struct {
	Tier      Tier      `json:"tier"`
	Target    Tier      `json:"target"`
	Score     float64   `json:"score"`
	Disabled  []string  `json:"disabled_features"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// Option customises a Manager.
type Option func(*Manager)

// WithFeatures replaces the default per-tier feature lists.
func WithFeatures(perTier map[Tier][]string) Option {
	return func(m *Manager) {
		m.features = NewFeatureSets(perTier)
	}
}

// WithResourceThreshold sets the utilisation percentage that adds the resource penalty.
func WithResourceThreshold(percent float64) Option {
	return func(m *Manager) {
		if percent > 0 {
			m.threshold = percent
		}
	}
}

// WithReporter wires a reporter for tier events.
func WithReporter(rep observability.Reporter) Option {
	return func(m *Manager) {
		m.reporter = observability.OrNoop(rep)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager holds the single current tier and moves it at most one step per application.
type Manager struct {
	features  *FeatureSets
	threshold float64
	reporter  observability.Reporter
	now       func() time.Time

	mu        sync.RWMutex
	current   Tier
	target    Tier
	score     float64
	changedAt time.Time
	listeners []func(Change)
}

// NewManager constructs a manager at TierFull.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		features:  NewFeatureSets(DefaultFeatures()),
		threshold: DefaultResourceThreshold,
		reporter:  observability.NoopReporter{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evaluate maps a report onto its target tier without changing state.
func (m *Manager) Evaluate(report *health.Report) Tier {
	return TierForScore(Score(report, m.threshold))
}

// Update evaluates report and applies the result.
func (m *Manager) Update(ctx context.Context, report *health.Report) Tier {
	score := Score(report, m.threshold)
	m.mu.Lock()
	m.score = score
	m.mu.Unlock()
	m.reporter.RecordMetric(observability.Metric{
		Name:        "health_score",
		Type:        observability.MetricGauge,
		Value:       score,
		Description: "Weighted health score driving the degradation tier.",
	})
	return m.apply(ctx, TierForScore(score), "health evaluation")
}

// Apply moves the current tier one step toward target and returns the resulting tier.
func (m *Manager) Apply(ctx context.Context, target Tier) Tier {
	return m.apply(ctx, target, "apply")
}

// Force is the operator override; it obeys the same one-step rule.
func (m *Manager) Force(ctx context.Context, target Tier) Tier {
	return m.apply(ctx, target, "manual override")
}

func (m *Manager) apply(ctx context.Context, target Tier, reason string) Tier {
	if target < TierFull {
		target = TierFull
	}
	if target > TierMaintenance {
		target = TierMaintenance
	}

	m.mu.Lock()
	from := m.current
	m.target = target
	if target == from {
		m.mu.Unlock()
		return from
	}
	to := from + 1
	if target < from {
		to = from - 1
	}
	m.current = to
	m.changedAt = m.now()
	change := Change{
		From:     from,
		To:       to,
		Target:   target,
		Score:    m.score,
		Reason:   reason,
		At:       m.changedAt,
		Disabled: m.features.Disabled(to),
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	m.recordChange(ctx, change)
	for _, fn := range listeners {
		fn(change)
	}
	return to
}

// Current returns the current tier.
func (m *Manager) Current() Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsFeatureEnabled reports whether feature is allowed at the current tier.
func (m *Manager) IsFeatureEnabled(feature string) bool {
	return !m.features.IsDisabled(m.Current(), feature)
}

// DisabledFeatures lists the features disabled at the current tier.
func (m *Manager) DisabledFeatures() []string {
	return m.features.Disabled(m.Current())
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Tier:      m.current,
		Target:    m.target,
		Score:     m.score,
		Disabled:  m.features.Disabled(m.current),
		ChangedAt: m.changedAt,
	}
}

// OnChange registers fn to be called after every tier change.
func (m *Manager) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) recordChange(ctx context.Context, change Change) {
	m.reporter.RecordMetric(observability.Metric{
		Name:        "tier_changes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"to": change.To.String()},
		Description: "Number of degradation tier changes.",
	})
	m.reporter.RecordMetric(observability.Metric{
		Name:        "degradation_tier",
		Type:        observability.MetricGauge,
		Value:       float64(change.To),
		Description: "Current degradation tier: 0 full through 4 maintenance.",
	})
	m.reporter.RecordEvent(ctx, observability.Event{
		Event:   "tier_change",
		Level:   observability.LevelFor(change.To > change.From, false),
		Message: change.Reason,
		Fields: map[string]interface{}{
			"from":              change.From.String(),
			"to":                change.To.String(),
			"target":            change.Target.String(),
			"score":             change.Score,
			"disabled_features": change.Disabled,
		},
	})
	if change.To == change.Target {
		return
	}
	remaining := int(change.Target - change.To)
	if remaining < 0 {
		remaining = -remaining
	}
	m.reporter.RecordEvent(ctx, observability.Event{
		Event:   "tier_change_deferred",
		Level:   observability.LevelInfo,
		Message: "target tier is more than one step away",
		Fields: map[string]interface{}{
			"current":         change.To.String(),
			"target":          change.Target.String(),
			"remaining_steps": remaining,
		},
	})
}
