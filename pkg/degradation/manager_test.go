package degradation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/observability"
)

func reportOf(results ...health.CheckResult) *health.Report {
	checks := make(map[string]health.CheckResult, len(results))
	for _, res := range results {
		checks[res.Name] = res
	}
	return &health.Report{OverallStatus: health.Aggregate(checks), Checks: checks}
}

func dependency(name string, status health.Status) health.CheckResult {
	return health.CheckResult{Name: name, Status: status, Kind: health.KindDependency}
}

func TestScoreWeights(t *testing.T) {
	report := reportOf(
		dependency("db", health.StatusUnhealthy),
		dependency("cache", health.StatusDegraded),
		health.CheckResult{Name: "latency", Status: health.StatusDegraded, Kind: health.KindPerformance},
		health.CheckResult{Name: "ignored", Status: health.StatusUnhealthy, Kind: health.KindDependency, Excluded: true},
		health.CheckResult{Name: "host", Status: health.StatusUnhealthy, Kind: health.KindResource,
			Detail: map[string]interface{}{health.DetailCPUPercent: 97.0, health.DetailMemoryPercent: 40.0}},
	)
	assert.InDelta(t, 3.5, Score(report, 90), 1e-9)
	assert.Equal(t, TierReadOnly, TierForScore(Score(report, 90)))
	assert.InDelta(t, 1.5, Score(report, 99), 1e-9)
	assert.Zero(t, Score(nil, 90))
}

func TestTierForScore(t *testing.T) {
	cases := map[float64]Tier{
		0:   TierFull,
		0.5: TierFull,
		1:   TierReduced,
		1.5: TierReduced,
		2:   TierEssential,
		3:   TierReadOnly,
		4:   TierMaintenance,
		9:   TierMaintenance,
	}
	for score, want := range cases {
		assert.Equal(t, want, TierForScore(score), "score %v", score)
	}
}

func TestUpdateMovesOneStepPerEvaluation(t *testing.T) {
	var events []string
	m := NewManager(WithReporter(observability.ReporterFuncs{OnEvent: func(_ context.Context, e observability.Event) {
		events = append(events, e.Event)
	}}))
	severe := reportOf(
		dependency("a", health.StatusUnhealthy),
		dependency("b", health.StatusUnhealthy),
		dependency("c", health.StatusUnhealthy),
	)
	require.Equal(t, TierReadOnly, m.Evaluate(severe))
	assert.Equal(t, TierFull, m.Current(), "evaluate must not change state")

	assert.Equal(t, TierReduced, m.Update(context.Background(), severe))
	assert.Equal(t, TierEssential, m.Update(context.Background(), severe))
	assert.Equal(t, TierReadOnly, m.Update(context.Background(), severe))
	assert.Equal(t, TierReadOnly, m.Update(context.Background(), severe))
	assert.Contains(t, events, "tier_change_deferred")

	healthy := reportOf(dependency("a", health.StatusHealthy))
	assert.Equal(t, TierEssential, m.Update(context.Background(), healthy))
	assert.Equal(t, TierReduced, m.Update(context.Background(), healthy))
	assert.Equal(t, TierFull, m.Update(context.Background(), healthy))
}

func TestTimedOutDependencyMovesToReducedOnly(t *testing.T) {
	m := NewManager()
	report := reportOf(
		health.CheckResult{Name: "db_ping", Status: health.StatusUnhealthy, Message: "timeout", Kind: health.KindDependency},
		health.CheckResult{Name: "host", Status: health.StatusHealthy, Kind: health.KindResource,
			Detail: map[string]interface{}{health.DetailCPUPercent: 95.0}},
	)
	require.Equal(t, health.StatusUnhealthy, report.OverallStatus)
	require.Equal(t, TierReadOnly, m.Evaluate(report))
	assert.Equal(t, TierReduced, m.Update(context.Background(), report))
}

func TestFeatureSetsAreCumulative(t *testing.T) {
	fs := NewFeatureSets(DefaultFeatures())
	for tier := TierFull; tier < TierMaintenance; tier++ {
		milder := fs.Disabled(tier)
		stricter := fs.Disabled(tier + 1)
		assert.Greater(t, len(stricter), len(milder), "tier %s must disable more than %s", tier+1, tier)
		for _, f := range milder {
			assert.True(t, fs.IsDisabled(tier+1, f), "%s disabled at %s but not at %s", f, tier, tier+1)
		}
	}
	assert.Empty(t, fs.Disabled(TierFull))
}

func TestIsFeatureEnabledFollowsTier(t *testing.T) {
	var changes []Change
	m := NewManager(WithFeatures(map[Tier][]string{
		TierReduced:  {"analytics"},
		TierReadOnly: {"writes"},
	}))
	m.OnChange(func(c Change) { changes = append(changes, c) })

	assert.True(t, m.IsFeatureEnabled("analytics"))
	m.Force(context.Background(), TierMaintenance)
	assert.Equal(t, TierReduced, m.Current())
	assert.False(t, m.IsFeatureEnabled("analytics"))
	assert.True(t, m.IsFeatureEnabled("writes"))

	m.Force(context.Background(), TierMaintenance)
	m.Force(context.Background(), TierMaintenance)
	assert.Equal(t, TierReadOnly, m.Current())
	assert.False(t, m.IsFeatureEnabled("writes"))

	require.Len(t, changes, 3)
	assert.Equal(t, TierMaintenance, changes[0].Target)
	assert.Equal(t, []string{"analytics", "writes"}, m.Snapshot().Disabled)
}

func TestParseTierAndJSON(t *testing.T) {
	tier, err := ParseTier("READ_ONLY")
	require.NoError(t, err)
	assert.Equal(t, TierReadOnly, tier)
	_, err = ParseTier("panic")
	require.Error(t, err)

	raw, err := json.Marshal(map[string]Tier{"tier": TierEssential})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"essential"}`, string(raw))
}

func TestFeaturesFromConfig(t *testing.T) {
	features, err := FeaturesFromConfig(map[string][]string{"reduced": {"x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, features[TierReduced])

	defaults, err := FeaturesFromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFeatures(), defaults)

	_, err = FeaturesFromConfig(map[string][]string{"nope": {"x"}})
	require.Error(t, err)
}
