package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/selfheald/selfheald/pkg/breaker"
	"github.com/selfheald/selfheald/pkg/config"
	"github.com/selfheald/selfheald/pkg/recovery"
)

// Built-in action types.
const (
	ActionVerifyBreakers    = "verify_breakers"
	ActionApplyDegradation  = "apply_degradation"
	ActionRerunHealthChecks = "rerun_health_checks"
	ActionCommand           = "command"
)

// DefaultActions is the catalog used when the configuration declares no actions.
func DefaultActions() []config.ActionConfig {
	return []config.ActionConfig{
		{
			Name:         "restart_integration",
			Type:         ActionVerifyBreakers,
			ProblemTypes: []string{string(recovery.ProblemIntegrationFailure)},
		},
		{
			Name: "rerun_health_checks",
			Type: ActionRerunHealthChecks,
			ProblemTypes: []string{
				string(recovery.ProblemHealthCheckFailure),
				string(recovery.ProblemDatabaseFailure),
				string(recovery.ProblemAnomalyDetected),
			},
		},
		{
			Name: "enable_degradation",
			Type: ActionApplyDegradation,
			ProblemTypes: []string{
				string(recovery.ProblemIntegrationFailure),
				string(recovery.ProblemDatabaseFailure),
				string(recovery.ProblemResourceExhaustion),
				string(recovery.ProblemPerformanceDegradation),
				string(recovery.ProblemAnomalyDetected),
				string(recovery.ProblemHealthCheckFailure),
			},
		},
	}
}

// BuildAction turns a configured action into a catalog entry bound to this orchestrator.
func (o *Orchestrator) BuildAction(cfg config.ActionConfig) (recovery.Action, error) {
	types := make([]recovery.ProblemType, 0, len(cfg.ProblemTypes))
	for _, raw := range cfg.ProblemTypes {
		p, err := recovery.ParseProblemType(raw)
		if err != nil {
			return recovery.Action{}, fmt.Errorf("recovery action %s: %w", cfg.Name, err)
		}
		types = append(types, p)
	}

	action := recovery.Action{
		Name:         cfg.Name,
		ProblemTypes: types,
		Critical:     cfg.Critical,
		Idempotent:   true,
		DelayAfter:   cfg.DelayAfter(),
		Timeout:      cfg.Timeout(),
	}
	switch cfg.Type {
	case ActionVerifyBreakers:
		action.Execute = o.verifyBreakers
	case ActionApplyDegradation:
		action.Execute = o.applyDegradation
	case ActionRerunHealthChecks:
		action.Execute = o.rerunHealthChecks
	case ActionCommand:
		command := append([]string(nil), cfg.Cmd...)
		action.Idempotent = false
		action.Execute = func(ctx context.Context, problems []recovery.ProblemDescriptor) error {
			return o.executor.Execute(ctx, command, problemEnv(o.cfg.NodeName, problems))
		}
	default:
		return recovery.Action{}, fmt.Errorf("recovery action %s: unsupported type %q", cfg.Name, cfg.Type)
	}
	return action, nil
}

// verifyBreakers succeeds once the breakers of the affected components, or every breaker when no
// component names a registered dependency, are closed again. It never changes breaker state: an
// open breaker only closes through its own half-open probe.
func (o *Orchestrator) verifyBreakers(_ context.Context, problems []recovery.ProblemDescriptor) error {
	targets := make(map[string]struct{})
	for _, p := range problems {
		if _, ok := o.breakers.Get(p.Component); ok {
			targets[p.Component] = struct{}{}
		}
	}
	var pending []string
	for _, snap := range o.breakers.Snapshots() {
		if _, ok := targets[snap.Name]; len(targets) > 0 && !ok {
			continue
		}
		if snap.State != breaker.StateClosed {
			pending = append(pending, fmt.Sprintf("%s (%s)", snap.Name, snap.State))
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("circuit breakers not closed: %s", strings.Join(pending, ", "))
	}
	return nil
}

// applyDegradation steps the tier toward the target of the current report when that target is
// deeper than the current tier. It never moves past the target and never de-escalates; that is
// left to the degradation loop.
func (o *Orchestrator) applyDegradation(ctx context.Context, _ []recovery.ProblemDescriptor) error {
	report := o.health.Current()
	if report == nil {
		return nil
	}
	if target := o.degradation.Evaluate(report); target > o.degradation.Current() {
		o.degradation.Apply(ctx, target)
	}
	return nil
}

// rerunHealthChecks runs a fresh cycle and fails while any check behind the problems still fails.
func (o *Orchestrator) rerunHealthChecks(ctx context.Context, problems []recovery.ProblemDescriptor) error {
	report := o.health.RunHealthChecks(ctx)
	failing := make(map[string]struct{})
	for _, res := range report.Failing() {
		failing[res.Name] = struct{}{}
	}
	var still []string
	for _, p := range problems {
		name, ok := strings.CutPrefix(p.Source, "health:")
		if !ok {
			continue
		}
		if _, bad := failing[name]; bad {
			still = append(still, name)
		}
	}
	if len(still) > 0 {
		sort.Strings(still)
		return fmt.Errorf("checks still failing: %s", strings.Join(still, ", "))
	}
	return nil
}

// problemEnv describes the plan's problems to command actions.
func problemEnv(node string, problems []recovery.ProblemDescriptor) map[string]string {
	types := make([]string, 0, len(problems))
	components := make([]string, 0, len(problems))
	for _, p := range problems {
		types = append(types, string(p.Type))
		components = append(components, p.Component)
	}
	return map[string]string{
		"SH_NODE_NAME":     node,
		"SH_PROBLEM_TYPES": strings.Join(types, ","),
		"SH_COMPONENTS":    strings.Join(components, ","),
	}
}
