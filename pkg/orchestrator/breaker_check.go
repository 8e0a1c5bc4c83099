package orchestrator

import (
	"context"
	"fmt"

	"github.com/selfheald/selfheald/pkg/breaker"
	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/recovery"
)

// BreakerCheckPrefix prefixes the names of breaker-state checks.
const BreakerCheckPrefix = "breaker:"

// BreakerCheck reports a breaker's state as a dependency check: closed is healthy, half open is
// degraded and open is unhealthy.
func BreakerCheck(b *breaker.Breaker) health.Registration {
	name := b.Name()
	check := health.CheckFunc(BreakerCheckPrefix+name, func(context.Context) health.CheckResult {
		snap := b.Snapshot()
		var res health.CheckResult
		switch snap.State {
		case breaker.StateClosed:
			res = health.Healthy("circuit closed")
		case breaker.StateHalfOpen:
			res = health.Degraded("circuit half open")
		default:
			res = health.Unhealthy(fmt.Errorf("circuit open for %s", name))
		}
		res.Detail = map[string]interface{}{
			"state":                string(snap.State),
			"consecutive_failures": snap.ConsecutiveFailures,
		}
		return res
	})
	return health.Registration{
		Check:     check,
		Kind:      health.KindDependency,
		Problem:   string(recovery.ProblemIntegrationFailure),
		Component: name,
	}
}
