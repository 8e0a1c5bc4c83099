package degradation

import "github.com/selfheald/selfheald/pkg/health"

const (
	dependencyWeight  = 1.0
	performanceWeight = 0.5
	resourceWeight    = 2.0

	DefaultResourceThreshold = 90.0
)

// Score computes the weighted health score of a report: one point per unhealthy dependency check,
// half a point per performance check outside its threshold, and two points once if any check
// reports CPU or memory utilisation above resourceThreshold. Excluded checks do not count.
func Score(report *health.Report, resourceThreshold float64) float64 {
	if report == nil {
		return 0
	}
	if resourceThreshold <= 0 {
		resourceThreshold = DefaultResourceThreshold
	}
	var score float64
	resourceExceeded := false
	for _, res := range report.Checks {
		if res.Excluded {
			continue
		}
		switch {
		case res.Kind == health.KindDependency && res.Status == health.StatusUnhealthy:
			score += dependencyWeight
		case res.Kind == health.KindPerformance && res.Status != health.StatusHealthy:
			score += performanceWeight
		}
		for _, key := range []string{health.DetailCPUPercent, health.DetailMemoryPercent} {
			if v, ok := res.DetailFloat(key); ok && v > resourceThreshold {
				resourceExceeded = true
			}
		}
	}
	if resourceExceeded {
		score += resourceWeight
	}
	return score
}
