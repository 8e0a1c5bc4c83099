package clusterhealth

import (
	"context"
	"time"

	"github.com/selfheald/selfheald/pkg/health"
)

// Summary is the condensed view of the local node that peers can read.
type Summary struct {
	Status        health.Status
	Tier          string
	FailingChecks []string
	OpenBreakers  []string
	ActivePlan    string
}

// Record represents the persisted health state for a node in the cluster.
type Record struct {
	Node          string
	Status        health.Status
	Tier          string
	FailingChecks []string
	OpenBreakers  []string
	ActivePlan    string
	ReportedAt    time.Time
}

// Healthy reports whether the node published a healthy status.
func (r Record) Healthy() bool { return r.Status == health.StatusHealthy }

// Publisher shares node health summaries with the rest of the cluster.
type Publisher interface {
	// Publish stores the summary for the local node, replacing any earlier one.
	Publish(ctx context.Context, summary Summary) error
	// Status returns the last published records for nodes in the cluster. Callers are
	// expected to treat the returned slice as read-only.
	Status(ctx context.Context) ([]Record, error)
}

// Degraded returns the records whose status is not healthy.
func Degraded(records []Record) []Record {
	var out []Record
	for _, rec := range records {
		if !rec.Healthy() {
			out = append(out, rec)
		}
	}
	return out
}
