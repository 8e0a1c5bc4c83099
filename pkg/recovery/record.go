package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	Action     string        `json:"action"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// PlanSummary is the serialisable part of a Plan.
type PlanSummary struct {
	ID        string              `json:"id"`
	Problems  []ProblemDescriptor `json:"problems"`
	Actions   []string            `json:"actions"`
	CreatedAt time.Time           `json:"created_at"`
}

// Record is the append-only trace of one executed plan.
type Record struct {
	ID             string         `json:"id"`
	Node           string         `json:"node,omitempty"`
	Plan           PlanSummary    `json:"plan"`
	ActionResults  []ActionResult `json:"action_results"`
	OverallSuccess bool           `json:"overall_success"`
	Aborted        bool           `json:"aborted"`
	AbortReason    string         `json:"abort_reason,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	ScoreUpdates   []Score        `json:"score_updates,omitempty"`
	AbortErr       error          `json:"-"`
}

// Store persists records and effectiveness scores beyond the process lifetime.
type Store interface {
	Save(ctx context.Context, record Record) error
	LoadEffectiveness(ctx context.Context) ([]Score, error)
}

// ActionExecutionError reports a failed action.
type ActionExecutionError struct {
	Action string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("recovery action %s failed: %v", e.Action, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// PlanAbortedError reports a plan stopped before its last action.
type PlanAbortedError struct {
	PlanID string
	Action string
	Err    error
}

func (e *PlanAbortedError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("recovery plan %s aborted: %v", e.PlanID, e.Err)
	}
	return fmt.Sprintf("recovery plan %s aborted after critical action %s: %v", e.PlanID, e.Action, e.Err)
}

func (e *PlanAbortedError) Unwrap() error { return e.Err }

// historyRing keeps the most recent records.
type historyRing struct {
	mu      sync.RWMutex
	size    int
	records []Record
}

func newHistoryRing(size int) *historyRing {
	if size <= 0 {
		size = 100
	}
	return &historyRing{size: size}
}

func (h *historyRing) add(record Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	if over := len(h.records) - h.size; over > 0 {
		h.records = append([]Record(nil), h.records[over:]...)
	}
}

func (h *historyRing) list() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Record(nil), h.records...)
}
