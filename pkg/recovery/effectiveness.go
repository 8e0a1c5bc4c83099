package recovery

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

const (
	// NeutralScore is the effectiveness assumed for an action with no recorded outcomes.
	NeutralScore = 0.5
	// DefaultDecay weights the previous score in the moving average.
	DefaultDecay = 0.9
)

// Score is the effectiveness of an action for one problem type.
type Score struct {
	Action  string      `json:"action"`
	Problem ProblemType `json:"problem_type"`
	Value   float64     `json:"value"`
}

type scoreKey struct {
	action  string
	problem ProblemType
}

// EffectivenessTable keeps an exponential moving average of action success per problem type.
// One writer, many readers; the lock is held only for the lookup or update.
type EffectivenessTable struct {
	decay float64

	mu     sync.RWMutex
	scores map[scoreKey]float64
}

// NewEffectivenessTable constructs a table. decay must lie in (0,1).
func NewEffectivenessTable(decay float64) (*EffectivenessTable, error) {
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("effectiveness decay must be within (0,1), got %v", decay)
	}
	return &EffectivenessTable{decay: decay, scores: make(map[scoreKey]float64)}, nil
}

// Score returns the current score, NeutralScore when nothing was recorded.
func (t *EffectivenessTable) Score(action string, problem ProblemType) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.scores[scoreKey{action, problem}]; ok {
		return v
	}
	return NeutralScore
}

// Update folds one outcome into the score and returns the new value.
func (t *EffectivenessTable) Update(action string, problem ProblemType, success bool) float64 {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	key := scoreKey{action, problem}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.scores[key]
	if !ok {
		prev = NeutralScore
	}
	next := clamp01(prev*t.decay + outcome*(1-t.decay))
	t.scores[key] = next
	return next
}

// Load replaces recorded scores with persisted values, clamping them into [0,1].
func (t *EffectivenessTable) Load(scores []Score) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range scores {
		if !s.Problem.Valid() || s.Action == "" {
			continue
		}
		t.scores[scoreKey{s.Action, s.Problem}] = clamp01(s.Value)
	}
}

// Snapshot returns every recorded score ordered by action then problem type.
func (t *EffectivenessTable) Snapshot() []Score {
	t.mu.RLock()
	out := make([]Score, 0, len(t.scores))
	for k, v := range t.scores {
		out = append(out, Score{Action: k.action, Problem: k.problem, Value: v})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].Problem < out[j].Problem
	})
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return NeutralScore
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
