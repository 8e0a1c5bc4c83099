package recovery

import (
	"sort"
	"time"
)

// Plan is an ordered list of actions assembled for one healing cycle.
type Plan struct {
	ID        string
	Problems  []ProblemDescriptor
	Actions   []Action
	CreatedAt time.Time
}

// ProblemTypes returns the distinct problem types of the plan in first-seen order.
func (p Plan) ProblemTypes() []ProblemType {
	seen := make(map[ProblemType]struct{})
	out := make([]ProblemType, 0)
	for _, problem := range p.Problems {
		if _, ok := seen[problem.Type]; ok {
			continue
		}
		seen[problem.Type] = struct{}{}
		out = append(out, problem.Type)
	}
	return out
}

// ProblemsFor returns the plan problems the action handles.
func (p Plan) ProblemsFor(action Action) []ProblemDescriptor {
	out := make([]ProblemDescriptor, 0)
	for _, problem := range p.Problems {
		if action.Handles(problem.Type) {
			out = append(out, problem)
		}
	}
	return out
}

// BuildPlan orders the candidate actions of every problem by descending effectiveness, ties broken
// by registration order, and concatenates them keeping only the first occurrence of each action.
func BuildPlan(problems []ProblemDescriptor, catalog *Catalog, scores *EffectivenessTable) []Action {
	seen := make(map[string]struct{})
	plan := make([]Action, 0)
	for _, problem := range problems {
		candidates := catalog.Candidates(problem.Type)
		sort.SliceStable(candidates, func(i, j int) bool {
			return scores.Score(candidates[i].Name, problem.Type) > scores.Score(candidates[j].Name, problem.Type)
		})
		for _, action := range candidates {
			if _, ok := seen[action.Name]; ok {
				continue
			}
			seen[action.Name] = struct{}{}
			plan = append(plan, action)
		}
	}
	return plan
}
