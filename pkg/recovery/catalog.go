package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action is a catalog entry. Execute receives the problems of the plan the action serves.
type Action struct {
	Name         string
	ProblemTypes []ProblemType
	Critical     bool
	Idempotent   bool
	DelayAfter   time.Duration
	Timeout      time.Duration
	Execute      func(ctx context.Context, problems []ProblemDescriptor) error
}

// Handles reports whether the action applies to problem type p.
func (a Action) Handles(p ProblemType) bool {
	for _, candidate := range a.ProblemTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

// Catalog is the registry of recovery actions, validated at registration time.
type Catalog struct {
	mu      sync.RWMutex
	actions []Action
	index   map[string]int
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{index: make(map[string]int)}
}

// Register adds an action. Names must be unique and problem types must be known.
func (c *Catalog) Register(action Action) error {
	name := strings.TrimSpace(action.Name)
	if name == "" {
		return errors.New("recovery action name must not be empty")
	}
	if action.Execute == nil {
		return fmt.Errorf("recovery action %s has no execute function", name)
	}
	if len(action.ProblemTypes) == 0 {
		return fmt.Errorf("recovery action %s must handle at least one problem type", name)
	}
	for _, p := range action.ProblemTypes {
		if !p.Valid() {
			return fmt.Errorf("recovery action %s: unknown problem type %q", name, p)
		}
	}
	if action.DelayAfter < 0 || action.Timeout < 0 {
		return fmt.Errorf("recovery action %s: delays and timeouts must be non-negative", name)
	}
	action.Name = name
	action.ProblemTypes = append([]ProblemType(nil), action.ProblemTypes...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[name]; ok {
		return fmt.Errorf("duplicate recovery action %q", name)
	}
	c.index[name] = len(c.actions)
	c.actions = append(c.actions, action)
	return nil
}

// Candidates returns the actions handling p in registration order.
func (c *Catalog) Candidates(p ProblemType) []Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Action, 0)
	for _, action := range c.actions {
		if action.Handles(p) {
			out = append(out, action)
		}
	}
	return out
}

// Get returns the named action.
func (c *Catalog) Get(name string) (Action, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[name]
	if !ok {
		return Action{}, false
	}
	return c.actions[i], true
}

// Names returns action names in registration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.actions))
	for _, action := range c.actions {
		names = append(names, action.Name)
	}
	return names
}

// Uncovered lists the problem types no registered action handles.
func (c *Catalog) Uncovered() []ProblemType {
	missing := make([]ProblemType, 0)
	for _, p := range problemTypes {
		if len(c.Candidates(p)) == 0 {
			missing = append(missing, p)
		}
	}
	return missing
}
