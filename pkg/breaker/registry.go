package breaker

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry owns the breakers of every configured dependency.
type Registry struct {
	opts []Option

	mu        sync.RWMutex
	breakers  map[string]*Breaker
	order     []string
	listeners []func(Transition)
}

// NewRegistry constructs an empty registry. opts are applied to every breaker it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{opts: opts, breakers: make(map[string]*Breaker)}
}

// Register creates the breaker for a dependency.
func (r *Registry) Register(name string, cfg Config) (*Breaker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("dependency name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; ok {
		return nil, fmt.Errorf("duplicate dependency %q", name)
	}
	opts := append(append([]Option(nil), r.opts...), WithTransitionListener(r.fanOut))
	b := New(name, cfg, opts...)
	r.breakers[name] = b
	r.order = append(r.order, name)
	return b, nil
}

// OnTransition registers fn for transitions of every breaker in the registry.
func (r *Registry) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) fanOut(t Transition) {
	r.mu.RLock()
	listeners := slices.Clone(r.listeners)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

// Get returns the breaker registered for name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names returns dependency names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Snapshots returns the state of every breaker in registration order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.order))
	for _, name := range r.order {
		breakers = append(breakers, r.breakers[name])
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}
