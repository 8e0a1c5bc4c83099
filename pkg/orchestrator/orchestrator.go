package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/selfheald/selfheald/pkg/breaker"
	"github.com/selfheald/selfheald/pkg/clusterhealth"
	"github.com/selfheald/selfheald/pkg/config"
	"github.com/selfheald/selfheald/pkg/degradation"
	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/lock"
	"github.com/selfheald/selfheald/pkg/observability"
	"github.com/selfheald/selfheald/pkg/recovery"
	"github.com/selfheald/selfheald/pkg/retry"
)

// ErrUnknownDependency is returned by Protect for dependencies that were never registered.
var ErrUnknownDependency = errors.New("unknown dependency")

// Hooks are notified of state changes operators care about. Every hook is optional.
type Hooks struct {
	OnBreakerTransition func(breaker.Transition)
	OnTierChange        func(degradation.Change)
	OnPlanCompleted     func(recovery.Record)
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithReporter wires the reporter every component records through.
func WithReporter(rep observability.Reporter) Option {
	return func(o *Orchestrator) {
		o.reporter = observability.OrNoop(rep)
	}
}

// WithHooks registers notification hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) {
		o.hooks = h
	}
}

// WithStore persists recovery records and scores.
func WithStore(store recovery.Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithLocker guards problem types across replicas.
func WithLocker(locker lock.Manager) Option {
	return func(o *Orchestrator) {
		o.locker = locker
	}
}

// WithPublisher enables publication of node summaries.
func WithPublisher(publisher clusterhealth.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithExecutor overrides how command actions are run.
func WithExecutor(executor CommandExecutor) Option {
	return func(o *Orchestrator) {
		if executor != nil {
			o.executor = executor
		}
	}
}

// WithAnomalySource feeds external anomaly signals into recovery planning.
func WithAnomalySource(source recovery.AnomalySource) Option {
	return func(o *Orchestrator) {
		o.anomalies = source
	}
}

// WithChecks registers collaborator-supplied checks next to the configured ones.
func WithChecks(regs ...health.Registration) Option {
	return func(o *Orchestrator) {
		o.extraChecks = append(o.extraChecks, regs...)
	}
}

// WithActions registers collaborator-supplied recovery actions after the configured ones.
func WithActions(actions ...recovery.Action) Option {
	return func(o *Orchestrator) {
		o.extraActions = append(o.extraActions, actions...)
	}
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep overrides how retry backoffs and action delays wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithLoopSleep overrides the sleep used between periodic iterations.
func WithLoopSleep(sleep func(time.Duration)) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.loopSleep = sleep
		}
	}
}

type dependency struct {
	breaker *breaker.Breaker
	retry   *retry.Manager
	policy  *retry.Policy
	timeout time.Duration
}

// Orchestrator owns the single instances of every self-healing component of the process.
type Orchestrator struct {
	cfg          *config.Config
	reporter     observability.Reporter
	hooks        Hooks
	store        recovery.Store
	locker       lock.Manager
	publisher    clusterhealth.Publisher
	executor     CommandExecutor
	anomalies    recovery.AnomalySource
	extraChecks  []health.Registration
	extraActions []recovery.Action
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
	loopSleep    func(time.Duration)

	health      *health.Manager
	breakers    *breaker.Registry
	degradation *degradation.Manager
	catalog     *recovery.Catalog
	engine      *recovery.Engine

	mu           sync.RWMutex
	dependencies map[string]*dependency
}

// New builds every component from cfg. cfg must have passed validation.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	o := &Orchestrator{
		cfg:          cfg,
		reporter:     observability.NoopReporter{},
		executor:     NewExecCommandExecutor(nil, nil),
		now:          time.Now,
		loopSleep:    time.Sleep,
		dependencies: make(map[string]*dependency),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.health = health.NewManager(
		health.WithDefaultTimeout(cfg.DefaultCheckTimeout()),
		health.WithReporter(o.componentReporter("health")),
		health.WithClock(o.now),
	)
	regs, err := health.NewAll(cfg.Health.Checks, cfg.BaseEnvironment())
	if err != nil {
		return nil, err
	}
	for _, reg := range append(regs, o.extraChecks...) {
		if err := o.health.Register(reg); err != nil {
			return nil, err
		}
	}

	o.breakers = breaker.NewRegistry(
		breaker.WithReporter(o.componentReporter("breaker")),
	)
	if o.hooks.OnBreakerTransition != nil {
		o.breakers.OnTransition(o.hooks.OnBreakerTransition)
	}
	for _, dep := range cfg.Dependencies {
		if err := o.AddDependency(dep); err != nil {
			return nil, err
		}
	}

	features, err := degradation.FeaturesFromConfig(cfg.Degradation.Features)
	if err != nil {
		return nil, fmt.Errorf("degradation features: %w", err)
	}
	o.degradation = degradation.NewManager(
		degradation.WithFeatures(features),
		degradation.WithResourceThreshold(cfg.Degradation.ResourceThresholdPercent),
		degradation.WithReporter(o.componentReporter("degradation")),
		degradation.WithClock(o.now),
	)
	if o.hooks.OnTierChange != nil {
		o.degradation.OnChange(o.hooks.OnTierChange)
	}

	if err := o.buildCatalog(); err != nil {
		return nil, err
	}
	if err := o.buildEngine(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) buildCatalog() error {
	o.catalog = recovery.NewCatalog()
	actionCfgs := o.cfg.Recovery.Actions
	if len(actionCfgs) == 0 {
		actionCfgs = DefaultActions()
	}
	for _, ac := range actionCfgs {
		action, err := o.BuildAction(ac)
		if err != nil {
			return err
		}
		if err := o.catalog.Register(action); err != nil {
			return err
		}
	}
	for _, action := range o.extraActions {
		if err := o.catalog.Register(action); err != nil {
			return err
		}
	}
	if uncovered := o.catalog.Uncovered(); len(uncovered) > 0 {
		names := make([]string, 0, len(uncovered))
		for _, p := range uncovered {
			names = append(names, string(p))
		}
		o.reporter.RecordEvent(context.Background(), observability.Event{
			Level:     observability.LevelWarn,
			Component: "recovery",
			Event:     "catalog_uncovered",
			Message:   "no recovery action handles some problem types",
			Fields:    map[string]interface{}{"problem_types": names},
		})
	}
	return nil
}

func (o *Orchestrator) buildEngine() error {
	mapping := make(map[string]recovery.ProblemMapping, len(o.cfg.Recovery.CheckProblems))
	for check, pc := range o.cfg.Recovery.CheckProblems {
		mapping[check] = recovery.ProblemMapping{Type: recovery.ProblemType(pc.Type), Component: pc.Component}
	}

	opts := []recovery.Option{
		recovery.WithDecay(o.cfg.Recovery.Decay),
		recovery.WithCheckProblems(mapping),
		recovery.WithActionTimeout(o.cfg.ActionTimeout()),
		recovery.WithHistorySize(o.cfg.Recovery.HistorySize),
		recovery.WithReportSource(o.health.Current),
		recovery.WithReporter(o.componentReporter("recovery")),
		recovery.WithNodeName(o.cfg.NodeName),
		recovery.WithClock(o.now),
	}
	if o.sleep != nil {
		opts = append(opts, recovery.WithSleep(o.sleep))
	}
	if o.store != nil {
		opts = append(opts, recovery.WithStore(o.store))
	}
	if o.locker != nil {
		opts = append(opts, recovery.WithLocker(o.locker))
	}
	if o.anomalies != nil {
		opts = append(opts, recovery.WithAnomalySource(o.anomalies, o.cfg.Recovery.AnomalyMinSeverity))
	}
	if o.hooks.OnPlanCompleted != nil {
		opts = append(opts, recovery.WithPlanListener(o.hooks.OnPlanCompleted))
	}

	engine, err := recovery.NewEngine(o.catalog, opts...)
	if err != nil {
		return err
	}
	o.engine = engine
	return nil
}

// AddDependency registers a protected dependency: its breaker, retry policy, call timeout and
// the breaker-state health check.
func (o *Orchestrator) AddDependency(dep config.DependencyConfig) error {
	dep.ApplyDefaults()
	name := strings.TrimSpace(dep.Name)
	if name == "" {
		return errors.New("dependency name must not be empty")
	}
	policy, err := retry.FromConfig(dep.Retry)
	if err != nil {
		return fmt.Errorf("dependency %s: %w", name, err)
	}
	b, err := o.breakers.Register(name, breaker.Config{
		FailureThreshold: dep.FailureThreshold,
		RecoveryTimeout:  dep.RecoveryTimeout(),
	})
	if err != nil {
		return err
	}
	retryOpts := []retry.Option{
		retry.WithAdaptiveWindow(dep.Retry.AdaptiveWindow),
		retry.WithReporter(o.componentReporter("retry")),
	}
	if o.sleep != nil {
		retryOpts = append(retryOpts, retry.WithSleep(o.sleep))
	}
	if err := o.health.Register(BreakerCheck(b)); err != nil {
		return err
	}

	o.mu.Lock()
	o.dependencies[name] = &dependency{
		breaker: b,
		retry:   retry.NewManager(retryOpts...),
		policy:  policy,
		timeout: dep.CallTimeout(),
	}
	o.mu.Unlock()
	return nil
}

// Protect runs op against dependency through its retry policy and circuit breaker. Each attempt
// is bounded by the dependency's call timeout.
func (o *Orchestrator) Protect(ctx context.Context, dependencyName string, op func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.RLock()
	dep, ok := o.dependencies[dependencyName]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownDependency, dependencyName)
	}

	return dep.retry.Do(ctx, dependencyName, dep.policy, func(ctx context.Context) error {
		return dep.breaker.Call(ctx, func(ctx context.Context) error {
			if dep.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, dep.timeout)
				defer cancel()
			}
			return op(ctx)
		})
	})
}

// GetCurrentHealth returns the latest published report.
func (o *Orchestrator) GetCurrentHealth() *health.Report { return o.health.Current() }

// GetCurrentTier returns the current degradation tier.
func (o *Orchestrator) GetCurrentTier() degradation.Tier { return o.degradation.Current() }

// IsFeatureEnabled reports whether flag is enabled at the current tier.
func (o *Orchestrator) IsFeatureEnabled(flag string) bool {
	return o.degradation.IsFeatureEnabled(flag)
}

// Health exposes the health manager.
func (o *Orchestrator) Health() *health.Manager { return o.health }

// Breakers exposes the breaker registry.
func (o *Orchestrator) Breakers() *breaker.Registry { return o.breakers }

// Degradation exposes the degradation manager.
func (o *Orchestrator) Degradation() *degradation.Manager { return o.degradation }

// Recovery exposes the recovery engine.
func (o *Orchestrator) Recovery() *recovery.Engine { return o.engine }

// recentStore is implemented by stores that can list past records.
type recentStore interface {
	Recent(ctx context.Context, limit int) ([]recovery.Record, error)
}

// History returns up to limit recovery records, newest first. The store is consulted when it can
// list records, so records from earlier runs are included.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]recovery.Record, error) {
	if rs, ok := o.store.(recentStore); ok {
		return rs.Recent(ctx, limit)
	}
	records := o.engine.History()
	out := make([]recovery.Record, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, records[i])
	}
	return out, nil
}

// Summary condenses the current state for cluster publication.
func (o *Orchestrator) Summary() clusterhealth.Summary {
	report := o.health.Current()
	summary := clusterhealth.Summary{
		Status: report.OverallStatus,
		Tier:   o.degradation.Current().String(),
	}
	for _, res := range report.Failing() {
		summary.FailingChecks = append(summary.FailingChecks, res.Name)
	}
	for _, snap := range o.breakers.Snapshots() {
		if snap.State == breaker.StateOpen {
			summary.OpenBreakers = append(summary.OpenBreakers, snap.Name)
		}
	}
	inFlight := o.engine.InFlight()
	if len(inFlight) > 0 {
		types := make([]string, 0, len(inFlight))
		for _, p := range inFlight {
			types = append(types, string(p))
		}
		sort.Strings(types)
		summary.ActivePlan = strings.Join(types, ",")
	}
	return summary
}

// Run loads persisted scores and drives the periodic tasks until ctx is cancelled. In-flight
// recovery actions are allowed to finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := o.engine.LoadScores(ctx); err != nil {
		o.reporter.RecordEvent(ctx, observability.Event{
			Level:     observability.LevelWarn,
			Component: "recovery",
			Event:     "store_error",
			Message:   "starting with neutral effectiveness scores",
			Fields:    map[string]interface{}{"error": err.Error()},
		})
	}

	loops, err := o.Loops()
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		loop := loop
		group.Go(func() error { return loop.Run(groupCtx) })
	}
	if o.publisher != nil {
		hp, err := NewHealthPublisher(o.publisher, o.Summary, o.cfg.PublishInterval(),
			WithHealthPublisherSleepFunc(o.loopSleep),
			WithHealthPublisherErrorHandler(o.loopErrorHandler("publish")),
		)
		if err != nil {
			return err
		}
		group.Go(func() error { return hp.Run(groupCtx) })
	}

	err = group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Loops returns the health, degradation and recovery periodic tasks.
func (o *Orchestrator) Loops() ([]*Loop, error) {
	specs := []struct {
		name     string
		interval time.Duration
		step     Step
	}{
		{"health", o.cfg.HealthInterval(), func(ctx context.Context) error {
			o.health.RunHealthChecks(ctx)
			return nil
		}},
		{"degradation", o.cfg.DegradationInterval(), func(ctx context.Context) error {
			o.degradation.Update(ctx, o.health.Current())
			return nil
		}},
		{"recovery", o.cfg.RecoveryInterval(), func(ctx context.Context) error {
			_, err := o.engine.RunCycle(ctx, o.health.Current())
			return err
		}},
	}
	loops := make([]*Loop, 0, len(specs))
	for _, spec := range specs {
		loop, err := NewLoop(spec.name, spec.interval, spec.step,
			WithLoopSleepFunc(o.loopSleep),
			WithLoopErrorHandler(o.loopErrorHandler(spec.name)),
		)
		if err != nil {
			return nil, err
		}
		loops = append(loops, loop)
	}
	return loops, nil
}

func (o *Orchestrator) loopErrorHandler(name string) func(error) {
	return func(err error) {
		o.reporter.RecordEvent(context.Background(), observability.Event{
			Level:     observability.LevelWarn,
			Component: "orchestrator",
			Event:     "loop_error",
			Message:   err.Error(),
			Fields:    map[string]interface{}{"loop": name},
		})
	}
}

func (o *Orchestrator) componentReporter(component string) observability.Reporter {
	if sr, ok := o.reporter.(*observability.StructuredReporter); ok {
		return sr.ForComponent(component)
	}
	return o.reporter
}
