package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/lock"
	"github.com/selfheald/selfheald/pkg/observability"
)

// State is the phase of the engine.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
)

const (
	defaultActionTimeout      = 30 * time.Second
	defaultAnomalyMinSeverity = 0.5
	lockReleaseTimeout        = 5 * time.Second
)

// Option customises an Engine.
type Option func(*Engine)

// WithDecay sets the moving-average decay of effectiveness scores.
func WithDecay(decay float64) Option {
	return func(e *Engine) { e.decay = decay }
}

// WithStore persists records and scores.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithLocker makes plans exclusive per problem type across replicas.
func WithLocker(locker lock.Manager) Option {
	return func(e *Engine) { e.locker = locker }
}

// WithAnomalySource feeds anomaly signals into problem derivation.
func WithAnomalySource(source AnomalySource, minSeverity float64) Option {
	return func(e *Engine) {
		e.anomalies = source
		if minSeverity > 0 {
			e.minSeverity = minSeverity
		}
	}
}

// WithCheckProblems maps check names onto problem types and components.
func WithCheckProblems(mapping map[string]ProblemMapping) Option {
	return func(e *Engine) {
		for name, m := range mapping {
			e.mapping[name] = m
		}
	}
}

// WithActionTimeout sets the timeout of actions without their own.
func WithActionTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.actionTimeout = timeout
		}
	}
}

// WithHistorySize bounds the in-memory record history.
func WithHistorySize(size int) Option {
	return func(e *Engine) { e.history = newHistoryRing(size) }
}

// WithReportSource supplies the report used by Trigger.
func WithReportSource(source func() *health.Report) Option {
	return func(e *Engine) { e.reportSource = source }
}

// WithPlanListener registers fn to be called with every completed record.
func WithPlanListener(fn func(Record)) Option {
	return func(e *Engine) {
		if fn != nil {
			e.listeners = append(e.listeners, fn)
		}
	}
}

// WithReporter wires a reporter for recovery events.
func WithReporter(rep observability.Reporter) Option {
	return func(e *Engine) { e.reporter = observability.OrNoop(rep) }
}

// WithNodeName stamps records with the node that executed them.
func WithNodeName(node string) Option {
	return func(e *Engine) { e.node = node }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep overrides how the engine waits for an action's DelayAfter.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// Engine assembles and executes recovery plans from health reports and anomaly signals.
type Engine struct {
	catalog       *Catalog
	scores        *EffectivenessTable
	decay         float64
	store         Store
	locker        lock.Manager
	anomalies     AnomalySource
	minSeverity   float64
	mapping       map[string]ProblemMapping
	actionTimeout time.Duration
	history       *historyRing
	reportSource  func() *health.Report
	listeners     []func(Record)
	reporter      observability.Reporter
	node          string
	now           func() time.Time
	sleep         func(context.Context, time.Duration) error

	mu        sync.Mutex
	inFlight  map[ProblemType]struct{}
	planning  int
	executing int
}

// NewEngine constructs an engine over catalog.
func NewEngine(catalog *Catalog, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, errors.New("recovery engine requires a catalog")
	}
	e := &Engine{
		catalog:       catalog,
		decay:         DefaultDecay,
		minSeverity:   defaultAnomalyMinSeverity,
		mapping:       make(map[string]ProblemMapping),
		actionTimeout: defaultActionTimeout,
		history:       newHistoryRing(100),
		reporter:      observability.NoopReporter{},
		now:           time.Now,
		sleep:         sleepWithContext,
		inFlight:      make(map[ProblemType]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	for name, m := range e.mapping {
		if m.Type != "" && !m.Type.Valid() {
			return nil, fmt.Errorf("check %s maps to unknown problem type %q", name, m.Type)
		}
	}
	scores, err := NewEffectivenessTable(e.decay)
	if err != nil {
		return nil, err
	}
	e.scores = scores
	return e, nil
}

// LoadScores seeds the effectiveness table from the store.
func (e *Engine) LoadScores(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	scores, err := e.store.LoadEffectiveness(ctx)
	if err != nil {
		return fmt.Errorf("load effectiveness scores: %w", err)
	}
	e.scores.Load(scores)
	return nil
}

// Scores exposes the effectiveness table.
func (e *Engine) Scores() *EffectivenessTable { return e.scores }

// History returns the most recent records, oldest first.
func (e *Engine) History() []Record { return e.history.list() }

// State reports the most advanced phase any running cycle is in.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.executing > 0:
		return StateExecuting
	case e.planning > 0:
		return StatePlanning
	default:
		return StateIdle
	}
}

// InFlight lists problem types with an executing plan.
func (e *Engine) InFlight() []ProblemType {
	e.mu.Lock()
	out := make([]ProblemType, 0, len(e.inFlight))
	for p := range e.inFlight {
		out = append(out, p)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Trigger runs a cycle against the configured report source.
func (e *Engine) Trigger(ctx context.Context) (*Record, error) {
	if e.reportSource == nil {
		return nil, errors.New("recovery engine has no report source")
	}
	return e.RunCycle(ctx, e.reportSource())
}

// RunCycle derives problems from report and anomaly signals, plans, and executes. It returns nil
// when there was nothing to do. Action failures are captured in the record, never returned.
func (e *Engine) RunCycle(ctx context.Context, report *health.Report) (*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.setPhase(&e.planning, 1)
	planningDone := false
	finishPlanning := func() {
		if !planningDone {
			planningDone = true
			e.setPhase(&e.planning, -1)
		}
	}
	defer finishPlanning()

	problems := DeriveProblems(report, e.mapping, e.collectSignals(ctx), e.minSeverity)
	if len(problems) == 0 {
		return nil, nil
	}

	claimed := e.claim(ctx, problems)
	if len(claimed) == 0 {
		return nil, nil
	}
	leases := e.lockTypes(ctx, claimed)
	defer e.release(claimed, leases)

	active := make([]ProblemDescriptor, 0, len(problems))
	for _, p := range problems {
		if _, ok := leases[p.Type]; ok {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	actions := BuildPlan(active, e.catalog, e.scores)
	if len(actions) == 0 {
		for _, p := range active {
			e.recordSkipped(ctx, p.Type, "no applicable actions")
		}
		return nil, nil
	}
	plan := Plan{ID: uuid.NewString(), Problems: active, Actions: actions, CreatedAt: e.now()}

	finishPlanning()
	e.setPhase(&e.executing, 1)
	defer e.setPhase(&e.executing, -1)

	record := e.execute(ctx, plan)
	e.history.add(record)
	if e.store != nil {
		if err := e.store.Save(context.WithoutCancel(ctx), record); err != nil {
			e.recordStoreError(ctx, err)
		}
	}
	e.recordPlanCompleted(ctx, record)
	for _, fn := range e.listeners {
		fn(record)
	}
	return &record, nil
}

func (e *Engine) collectSignals(ctx context.Context) []AnomalySignal {
	if e.anomalies == nil {
		return nil
	}
	signals, err := e.anomalies.Signals(ctx)
	if err != nil {
		e.reporter.RecordEvent(ctx, observability.Event{
			Event:   "anomaly_source_unavailable",
			Level:   observability.LevelWarn,
			Message: "continuing with health report signals only",
			Fields:  map[string]interface{}{"error": err.Error()},
		})
		return nil
	}
	return signals
}

// claim marks the problem types of problems as in flight and returns those it claimed.
func (e *Engine) claim(ctx context.Context, problems []ProblemDescriptor) []ProblemType {
	claimed := make([]ProblemType, 0)
	skipped := make([]ProblemType, 0)
	e.mu.Lock()
	for _, p := range problems {
		if containsType(claimed, p.Type) || containsType(skipped, p.Type) {
			continue
		}
		if _, busy := e.inFlight[p.Type]; busy {
			skipped = append(skipped, p.Type)
			continue
		}
		e.inFlight[p.Type] = struct{}{}
		claimed = append(claimed, p.Type)
	}
	e.mu.Unlock()

	for _, p := range skipped {
		e.recordSkipped(ctx, p, "plan already executing for problem type")
	}
	return claimed
}

func (e *Engine) lockTypes(ctx context.Context, types []ProblemType) map[ProblemType]lock.Lease {
	leases := make(map[ProblemType]lock.Lease, len(types))
	for _, p := range types {
		if e.locker == nil {
			leases[p] = nil
			continue
		}
		lease, err := e.locker.Acquire(ctx, string(p))
		if err != nil {
			reason := "lock unavailable: " + err.Error()
			if errors.Is(err, lock.ErrNotAcquired) {
				reason = "plan already executing on another replica"
			}
			e.recordSkipped(ctx, p, reason)
			continue
		}
		leases[p] = lease
	}
	return leases
}

func (e *Engine) release(types []ProblemType, leases map[ProblemType]lock.Lease) {
	for _, lease := range leases {
		if lease == nil {
			continue
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		_ = lease.Release(releaseCtx)
		cancel()
	}
	e.mu.Lock()
	for _, p := range types {
		delete(e.inFlight, p)
	}
	e.mu.Unlock()
}

// execute runs plan actions in order. Shutdown is honoured between actions, never during one.
func (e *Engine) execute(ctx context.Context, plan Plan) Record {
	record := Record{
		ID:   uuid.NewString(),
		Node: e.node,
		Plan: PlanSummary{
			ID:        plan.ID,
			Problems:  plan.Problems,
			Actions:   actionNames(plan.Actions),
			CreatedAt: plan.CreatedAt,
		},
		StartedAt:      e.now(),
		OverallSuccess: true,
	}
	e.recordPlanStarted(ctx, plan)

	types := plan.ProblemTypes()
	for i, action := range plan.Actions {
		if i > 0 && ctx.Err() != nil {
			record.AbortErr = &PlanAbortedError{PlanID: plan.ID, Err: ctx.Err()}
			break
		}

		result := e.runAction(ctx, action, plan.ProblemsFor(action))
		record.ActionResults = append(record.ActionResults, result)
		for _, p := range types {
			if action.Handles(p) {
				value := e.scores.Update(action.Name, p, result.Success)
				record.ScoreUpdates = append(record.ScoreUpdates, Score{Action: action.Name, Problem: p, Value: value})
			}
		}
		e.recordAction(ctx, plan.ID, result)

		if !result.Success {
			record.OverallSuccess = false
			if action.Critical {
				record.AbortErr = &PlanAbortedError{PlanID: plan.ID, Action: action.Name, Err: result.Err}
				break
			}
		}
		if action.DelayAfter > 0 && i < len(plan.Actions)-1 {
			_ = e.sleep(ctx, action.DelayAfter)
		}
	}

	if record.AbortErr != nil {
		record.Aborted = true
		record.OverallSuccess = false
		record.AbortReason = record.AbortErr.Error()
	}
	record.FinishedAt = e.now()
	return record
}

func (e *Engine) runAction(ctx context.Context, action Action, problems []ProblemDescriptor) ActionResult {
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = e.actionTimeout
	}
	actionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	result := ActionResult{Action: action.Name, StartedAt: e.now()}
	err := invokeAction(actionCtx, action, problems)
	result.FinishedAt = e.now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	if err != nil {
		result.Err = &ActionExecutionError{Action: action.Name, Err: err}
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func invokeAction(ctx context.Context, action Action, problems []ProblemDescriptor) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- action.Execute(ctx, problems)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("action timed out: %w", ctx.Err())
	}
}

func (e *Engine) setPhase(counter *int, delta int) {
	e.mu.Lock()
	*counter += delta
	e.mu.Unlock()
}

func (e *Engine) recordSkipped(ctx context.Context, p ProblemType, reason string) {
	e.reporter.RecordEvent(ctx, observability.Event{
		Event:   "recovery_problem_skipped",
		Level:   observability.LevelInfo,
		Message: reason,
		Fields:  map[string]interface{}{"problem_type": string(p)},
	})
}

func (e *Engine) recordPlanStarted(ctx context.Context, plan Plan) {
	problems := make([]string, 0, len(plan.Problems))
	for _, p := range plan.Problems {
		problems = append(problems, fmt.Sprintf("%s/%s", p.Type, p.Component))
	}
	e.reporter.RecordEvent(ctx, observability.Event{
		Event: "recovery_plan_started",
		Level: observability.LevelWarn,
		Fields: map[string]interface{}{
			"plan_id":  plan.ID,
			"problems": problems,
			"actions":  actionNames(plan.Actions),
		},
	})
}

func (e *Engine) recordAction(ctx context.Context, planID string, result ActionResult) {
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	e.reporter.RecordMetric(observability.Metric{
		Name:        "recovery_actions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"action": result.Action, "result": outcome},
		Description: "Number of executed recovery actions by outcome.",
	})
	e.reporter.RecordMetric(observability.Metric{
		Name:        "recovery_action_seconds",
		Type:        observability.MetricHistogram,
		Value:       result.Duration.Seconds(),
		Labels:      map[string]string{"action": result.Action},
		Description: "Duration of recovery action executions.",
		Unit:        "seconds",
	})
	fields := map[string]interface{}{
		"plan_id":     planID,
		"action":      result.Action,
		"success":     result.Success,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		fields["error"] = result.Error
	}
	e.reporter.RecordEvent(ctx, observability.Event{
		Event:  "recovery_action",
		Level:  observability.LevelFor(false, !result.Success),
		Fields: fields,
	})
}

func (e *Engine) recordPlanCompleted(ctx context.Context, record Record) {
	outcome := "success"
	switch {
	case record.Aborted:
		outcome = "aborted"
	case !record.OverallSuccess:
		outcome = "failed"
	}
	e.reporter.RecordMetric(observability.Metric{
		Name:        "recovery_plans_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": outcome},
		Description: "Number of executed recovery plans by outcome.",
	})
	for _, s := range record.ScoreUpdates {
		e.reporter.RecordMetric(observability.Metric{
			Name:        "recovery_effectiveness",
			Type:        observability.MetricGauge,
			Value:       s.Value,
			Labels:      map[string]string{"action": s.Action, "problem_type": string(s.Problem)},
			Description: "Effectiveness score of a recovery action for a problem type.",
		})
	}
	fields := map[string]interface{}{
		"plan_id":         record.Plan.ID,
		"record_id":       record.ID,
		"overall_success": record.OverallSuccess,
		"executed":        len(record.ActionResults),
		"planned":         len(record.Plan.Actions),
		"duration_ms":     record.FinishedAt.Sub(record.StartedAt).Milliseconds(),
	}
	if record.AbortReason != "" {
		fields["abort_reason"] = record.AbortReason
	}
	e.reporter.RecordEvent(ctx, observability.Event{
		Event:  "recovery_plan_completed",
		Level:  observability.LevelFor(false, !record.OverallSuccess),
		Fields: fields,
	})
}

func (e *Engine) recordStoreError(ctx context.Context, err error) {
	e.reporter.RecordEvent(ctx, observability.Event{
		Event:   "store_error",
		Level:   observability.LevelError,
		Message: err.Error(),
	})
}

func actionNames(actions []Action) []string {
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.Name)
	}
	return names
}

func containsType(types []ProblemType, p ProblemType) bool {
	for _, candidate := range types {
		if candidate == p {
			return true
		}
	}
	return false
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
