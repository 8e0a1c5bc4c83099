package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/selfheald/selfheald/pkg/observability"
)

func staticCheck(name string, status Status) Check {
	return CheckFunc(name, func(context.Context) CheckResult {
		return CheckResult{Status: status, Message: string(status)}
	})
}

func TestManagerStartsHealthy(t *testing.T) {
	m := NewManager()
	report := m.Current()
	if report == nil || report.OverallStatus != StatusHealthy || len(report.Checks) != 0 {
		t.Fatalf("unexpected initial report: %+v", report)
	}
}

func TestManagerAggregatesWorstStatus(t *testing.T) {
	m := NewManager()
	mustRegister(t, m, Registration{Check: staticCheck("a", StatusHealthy)})
	mustRegister(t, m, Registration{Check: staticCheck("b", StatusDegraded), Kind: KindPerformance})

	report := m.RunHealthChecks(context.Background())
	if report.OverallStatus != StatusDegraded {
		t.Fatalf("expected degraded, got %s", report.OverallStatus)
	}
	res, ok := report.Check("b")
	if !ok || res.Kind != KindPerformance || res.Component != "b" {
		t.Fatalf("unexpected stamped result: %+v", res)
	}
	if m.Current() != report {
		t.Fatal("expected current report to be replaced")
	}

	mustRegister(t, m, Registration{Check: staticCheck("c", StatusUnhealthy)})
	if got := m.RunHealthChecks(context.Background()).OverallStatus; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestManagerIgnoresExcludedChecks(t *testing.T) {
	m := NewManager()
	mustRegister(t, m, Registration{Check: staticCheck("ok", StatusHealthy)})
	mustRegister(t, m, Registration{Check: staticCheck("noisy", StatusUnhealthy), Exclude: true})

	report := m.RunHealthChecks(context.Background())
	if report.OverallStatus != StatusHealthy {
		t.Fatalf("expected excluded check to be ignored, got %s", report.OverallStatus)
	}
	if res, ok := report.Check("noisy"); !ok || !res.Excluded {
		t.Fatalf("expected excluded result to still be reported: %+v", res)
	}
	if failing := report.Failing(); len(failing) != 0 {
		t.Fatalf("expected no failing checks, got %+v", failing)
	}
}

func TestManagerTimesOutSlowCheck(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	defer close(release)
	mustRegister(t, m, Registration{
		Check: CheckFunc("slow", func(context.Context) CheckResult {
			<-release
			return Healthy("late")
		}),
		Timeout: 20 * time.Millisecond,
	})

	report := m.RunHealthChecks(context.Background())
	res, _ := report.Check("slow")
	if res.Status != StatusUnhealthy || res.Message != "timeout" {
		t.Fatalf("expected timeout result, got %+v", res)
	}
	var timeoutErr *CheckTimeoutError
	if !errors.As(res.Err, &timeoutErr) || timeoutErr.Check != "slow" {
		t.Fatalf("expected CheckTimeoutError, got %v", res.Err)
	}
}

func TestManagerRecoversPanickingCheck(t *testing.T) {
	m := NewManager()
	mustRegister(t, m, Registration{Check: CheckFunc("boom", func(context.Context) CheckResult {
		panic("kaboom")
	})})

	res, _ := m.RunHealthChecks(context.Background()).Check("boom")
	var panicErr *CheckPanicError
	if res.Status != StatusUnhealthy || !errors.As(res.Err, &panicErr) {
		t.Fatalf("expected panic to become unhealthy result, got %+v", res)
	}
}

func TestManagerTreatsUnknownStatusAsUnhealthy(t *testing.T) {
	m := NewManager()
	mustRegister(t, m, Registration{Check: staticCheck("weird", Status("sideways"))})
	if got := m.RunHealthChecks(context.Background()).OverallStatus; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestManagerRunsChecksConcurrently(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(name string) Check {
		return CheckFunc(name, func(ctx context.Context) CheckResult {
			wg.Done()
			waited := make(chan struct{})
			go func() { wg.Wait(); close(waited) }()
			select {
			case <-waited:
				return Healthy("both running")
			case <-ctx.Done():
				return Unhealthy(ctx.Err())
			}
		})
	}
	mustRegister(t, m, Registration{Check: barrier("left"), Timeout: time.Second})
	mustRegister(t, m, Registration{Check: barrier("right"), Timeout: time.Second})

	if got := m.RunHealthChecks(context.Background()).OverallStatus; got != StatusHealthy {
		t.Fatalf("expected checks to overlap, got %s", got)
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	m := NewManager()
	mustRegister(t, m, Registration{Check: staticCheck("dup", StatusHealthy)})
	if err := m.Register(Registration{Check: staticCheck("dup", StatusHealthy)}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := m.Register(Registration{Check: staticCheck(" ", StatusHealthy)}); err == nil {
		t.Fatal("expected empty name to fail")
	}
}

func TestManagerNotifiesSubscribersAndReports(t *testing.T) {
	var (
		mu      sync.Mutex
		events  []string
		metrics []string
	)
	rep := observability.ReporterFuncs{
		OnEvent: func(_ context.Context, e observability.Event) {
			mu.Lock()
			events = append(events, e.Event)
			mu.Unlock()
		},
		OnMetric: func(m observability.Metric) {
			mu.Lock()
			metrics = append(metrics, m.Name)
			mu.Unlock()
		},
	}
	m := NewManager(WithReporter(rep))
	mustRegister(t, m, Registration{Check: ErrorCheck("db", func(context.Context) error {
		return errors.New("connection refused")
	}), Kind: KindDependency})

	var seen *Report
	m.Subscribe(func(r *Report) { seen = r })
	report := m.RunHealthChecks(context.Background())
	if seen != report {
		t.Fatal("expected subscriber to receive the published report")
	}

	mu.Lock()
	defer mu.Unlock()
	if !containsString(events, "check_failed") || !containsString(events, "health_cycle") {
		t.Fatalf("expected check_failed and health_cycle events, got %v", events)
	}
	if !containsString(metrics, "health_checks_total") || !containsString(metrics, "health_check_seconds") {
		t.Fatalf("expected check metrics, got %v", metrics)
	}
}

func TestWorse(t *testing.T) {
	if Worse(StatusHealthy, StatusDegraded) != StatusDegraded {
		t.Fatal("degraded should be worse than healthy")
	}
	if Worse(StatusUnhealthy, StatusDegraded) != StatusUnhealthy {
		t.Fatal("unhealthy should be worse than degraded")
	}
}

func mustRegister(t *testing.T, m *Manager, reg Registration) {
	t.Helper()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register %s: %v", reg.Check.Name(), err)
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
