package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStep struct {
	mu    sync.Mutex
	errs  []error
	calls int
	after func(calls int)
}

func (f *fakeStep) run(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	after := f.after
	f.mu.Unlock()
	if after != nil {
		after(calls)
	}
	return err
}

func TestLoopRunsStepUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	step := &fakeStep{after: func(calls int) {
		if calls == 3 {
			cancel()
		}
	}}
	var mu sync.Mutex
	var slept []time.Duration
	var hooks int
	loop, err := NewLoop("health", 30*time.Second, step.run,
		WithLoopSleepFunc(func(d time.Duration) {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
		}),
		WithLoopIterationHook(func() { hooks++ }),
	)
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if step.calls != 3 {
		t.Fatalf("expected 3 step calls, got %d", step.calls)
	}
	if hooks != 3 {
		t.Fatalf("expected iteration hook per successful step, got %d", hooks)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, d := range slept {
		if d != 30*time.Second {
			t.Fatalf("unexpected sleep %s", d)
		}
	}
}

func TestLoopBacksOffOnErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	step := &fakeStep{
		errs: []error{boom, boom, boom, nil},
		after: func(calls int) {
			if calls == 4 {
				cancel()
			}
		},
	}
	var mu sync.Mutex
	var slept []time.Duration
	var handled []error
	loop, err := NewLoop("recovery", time.Second, step.run,
		WithLoopSleepFunc(func(d time.Duration) {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
		}),
		WithLoopErrorHandler(func(err error) { handled = append(handled, err) }),
		WithLoopErrorBackoff(10*time.Millisecond, 25*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(handled) != 3 {
		t.Fatalf("expected 3 handled errors, got %d", len(handled))
	}
	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(slept) < len(want) {
		t.Fatalf("expected at least %d sleeps, got %v", len(want), slept)
	}
	for i, d := range want {
		if slept[i] != d {
			t.Fatalf("sleep %d: expected %s, got %s", i, d, slept[i])
		}
	}
}

func TestLoopReturnsWhenStepObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var handled int
	loop, err := NewLoop("degradation", time.Second, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}, WithLoopErrorHandler(func(error) { handled++ }))
	if err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}
	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if handled != 0 {
		t.Fatalf("cancellation must not be reported as a step error")
	}
}

func TestNewLoopValidation(t *testing.T) {
	if _, err := NewLoop("", time.Second, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := NewLoop("health", time.Second, nil); err == nil {
		t.Fatal("expected error for nil step")
	}
	loop, err := NewLoop("health", 0, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loop.interval != time.Minute {
		t.Fatalf("expected default interval, got %s", loop.interval)
	}
	if loop.Name() != "health" {
		t.Fatalf("unexpected name %q", loop.Name())
	}
}
