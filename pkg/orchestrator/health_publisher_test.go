package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/selfheald/selfheald/pkg/clusterhealth"
	"github.com/selfheald/selfheald/pkg/health"
)

type fakePublisher struct {
	mu        sync.Mutex
	publishCh chan clusterhealth.Summary
	calls     int
	errs      []error
}

func (f *fakePublisher) Publish(ctx context.Context, summary clusterhealth.Summary) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	ch := f.publishCh
	f.mu.Unlock()
	if ch != nil {
		select {
		case ch <- summary:
		default:
		}
	}
	return err
}

func (f *fakePublisher) Status(context.Context) ([]clusterhealth.Record, error) {
	return nil, nil
}

func staticSummary() clusterhealth.Summary {
	return clusterhealth.Summary{Status: health.StatusHealthy, Tier: "full"}
}

func TestNewHealthPublisherValidation(t *testing.T) {
	if _, err := NewHealthPublisher(nil, staticSummary, time.Second); err == nil {
		t.Fatal("expected error when publisher is nil")
	}
	if _, err := NewHealthPublisher(&fakePublisher{}, nil, time.Second); err == nil {
		t.Fatal("expected error when source is nil")
	}
	if _, err := NewHealthPublisher(&fakePublisher{}, staticSummary, 0); err == nil {
		t.Fatal("expected error when interval is zero")
	}
}

func TestHealthPublisherPublishesUntilCancelled(t *testing.T) {
	publisher := &fakePublisher{publishCh: make(chan clusterhealth.Summary, 4)}
	hp, err := NewHealthPublisher(publisher, staticSummary, 10*time.Millisecond,
		WithHealthPublisherSleepFunc(func(time.Duration) { time.Sleep(time.Millisecond) }),
	)
	if err != nil {
		t.Fatalf("unexpected error creating publisher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- hp.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case summary := <-publisher.publishCh:
			if summary.Tier != "full" {
				t.Fatalf("unexpected summary %+v", summary)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for publication %d", i+1)
		}
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop after cancellation")
	}
}

func TestHealthPublisherReportsErrorsAndContinues(t *testing.T) {
	boom := errors.New("etcd unavailable")
	publisher := &fakePublisher{
		publishCh: make(chan clusterhealth.Summary, 4),
		errs:      []error{boom},
	}
	var mu sync.Mutex
	var handled []error
	hp, err := NewHealthPublisher(publisher, staticSummary, time.Millisecond,
		WithHealthPublisherSleepFunc(func(time.Duration) {}),
		WithHealthPublisherErrorHandler(func(err error) {
			mu.Lock()
			handled = append(handled, err)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("unexpected error creating publisher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- hp.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-publisher.publishCh:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for publication %d", i+1)
		}
	}
	cancel()
	<-errCh

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || !errors.Is(handled[0], boom) {
		t.Fatalf("expected the publish error to be handled once, got %v", handled)
	}
}
