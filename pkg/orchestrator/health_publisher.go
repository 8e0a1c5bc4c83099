package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/selfheald/selfheald/pkg/clusterhealth"
)

// SummarySource yields the summary to publish for the local node.
type SummarySource func() clusterhealth.Summary

// HealthPublisher drives a lightweight loop that periodically refreshes the
// cluster health record for the local node.
//
// It executes alongside the health, degradation and recovery loops so peers
// observe fresh information even when nothing changed locally.
type HealthPublisher struct {
	publisher    clusterhealth.Publisher
	source       SummarySource
	interval     time.Duration
	sleep        func(time.Duration)
	errorHandler func(error)
}

// HealthPublisherOption customises the behaviour of the publication loop.
type HealthPublisherOption func(*HealthPublisher)

// WithHealthPublisherSleepFunc overrides the sleep implementation between
// publications.
func WithHealthPublisherSleepFunc(fn func(time.Duration)) HealthPublisherOption {
	return func(p *HealthPublisher) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithHealthPublisherErrorHandler registers a callback for publication errors.
func WithHealthPublisherErrorHandler(fn func(error)) HealthPublisherOption {
	return func(p *HealthPublisher) {
		p.errorHandler = fn
	}
}

// NewHealthPublisher constructs a background publication loop.
func NewHealthPublisher(publisher clusterhealth.Publisher, source SummarySource, interval time.Duration, opts ...HealthPublisherOption) (*HealthPublisher, error) {
	if publisher == nil {
		return nil, errors.New("health publisher requires a cluster health publisher")
	}
	if source == nil {
		return nil, errors.New("health publisher requires a summary source")
	}
	if interval <= 0 {
		return nil, errors.New("health publish interval must be greater than zero")
	}

	p := &HealthPublisher{
		publisher: publisher,
		source:    source,
		interval:  interval,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sleep == nil {
		p.sleep = time.Sleep
	}
	return p, nil
}

// Run executes the publication loop until the context is cancelled.
func (p *HealthPublisher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.publisher.Publish(ctx, p.source()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			if p.errorHandler != nil {
				p.errorHandler(err)
			}
		}

		if err := sleepWithContext(ctx, p.sleep, p.interval); err != nil {
			return err
		}
	}
}
