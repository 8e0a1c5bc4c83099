package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCheck probes a URL. A response with an unexpected status is unhealthy; a response slower
// than the latency threshold is degraded.
type HTTPCheck struct {
	name             string
	url              string
	expectStatus     int
	latencyThreshold time.Duration
	client           *http.Client
	now              func() time.Time
}

// HTTPOption customises an HTTPCheck.
type HTTPOption func(*HTTPCheck)

// WithHTTPClient overrides the client used for probes.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPCheck) {
		if client != nil {
			c.client = client
		}
	}
}

// WithExpectStatus requires an exact status code instead of any 2xx or 3xx.
func WithExpectStatus(code int) HTTPOption {
	return func(c *HTTPCheck) {
		c.expectStatus = code
	}
}

// WithLatencyThreshold reports degraded when a probe takes longer than threshold.
func WithLatencyThreshold(threshold time.Duration) HTTPOption {
	return func(c *HTTPCheck) {
		c.latencyThreshold = threshold
	}
}

// NewHTTPCheck constructs an HTTP probe.
func NewHTTPCheck(name, url string, opts ...HTTPOption) (*HTTPCheck, error) {
	if url == "" {
		return nil, errors.New("http check requires url to be set")
	}
	check := &HTTPCheck{
		name:   name,
		url:    url,
		client: &http.Client{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(check)
	}
	return check, nil
}

func (c *HTTPCheck) Name() string { return c.name }

// Run issues a GET request bounded by ctx.
func (c *HTTPCheck) Run(ctx context.Context) CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Unhealthy(fmt.Errorf("build request: %w", err))
	}
	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return Unhealthy(fmt.Errorf("request %s: %w", c.url, err))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	latency := c.now().Sub(start)

	detail := map[string]interface{}{
		"status_code":   resp.StatusCode,
		DetailLatencyMs: float64(latency.Microseconds()) / 1000,
	}

	var res CheckResult
	switch {
	case !c.statusOK(resp.StatusCode):
		res = Unhealthy(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, c.url))
	case c.latencyThreshold > 0 && latency > c.latencyThreshold:
		res = Degraded(fmt.Sprintf("latency %s exceeds %s", latency, c.latencyThreshold))
	default:
		res = Healthy(fmt.Sprintf("status %d", resp.StatusCode))
	}
	res.Detail = detail
	return res
}

func (c *HTTPCheck) statusOK(code int) bool {
	if c.expectStatus != 0 {
		return code == c.expectStatus
	}
	return code >= 200 && code < 400
}

var _ Check = (*HTTPCheck)(nil)
