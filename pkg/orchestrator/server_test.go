package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/observability"
)

func TestHandlerServesStatusEndpoints(t *testing.T) {
	collector := observability.NewPrometheusCollector()
	reporter := observability.NewStructuredReporter("node-a", nil, collector)
	o := newTestOrchestrator(t, chatConfig, WithReporter(reporter))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = o.Protect(ctx, "chat", func(context.Context) error { return errUnavailable })
	}
	report := o.Health().RunHealthChecks(ctx)
	o.Degradation().Update(ctx, report)
	if _, err := o.Recovery().RunCycle(ctx, report); err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}

	server := httptest.NewServer(o.Handler(collector.Handler()))
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var got health.Report
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || got.OverallStatus != health.StatusUnhealthy {
		t.Fatalf("unexpected /health response %d %s", resp.StatusCode, got.OverallStatus)
	}

	resp, err = http.Get(server.URL + "/tier")
	if err != nil {
		t.Fatalf("GET /tier: %v", err)
	}
	var tier struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tier); err != nil {
		t.Fatalf("decode tier: %v", err)
	}
	resp.Body.Close()
	if tier.Tier != "reduced" {
		t.Fatalf("expected tier to hold at the score target, got %q", tier.Tier)
	}

	resp, err = http.Get(server.URL + "/recovery/history?limit=5")
	if err != nil {
		t.Fatalf("GET /recovery/history: %v", err)
	}
	var records []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	resp.Body.Close()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}

	resp, err = http.Get(server.URL + "/recovery/history?limit=abc")
	if err != nil {
		t.Fatalf("GET /recovery/history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/breakers")
	if err != nil {
		t.Fatalf("GET /breakers: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected breakers endpoint, got %d", resp.StatusCode)
	}
}
