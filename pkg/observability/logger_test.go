package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestZapLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLogger(ZapLoggerOptions{Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:     LevelWarn,
		Node:      "node-a",
		Component: "breaker",
		Event:     "breaker_transition",
		Message:   "breaker opened",
		Fields:    map[string]interface{}{"dependency": "chat", "to": "open"},
	}
	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload %q: %v", buf.String(), err)
	}
	if payload["level"] != "warn" {
		t.Fatalf("unexpected level: %v", payload["level"])
	}
	if payload["msg"] != "breaker opened" {
		t.Fatalf("unexpected message: %v", payload["msg"])
	}
	if payload["event"] != "breaker_transition" || payload["component"] != "breaker" || payload["node"] != "node-a" {
		t.Fatalf("expected event metadata preserved, got %v", payload)
	}
	if payload["dependency"] != "chat" {
		t.Fatalf("expected custom field preserved, got %v", payload)
	}
}

func TestZapLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZapLogger(ZapLoggerOptions{Level: "warn", Output: &buf})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	if err := logger.Log(context.Background(), Event{Level: LevelInfo, Event: "health_cycle"}); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected info event to be filtered, got %q", buf.String())
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestStructuredReporterStampsNodeAndComponent(t *testing.T) {
	var got Event
	logger := LoggerFunc(func(_ context.Context, e Event) error {
		got = e
		return nil
	})
	var metrics []Metric
	rep := NewStructuredReporter("node-a", logger, MetricsCollectorFunc(func(m Metric) {
		metrics = append(metrics, m)
	})).ForComponent("recovery")

	rep.RecordEvent(context.Background(), Event{Event: "recovery_plan_started"})
	rep.RecordMetric(Metric{Name: "recovery_plans_total", Type: MetricCounter, Value: 1})

	if got.Node != "node-a" || got.Component != "recovery" {
		t.Fatalf("expected node and component stamped, got %+v", got)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected one metric forwarded, got %d", len(metrics))
	}
}
