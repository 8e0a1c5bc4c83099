package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeValidConfig(t *testing.T) {
	yaml := `node_name: node-1
health:
  interval_sec: 15
  checks:
    - type: command
      cmd: ["/usr/local/bin/db-ping"]
      problem_type: database_failure
    - type: http
      url: http://127.0.0.1:8080/ready
      latency_threshold_ms: 250
    - type: system
dependencies:
  - name: payments
    retry:
      strategy: adaptive
recovery:
  actions:
    - name: reset
      type: verify_breakers
      problem_types: [integration_failure]
`

	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if cfg.NodeName != "node-1" {
		t.Fatalf("unexpected node name: %s", cfg.NodeName)
	}
	if cfg.HealthInterval() != 15*time.Second {
		t.Fatalf("expected health interval 15s, got %s", cfg.HealthInterval())
	}
	if cfg.DegradationInterval() != 15*time.Second {
		t.Fatalf("expected degradation interval to follow health interval, got %s", cfg.DegradationInterval())
	}
	if len(cfg.Health.Checks) != 3 {
		t.Fatalf("expected three checks, got %d", len(cfg.Health.Checks))
	}
	if cfg.Health.Checks[0].Name != "command:/usr/local/bin/db-ping" {
		t.Fatalf("unexpected derived check name %q", cfg.Health.Checks[0].Name)
	}
	if cfg.Health.Checks[0].Kind != "generic" {
		t.Fatalf("expected generic kind for command check, got %q", cfg.Health.Checks[0].Kind)
	}
	if cfg.Health.Checks[1].Kind != "performance" {
		t.Fatalf("expected performance kind for http check with latency threshold, got %q", cfg.Health.Checks[1].Kind)
	}
	if cfg.Health.Checks[2].Kind != "resource" || cfg.Health.Checks[2].ThresholdPercent != 90 {
		t.Fatalf("unexpected system check defaults: %+v", cfg.Health.Checks[2])
	}

	dep := cfg.Dependencies[0]
	if dep.FailureThreshold != 5 || dep.RecoveryTimeout() != time.Minute || dep.CallTimeout() != 10*time.Second {
		t.Fatalf("unexpected dependency defaults: %+v", dep)
	}
	if dep.Retry.MaxAttempts != 3 || dep.Retry.Strategy != "adaptive" || dep.Retry.AdaptiveWindow != 20 {
		t.Fatalf("unexpected retry defaults: %+v", dep.Retry)
	}
	base, max := dep.Retry.Delays()
	if base != 100*time.Millisecond || max != 10*time.Second {
		t.Fatalf("unexpected retry delays %s/%s", base, max)
	}
	if cfg.Recovery.Decay != 0.9 || cfg.Recovery.HistorySize != 100 {
		t.Fatalf("unexpected recovery defaults: %+v", cfg.Recovery)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("expected memory store by default, got %q", cfg.Store.Backend)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected info log level by default, got %q", cfg.Log.Level)
	}
}

func TestValidateDetectsMissingFields(t *testing.T) {
	yaml := `node_name: ""
dependencies:
  - name: ""
    failure_threshold: -1
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Problems) < 3 {
		t.Fatalf("expected at least three problems, got %v", verr.Problems)
	}
	if !errors.Is(err, &ValidationError{}) {
		t.Fatal("expected errors.Is to match ValidationError")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	yaml := `node_name: node-1
health_script: /bin/true
`
	if _, err := decode(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestCheckValidation(t *testing.T) {
	cfg := Config{
		NodeName: "node-1",
		Health: HealthConfig{
			Checks: []CheckConfig{
				{Type: "command"},
				{Type: "http", URL: "ftp://example"},
				{Type: "dns"},
				{Name: "dup", Type: "system"},
				{Name: "dup", Type: "system"},
			},
		},
	}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{"cmd must contain", "url must be", `type "dns" is not supported`, `duplicate name "dup"`} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem containing %q, got %v", want, verr.Problems)
		}
	}
}

func TestRecoveryValidation(t *testing.T) {
	cfg := Config{
		NodeName: "node-1",
		Recovery: RecoveryConfig{
			Decay: 1.5,
			Actions: []ActionConfig{
				{Name: "a", Type: "command"},
				{Name: "a", Type: "teleport", ProblemTypes: []string{"x"}},
			},
		},
	}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{"recovery.decay", "cmd is required", "problem_types must not be empty", `duplicate name "a"`, `type "teleport"`} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem containing %q, got %v", want, verr.Problems)
		}
	}
}

func TestEtcdRequiredForLockAndPublisher(t *testing.T) {
	cfg := Config{NodeName: "node-1", Lock: LockConfig{Enabled: true}}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "store.etcd.endpoints") {
		t.Fatalf("expected etcd endpoints problem, got %v", err)
	}

	cfg.Store.Etcd.Endpoints = []string{"http://127.0.0.1:2379"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("node_name: node-2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeName != "node-2" {
		t.Fatalf("unexpected node name %q", cfg.NodeName)
	}
	env := cfg.BaseEnvironment()
	if env["SH_NODE_NAME"] != "node-2" || env["SH_STORE_BACKEND"] != "memory" {
		t.Fatalf("unexpected base environment %v", env)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
