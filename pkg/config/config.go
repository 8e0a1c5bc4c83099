package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/selfheald/config.yaml"

// Config represents the runtime configuration for the self-healing daemon.
type Config struct {
	NodeName     string             `yaml:"node_name"`
	Health       HealthConfig       `yaml:"health"`
	Dependencies []DependencyConfig `yaml:"dependencies"`
	Degradation  DegradationConfig  `yaml:"degradation"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Store        StoreConfig        `yaml:"store"`
	Lock         LockConfig         `yaml:"lock"`
	Publish      PublishConfig      `yaml:"publish"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          LogConfig          `yaml:"log"`
}

// HealthConfig controls the periodic health check cycle.
type HealthConfig struct {
	IntervalSec       int           `yaml:"interval_sec"`
	DefaultTimeoutSec int           `yaml:"default_timeout_sec"`
	Checks            []CheckConfig `yaml:"checks"`
}

// CheckConfig describes a single health check.
type CheckConfig struct {
	Name               string            `yaml:"name"`
	Type               string            `yaml:"type"`
	Cmd                []string          `yaml:"cmd"`
	Env                map[string]string `yaml:"env"`
	URL                string            `yaml:"url"`
	ExpectStatus       int               `yaml:"expect_status"`
	TimeoutSec         int               `yaml:"timeout_sec"`
	Kind               string            `yaml:"kind"`
	ProblemType        string            `yaml:"problem_type"`
	Component          string            `yaml:"component"`
	DegradedExitCodes  []int             `yaml:"degraded_exit_codes"`
	LatencyThresholdMs int               `yaml:"latency_threshold_ms"`
	ThresholdPercent   float64           `yaml:"threshold_percent"`
	Exclude            bool              `yaml:"exclude"`
}

// DependencyConfig configures the breaker and retry policy protecting one outbound dependency.
type DependencyConfig struct {
	Name               string      `yaml:"name"`
	FailureThreshold   int         `yaml:"failure_threshold"`
	RecoveryTimeoutSec int         `yaml:"recovery_timeout_sec"`
	CallTimeoutSec     int         `yaml:"call_timeout_sec"`
	Retry              RetryConfig `yaml:"retry"`
}

// RetryConfig configures the retry policy of a dependency.
type RetryConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	Strategy       string `yaml:"strategy"`
	BaseDelayMs    int    `yaml:"base_delay_ms"`
	MaxDelayMs     int    `yaml:"max_delay_ms"`
	AdaptiveWindow int    `yaml:"adaptive_window"`
}

// DegradationConfig configures tier evaluation and the feature flags each tier disables.
type DegradationConfig struct {
	IntervalSec              int                 `yaml:"interval_sec"`
	ResourceThresholdPercent float64             `yaml:"resource_threshold_percent"`
	Features                 map[string][]string `yaml:"features"`
}

// RecoveryConfig configures the healing cycle and its action catalog.
type RecoveryConfig struct {
	IntervalSec        int                      `yaml:"interval_sec"`
	Decay              float64                  `yaml:"decay"`
	ActionTimeoutSec   int                      `yaml:"action_timeout_sec"`
	HistorySize        int                      `yaml:"history_size"`
	AnomalyMinSeverity float64                  `yaml:"anomaly_min_severity"`
	CheckProblems      map[string]ProblemConfig `yaml:"check_problems"`
	Actions            []ActionConfig           `yaml:"actions"`
}

// ProblemConfig maps a check onto a problem type and affected component.
type ProblemConfig struct {
	Type      string `yaml:"type"`
	Component string `yaml:"component"`
}

// ActionConfig describes one catalog entry.
type ActionConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	ProblemTypes []string `yaml:"problem_types"`
	Critical     bool     `yaml:"critical"`
	DelayAfterMs int      `yaml:"delay_after_ms"`
	TimeoutSec   int      `yaml:"timeout_sec"`
	Cmd          []string `yaml:"cmd"`
}

// StoreConfig selects where recovery history and effectiveness scores are persisted.
type StoreConfig struct {
	Backend string       `yaml:"backend"`
	Etcd    EtcdConfig   `yaml:"etcd"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
}

// EtcdConfig configures the etcd client shared by the store, lock and publisher.
type EtcdConfig struct {
	Endpoints      []string       `yaml:"endpoints"`
	Namespace      string         `yaml:"namespace"`
	DialTimeoutSec int            `yaml:"dial_timeout_sec"`
	TLS            *EtcdTLSConfig `yaml:"tls"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// LockConfig enables cross-replica exclusivity for recovery plans.
type LockConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TTLSec    int    `yaml:"ttl_sec"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PublishConfig enables publication of the current health report to etcd.
type PublishConfig struct {
	Enabled     bool   `yaml:"enabled"`
	IntervalSec int    `yaml:"interval_sec"`
	Prefix      string `yaml:"prefix"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Known enumerations. Packages that own the semantics re-validate at construction time.
var (
	CheckTypes    = []string{"command", "http", "system"}
	CheckKinds    = []string{"dependency", "performance", "resource", "generic"}
	Strategies    = []string{"fixed", "linear", "exponential", "adaptive"}
	ActionTypes   = []string{"verify_breakers", "apply_degradation", "rerun_health_checks", "command"}
	StoreBackends = []string{"memory", "etcd", "sqlite"}
	TierNames     = []string{"reduced", "essential", "read_only", "maintenance"}
)

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

// Parse decodes and validates a configuration document.
func Parse(r io.Reader) (*Config, error) {
	return decode(r)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.NodeName) == "" {
		problems = append(problems, "node_name is required")
	}
	if c.Health.IntervalSec <= 0 {
		problems = append(problems, "health.interval_sec must be greater than zero")
	}
	if c.Health.DefaultTimeoutSec <= 0 {
		problems = append(problems, "health.default_timeout_sec must be greater than zero")
	}

	checkNames := make(map[string]struct{}, len(c.Health.Checks))
	for i := range c.Health.Checks {
		check := c.Health.Checks[i]
		if _, dup := checkNames[check.Name]; dup {
			problems = append(problems, fmt.Sprintf("health.checks[%d]: duplicate name %q", i, check.Name))
		}
		checkNames[check.Name] = struct{}{}
		for _, p := range check.validate() {
			problems = append(problems, fmt.Sprintf("health.checks[%d]: %s", i, p))
		}
	}

	depNames := make(map[string]struct{}, len(c.Dependencies))
	for i := range c.Dependencies {
		dep := c.Dependencies[i]
		if _, dup := depNames[dep.Name]; dup {
			problems = append(problems, fmt.Sprintf("dependencies[%d]: duplicate name %q", i, dep.Name))
		}
		depNames[dep.Name] = struct{}{}
		for _, p := range dep.validate() {
			problems = append(problems, fmt.Sprintf("dependencies[%d]: %s", i, p))
		}
	}

	problems = append(problems, c.Degradation.validate()...)
	problems = append(problems, c.Recovery.validate()...)
	problems = append(problems, c.Store.validate()...)

	needsEtcd := c.Store.Backend == "etcd" || c.Lock.Enabled || c.Publish.Enabled
	if needsEtcd && len(c.Store.Etcd.Endpoints) == 0 {
		problems = append(problems, "store.etcd.endpoints must be set when the etcd store, lock or publisher is enabled")
	}
	if tls := c.Store.Etcd.TLS; tls != nil && tls.Enabled {
		if strings.TrimSpace(tls.CAFile) == "" {
			problems = append(problems, "store.etcd.tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(tls.CertFile) == "" {
			problems = append(problems, "store.etcd.tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(tls.KeyFile) == "" {
			problems = append(problems, "store.etcd.tls.key_file is required when TLS is enabled")
		}
	}
	if c.Lock.Enabled && c.Lock.TTLSec <= 0 {
		problems = append(problems, "lock.ttl_sec must be greater than zero")
	}
	if c.Publish.Enabled && c.Publish.IntervalSec <= 0 {
		problems = append(problems, "publish.interval_sec must be greater than zero")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ApplyDefaults fills zero values with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Health.IntervalSec == 0 {
		c.Health.IntervalSec = 30
	}
	if c.Health.DefaultTimeoutSec == 0 {
		c.Health.DefaultTimeoutSec = 5
	}
	for i := range c.Health.Checks {
		c.Health.Checks[i].applyDefaults(i)
	}
	for i := range c.Dependencies {
		c.Dependencies[i].ApplyDefaults()
	}
	if c.Degradation.IntervalSec == 0 {
		c.Degradation.IntervalSec = c.Health.IntervalSec
	}
	if c.Degradation.ResourceThresholdPercent == 0 {
		c.Degradation.ResourceThresholdPercent = 90
	}
	if c.Recovery.IntervalSec == 0 {
		c.Recovery.IntervalSec = 10
	}
	if c.Recovery.Decay == 0 {
		c.Recovery.Decay = 0.9
	}
	if c.Recovery.ActionTimeoutSec == 0 {
		c.Recovery.ActionTimeoutSec = 30
	}
	if c.Recovery.HistorySize == 0 {
		c.Recovery.HistorySize = 100
	}
	if c.Recovery.AnomalyMinSeverity == 0 {
		c.Recovery.AnomalyMinSeverity = 0.5
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "/var/lib/selfheald/history.db"
	}
	if c.Store.Etcd.Namespace == "" {
		c.Store.Etcd.Namespace = "selfheald"
	}
	if c.Store.Etcd.DialTimeoutSec == 0 {
		c.Store.Etcd.DialTimeoutSec = 5
	}
	if c.Lock.TTLSec == 0 {
		c.Lock.TTLSec = 30
	}
	if strings.TrimSpace(c.Lock.KeyPrefix) == "" {
		c.Lock.KeyPrefix = "recovery/locks"
	}
	if c.Publish.IntervalSec == 0 {
		c.Publish.IntervalSec = 15
	}
	if strings.TrimSpace(c.Publish.Prefix) == "" {
		c.Publish.Prefix = "health"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// BaseEnvironment returns the environment injected into command checks and command actions.
func (c *Config) BaseEnvironment() map[string]string {
	env := map[string]string{
		"SH_NODE_NAME":     c.NodeName,
		"SH_STORE_BACKEND": c.Store.Backend,
		"SH_LOCK_ENABLED":  strconv.FormatBool(c.Lock.Enabled),
	}
	if len(c.Store.Etcd.Endpoints) > 0 {
		env["SH_ETCD_ENDPOINTS"] = strings.Join(c.Store.Etcd.Endpoints, ",")
	}
	if len(c.Dependencies) > 0 {
		names := make([]string, 0, len(c.Dependencies))
		for _, dep := range c.Dependencies {
			names = append(names, dep.Name)
		}
		env["SH_DEPENDENCIES"] = strings.Join(names, ",")
	}
	return env
}

func (cc *CheckConfig) applyDefaults(index int) {
	if strings.TrimSpace(cc.Kind) == "" {
		switch cc.Type {
		case "system":
			cc.Kind = "resource"
		case "http":
			if cc.LatencyThresholdMs > 0 {
				cc.Kind = "performance"
			} else {
				cc.Kind = "dependency"
			}
		default:
			cc.Kind = "generic"
		}
	}
	if cc.Type == "system" && cc.ThresholdPercent == 0 {
		cc.ThresholdPercent = 90
	}
	if strings.TrimSpace(cc.Name) != "" {
		return
	}
	switch cc.Type {
	case "command":
		if len(cc.Cmd) > 0 {
			cc.Name = fmt.Sprintf("command:%s", cc.Cmd[0])
			return
		}
	case "http":
		if cc.URL != "" {
			cc.Name = fmt.Sprintf("http:%s", cc.URL)
			return
		}
	case "system":
		cc.Name = "system"
		return
	}
	cc.Name = fmt.Sprintf("check-%d", index)
}

func (cc CheckConfig) validate() []string {
	problems := make([]string, 0)
	if strings.TrimSpace(cc.Type) == "" {
		return append(problems, "type is required")
	}
	switch cc.Type {
	case "command":
		if len(cc.Cmd) == 0 {
			problems = append(problems, "cmd must contain at least one element for command checks")
		}
	case "http":
		if !strings.HasPrefix(cc.URL, "http://") && !strings.HasPrefix(cc.URL, "https://") {
			problems = append(problems, "url must be an http(s) URL for http checks")
		}
	case "system":
		if cc.ThresholdPercent <= 0 || cc.ThresholdPercent > 100 {
			problems = append(problems, "threshold_percent must be within (0,100]")
		}
	default:
		problems = append(problems, fmt.Sprintf("type %q is not supported", cc.Type))
	}
	if !contains(CheckKinds, cc.Kind) {
		problems = append(problems, fmt.Sprintf("kind %q is not supported", cc.Kind))
	}
	if cc.TimeoutSec < 0 {
		problems = append(problems, "timeout_sec must be non-negative")
	}
	if cc.LatencyThresholdMs < 0 {
		problems = append(problems, "latency_threshold_ms must be non-negative")
	}
	return problems
}

// ApplyDefaults fills unset breaker and retry settings.
func (d *DependencyConfig) ApplyDefaults() {
	if d.FailureThreshold == 0 {
		d.FailureThreshold = 5
	}
	if d.RecoveryTimeoutSec == 0 {
		d.RecoveryTimeoutSec = 60
	}
	if d.CallTimeoutSec == 0 {
		d.CallTimeoutSec = 10
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry.MaxAttempts = 3
	}
	if d.Retry.Strategy == "" {
		d.Retry.Strategy = "exponential"
	}
	if d.Retry.BaseDelayMs == 0 {
		d.Retry.BaseDelayMs = 100
	}
	if d.Retry.MaxDelayMs == 0 {
		d.Retry.MaxDelayMs = 10000
	}
	if d.Retry.AdaptiveWindow == 0 {
		d.Retry.AdaptiveWindow = 20
	}
}

func (d DependencyConfig) validate() []string {
	problems := make([]string, 0)
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if d.FailureThreshold < 1 {
		problems = append(problems, "failure_threshold must be at least 1")
	}
	if d.RecoveryTimeoutSec < 0 || d.CallTimeoutSec < 0 {
		problems = append(problems, "timeouts must be non-negative")
	}
	if d.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if !contains(Strategies, d.Retry.Strategy) {
		problems = append(problems, fmt.Sprintf("retry.strategy %q is not supported", d.Retry.Strategy))
	}
	if d.Retry.BaseDelayMs < 0 || d.Retry.MaxDelayMs < 0 {
		problems = append(problems, "retry delays must be non-negative")
	}
	if d.Retry.MaxDelayMs < d.Retry.BaseDelayMs {
		problems = append(problems, "retry.max_delay_ms must be greater than or equal to retry.base_delay_ms")
	}
	return problems
}

func (d DegradationConfig) validate() []string {
	problems := make([]string, 0)
	if d.IntervalSec <= 0 {
		problems = append(problems, "degradation.interval_sec must be greater than zero")
	}
	if d.ResourceThresholdPercent <= 0 || d.ResourceThresholdPercent > 100 {
		problems = append(problems, "degradation.resource_threshold_percent must be within (0,100]")
	}
	for tier := range d.Features {
		if !contains(TierNames, tier) {
			problems = append(problems, fmt.Sprintf("degradation.features: unknown tier %q", tier))
		}
	}
	return problems
}

func (r RecoveryConfig) validate() []string {
	problems := make([]string, 0)
	if r.IntervalSec <= 0 {
		problems = append(problems, "recovery.interval_sec must be greater than zero")
	}
	if r.Decay <= 0 || r.Decay >= 1 {
		problems = append(problems, "recovery.decay must be within (0,1)")
	}
	if r.ActionTimeoutSec <= 0 {
		problems = append(problems, "recovery.action_timeout_sec must be greater than zero")
	}
	if r.HistorySize <= 0 {
		problems = append(problems, "recovery.history_size must be greater than zero")
	}
	names := make(map[string]struct{}, len(r.Actions))
	for i, action := range r.Actions {
		if strings.TrimSpace(action.Name) == "" {
			problems = append(problems, fmt.Sprintf("recovery.actions[%d]: name is required", i))
		}
		if _, dup := names[action.Name]; dup {
			problems = append(problems, fmt.Sprintf("recovery.actions[%d]: duplicate name %q", i, action.Name))
		}
		names[action.Name] = struct{}{}
		if !contains(ActionTypes, action.Type) {
			problems = append(problems, fmt.Sprintf("recovery.actions[%d]: type %q is not supported", i, action.Type))
		}
		if action.Type == "command" && len(action.Cmd) == 0 {
			problems = append(problems, fmt.Sprintf("recovery.actions[%d]: cmd is required for command actions", i))
		}
		if len(action.ProblemTypes) == 0 {
			problems = append(problems, fmt.Sprintf("recovery.actions[%d]: problem_types must not be empty", i))
		}
		if action.DelayAfterMs < 0 || action.TimeoutSec < 0 {
			problems = append(problems, fmt.Sprintf("recovery.actions[%d]: delays and timeouts must be non-negative", i))
		}
	}
	return problems
}

func (s StoreConfig) validate() []string {
	if !contains(StoreBackends, s.Backend) {
		return []string{fmt.Sprintf("store.backend %q is not supported", s.Backend)}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// HealthInterval returns how often the health cycle runs.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSec) * time.Second
}

// DefaultCheckTimeout returns the timeout applied to checks without their own.
func (c *Config) DefaultCheckTimeout() time.Duration {
	return time.Duration(c.Health.DefaultTimeoutSec) * time.Second
}

// DegradationInterval returns how often the degradation tier is re-evaluated.
func (c *Config) DegradationInterval() time.Duration {
	return time.Duration(c.Degradation.IntervalSec) * time.Second
}

// RecoveryInterval returns how often a healing cycle runs.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Recovery.IntervalSec) * time.Second
}

// ActionTimeout returns the default per-action execution timeout.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Recovery.ActionTimeoutSec) * time.Second
}

// PublishInterval returns how often the health report is published to etcd.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.Publish.IntervalSec) * time.Second
}

// LockTTL returns the lease TTL of plan locks.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSec) * time.Second
}

// DialTimeout returns the etcd dial timeout.
func (e EtcdConfig) DialTimeout() time.Duration {
	return time.Duration(e.DialTimeoutSec) * time.Second
}

// Timeout returns the check's own timeout, zero when unset.
func (cc CheckConfig) Timeout() time.Duration {
	return time.Duration(cc.TimeoutSec) * time.Second
}

// LatencyThreshold returns the latency above which an http check reports degraded.
func (cc CheckConfig) LatencyThreshold() time.Duration {
	return time.Duration(cc.LatencyThresholdMs) * time.Millisecond
}

// RecoveryTimeout returns how long the breaker stays open before probing.
func (d DependencyConfig) RecoveryTimeout() time.Duration {
	return time.Duration(d.RecoveryTimeoutSec) * time.Second
}

// CallTimeout returns the per-attempt timeout for protected calls.
func (d DependencyConfig) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutSec) * time.Second
}

// Delays returns the base and max retry delays.
func (r RetryConfig) Delays() (time.Duration, time.Duration) {
	return time.Duration(r.BaseDelayMs) * time.Millisecond, time.Duration(r.MaxDelayMs) * time.Millisecond
}

// DelayAfter returns the pause after the action completes.
func (a ActionConfig) DelayAfter() time.Duration {
	return time.Duration(a.DelayAfterMs) * time.Millisecond
}

// Timeout returns the action's own timeout, zero when unset.
func (a ActionConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}
