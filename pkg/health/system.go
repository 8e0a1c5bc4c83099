package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	defaultResourceThreshold = 90.0
	degradedHeadroom         = 10.0
	defaultCPUSampleInterval = 200 * time.Millisecond
)

// Sampler returns a utilisation percentage.
type Sampler func(ctx context.Context) (float64, error)

// SystemCheck samples host CPU and memory utilisation. Utilisation above the threshold is
// unhealthy; within ten points of it, degraded.
type SystemCheck struct {
	name      string
	threshold float64
	cpu       Sampler
	memory    Sampler
}

// SystemOption customises a SystemCheck.
type SystemOption func(*SystemCheck)

// WithSamplers replaces the gopsutil samplers.
func WithSamplers(cpuSampler, memSampler Sampler) SystemOption {
	return func(c *SystemCheck) {
		if cpuSampler != nil {
			c.cpu = cpuSampler
		}
		if memSampler != nil {
			c.memory = memSampler
		}
	}
}

// NewSystemCheck constructs a resource check. threshold is a percentage in (0,100].
func NewSystemCheck(name string, threshold float64, opts ...SystemOption) *SystemCheck {
	if threshold <= 0 || threshold > 100 {
		threshold = defaultResourceThreshold
	}
	check := &SystemCheck{
		name:      name,
		threshold: threshold,
		cpu:       cpuPercent,
		memory:    memoryPercent,
	}
	for _, opt := range opts {
		opt(check)
	}
	return check
}

func (c *SystemCheck) Name() string { return c.name }

// Run samples CPU and memory utilisation.
func (c *SystemCheck) Run(ctx context.Context) CheckResult {
	cpuUsed, err := c.cpu(ctx)
	if err != nil {
		return Unhealthy(fmt.Errorf("sample cpu: %w", err))
	}
	memUsed, err := c.memory(ctx)
	if err != nil {
		return Unhealthy(fmt.Errorf("sample memory: %w", err))
	}

	peak := cpuUsed
	if memUsed > peak {
		peak = memUsed
	}
	var res CheckResult
	switch {
	case peak > c.threshold:
		res = Unhealthy(fmt.Errorf("resource utilisation %.1f%% exceeds %.1f%%", peak, c.threshold))
	case peak > c.threshold-degradedHeadroom:
		res = Degraded(fmt.Sprintf("resource utilisation %.1f%% approaching %.1f%%", peak, c.threshold))
	default:
		res = Healthy(fmt.Sprintf("cpu %.1f%%, memory %.1f%%", cpuUsed, memUsed))
	}
	res.Detail = map[string]interface{}{
		DetailCPUPercent:    cpuUsed,
		DetailMemoryPercent: memUsed,
		"threshold_percent": c.threshold,
	}
	return res
}

func cpuPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, defaultCPUSampleInterval, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no cpu samples returned")
	}
	return values[0], nil
}

func memoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

var _ Check = (*SystemCheck)(nil)
