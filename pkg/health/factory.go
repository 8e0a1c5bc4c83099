package health

import (
	"fmt"

	"github.com/selfheald/selfheald/pkg/config"
)

// NewFromConfig builds a Registration from a check configuration entry.
func NewFromConfig(cfg config.CheckConfig, baseEnv map[string]string) (Registration, error) {
	var check Check
	switch cfg.Type {
	case "command":
		cmdCheck, err := NewCommandCheck(cfg.Name, cfg.Cmd, mergeEnv(baseEnv, cfg.Env), cfg.DegradedExitCodes)
		if err != nil {
			return Registration{}, err
		}
		check = cmdCheck
	case "http":
		opts := []HTTPOption{WithExpectStatus(cfg.ExpectStatus)}
		if threshold := cfg.LatencyThreshold(); threshold > 0 {
			opts = append(opts, WithLatencyThreshold(threshold))
		}
		httpCheck, err := NewHTTPCheck(cfg.Name, cfg.URL, opts...)
		if err != nil {
			return Registration{}, err
		}
		check = httpCheck
	case "system":
		check = NewSystemCheck(cfg.Name, cfg.ThresholdPercent)
	default:
		return Registration{}, fmt.Errorf("unsupported health check type %q", cfg.Type)
	}

	return Registration{
		Check:     check,
		Kind:      Kind(cfg.Kind),
		Timeout:   cfg.Timeout(),
		Exclude:   cfg.Exclude,
		Problem:   cfg.ProblemType,
		Component: cfg.Component,
	}, nil
}

// NewAll builds registrations for every configured check.
func NewAll(cfgs []config.CheckConfig, baseEnv map[string]string) ([]Registration, error) {
	regs := make([]Registration, 0, len(cfgs))
	for _, cfg := range cfgs {
		reg, err := NewFromConfig(cfg, baseEnv)
		if err != nil {
			return nil, fmt.Errorf("health check %s: %w", cfg.Name, err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func mergeEnv(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
