package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const maxCapturedOutput = 2048

// CommandCheck runs an external command: exit 0 is healthy, a configured degraded exit code is
// degraded and anything else is unhealthy.
type CommandCheck struct {
	name          string
	command       []string
	env           map[string]string
	degradedCodes map[int]struct{}
}

// CommandOutput captures the result of one command execution.
type CommandOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// NewCommandCheck constructs a command check. env is appended to the daemon environment.
func NewCommandCheck(name string, command []string, env map[string]string, degradedExitCodes []int) (*CommandCheck, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("command check requires cmd to be set")
	}
	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}
	check := &CommandCheck{
		name:          name,
		command:       append([]string(nil), command...),
		env:           envCopy,
		degradedCodes: make(map[int]struct{}, len(degradedExitCodes)),
	}
	for _, code := range degradedExitCodes {
		check.degradedCodes[code] = struct{}{}
	}
	return check, nil
}

func (c *CommandCheck) Name() string { return c.name }

// Run executes the command under ctx and classifies its exit code.
func (c *CommandCheck) Run(ctx context.Context) CheckResult {
	output, err := c.execute(ctx)
	if err != nil {
		return Unhealthy(err)
	}

	detail := map[string]interface{}{"exit_code": output.ExitCode}
	if out := truncate(strings.TrimSpace(output.Stdout)); out != "" {
		detail["stdout"] = out
	}
	if errOut := truncate(strings.TrimSpace(output.Stderr)); errOut != "" {
		detail["stderr"] = errOut
	}

	var res CheckResult
	switch _, degraded := c.degradedCodes[output.ExitCode]; {
	case output.ExitCode == 0:
		res = Healthy("command succeeded")
	case degraded:
		res = Degraded(fmt.Sprintf("command exited with degraded code %d", output.ExitCode))
	default:
		res = Unhealthy(fmt.Errorf("command %s exited with code %d", c.command[0], output.ExitCode))
	}
	res.Detail = detail
	return res
}

func (c *CommandCheck) execute(ctx context.Context) (CommandOutput, error) {
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Env = append(os.Environ(), formatEnv(c.env)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return CommandOutput{}, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return CommandOutput{}, fmt.Errorf("command check %s failed: %w", c.name, err)
		}
		exitCode = exitErr.ExitCode()
	}
	return CommandOutput{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func formatEnv(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	formatted := make([]string, 0, len(values))
	for _, k := range keys {
		formatted = append(formatted, fmt.Sprintf("%s=%s", k, values[k]))
	}
	return formatted
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "..."
}

var _ Check = (*CommandCheck)(nil)
