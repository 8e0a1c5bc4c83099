package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// CommandExecutor runs the argv of command recovery actions.
type CommandExecutor interface {
	Execute(ctx context.Context, command []string, env map[string]string) error
}

// ExecCommandExecutor shells out to the configured command using os/exec.
type ExecCommandExecutor struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecCommandExecutor constructs an ExecCommandExecutor with optional output writers.
// When stdout or stderr are nil, the process inherits os.Stdout/os.Stderr.
func NewExecCommandExecutor(stdout, stderr io.Writer) *ExecCommandExecutor {
	return &ExecCommandExecutor{Stdout: stdout, Stderr: stderr}
}

// Execute runs command with env appended to the daemon environment.
func (e *ExecCommandExecutor) Execute(ctx context.Context, command []string, env map[string]string) error {
	if len(command) == 0 {
		return errors.New("recovery command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if e != nil {
		if e.Stdout != nil {
			cmd.Stdout = e.Stdout
		}
		if e.Stderr != nil {
			cmd.Stderr = e.Stderr
		}
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), formatEnv(env)...)
	}

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("run recovery command %q: %w", strings.Join(command, " "), err)
	}
	return nil
}

func formatEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+values[k])
	}
	return out
}

var _ CommandExecutor = (*ExecCommandExecutor)(nil)
