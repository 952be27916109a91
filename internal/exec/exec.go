// Package exec runs external commands behind an interface so callers can be
// tested without spawning processes.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
)

// Command describes one process invocation.
type Command struct {
	Dir  string
	Name string
	Args []string
	// Env is appended to the current environment.
	Env []string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  Command
	ExitCode int
	Output   []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d: %s", e.Command.Name, e.ExitCode, strings.TrimSpace(string(e.Output)))
}

// Runner executes commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// OSRunner implements Runner using os/exec.
type OSRunner struct{}

// NewRunner creates a new OSRunner.
func NewRunner() *OSRunner {
	return &OSRunner{}
}

// Run executes cmd. A non-zero exit is returned as *ExitError.
func (r *OSRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := osexec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	out, err := c.CombinedOutput()
	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			return out, &ExitError{Command: cmd, ExitCode: exitErr.ExitCode(), Output: out}
		}
		return out, fmt.Errorf("run %s: %w", cmd.Name, err)
	}
	return out, nil
}

var _ Runner = (*OSRunner)(nil)
