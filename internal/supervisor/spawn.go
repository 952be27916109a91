package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Unit is a live execution unit.
type Unit interface {
	// Wait blocks until the unit exits. A nil error is a clean exit.
	Wait() error
	// Kill terminates the unit.
	Kill() error
}

// Spawner starts an execution unit for a run.
type Spawner interface {
	Spawn(ctx context.Context, runID string) (Unit, error)
}

// ProcessSpawner runs each unit as a child process: Path Args... worker <run id>.
type ProcessSpawner struct {
	Path string
	Args []string
	Env  []string
}

// NewProcessSpawner re-executes the current binary.
func NewProcessSpawner(args ...string) (*ProcessSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ProcessSpawner{Path: path, Args: args}, nil
}

// Spawn starts the worker process. Cancelling ctx kills it.
func (p *ProcessSpawner) Spawn(ctx context.Context, runID string) (Unit, error) {
	args := append(append([]string{}, p.Args...), "worker", runID)
	cmd := exec.CommandContext(ctx, p.Path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &processUnit{cmd: cmd}, nil
}

type processUnit struct {
	cmd *exec.Cmd
}

func (u *processUnit) Wait() error {
	return u.cmd.Wait()
}

func (u *processUnit) Kill() error {
	return u.cmd.Process.Kill()
}

// ExitCode extracts a process exit code from a Wait error, or -1.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ExecuteFunc runs a unit in-process.
type ExecuteFunc func(ctx context.Context, runID string) error

// GoroutineSpawner runs each unit on a goroutine. Kill cancels the unit's
// context, so termination is cooperative.
type GoroutineSpawner struct {
	Execute ExecuteFunc
}

// Spawn starts the unit goroutine. Panics surface as Wait errors.
func (g *GoroutineSpawner) Spawn(ctx context.Context, runID string) (Unit, error) {
	ctx, cancel := context.WithCancel(ctx)
	u := &goroutineUnit{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(u.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				u.err = fmt.Errorf("unit panic: %v", r)
			}
		}()
		u.err = g.Execute(ctx, runID)
	}()
	return u, nil
}

type goroutineUnit struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (u *goroutineUnit) Wait() error {
	<-u.done
	return u.err
}

func (u *goroutineUnit) Kill() error {
	u.once.Do(u.cancel)
	return nil
}
