// Package agents implements the behaviors an execution unit can run: SWE,
// PM and FullstackPlanner. The set is closed and resolved once per unit.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/cairn/internal/a2a"
	"github.com/ShayCichocki/cairn/internal/model"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/internal/workspace"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// OutcomeKind is how an agent run ended.
type OutcomeKind int

const (
	// OutcomeDone means the work is complete.
	OutcomeDone OutcomeKind = iota
	// OutcomeWaiting means the agent needs human input.
	OutcomeWaiting
	// OutcomeSubtasks means the agent produced a subtask plan.
	OutcomeSubtasks
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeWaiting:
		return "waiting_for_input"
	case OutcomeSubtasks:
		return "subtasks_generated"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of one agent run.
type Outcome struct {
	Kind   OutcomeKind
	Result *models.Result
}

// Settings are the tunables agents read from configuration.
type Settings struct {
	MaxIterations int
	MaxSubtasks   int
}

// Env is everything an agent may touch: its run, scoped repository access,
// a model, the store and the a2a channel.
type Env struct {
	Run       *models.Run
	Workspace *workspace.Workspace
	Model     model.Invoker
	Store     store.Store
	A2A       *a2a.Channel
	Settings  Settings
	Logger    *slog.Logger
}

// Logf writes a line to the run's log trail.
func (e *Env) Logf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if e.Logger != nil {
		e.Logger.Debug(msg)
	}
	if _, err := e.Store.AppendLog(ctx, e.Run.ID, msg); err != nil && e.Logger != nil {
		e.Logger.Warn("append run log failed", "error", err)
	}
}

// ErrSettled means the run left Running while its agent worked, usually
// because it was cancelled.
var ErrSettled = errors.New("run settled while executing")

// StillRunning re-reads the run and returns ErrSettled once it is no longer
// Running. Agents call it before side effects outside the store.
func (e *Env) StillRunning(ctx context.Context) error {
	run, err := e.Store.GetRun(ctx, e.Run.ID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	if run.Status != models.StatusRunning {
		return fmt.Errorf("%w: run %s is %s", ErrSettled, run.ID, run.Status)
	}
	return nil
}

// Agent runs one agent type.
type Agent interface {
	Run(ctx context.Context, env *Env) (Outcome, error)
}

var registry = map[models.AgentType]Agent{
	models.AgentSWE:              &SWE{},
	models.AgentPM:               &Planner{kind: planPM},
	models.AgentFullstackPlanner: &Planner{kind: planFullstack},
}

// Resolve returns the behavior for an agent type.
func Resolve(t models.AgentType) (Agent, error) {
	a, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", t)
	}
	return a, nil
}
