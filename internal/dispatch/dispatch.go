// Package dispatch is the execution unit: it claims a run, resolves the
// agent behavior, runs it, and persists the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/cairn/internal/a2a"
	"github.com/ShayCichocki/cairn/internal/agents"
	"github.com/ShayCichocki/cairn/internal/decompose"
	"github.com/ShayCichocki/cairn/internal/logger"
	"github.com/ShayCichocki/cairn/internal/model"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/internal/workspace"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// ModelFactory returns the model a run's payload selects.
type ModelFactory func(ctx context.Context, p models.Payload) (model.Invoker, error)

// WorkspaceFactory returns the scoped repository access for a run.
type WorkspaceFactory func(run *models.Run) *workspace.Workspace

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store      store.Store
	A2A        *a2a.Channel
	Models     ModelFactory
	Workspaces WorkspaceFactory
	// Notifier is told about runs that became runnable.
	Notifier decompose.Notifier
	Settings agents.Settings
	// AutoMaterialize makes FullstackPlanner runs materialize their
	// agent-assigned subtasks without waiting for an external request.
	AutoMaterialize bool
	ComposerPoll    time.Duration
}

// Dispatcher executes runs.
type Dispatcher struct {
	deps         Deps
	materializer *decompose.Materializer
	composer     *decompose.Composer
	log          *slog.Logger
}

// New creates a Dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		deps:         deps,
		materializer: decompose.NewMaterializer(deps.Store, deps.Notifier),
		composer:     decompose.NewComposer(deps.Store, deps.ComposerPoll),
		log:          logger.With("component", "unit"),
	}
}

// Materializer returns the materializer bound to the dispatcher's store.
func (d *Dispatcher) Materializer() *decompose.Materializer {
	return d.materializer
}

// Execute runs the unit for runID. Agent failures are recorded on the run
// and yield a nil error; a non-nil error means the unit itself could not do
// its job. ErrClaimLost reports that another writer got there first.
func (d *Dispatcher) Execute(ctx context.Context, runID string) error {
	run, err := d.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	log := d.log.With("run_id", runID, "agent_type", run.AgentType)

	switch run.Status {
	case models.StatusQueued:
	case models.StatusSubtasksRunning:
		_, err := d.Compose(ctx, runID)
		return err
	default:
		log.Info("[unit] nothing to do", "status", run.Status)
		return nil
	}

	if err := d.deps.Store.UpdateStatus(ctx, runID, models.StatusQueued, models.StatusRunning); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("[unit] claim lost")
			return fmt.Errorf("%w: %s", ErrClaimLost, runID)
		}
		return fmt.Errorf("claim run: %w", err)
	}
	run.Status = models.StatusRunning
	d.logf(ctx, runID, "claimed by execution unit")
	log.Info("[unit] started")

	agent, err := agents.Resolve(run.AgentType)
	if err != nil {
		return d.fail(ctx, run, models.StatusRunning, err)
	}

	outcome, err := d.runAgent(ctx, run, agent)
	if err != nil {
		log.Warn("[unit] agent failed", "error", err)
		return d.fail(ctx, run, models.StatusRunning, err)
	}
	if outcome.Result == nil {
		outcome.Result = &models.Result{}
	}

	switch outcome.Kind {
	case agents.OutcomeDone:
		return d.finish(ctx, run, models.StatusRunning, models.StatusDone, outcome.Result)
	case agents.OutcomeWaiting:
		return d.finish(ctx, run, models.StatusRunning, models.StatusWaitingForInput, outcome.Result)
	case agents.OutcomeSubtasks:
		if err := d.finish(ctx, run, models.StatusRunning, models.StatusSubtasksGenerated, outcome.Result); err != nil {
			return err
		}
		return d.delegate(ctx, run)
	}
	return d.fail(ctx, run, models.StatusRunning, fmt.Errorf("unknown outcome %s", outcome.Kind))
}

// runAgent builds the agent environment and runs it, converting panics to
// errors.
func (d *Dispatcher) runAgent(ctx context.Context, run *models.Run, agent agents.Agent) (out agents.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()

	inv, err := d.deps.Models(ctx, run.Payload)
	if err != nil {
		return agents.Outcome{}, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}
	env := &agents.Env{
		Run:       run,
		Workspace: d.deps.Workspaces(run),
		Model:     inv,
		Store:     d.deps.Store,
		A2A:       d.deps.A2A,
		Settings:  d.deps.Settings,
		Logger:    logger.ForRun("agent", run.ID),
	}
	return agent.Run(ctx, env)
}

// delegate materializes children of a freshly planned composite run.
func (d *Dispatcher) delegate(ctx context.Context, run *models.Run) error {
	var created int
	switch {
	case run.AgentType == models.AgentPM:
		out, err := d.materializer.MaterializeReady(ctx, run.ID)
		if err != nil {
			return d.failCurrent(ctx, run.ID, err)
		}
		created = countCreated(out)
	case d.deps.AutoMaterialize:
		out, err := d.materializer.MaterializeAll(ctx, run.ID, false)
		if err != nil {
			return d.failCurrent(ctx, run.ID, err)
		}
		created = countCreated(out)
	}
	d.logf(ctx, run.ID, "materialized %d subtasks", created)

	if created == 0 {
		// Nothing runnable yet; wait for an external materialize request.
		err := d.deps.Store.UpdateStatus(ctx, run.ID, models.StatusSubtasksGenerated, models.StatusWaitingForInput)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("park run: %w", err)
		}
	}
	return nil
}

// Compose performs one composition pass over a composite run in
// SubtasksRunning, materializing PM subtasks whose dependencies are Done.
// It returns the parent's status after the pass.
func (d *Dispatcher) Compose(ctx context.Context, runID string) (models.Status, error) {
	status, _, err := d.composer.Poll(ctx, runID, d.advance)
	if err != nil {
		return status, d.failCurrent(ctx, runID, err)
	}
	return status, nil
}

// AwaitComposition polls until the composite run settles or parks.
func (d *Dispatcher) AwaitComposition(ctx context.Context, runID string) (models.Status, error) {
	status, err := d.composer.Await(ctx, runID, d.advance)
	if err != nil && ctx.Err() == nil {
		return status, d.failCurrent(ctx, runID, err)
	}
	return status, err
}

func (d *Dispatcher) advance(ctx context.Context, parent *models.Run, p *decompose.Progress) (int, error) {
	if parent.AgentType != models.AgentPM {
		return 0, nil
	}
	out, err := d.materializer.MaterializeReady(ctx, parent.ID)
	if err != nil {
		return 0, err
	}
	return countCreated(out), nil
}

func countCreated(out []decompose.Materialized) int {
	n := 0
	for _, m := range out {
		if m.Created {
			n++
		}
	}
	return n
}

func (d *Dispatcher) finish(ctx context.Context, run *models.Run, from, to models.Status, result *models.Result) error {
	err := store.Finish(ctx, d.deps.Store, run.ID, from, to, result)
	var conflict *store.ConflictError
	switch {
	case err == nil:
		d.logf(ctx, run.ID, "status %s", to)
		d.log.Info("[unit] finished", "run_id", run.ID, "status", to)
		return nil
	case errors.As(err, &conflict):
		d.log.Info("[unit] status changed underneath", "run_id", run.ID, "want", to, "actual", conflict.Actual)
		return nil
	default:
		return fmt.Errorf("finish run: %w", err)
	}
}

// fail records err on the run and moves it from the given status to Failed.
func (d *Dispatcher) fail(ctx context.Context, run *models.Run, from models.Status, cause error) error {
	kind := Classify(cause)
	d.logf(ctx, run.ID, "failed (%s): %v", kind, cause)
	return d.finish(ctx, run, from, models.StatusFailed, &models.Result{
		Error:     cause.Error(),
		ErrorKind: kind,
	})
}

// failCurrent fails a run from whatever non-terminal status it holds.
func (d *Dispatcher) failCurrent(ctx context.Context, runID string, cause error) error {
	run, err := d.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}
	// Keep the plan so children stay inspectable from the parent.
	kind := Classify(cause)
	result := &models.Result{Error: cause.Error(), ErrorKind: kind}
	if run.Result != nil {
		result.Subtasks = run.Result.Subtasks
	}
	d.logf(ctx, runID, "failed (%s): %v", kind, cause)
	return d.finish(ctx, run, run.Status, models.StatusFailed, result)
}

func (d *Dispatcher) logf(ctx context.Context, runID, format string, args ...any) {
	if _, err := d.deps.Store.AppendLog(ctx, runID, fmt.Sprintf(format, args...)); err != nil {
		d.log.Warn("[unit] append log failed", "run_id", runID, "error", err)
	}
}
