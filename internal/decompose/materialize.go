package decompose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/cairn/internal/graph"
	"github.com/ShayCichocki/cairn/internal/logger"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// Materialization errors.
var (
	ErrNotComposite  = errors.New("run cannot own subtasks")
	ErrNoPlan        = errors.New("run has no subtask plan")
	ErrIndexRange    = errors.New("subtask index out of range")
	ErrParentSettled = errors.New("parent run no longer accepts subtasks")
	// ErrDependencyPending rejects a PM subtask whose prerequisites are not Done.
	ErrDependencyPending = errors.New("subtask prerequisites are not done")
)

// Notifier is told about runs that need an execution unit: new children
// and parents whose composition should resume.
type Notifier interface {
	Enqueue(runID string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(runID string)

func (f NotifierFunc) Enqueue(runID string) { f(runID) }

// Materialized reports the child of one subtask index.
type Materialized struct {
	Index   int    `json:"index"`
	RunID   string `json:"run_id"`
	Created bool   `json:"created"`
}

// Materializer creates child runs from a parent's subtask specs. Creation is
// keyed by (parent, index), so repeating a call never duplicates a child.
type Materializer struct {
	runs   store.RunStore
	notify Notifier
	log    *slog.Logger
}

// NewMaterializer creates a Materializer. notify may be nil.
func NewMaterializer(runs store.RunStore, notify Notifier) *Materializer {
	return &Materializer{
		runs:   runs,
		notify: notify,
		log:    logger.With("component", "materializer"),
	}
}

// Materialize creates the child for one subtask index, or returns the
// existing one. Under a PM the subtask's prerequisites must be Done first.
func (m *Materializer) Materialize(ctx context.Context, parentID string, index int) (Materialized, error) {
	parent, specs, err := m.loadParent(ctx, parentID)
	if err != nil {
		return Materialized{}, err
	}
	spec, ok := specAt(specs, index)
	if !ok {
		return Materialized{}, fmt.Errorf("%w: %d of %d", ErrIndexRange, index, len(specs))
	}
	if parent.AgentType == models.AgentPM {
		progress, g, err := m.plan(ctx, parent, specs)
		if err != nil {
			return Materialized{}, err
		}
		if child, ok := progress.Children[index]; ok {
			return Materialized{Index: index, RunID: child.ID}, nil
		}
		if waiting := unmet(g, index, progress.DoneSet()); len(waiting) > 0 {
			return Materialized{}, fmt.Errorf("%w: subtask %d of %s waits for %v", ErrDependencyPending, index, parentID, waiting)
		}
	}
	res, err := m.create(ctx, parent, spec)
	if err != nil {
		return Materialized{}, err
	}
	if err := m.resumeParent(ctx, parent); err != nil {
		return res, err
	}
	return res, nil
}

// MaterializeAll creates children for every index that has none yet.
// Existing children, whatever their status, are left alone. Human-assigned
// subtasks are included only when includeHuman is set. Under a PM, subtasks
// with unfinished prerequisites are skipped; when nothing else is eligible
// the call fails with ErrDependencyPending.
func (m *Materializer) MaterializeAll(ctx context.Context, parentID string, includeHuman bool) ([]Materialized, error) {
	parent, specs, err := m.loadParent(ctx, parentID)
	if err != nil {
		return nil, err
	}

	var (
		progress *Progress
		g        *graph.DependencyGraph
		blocked  []int
	)
	if parent.AgentType == models.AgentPM {
		if progress, g, err = m.plan(ctx, parent, specs); err != nil {
			return nil, err
		}
	}

	var out []Materialized
	for _, spec := range specs {
		if spec.Assignment == models.AssignHuman && !includeHuman {
			continue
		}
		if progress != nil {
			if _, started := progress.Children[spec.Index]; !started && len(unmet(g, spec.Index, progress.DoneSet())) > 0 {
				blocked = append(blocked, spec.Index)
				continue
			}
		}
		res, err := m.create(ctx, parent, spec)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	if len(out) == 0 && len(blocked) > 0 {
		return nil, fmt.Errorf("%w: subtasks %v of %s", ErrDependencyPending, blocked, parentID)
	}
	if err := m.resumeParent(ctx, parent); err != nil {
		return out, err
	}
	return out, nil
}

// MaterializeReady creates children for agent-assigned subtasks whose
// dependencies are Done, in index order.
func (m *Materializer) MaterializeReady(ctx context.Context, parentID string) ([]Materialized, error) {
	parent, specs, err := m.loadParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	progress, g, err := m.plan(ctx, parent, specs)
	if err != nil {
		return nil, err
	}

	var out []Materialized
	for _, idx := range g.Ready(progress.DoneSet(), progress.StartedSet()) {
		spec, _ := g.Spec(idx)
		if spec.Assignment == models.AssignHuman {
			continue
		}
		res, err := m.create(ctx, parent, spec)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	if len(out) > 0 {
		if err := m.resumeParent(ctx, parent); err != nil {
			return out, err
		}
	}
	return out, nil
}

// plan evaluates the parent's children and builds the dependency graph of
// its specs.
func (m *Materializer) plan(ctx context.Context, parent *models.Run, specs []models.SubtaskSpec) (*Progress, *graph.DependencyGraph, error) {
	children, err := store.Children(ctx, m.runs, parent.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list children: %w", err)
	}
	g := graph.New()
	g.SetDebugLog(func(format string, args ...any) {
		m.log.Debug(fmt.Sprintf(format, args...), "parent_run_id", parent.ID)
	})
	if err := g.Build(specs); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return Evaluate(specs, children), g, nil
}

// unmet returns the prerequisites of index that are not Done.
func unmet(g *graph.DependencyGraph, index int, done map[int]bool) []int {
	var waiting []int
	for _, dep := range g.Dependencies(index) {
		if !done[dep] {
			waiting = append(waiting, dep)
		}
	}
	return waiting
}

func (m *Materializer) loadParent(ctx context.Context, parentID string) (*models.Run, []models.SubtaskSpec, error) {
	parent, err := m.runs.GetRun(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	if !parent.AgentType.Composite() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotComposite, parentID, parent.AgentType)
	}
	if parent.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrParentSettled, parentID, parent.Status)
	}
	if parent.Result == nil || len(parent.Result.Subtasks) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoPlan, parentID)
	}
	return parent, parent.Result.Subtasks, nil
}

func (m *Materializer) create(ctx context.Context, parent *models.Run, spec models.SubtaskSpec) (Materialized, error) {
	idx := spec.Index
	id, err := m.runs.CreateRun(ctx, store.CreateRequest{
		AgentType:    parent.AgentType.ChildType(),
		Payload:      spec.Payload(parent.Payload),
		ParentRunID:  parent.ID,
		SubtaskIndex: &idx,
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return Materialized{Index: idx, RunID: id}, nil
	case err != nil:
		return Materialized{}, fmt.Errorf("create child %d of %s: %w", idx, parent.ID, err)
	}

	m.log.Info("[materializer] created child",
		"parent_run_id", parent.ID, "subtask_index", idx, "run_id", id, "agent_type", parent.AgentType.ChildType())
	if m.notify != nil {
		m.notify.Enqueue(id)
	}
	return Materialized{Index: idx, RunID: id, Created: true}, nil
}

// resumeParent moves a parent that is not composing back to SubtasksRunning
// and asks for a unit to resume it. Losing either CAS means someone else
// already moved the parent, which is fine.
func (m *Materializer) resumeParent(ctx context.Context, parent *models.Run) error {
	for _, from := range []models.Status{models.StatusSubtasksGenerated, models.StatusWaitingForInput} {
		err := m.runs.UpdateStatus(ctx, parent.ID, from, models.StatusSubtasksRunning)
		if err == nil {
			m.log.Info("[materializer] parent resumed", "run_id", parent.ID, "from", from)
			if m.notify != nil {
				m.notify.Enqueue(parent.ID)
			}
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("resume parent %s: %w", parent.ID, err)
		}
	}
	return nil
}

func specAt(specs []models.SubtaskSpec, index int) (models.SubtaskSpec, bool) {
	for _, s := range specs {
		if s.Index == index {
			return s, true
		}
	}
	return models.SubtaskSpec{}, false
}
