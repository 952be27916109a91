package decompose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/cairn/internal/logger"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// AdvanceFunc is called on every poll before completion is checked. It may
// materialize more children and returns how many it created.
type AdvanceFunc func(ctx context.Context, parent *models.Run, p *Progress) (int, error)

// Composer waits on a composite run's children and settles the parent.
// More than one composer may watch the same parent; the final CAS picks a
// single winner.
type Composer struct {
	runs store.RunStore
	poll time.Duration
	log  *slog.Logger
}

// NewComposer creates a Composer polling children every poll interval.
func NewComposer(runs store.RunStore, poll time.Duration) *Composer {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Composer{
		runs: runs,
		poll: poll,
		log:  logger.With("component", "composer"),
	}
}

// Await drives a parent in SubtasksRunning until it is Done, Failed, parked
// in WaitingForInput, or moved elsewhere by another writer. It returns the
// status the parent held when the composer stopped.
func (c *Composer) Await(ctx context.Context, parentID string, advance AdvanceFunc) (models.Status, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		status, settled, err := c.step(ctx, parentID, advance)
		if err != nil || settled {
			return status, err
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs a single composition pass. settled is true once the parent
// has left SubtasksRunning or needs no further polling.
func (c *Composer) Poll(ctx context.Context, parentID string, advance AdvanceFunc) (status models.Status, settled bool, err error) {
	return c.step(ctx, parentID, advance)
}

// step performs one poll. settled is true when the composer should stop.
func (c *Composer) step(ctx context.Context, parentID string, advance AdvanceFunc) (models.Status, bool, error) {
	parent, err := c.runs.GetRun(ctx, parentID)
	if err != nil {
		return "", true, err
	}
	if parent.Status != models.StatusSubtasksRunning {
		return parent.Status, true, nil
	}
	if parent.Result == nil || len(parent.Result.Subtasks) == 0 {
		return parent.Status, true, fmt.Errorf("%w: %s", ErrNoPlan, parentID)
	}
	specs := parent.Result.Subtasks

	progress, err := c.progress(ctx, parentID, specs)
	if err != nil {
		return parent.Status, true, err
	}

	if progress.AnyFailed() {
		return c.settle(ctx, parent, models.StatusFailed, ChildFailure(parent, progress))
	}

	if advance != nil {
		created, err := advance(ctx, parent, progress)
		if err != nil {
			return parent.Status, true, err
		}
		if created > 0 {
			return parent.Status, false, nil
		}
	}

	if progress.Complete() {
		return c.settle(ctx, parent, models.StatusDone, Compose(parent, progress))
	}

	if progress.Idle() {
		return c.park(ctx, parent, specs)
	}
	return parent.Status, false, nil
}

func (c *Composer) progress(ctx context.Context, parentID string, specs []models.SubtaskSpec) (*Progress, error) {
	children, err := store.Children(ctx, c.runs, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return Evaluate(specs, children), nil
}

// settle records the parent's result and moves it to a terminal status.
// Competing composers compute the same result, so losing the CAS is benign.
func (c *Composer) settle(ctx context.Context, parent *models.Run, next models.Status, result *models.Result) (models.Status, bool, error) {
	err := store.Finish(ctx, c.runs, parent.ID, models.StatusSubtasksRunning, next, result)
	var conflict *store.ConflictError
	switch {
	case err == nil:
		c.log.Info("[composer] parent settled", "run_id", parent.ID, "status", next)
		return next, true, nil
	case errors.As(err, &conflict):
		c.log.Info("[composer] lost settle race", "run_id", parent.ID, "status", conflict.Actual)
		return conflict.Actual, true, nil
	default:
		return parent.Status, true, err
	}
}

// park moves the parent to WaitingForInput because every materialized child
// is Done but specs remain. A child materialized concurrently is caught by
// re-listing after the CAS; the materializer's own CAS covers the rest.
func (c *Composer) park(ctx context.Context, parent *models.Run, specs []models.SubtaskSpec) (models.Status, bool, error) {
	err := c.runs.UpdateStatus(ctx, parent.ID, models.StatusSubtasksRunning, models.StatusWaitingForInput)
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return conflict.Actual, true, nil
	}
	if err != nil {
		return parent.Status, true, err
	}

	progress, err := c.progress(ctx, parent.ID, specs)
	if err != nil {
		return models.StatusWaitingForInput, true, err
	}
	if progress.Idle() && !progress.AnyFailed() {
		c.log.Info("[composer] waiting for materialization", "run_id", parent.ID, "pending", progress.Unmaterialized)
		return models.StatusWaitingForInput, true, nil
	}

	// A child appeared between the poll and the park.
	err = c.runs.UpdateStatus(ctx, parent.ID, models.StatusWaitingForInput, models.StatusSubtasksRunning)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return models.StatusWaitingForInput, true, err
	}
	current, err := c.runs.GetRun(ctx, parent.ID)
	if err != nil {
		return models.StatusWaitingForInput, true, err
	}
	return current.Status, current.Status != models.StatusSubtasksRunning, nil
}
