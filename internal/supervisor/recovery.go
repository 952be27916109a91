package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// maxCrashAttempts bounds re-reads when the status moves during marking.
const maxCrashAttempts = 5

// markCrashed records a crash on runID unless it is already terminal. A
// concurrent terminal write wins: the CAS loses and the re-read stops.
func (s *Supervisor) markCrashed(ctx context.Context, runID, reason string, exitCode int) {
	for range maxCrashAttempts {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			s.log.Error("[supervisor] crash marking: load run", "run_id", runID, "error", err)
			return
		}
		if run.Status.Terminal() {
			return
		}

		result := &models.Result{
			Error:     reason,
			ErrorKind: models.ErrorKindCrash,
			Crash: &models.CrashMarker{
				Reason:      reason,
				ExitCode:    exitCode,
				PriorStatus: run.Status,
				DetectedAt:  time.Now().UTC(),
			},
		}
		if run.Result != nil {
			result.Subtasks = run.Result.Subtasks
		}

		err = store.Finish(ctx, s.store, runID, run.Status, models.StatusFailed, result)
		if err == nil {
			s.opts.Metrics.crashMarked.Inc()
			s.log.Warn("[supervisor] run marked failed", "run_id", runID, "prior_status", run.Status, "reason", reason)
			if _, err := s.store.AppendLog(ctx, runID, "marked failed by supervisor: "+reason); err != nil {
				s.log.Debug("[supervisor] append log failed", "run_id", runID, "error", err)
			}
			return
		}
		if !errors.Is(err, store.ErrConflict) {
			s.log.Error("[supervisor] crash marking failed", "run_id", runID, "error", err)
			return
		}
	}
}

// Recover fails runs orphaned by a previous supervisor: units that were
// Running, or planners that died between planning and delegation. Composite
// runs in SubtasksRunning resume through the normal composition pass.
func (s *Supervisor) Recover(ctx context.Context) error {
	var orphans []*models.Run
	filter := store.RunFilter{Statuses: []models.Status{models.StatusRunning, models.StatusSubtasksGenerated}}
	for run, err := range s.store.ListRuns(ctx, filter) {
		if err != nil {
			return fmt.Errorf("list orphans: %w", err)
		}
		if !s.isActive(run.ID) {
			orphans = append(orphans, run)
		}
	}
	for _, run := range orphans {
		s.markCrashed(ctx, run.ID, fmt.Sprintf("orphaned in %s by supervisor restart", run.Status), -1)
	}
	if len(orphans) > 0 {
		s.log.Info("[supervisor] recovered orphaned runs", "count", len(orphans))
	}
	return nil
}
