package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// CancelledResult is the result recorded on a cancelled run.
func CancelledResult(reason string) *models.Result {
	if reason == "" {
		reason = "run cancelled"
	}
	return &models.Result{Error: reason, ErrorKind: models.ErrorKindCancelled}
}

// Finish moves the run from one status to the next and records result in
// the same write. A writer that loses the CAS leaves the winner's result
// untouched.
func Finish(ctx context.Context, s RunStore, runID string, from, to models.Status, result *models.Result) error {
	return s.Transition(ctx, runID, from, to, result)
}

// Cancel moves a non-terminal run to Cancelled. It retries when the status
// changes underneath it and returns ErrInvalidTransition for terminal runs.
func Cancel(ctx context.Context, s RunStore, runID, reason string) error {
	for {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is already %s", ErrInvalidTransition, runID, run.Status)
		}
		err = s.Transition(ctx, runID, run.Status, models.StatusCancelled, CancelledResult(reason))
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
}
