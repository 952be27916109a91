package store

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// Store errors.
var (
	// ErrValidation rejects a run before it is created.
	ErrValidation = errors.New("validation error")
	// ErrConflict means a status compare-and-swap lost a race. It is a retry
	// signal, not a failure.
	ErrConflict = errors.New("status conflict")
	// ErrNotFound means the run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidTransition rejects a status change outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicate accompanies the id of an existing run on replayed creation.
	ErrDuplicate = errors.New("duplicate run")
)

// ConflictError reports the status the store held when a CAS lost.
type ConflictError struct {
	RunID    string
	Expected models.Status
	Actual   models.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("run %s: expected status %s, found %s", e.RunID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(runID string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, runID)
}

func checkTransition(runID string, expected, next models.Status) error {
	if !models.CanTransition(expected, next) {
		return fmt.Errorf("%w: run %s %s -> %s", ErrInvalidTransition, runID, expected, next)
	}
	return nil
}

// validateCreate checks a request against its parent, which is nil when the
// request names no parent or the parent does not exist.
func validateCreate(req CreateRequest, parent *models.Run) error {
	if !req.AgentType.Valid() {
		return validationf("unknown agent type %q", req.AgentType)
	}
	if req.Payload.Description == "" {
		return validationf("payload description is required")
	}
	if req.ParentRunID == "" {
		if req.SubtaskIndex != nil {
			return validationf("subtask index requires a parent run")
		}
		return nil
	}
	if parent == nil {
		return validationf("parent run %s does not exist", req.ParentRunID)
	}
	if !parent.AgentType.Composite() {
		return validationf("parent run %s is %s, which cannot own children", parent.ID, parent.AgentType)
	}
	if parent.Status.Terminal() {
		return validationf("parent run %s is %s and accepts no children", parent.ID, parent.Status)
	}
	if req.SubtaskIndex == nil {
		return nil
	}
	idx := *req.SubtaskIndex
	if idx < 0 {
		return validationf("negative subtask index %d", idx)
	}
	// Once a plan exists, children map one-to-one onto its specs.
	if parent.Result != nil && len(parent.Result.Subtasks) > 0 && !planHasIndex(parent.Result.Subtasks, idx) {
		return validationf("parent run %s has no subtask %d", parent.ID, idx)
	}
	return nil
}

func planHasIndex(specs []models.SubtaskSpec, index int) bool {
	for _, s := range specs {
		if s.Index == index {
			return true
		}
	}
	return false
}
