package dispatch

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/cairn/internal/decompose"
	"github.com/ShayCichocki/cairn/internal/model"
	"github.com/ShayCichocki/cairn/internal/scm"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// Failure classes recorded on failed runs.
var (
	// ErrCollaborator is a failure of the model or source control.
	ErrCollaborator = errors.New("collaborator failure")
	// ErrCrash is an agent panic or an abnormal unit exit.
	ErrCrash = errors.New("execution unit crashed")
	// ErrDecomposition is an unusable plan or a failed composition.
	ErrDecomposition = errors.New("decomposition failed")
	// ErrClaimLost means another unit already claimed the run.
	ErrClaimLost = errors.New("run already claimed")
)

// Classify maps an agent error to the kind recorded in the run result.
func Classify(err error) models.ErrorKind {
	var scmErr *scm.Error
	switch {
	case errors.Is(err, ErrCrash):
		return models.ErrorKindCrash
	case errors.Is(err, ErrDecomposition), errors.Is(err, decompose.ErrInvalidPlan),
		errors.Is(err, decompose.ErrNoPlan), errors.Is(err, decompose.ErrNotComposite):
		return models.ErrorKindDecomposition
	case errors.Is(err, ErrCollaborator), errors.Is(err, model.ErrModel), errors.As(err, &scmErr):
		return models.ErrorKindCollaborator
	default:
		return models.ErrorKindInternal
	}
}

func panicError(r any) error {
	return fmt.Errorf("%w: agent panic: %v", ErrCrash, r)
}
