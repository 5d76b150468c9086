package training

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by every configuration error
	ErrInvalidConfig = errors.New("invalid trainer configuration")

	// ErrTrainerBusy is returned when Train is entered while another call
	// is still running
	ErrTrainerBusy = errors.New("trainer is busy")

	// ErrPointCountMismatch is returned when a record does not match the
	// point count of the scene it is loaded against
	ErrPointCountMismatch = errors.New("point count mismatch")
)

// Stage names the step of a training iteration that failed
type Stage string

const (
	StageRender         Stage = "render"
	StageReferenceImage Stage = "reference image"
	StageLoss           Stage = "loss"
	StageBackward       Stage = "backward"
	StageOptimize       Stage = "optimize"
	StageRefine         Stage = "refine"
)

// StageError wraps a failure of one iteration stage
type StageError struct {
	Stage     Stage
	Iteration uint64
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("iteration %d: %s failed: %v", e.Iteration, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, iteration uint64, err error) error {
	return &StageError{Stage: stage, Iteration: iteration, Err: err}
}
