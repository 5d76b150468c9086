package optimizer

import (
	"fmt"

	"github.com/tsawler/go-splat/checkpoints"
	"github.com/tsawler/go-splat/tensor"
)

// Optimizer defines the common interface for per-group optimizers.
// Each parameter group owns one optimizer whose state tracks the group's
// point-indexed rows.
type Optimizer interface {
	// Step applies one update and returns the new parameter tensor
	Step(learningRate float64, param, grad *tensor.Tensor) (*tensor.Tensor, error)

	// Fits reports whether Step would accept param: the state is absent
	// or has the shape of param
	Fits(param *tensor.Tensor) bool

	// Rebuild re-indexes point-indexed state after restructuring
	Rebuild(retained []int, rows int) error

	// ToDevice moves the state to another device
	ToDevice(device tensor.DeviceType)

	// GetState extracts optimizer state for checkpointing
	GetState(name string) *checkpoints.OptimizerState

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64
}

var _ Optimizer = (*Adam)(nil)

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
