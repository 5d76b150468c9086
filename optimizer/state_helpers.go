package optimizer

import (
	"fmt"

	"github.com/tsawler/go-splat/checkpoints"
	"github.com/tsawler/go-splat/tensor"
)

const (
	stateMoment1 = "moment_1"
	stateMoment2 = "moment_2"
)

// GetState extracts the Adam state for checkpointing. Absent state is
// exported with an empty StateData list.
func (a *Adam) GetState(name string) *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Name: name,
		Type: "Adam",
		Parameters: map[string]float64{
			"beta1":        float64(a.config.Beta1),
			"beta2":        float64(a.config.Beta2),
			"epsilon":      float64(a.config.Epsilon),
			"weight_decay": float64(a.config.WeightDecay),
			"step_count":   float64(a.GetStepCount()),
		},
	}

	if a.state != nil {
		state.StateData = []checkpoints.OptimizerTensor{
			extractTensorState(a.state.Moment1, name, stateMoment1),
			extractTensorState(a.state.Moment2, name, stateMoment2),
		}
	}

	return state
}

// LoadState restores the Adam state from a checkpoint. The hyperparameters
// of the receiver are kept; only the step count and moments are restored.
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	if len(state.StateData) == 0 {
		a.state = nil
		return nil
	}

	var moment1, moment2 *tensor.Tensor
	for _, st := range state.StateData {
		restored, err := restoreTensorState(st)
		if err != nil {
			return err
		}
		switch st.StateType {
		case stateMoment1:
			moment1 = restored
		case stateMoment2:
			moment2 = restored
		default:
			return fmt.Errorf("unknown Adam state type %q", st.StateType)
		}
	}

	if moment1 == nil || moment2 == nil {
		return fmt.Errorf("incomplete Adam state for %s: both moments are required", state.Name)
	}
	if !tensor.SameShape(moment1, moment2) {
		return fmt.Errorf("moment shape mismatch for %s: %v vs %v", state.Name, moment1.Shape, moment2.Shape)
	}

	a.state = &AdamState{
		Moment1:   moment1,
		Moment2:   moment2,
		StepCount: extractUint64Param(state.Parameters, "step_count", 0),
	}
	return nil
}

// extractTensorState copies a state tensor into its checkpoint form
func extractTensorState(t *tensor.Tensor, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)

	return checkpoints.OptimizerTensor{
		Name:      fmt.Sprintf("%s.%s", name, stateType),
		Shape:     append([]int(nil), t.Shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreTensorState rebuilds a CPU tensor from its checkpoint form
func restoreTensorState(st checkpoints.OptimizerTensor) (*tensor.Tensor, error) {
	expectedElements := 1
	for _, dim := range st.Shape {
		expectedElements *= dim
	}
	if len(st.Data) != expectedElements {
		return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			st.Name, expectedElements, len(st.Data))
	}

	data := make([]float32, len(st.Data))
	copy(data, st.Data)

	restored, err := tensor.NewTensor(st.Shape, tensor.CPU, data)
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", st.Name, err)
	}
	return restored, nil
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}
