package optimizer

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/tsawler/go-splat/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	Beta1       float32 `yaml:"beta_1" toml:"beta_1" json:"beta_1"`
	Beta2       float32 `yaml:"beta_2" toml:"beta_2" json:"beta_2"`
	Epsilon     float32 `yaml:"epsilon" toml:"epsilon" json:"epsilon"`
	WeightDecay float32 `yaml:"weight_decay" toml:"weight_decay" json:"weight_decay"`
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-15,
		WeightDecay: 0.0,
	}
}

// AdamState is the per-group optimizer record. Moments have the shape of
// the parameter they belong to.
type AdamState struct {
	Moment1   *tensor.Tensor
	Moment2   *tensor.Tensor
	StepCount uint64
}

// Clone returns a deep copy of the state
func (s *AdamState) Clone() *AdamState {
	if s == nil {
		return nil
	}
	return &AdamState{
		Moment1:   s.Moment1.Clone(),
		Moment2:   s.Moment2.Clone(),
		StepCount: s.StepCount,
	}
}

// Rows returns the leading dimension of the moment buffers
func (s *AdamState) Rows() int {
	return s.Moment1.Rows()
}

// Adam optimizes one parameter group. Its state stays absent until the
// first gradient is applied.
type Adam struct {
	config AdamConfig
	state  *AdamState
}

// NewAdam creates an Adam optimizer with absent state
func NewAdam(config AdamConfig) *Adam {
	return &Adam{
		config: config,
	}
}

// Config returns the optimizer hyperparameters
func (a *Adam) Config() AdamConfig {
	return a.config
}

// State returns the live optimizer state, or nil while it is absent
func (a *Adam) State() *AdamState {
	return a.state
}

// GetStepCount returns the number of applied steps
func (a *Adam) GetStepCount() uint64 {
	if a.state == nil {
		return 0
	}
	return a.state.StepCount
}

// Record returns a deep copy of the optimizer state
func (a *Adam) Record() *AdamState {
	return a.state.Clone()
}

// LoadRecord replaces the optimizer state with a copy of record
func (a *Adam) LoadRecord(record *AdamState) {
	a.state = record.Clone()
}

// Step applies one Adam update and returns the updated parameter. The
// optimizer state is updated in place.
func (a *Adam) Step(learningRate float64, param, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(param, grad) {
		return nil, fmt.Errorf("gradient shape %v does not match parameter shape %v", shapeOf(grad), shapeOf(param))
	}

	if !a.Fits(param) {
		return nil, fmt.Errorf("optimizer state shape %v does not match parameter shape %v", a.state.Moment1.Shape, param.Shape)
	}
	if a.state == nil {
		a.state = &AdamState{
			Moment1: tensor.ZerosLike(param),
			Moment2: tensor.ZerosLike(param),
		}
	}

	beta1 := a.config.Beta1
	beta2 := a.config.Beta2
	eps := a.config.Epsilon
	decay := a.config.WeightDecay
	lr := float32(learningRate)

	time := a.state.StepCount + 1
	biasCorrection1 := 1 - math32.Pow(beta1, float32(time))
	biasCorrection2 := 1 - math32.Pow(beta2, float32(time))

	m1 := a.state.Moment1.Data
	m2 := a.state.Moment2.Data
	out := param.Clone()

	for i, p := range param.Data {
		g := grad.Data[i]
		if decay != 0 {
			g += decay * p
		}

		m1[i] = beta1*m1[i] + (1-beta1)*g
		m2[i] = beta2*m2[i] + (1-beta2)*g*g

		corrected1 := m1[i] / biasCorrection1
		corrected2 := m2[i] / biasCorrection2
		out.Data[i] = p - lr*corrected1/(math32.Sqrt(corrected2)+eps)
	}

	a.state.StepCount = time
	return out, nil
}

// Fits reports whether the state is absent or shaped like param
func (a *Adam) Fits(param *tensor.Tensor) bool {
	return a.state == nil || (tensor.SameShape(a.state.Moment1, param) && tensor.SameShape(a.state.Moment2, param))
}

// Rebuild re-indexes the moments after the point set was restructured.
// The first len(retained) rows take the moments of the retained rows in
// order; the remaining rows up to rows are zero. The step count is kept.
func (a *Adam) Rebuild(retained []int, rows int) error {
	if a.state == nil {
		return nil
	}
	if rows < len(retained) {
		return fmt.Errorf("cannot rebuild %d retained rows into %d rows", len(retained), rows)
	}

	moment1, err := rebuildMoment(a.state.Moment1, retained, rows)
	if err != nil {
		return fmt.Errorf("failed to rebuild first moment: %w", err)
	}
	moment2, err := rebuildMoment(a.state.Moment2, retained, rows)
	if err != nil {
		return fmt.Errorf("failed to rebuild second moment: %w", err)
	}

	a.state.Moment1 = moment1
	a.state.Moment2 = moment2
	return nil
}

func rebuildMoment(moment *tensor.Tensor, retained []int, rows int) (*tensor.Tensor, error) {
	kept, err := moment.SelectRows(retained)
	if err != nil {
		return nil, err
	}
	fresh, err := tensor.Zeros(tensor.WithRows(moment.Shape, rows-len(retained)), moment.Device)
	if err != nil {
		return nil, err
	}
	return tensor.ConcatRows(kept, fresh)
}

// ToDevice moves the optimizer state to the given device
func (a *Adam) ToDevice(device tensor.DeviceType) {
	if a.state == nil {
		return
	}
	a.state.Moment1 = a.state.Moment1.ToDevice(device)
	a.state.Moment2 = a.state.Moment2.ToDevice(device)
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount   uint64
	Beta1       float32
	Beta2       float32
	Epsilon     float32
	WeightDecay float32
	StateRows   int
	StateSize   int
}

// GetStats returns optimizer statistics
func (a *Adam) GetStats() AdamStats {
	stats := AdamStats{
		StepCount:   a.GetStepCount(),
		Beta1:       a.config.Beta1,
		Beta2:       a.config.Beta2,
		Epsilon:     a.config.Epsilon,
		WeightDecay: a.config.WeightDecay,
	}
	if a.state != nil {
		stats.StateRows = a.state.Rows()
		stats.StateSize = a.state.Moment1.NumElems() + a.state.Moment2.NumElems()
	}
	return stats
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
