// Package metric implements image comparison metrics used as training
// losses and for evaluation. Values and targets are float32 tensors of the
// same shape; reductions are carried out in float64.
package metric

import (
	"fmt"

	"github.com/tsawler/go-splat/tensor"
)

// Metric compares a value against a target and returns a scalar
type Metric interface {
	Evaluate(value, target *tensor.Tensor) (float64, error)
}

// DifferentiableMetric also returns the gradient of the scalar with
// respect to value
type DifferentiableMetric interface {
	Metric
	EvaluateWithGradient(value, target *tensor.Tensor) (float64, *tensor.Tensor, error)
}

func checkInputs(value, target *tensor.Tensor) error {
	if value == nil || target == nil {
		return fmt.Errorf("metric inputs cannot be nil")
	}
	if !tensor.SameShape(value, target) {
		return fmt.Errorf("value shape %v does not match target shape %v", value.Shape, target.Shape)
	}
	if len(value.Data) == 0 {
		return fmt.Errorf("metric inputs are empty")
	}
	return nil
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

func gradientTensor(like *tensor.Tensor, grad []float64) *tensor.Tensor {
	out := tensor.ZerosLike(like)
	for i, v := range grad {
		out.Data[i] = float32(v)
	}
	return out
}
