package metric

import (
	"math"

	"github.com/tsawler/go-splat/tensor"
	"gonum.org/v1/gonum/floats"
)

// MeanAbsoluteError is mean(|value - target|)
type MeanAbsoluteError struct{}

func (MeanAbsoluteError) Evaluate(value, target *tensor.Tensor) (float64, error) {
	if err := checkInputs(value, target); err != nil {
		return 0, err
	}
	diff := difference(value, target)
	return floats.Norm(diff, 1) / float64(len(diff)), nil
}

// EvaluateWithGradient returns the error and sign(value - target) / N.
// The subgradient at zero difference is zero.
func (m MeanAbsoluteError) EvaluateWithGradient(value, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkInputs(value, target); err != nil {
		return 0, nil, err
	}
	diff := difference(value, target)
	n := float64(len(diff))
	loss := floats.Norm(diff, 1) / n

	grad := make([]float64, len(diff))
	for i, d := range diff {
		switch {
		case d > 0:
			grad[i] = 1 / n
		case d < 0:
			grad[i] = -1 / n
		}
	}
	return loss, gradientTensor(value, grad), nil
}

// MeanSquareError is mean((value - target)^2)
type MeanSquareError struct{}

func (MeanSquareError) Evaluate(value, target *tensor.Tensor) (float64, error) {
	if err := checkInputs(value, target); err != nil {
		return 0, err
	}
	diff := difference(value, target)
	return floats.Dot(diff, diff) / float64(len(diff)), nil
}

func (MeanSquareError) EvaluateWithGradient(value, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkInputs(value, target); err != nil {
		return 0, nil, err
	}
	diff := difference(value, target)
	n := float64(len(diff))
	loss := floats.Dot(diff, diff) / n

	floats.Scale(2/n, diff)
	return loss, gradientTensor(value, diff), nil
}

// PeakSignalToNoiseRatio is 10 * log10(1 / MSE) for values in [0, 1].
// Identical inputs give +Inf.
type PeakSignalToNoiseRatio struct{}

func (PeakSignalToNoiseRatio) Evaluate(value, target *tensor.Tensor) (float64, error) {
	mse, err := MeanSquareError{}.Evaluate(value, target)
	if err != nil {
		return 0, err
	}
	return -10 / math.Ln10 * math.Log(mse), nil
}

func difference(value, target *tensor.Tensor) []float64 {
	diff := toFloat64(value.Data)
	floats.Sub(diff, toFloat64(target.Data))
	return diff
}
