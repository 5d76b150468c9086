package training

import (
	"fmt"

	"github.com/tsawler/go-splat/metric"
	"github.com/tsawler/go-splat/tensor"
)

// Loss combines a coarse metric, evaluated every iteration, with a fine
// metric on the iterations selected by RangeFine. When both apply the loss
// is their mean.
type Loss struct {
	Coarse    metric.DifferentiableMetric
	Fine      metric.DifferentiableMetric
	RangeFine RangeOptions
}

// NewLoss returns the photometric loss: mean absolute error plus mean
// structural dissimilarity on the fine iterations
func NewLoss(rangeFine RangeOptions) *Loss {
	return &Loss{
		Coarse:    metric.MeanAbsoluteError{},
		Fine:      metric.MeanStructuralDissimilarity{},
		RangeFine: rangeFine,
	}
}

// LossResult is the value and image gradient of one loss evaluation
type LossResult struct {
	Value    float64
	Coarse   float64
	Fine     float64
	HasFine  bool
	Gradient *tensor.Tensor
}

// Evaluate computes the loss of a rendered image against its reference
// and the gradient of the loss with respect to the rendered image.
func (l *Loss) Evaluate(iteration uint64, value, target *tensor.Tensor) (*LossResult, error) {
	coarse, grad, err := l.Coarse.EvaluateWithGradient(value, target)
	if err != nil {
		return nil, fmt.Errorf("coarse metric: %w", err)
	}

	result := &LossResult{
		Value:    coarse,
		Coarse:   coarse,
		Gradient: grad,
	}
	if !l.RangeFine.Has(iteration) {
		return result, nil
	}

	fine, fineGrad, err := l.Fine.EvaluateWithGradient(value, target)
	if err != nil {
		return nil, fmt.Errorf("fine metric: %w", err)
	}

	result.Value = (coarse + fine) / 2
	result.Fine = fine
	result.HasFine = true
	for i := range grad.Data {
		grad.Data[i] = (grad.Data[i] + fineGrad.Data[i]) / 2
	}
	return result, nil
}
