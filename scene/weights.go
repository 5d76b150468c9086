package scene

import (
	"fmt"

	"github.com/tsawler/go-splat/checkpoints"
	"github.com/tsawler/go-splat/tensor"
)

func weightType(g Group) string {
	switch g {
	case Opacities:
		return "logit"
	case Scalings:
		return "log"
	case Rotations:
		return "quaternion"
	case ColorsSH:
		return "sh"
	default:
		return "linear"
	}
}

// Weights exports the raw parameters for checkpointing
func (s *Scene) Weights() []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, 0, GroupCount)
	for _, g := range Groups() {
		t := s.params[g]
		data := make([]float32, len(t.Data))
		copy(data, t.Data)

		weights = append(weights, checkpoints.WeightTensor{
			Name:  g.String(),
			Shape: append([]int(nil), t.Shape...),
			Data:  data,
			Type:  weightType(g),
		})
	}
	return weights
}

// FromWeights rebuilds a scene from checkpointed raw parameters
func FromWeights(weights []checkpoints.WeightTensor, device tensor.DeviceType) (*Scene, error) {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	var params Params
	for _, g := range Groups() {
		w, ok := byName[g.String()]
		if !ok {
			return nil, fmt.Errorf("checkpoint has no %s weights", g)
		}

		data := make([]float32, len(w.Data))
		copy(data, w.Data)

		t, err := tensor.NewTensor(w.Shape, device, data)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s weights: %w", g, err)
		}
		params[g] = t
	}

	return FromParams(params)
}
