// Package scene holds the point set optimized by the trainer: five
// parallel raw parameter tensors indexed by point.
package scene

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-splat/tensor"
)

// MaxColorsSHDegree is the highest supported spherical-harmonics degree
const MaxColorsSHDegree = 3

// ErrInvalidConfig is returned for scene configurations that cannot be built
var ErrInvalidConfig = errors.New("invalid scene configuration")

// Group identifies one of the five parameter groups of a scene
type Group int

const (
	ColorsSH Group = iota
	Opacities
	Positions
	Rotations
	Scalings

	GroupCount = 5
)

func (g Group) String() string {
	switch g {
	case ColorsSH:
		return "colors_sh"
	case Opacities:
		return "opacities"
	case Positions:
		return "positions"
	case Rotations:
		return "rotations"
	case Scalings:
		return "scalings"
	default:
		return "unknown"
	}
}

// Groups returns all parameter groups in storage order
func Groups() []Group {
	return []Group{ColorsSH, Opacities, Positions, Rotations, Scalings}
}

// ColorsSHCount returns the number of SH coefficients per channel for a degree
func ColorsSHCount(degree uint32) int {
	return int((degree + 1) * (degree + 1))
}

// Params is one raw tensor per parameter group, indexed by Group
type Params [GroupCount]*tensor.Tensor

// Scene stores the raw (unconstrained) point parameters. All five tensors
// always share the same point count.
type Scene struct {
	params         Params
	colorsSHDegree uint32
}

// FromParams builds a scene around existing raw tensors after validating
// their shapes.
func FromParams(params Params) (*Scene, error) {
	_, degree, err := validateParams(params)
	if err != nil {
		return nil, err
	}
	return &Scene{params: params, colorsSHDegree: degree}, nil
}

func validateParams(params Params) (int, uint32, error) {
	for _, g := range Groups() {
		if params[g] == nil {
			return 0, 0, fmt.Errorf("missing %s tensor", g)
		}
	}

	points := params[Positions].Rows()
	trailing := map[Group][]int{
		Opacities: {1},
		Positions: {3},
		Rotations: {4},
		Scalings:  {3},
	}
	for g, dims := range trailing {
		if !hasShape(params[g], points, dims...) {
			return 0, 0, fmt.Errorf("%s tensor has shape %v, expected [%d %v]", g, params[g].Shape, points, dims)
		}
	}

	colors := params[ColorsSH]
	if len(colors.Shape) != 3 || colors.Shape[0] != points || colors.Shape[2] != 3 {
		return 0, 0, fmt.Errorf("colors_sh tensor has shape %v, expected [%d K 3]", colors.Shape, points)
	}
	degree := -1
	for d := 0; d <= MaxColorsSHDegree; d++ {
		if ColorsSHCount(uint32(d)) == colors.Shape[1] {
			degree = d
		}
	}
	if degree < 0 {
		return 0, 0, fmt.Errorf("colors_sh coefficient count %d is not (degree+1)^2 for degree <= %d", colors.Shape[1], MaxColorsSHDegree)
	}

	return points, uint32(degree), nil
}

func hasShape(t *tensor.Tensor, rows int, trailing ...int) bool {
	if len(t.Shape) != len(trailing)+1 || t.Shape[0] != rows {
		return false
	}
	for i, dim := range trailing {
		if t.Shape[i+1] != dim {
			return false
		}
	}
	return true
}

// PointCount returns P, the number of points
func (s *Scene) PointCount() int {
	return s.params[Positions].Rows()
}

// ColorsSHDegree returns the spherical-harmonics degree the colors are stored at
func (s *Scene) ColorsSHDegree() uint32 {
	return s.colorsSHDegree
}

// Device returns the device the scene tensors live on
func (s *Scene) Device() tensor.DeviceType {
	return s.params[Positions].Device
}

// Param returns the raw tensor of a group
func (s *Scene) Param(g Group) *tensor.Tensor {
	return s.params[g]
}

// Params returns the raw tensors of all groups
func (s *Scene) Params() Params {
	return s.params
}

// SetParam replaces the raw tensor of one group. The shape must not change.
func (s *Scene) SetParam(g Group, t *tensor.Tensor) error {
	if !tensor.SameShape(s.params[g], t) {
		return fmt.Errorf("%s tensor shape %v does not match current shape %v", g, t.Shape, s.params[g].Shape)
	}
	s.params[g] = t
	return nil
}

// Replace swaps in a complete new set of raw tensors. The scene is left
// untouched when the new tensors are inconsistent.
func (s *Scene) Replace(params Params) error {
	_, degree, err := validateParams(params)
	if err != nil {
		return err
	}
	if degree != s.colorsSHDegree {
		return fmt.Errorf("colors SH degree changed from %d to %d", s.colorsSHDegree, degree)
	}
	s.params = params
	return nil
}

// ToDevice moves every parameter tensor to the given device
func (s *Scene) ToDevice(device tensor.DeviceType) {
	for g, t := range s.params {
		s.params[g] = t.ToDevice(device)
	}
}

// Clone returns a deep copy of the scene
func (s *Scene) Clone() *Scene {
	out := &Scene{colorsSHDegree: s.colorsSHDegree}
	for g, t := range s.params {
		out.params[g] = t.Clone()
	}
	return out
}

// Opacities returns the usable opacities in (0, 1), shape [P, 1]
func (s *Scene) Opacities() *tensor.Tensor {
	return mapTensor(s.params[Opacities], OpacityFromRaw)
}

// Scalings returns the usable positive scalings, shape [P, 3]
func (s *Scene) Scalings() *tensor.Tensor {
	return mapTensor(s.params[Scalings], ScalingFromRaw)
}

// Rotations returns unit quaternions (w, x, y, z), shape [P, 4]
func (s *Scene) Rotations() *tensor.Tensor {
	out := s.params[Rotations].Clone()
	for i := 0; i < out.Rows(); i++ {
		NormalizeRotation(out.Row(i))
	}
	return out
}

// Positions returns the point positions, shape [P, 3]
func (s *Scene) Positions() *tensor.Tensor {
	return s.params[Positions]
}

// ColorsSH returns the spherical-harmonics color coefficients, shape [P, K, 3]
func (s *Scene) ColorsSH() *tensor.Tensor {
	return s.params[ColorsSH]
}

func mapTensor(t *tensor.Tensor, fn func(float32) float32) *tensor.Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = fn(v)
	}
	return out
}
