// Package render defines the contract between the trainer and a
// differentiable Gaussian rasterizer.
package render

import (
	"context"
	"fmt"

	"github.com/tsawler/go-splat/camera"
	"github.com/tsawler/go-splat/scene"
	"github.com/tsawler/go-splat/tensor"
)

// Options controls how a scene is rendered
type Options struct {
	// ColorsSHDegreeMax is the highest SH degree used for view-dependent color
	ColorsSHDegreeMax uint32 `yaml:"colors_sh_degree_max" toml:"colors_sh_degree_max" json:"colors_sh_degree_max"`
}

// Renderer renders a scene from a view. Implementations are external.
type Renderer interface {
	Render(ctx context.Context, s *scene.Scene, view *camera.View, options Options) (*Output, error)
}

// BackwardFunc propagates the loss gradient with respect to the rendered
// image back to the scene parameters.
type BackwardFunc func(gradColorsRGB2D *tensor.Tensor) (*Gradients, error)

// Output is the result of a forward render
type Output struct {
	// ColorsRGB2D is the rendered image, shape [H, W, 3]
	ColorsRGB2D *tensor.Tensor

	// Radii holds the projected radius of every point; zero means the
	// point was not visible.
	Radii []uint32

	Backward BackwardFunc
}

// Gradients holds the per-group gradients of one backward pass. A nil
// field means the gradient is absent for that group.
type Gradients struct {
	ColorsSH  *tensor.Tensor
	Opacities *tensor.Tensor
	Positions *tensor.Tensor
	Rotations *tensor.Tensor
	Scalings  *tensor.Tensor

	// Positions2DGradNorm is the per-point norm of the gradient with
	// respect to the projected 2D position, shape [P]
	Positions2DGradNorm *tensor.Tensor
}

// Get returns the gradient of one parameter group
func (g *Gradients) Get(group scene.Group) *tensor.Tensor {
	switch group {
	case scene.ColorsSH:
		return g.ColorsSH
	case scene.Opacities:
		return g.Opacities
	case scene.Positions:
		return g.Positions
	case scene.Rotations:
		return g.Rotations
	case scene.Scalings:
		return g.Scalings
	default:
		return nil
	}
}

// Set stores the gradient of one parameter group
func (g *Gradients) Set(group scene.Group, grad *tensor.Tensor) {
	switch group {
	case scene.ColorsSH:
		g.ColorsSH = grad
	case scene.Opacities:
		g.Opacities = grad
	case scene.Positions:
		g.Positions = grad
	case scene.Rotations:
		g.Rotations = grad
	case scene.Scalings:
		g.Scalings = grad
	}
}

// Validate checks that the output matches a scene of the given point count
func (o *Output) Validate(points int) error {
	if o.ColorsRGB2D == nil {
		return fmt.Errorf("render output has no image")
	}
	if len(o.ColorsRGB2D.Shape) != 3 || o.ColorsRGB2D.Shape[2] != 3 {
		return fmt.Errorf("rendered image has shape %v, expected [H W 3]", o.ColorsRGB2D.Shape)
	}
	if len(o.Radii) != points {
		return fmt.Errorf("render output has %d radii for %d points", len(o.Radii), points)
	}
	if o.Backward == nil {
		return fmt.Errorf("render output has no backward function")
	}
	return nil
}

// Validate checks every present gradient against s: each group gradient
// must have the shape of its parameter and the position gradient norm
// must hold one value per point.
func (g *Gradients) Validate(s *scene.Scene) error {
	for _, group := range scene.Groups() {
		grad := g.Get(group)
		if grad == nil {
			continue
		}
		if !tensor.SameShape(grad, s.Param(group)) {
			return fmt.Errorf("%s gradient has shape %v, parameter has shape %v", group, grad.Shape, s.Param(group).Shape)
		}
	}
	if g.Positions2DGradNorm != nil && g.Positions2DGradNorm.NumElems() != s.PointCount() {
		return fmt.Errorf("position gradient norm has %d values for %d points", g.Positions2DGradNorm.NumElems(), s.PointCount())
	}
	return nil
}
