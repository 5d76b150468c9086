package training

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-splat/camera"
	"github.com/tsawler/go-splat/render"
	"github.com/tsawler/go-splat/scene"
	"github.com/tsawler/go-splat/tensor"
)

const (
	testImageSize = 4
	testGrad      = 0.01
)

// fakeRenderer renders a constant image and returns constant gradients
type fakeRenderer struct {
	radii       func(points int) []uint32
	gradNorm    func(points int) []float32
	noGradNorm  bool
	absent      map[scene.Group]bool
	extraRows   map[scene.Group]int
	renderErr   error
	backwardErr error
	onRender    func()

	calls       int
	lastOptions render.Options
	lastGrad    *tensor.Tensor
}

func (f *fakeRenderer) Render(_ context.Context, s *scene.Scene, _ *camera.View, options render.Options) (*render.Output, error) {
	f.calls++
	f.lastOptions = options
	if f.onRender != nil {
		f.onRender()
	}
	if f.renderErr != nil {
		return nil, f.renderErr
	}

	points := s.PointCount()
	image, err := tensor.Full([]int{testImageSize, testImageSize, 3}, 0.5, tensor.CPU)
	if err != nil {
		return nil, err
	}

	radii := make([]uint32, points)
	for i := range radii {
		radii[i] = 1
	}
	if f.radii != nil {
		radii = f.radii(points)
	}

	params := s.Params()
	backward := func(grad *tensor.Tensor) (*render.Gradients, error) {
		f.lastGrad = grad
		if f.backwardErr != nil {
			return nil, f.backwardErr
		}

		grads := &render.Gradients{}
		for _, g := range scene.Groups() {
			if f.absent[g] {
				continue
			}
			shape := tensor.WithRows(params[g].Shape, params[g].Rows()+f.extraRows[g])
			groupGrad, err := tensor.Full(shape, testGrad, tensor.CPU)
			if err != nil {
				return nil, err
			}
			grads.Set(g, groupGrad)
		}

		if !f.noGradNorm {
			norms := make([]float32, points)
			if f.gradNorm != nil {
				norms = f.gradNorm(points)
			}
			gradNorm, err := tensor.NewTensor([]int{len(norms)}, tensor.CPU, norms)
			if err != nil {
				return nil, err
			}
			grads.Positions2DGradNorm = gradNorm
		}
		return grads, nil
	}

	return &render.Output{ColorsRGB2D: image, Radii: radii, Backward: backward}, nil
}

// fakeCamera serves a constant reference image
type fakeCamera struct {
	view      camera.View
	image     *tensor.Tensor
	decodeErr error
}

func newFakeCamera(t *testing.T) *fakeCamera {
	t.Helper()
	image, err := tensor.Full([]int{testImageSize, testImageSize, 3}, 0.25, tensor.CPU)
	require.NoError(t, err)
	return &fakeCamera{
		view:  *camera.NewView(1, testImageSize, testImageSize, 1, 1, [4]float64{1, 0, 0, 0}, [3]float64{}),
		image: image,
	}
}

func (c *fakeCamera) CameraView() *camera.View {
	return &c.view
}

func (c *fakeCamera) DecodeRGBTensor(device tensor.DeviceType) (*tensor.Tensor, error) {
	if c.decodeErr != nil {
		return nil, c.decodeErr
	}
	return c.image.ToDevice(device), nil
}

// newTestScene builds a scene with the given usable opacities and
// isotropic scalings. Point i sits at (i, 2i, 3i).
func newTestScene(t *testing.T, degree uint32, opacities, scalings []float32) *scene.Scene {
	t.Helper()
	require.Equal(t, len(opacities), len(scalings))
	points := len(opacities)

	var params scene.Params
	var err error
	params[scene.ColorsSH], err = tensor.Zeros([]int{points, scene.ColorsSHCount(degree), 3}, tensor.CPU)
	require.NoError(t, err)

	rawOpacities := make([]float32, points)
	positions := make([]float32, points*3)
	rotations := make([]float32, points*4)
	rawScalings := make([]float32, points*3)
	for i := 0; i < points; i++ {
		rawOpacities[i] = scene.OpacityToRaw(opacities[i])
		for axis := 0; axis < 3; axis++ {
			positions[i*3+axis] = float32(i * (axis + 1))
			rawScalings[i*3+axis] = scene.ScalingToRaw(scalings[i])
		}
		rotations[i*4] = 1
	}

	params[scene.Opacities], err = tensor.NewTensor([]int{points, 1}, tensor.CPU, rawOpacities)
	require.NoError(t, err)
	params[scene.Positions], err = tensor.NewTensor([]int{points, 3}, tensor.CPU, positions)
	require.NoError(t, err)
	params[scene.Rotations], err = tensor.NewTensor([]int{points, 4}, tensor.CPU, rotations)
	require.NoError(t, err)
	params[scene.Scalings], err = tensor.NewTensor([]int{points, 3}, tensor.CPU, rawScalings)
	require.NoError(t, err)

	s, err := scene.FromParams(params)
	require.NoError(t, err)
	return s
}

// quietConfig disables every schedule so tests opt in to what they need
func quietConfig() TrainerConfig {
	config := DefaultTrainerConfig()
	config.RangeMetricOptimizationFine = NewRangeOptions(0, 0, 0)
	config.Refiner.RangeDensification = NewRangeOptions(0, 0, 0)
	config.Refiner.RangeIncreasingColorsSHDegreeMax = NewRangeOptions(0, 0, 0)
	return config
}

func newTestTrainer(t *testing.T, config TrainerConfig, renderer render.Renderer) *Trainer {
	t.Helper()
	trainer, err := NewTrainer(config, renderer)
	require.NoError(t, err)
	return trainer
}
