package scene

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/tsawler/go-splat/tensor"
	"gonum.org/v1/gonum/stat/distuv"
)

// SHC0 is the zeroth-order real spherical-harmonics constant
const SHC0 = 0.28209479177387814

// initialOpacity is the opacity every initialized point starts with
const initialOpacity = 0.1

// Point is one sample of an input point cloud
type Point struct {
	Position [3]float32 `yaml:"position" toml:"position" json:"position"`
	Color    [3]float32 `yaml:"color" toml:"color" json:"color"` // RGB in [0, 1]
}

// SceneConfig describes how to initialize a scene from a point cloud
type SceneConfig struct {
	ColorsSHDegree uint32  `yaml:"colors_sh_degree" toml:"colors_sh_degree" json:"colors_sh_degree"`
	Points         []Point `yaml:"points" toml:"points" json:"points"`
}

// DefaultSceneConfig returns the configuration used when none is given
func DefaultSceneConfig() SceneConfig {
	return SceneConfig{
		ColorsSHDegree: MaxColorsSHDegree,
	}
}

// Validate checks the configuration
func (c SceneConfig) Validate() error {
	if c.ColorsSHDegree > MaxColorsSHDegree {
		return fmt.Errorf("%w: colors SH degree %d exceeds the maximum of %d",
			ErrInvalidConfig, c.ColorsSHDegree, MaxColorsSHDegree)
	}
	return nil
}

// NewScene initializes a scene from a point cloud. The SH DC term encodes
// the point color, the higher-order terms are zero, every point starts with
// opacity 0.1 and the identity rotation, and scales are drawn from a
// log-normal distribution normalized to at most 1.
func NewScene(config SceneConfig, device tensor.DeviceType, rng *rand.Rand) (*Scene, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	points := len(config.Points)
	shCount := ColorsSHCount(config.ColorsSHDegree)

	colors := make([]float32, points*shCount*3)
	opacities := make([]float32, points)
	positions := make([]float32, points*3)
	rotations := make([]float32, points*4)

	rawOpacity := OpacityToRaw(initialOpacity)
	for i, point := range config.Points {
		for c := 0; c < 3; c++ {
			colors[i*shCount*3+c] = float32((float64(point.Color[c]) - 0.5) / SHC0)
			positions[i*3+c] = point.Position[c]
		}
		opacities[i] = rawOpacity
		rotations[i*4] = 1
	}

	scalings := initialScalings(points, rng)

	params := Params{}
	var err error
	if params[ColorsSH], err = tensor.NewTensor([]int{points, shCount, 3}, device, colors); err != nil {
		return nil, err
	}
	if params[Opacities], err = tensor.NewTensor([]int{points, 1}, device, opacities); err != nil {
		return nil, err
	}
	if params[Positions], err = tensor.NewTensor([]int{points, 3}, device, positions); err != nil {
		return nil, err
	}
	if params[Rotations], err = tensor.NewTensor([]int{points, 4}, device, rotations); err != nil {
		return nil, err
	}
	if params[Scalings], err = tensor.NewTensor([]int{points, 3}, device, scalings); err != nil {
		return nil, err
	}

	return &Scene{params: params, colorsSHDegree: config.ColorsSHDegree}, nil
}

// initialScalings returns raw (log-space) isotropic scalings for n points
func initialScalings(n int, rng *rand.Rand) []float32 {
	dist := distuv.LogNormal{Mu: 0, Sigma: math.E}
	if rng != nil {
		dist.Src = rng
	}

	samples := make([]float32, n)
	var largest float32
	for i := range samples {
		samples[i] = math32.Max(float32(dist.Rand()), Epsilon)
		largest = math32.Max(largest, samples[i])
	}

	raw := make([]float32, n*3)
	for i, s := range samples {
		s = math32.Max(math32.Sqrt(s/largest), Epsilon)
		r := ScalingToRaw(s)
		raw[i*3], raw[i*3+1], raw[i*3+2] = r, r, r
	}
	return raw
}
