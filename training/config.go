package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tsawler/go-splat/optimizer"
	"github.com/tsawler/go-splat/render"
	"github.com/tsawler/go-splat/scene"
	"gopkg.in/yaml.v3"
)

// DefaultSeed seeds the perturbation of cloned and split points
const DefaultSeed uint64 = 0x3D65

// GroupValues holds one value per parameter group
type GroupValues struct {
	ColorsSH  float32 `yaml:"colors_sh" toml:"colors_sh" json:"colors_sh"`
	Opacities float32 `yaml:"opacities" toml:"opacities" json:"opacities"`
	Positions float32 `yaml:"positions" toml:"positions" json:"positions"`
	Rotations float32 `yaml:"rotations" toml:"rotations" json:"rotations"`
	Scalings  float32 `yaml:"scalings" toml:"scalings" json:"scalings"`
}

// Get returns the value of one group
func (v GroupValues) Get(g scene.Group) float32 {
	switch g {
	case scene.ColorsSH:
		return v.ColorsSH
	case scene.Opacities:
		return v.Opacities
	case scene.Positions:
		return v.Positions
	case scene.Rotations:
		return v.Rotations
	case scene.Scalings:
		return v.Scalings
	default:
		return 0
	}
}

// TrainerConfig holds the complete trainer configuration
type TrainerConfig struct {
	// Learning rate schedules, one per parameter group
	LearningRateColorsSH  LearningRateConfig `yaml:"learning_rate_colors_sh" toml:"learning_rate_colors_sh" json:"learning_rate_colors_sh"`
	LearningRateOpacities LearningRateConfig `yaml:"learning_rate_opacities" toml:"learning_rate_opacities" json:"learning_rate_opacities"`
	LearningRatePositions LearningRateConfig `yaml:"learning_rate_positions" toml:"learning_rate_positions" json:"learning_rate_positions"`
	LearningRateRotations LearningRateConfig `yaml:"learning_rate_rotations" toml:"learning_rate_rotations" json:"learning_rate_rotations"`
	LearningRateScalings  LearningRateConfig `yaml:"learning_rate_scalings" toml:"learning_rate_scalings" json:"learning_rate_scalings"`

	// Optimizer is shared by every group. A non-zero entry in WeightDecay
	// overrides Optimizer.WeightDecay for that group.
	Optimizer   optimizer.AdamConfig `yaml:"optimizer" toml:"optimizer" json:"optimizer"`
	WeightDecay GroupValues          `yaml:"weight_decay" toml:"weight_decay" json:"weight_decay"`

	// OptionsRenderer is the initial render configuration
	OptionsRenderer render.Options `yaml:"options_renderer" toml:"options_renderer" json:"options_renderer"`

	// RangeMetricOptimizationFine selects the iterations whose loss also
	// includes the structural dissimilarity
	RangeMetricOptimizationFine RangeOptions `yaml:"range_metric_optimization_fine" toml:"range_metric_optimization_fine" json:"range_metric_optimization_fine"`

	Refiner RefinerConfig `yaml:"refiner" toml:"refiner" json:"refiner"`

	Seed uint64 `yaml:"seed" toml:"seed" json:"seed"`
}

// DefaultTrainerConfig returns the standard 3DGS training setup
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		LearningRateColorsSH:  NewConstantLearningRate(1e-3),
		LearningRateOpacities: NewConstantLearningRate(3.5e-2),
		LearningRatePositions: LearningRateConfig{Start: 1.6e-4, End: 1.6e-6, Count: 30000},
		LearningRateRotations: NewConstantLearningRate(1e-3),
		LearningRateScalings:  NewConstantLearningRate(5e-3),
		Optimizer:             optimizer.DefaultAdamConfig(),
		OptionsRenderer:       render.Options{ColorsSHDegreeMax: 0},
		RangeMetricOptimizationFine: RangeOptions{
			Start: 0,
			End:   math.MaxUint64,
			Step:  2,
		},
		Refiner: DefaultRefinerConfig(),
		Seed:    DefaultSeed,
	}
}

// LearningRate returns the schedule configuration of one group
func (c TrainerConfig) LearningRate(g scene.Group) LearningRateConfig {
	switch g {
	case scene.ColorsSH:
		return c.LearningRateColorsSH
	case scene.Opacities:
		return c.LearningRateOpacities
	case scene.Positions:
		return c.LearningRatePositions
	case scene.Rotations:
		return c.LearningRateRotations
	default:
		return c.LearningRateScalings
	}
}

// Adam returns the optimizer configuration of one group
func (c TrainerConfig) Adam(g scene.Group) optimizer.AdamConfig {
	config := c.Optimizer
	if decay := c.WeightDecay.Get(g); decay != 0 {
		config.WeightDecay = decay
	}
	return config
}

// Validate checks the configuration. Every error wraps ErrInvalidConfig.
func (c TrainerConfig) Validate() error {
	for _, g := range scene.Groups() {
		lr := c.LearningRate(g)
		if lr.Start < 0 || lr.End < 0 || math.IsNaN(lr.Start) || math.IsNaN(lr.End) {
			return fmt.Errorf("%w: learning rate of %s must be non-negative, got start %g end %g",
				ErrInvalidConfig, g, lr.Start, lr.End)
		}
		if decay := c.Adam(g).WeightDecay; decay < 0 {
			return fmt.Errorf("%w: weight decay of %s must be non-negative, got %g", ErrInvalidConfig, g, decay)
		}
	}

	if c.Optimizer.Beta1 < 0 || c.Optimizer.Beta1 >= 1 {
		return fmt.Errorf("%w: Adam beta1 must be in [0, 1), got %g", ErrInvalidConfig, c.Optimizer.Beta1)
	}
	if c.Optimizer.Beta2 < 0 || c.Optimizer.Beta2 >= 1 {
		return fmt.Errorf("%w: Adam beta2 must be in [0, 1), got %g", ErrInvalidConfig, c.Optimizer.Beta2)
	}
	if c.Optimizer.Epsilon <= 0 {
		return fmt.Errorf("%w: Adam epsilon must be positive, got %g", ErrInvalidConfig, c.Optimizer.Epsilon)
	}

	if c.OptionsRenderer.ColorsSHDegreeMax > scene.MaxColorsSHDegree {
		return fmt.Errorf("%w: colors SH degree %d exceeds the maximum of %d",
			ErrInvalidConfig, c.OptionsRenderer.ColorsSHDegreeMax, scene.MaxColorsSHDegree)
	}
	if err := c.RangeMetricOptimizationFine.Validate(); err != nil {
		return fmt.Errorf("%w: fine metric range: %v", ErrInvalidConfig, err)
	}

	return c.Refiner.Validate()
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file on top of
// DefaultTrainerConfig and validates the result.
func LoadConfig(path string) (TrainerConfig, error) {
	config := DefaultTrainerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".toml":
		err = toml.Unmarshal(data, &config)
	default:
		return config, fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, ext)
	}
	if err != nil {
		return config, fmt.Errorf("%w: failed to parse %s: %w", ErrInvalidConfig, path, err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}
