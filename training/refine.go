package training

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/tsawler/go-splat/optimizer"
	"github.com/tsawler/go-splat/render"
	"github.com/tsawler/go-splat/scene"
	"github.com/tsawler/go-splat/tensor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/stat/distuv"
)

// RefinerConfig controls adaptive density control
type RefinerConfig struct {
	// RangeDensification selects the iterations that restructure the scene
	RangeDensification RangeOptions `yaml:"range_densification" toml:"range_densification" json:"range_densification"`

	// RangeIncreasingColorsSHDegreeMax selects the iterations that raise
	// the active color degree by one
	RangeIncreasingColorsSHDegreeMax RangeOptions `yaml:"range_increasing_colors_sh_degree_max" toml:"range_increasing_colors_sh_degree_max" json:"range_increasing_colors_sh_degree_max"`

	ThresholdOpacity             float32 `yaml:"threshold_opacity" toml:"threshold_opacity" json:"threshold_opacity"`
	ThresholdPositions2DGradNorm float32 `yaml:"threshold_positions_2d_grad_norm" toml:"threshold_positions_2d_grad_norm" json:"threshold_positions_2d_grad_norm"`
	ThresholdScaling             float32 `yaml:"threshold_scaling" toml:"threshold_scaling" json:"threshold_scaling"`

	// FactorHuge multiplies ThresholdScaling to give the size above which a
	// point is dropped instead of split
	FactorHuge float32 `yaml:"factor_huge" toml:"factor_huge" json:"factor_huge"`

	// FactorSplit scales the opacity and scaling of both halves of a split point
	FactorSplit float32 `yaml:"factor_split" toml:"factor_split" json:"factor_split"`

	// FactorDeviation is the standard deviation, in units of the point
	// scaling, of the position jitter applied to new points
	FactorDeviation float32 `yaml:"factor_deviation" toml:"factor_deviation" json:"factor_deviation"`
}

// DefaultRefinerConfig returns the standard densification schedule
func DefaultRefinerConfig() RefinerConfig {
	return RefinerConfig{
		RangeDensification:               NewRangeOptions(500, 15000, 100),
		RangeIncreasingColorsSHDegreeMax: NewRangeOptions(1000, 4000, 1000),
		ThresholdOpacity:                 5e-3,
		ThresholdPositions2DGradNorm:     2e-4,
		ThresholdScaling:                 8e-2,
		FactorHuge:                       10,
		FactorSplit:                      0.65,
		FactorDeviation:                  1,
	}
}

// Validate checks the configuration. Every error wraps ErrInvalidConfig.
func (c RefinerConfig) Validate() error {
	if err := c.RangeDensification.Validate(); err != nil {
		return fmt.Errorf("%w: densification range: %v", ErrInvalidConfig, err)
	}
	if err := c.RangeIncreasingColorsSHDegreeMax.Validate(); err != nil {
		return fmt.Errorf("%w: colors SH degree range: %v", ErrInvalidConfig, err)
	}
	if c.ThresholdOpacity < 0 || c.ThresholdPositions2DGradNorm < 0 || c.ThresholdScaling < 0 {
		return fmt.Errorf("%w: refinement thresholds must be non-negative", ErrInvalidConfig)
	}
	if c.FactorHuge < 1 {
		return fmt.Errorf("%w: huge factor must be at least 1, got %g", ErrInvalidConfig, c.FactorHuge)
	}
	if c.FactorSplit <= 0 || c.FactorSplit > 1 {
		return fmt.Errorf("%w: split factor must be in (0, 1], got %g", ErrInvalidConfig, c.FactorSplit)
	}
	if c.FactorDeviation < 0 {
		return fmt.Errorf("%w: deviation factor must be non-negative, got %g", ErrInvalidConfig, c.FactorDeviation)
	}
	return nil
}

// RefinementState accumulates per-point screen-space gradient statistics
// between restructuring passes. Both tensors have shape [P].
type RefinementState struct {
	Positions2DGradNormSum *tensor.Tensor
	VisibleCount           *tensor.Tensor
}

// NewRefinementState returns a state with zero sums and unit counts
func NewRefinementState(points int, device tensor.DeviceType) (*RefinementState, error) {
	sum, err := tensor.Zeros([]int{points}, device)
	if err != nil {
		return nil, err
	}
	count, err := tensor.Ones([]int{points}, device)
	if err != nil {
		return nil, err
	}
	return &RefinementState{Positions2DGradNormSum: sum, VisibleCount: count}, nil
}

// Clone returns a deep copy, or nil for a nil state
func (s *RefinementState) Clone() *RefinementState {
	if s == nil {
		return nil
	}
	return &RefinementState{
		Positions2DGradNormSum: s.Positions2DGradNormSum.Clone(),
		VisibleCount:           s.VisibleCount.Clone(),
	}
}

// Rows returns the number of points the state covers
func (s *RefinementState) Rows() int {
	return s.Positions2DGradNormSum.Rows()
}

// MeanPositions2DGradNorm returns sum / count per point. A count below one
// is treated as one.
func (s *RefinementState) MeanPositions2DGradNorm() []float32 {
	mean := make([]float32, s.Rows())
	for i := range mean {
		mean[i] = s.Positions2DGradNormSum.Data[i] / math32.Max(s.VisibleCount.Data[i], 1)
	}
	return mean
}

// Partition lists the point indices of each restructuring outcome in
// ascending order. Cloned points are also retained.
type Partition struct {
	Retain []int
	Clone  []int
	Split  []int
}

// PointCount returns the number of points after restructuring
func (p Partition) PointCount() int {
	return len(p.Retain) + len(p.Clone) + 2*len(p.Split)
}

// Restructuring summarizes one densification pass
type Restructuring struct {
	Iteration    uint64
	PointsBefore int
	PointsAfter  int
	Retained     int
	Cloned       int
	Split        int
	Pruned       int
}

// Refiner grows and prunes the point set from accumulated gradient
// statistics and raises the active color degree on its own schedule.
type Refiner struct {
	config RefinerConfig
	state  *RefinementState
	normal distuv.Normal
	logger *slog.Logger
}

// NewRefiner creates a refiner with an empty accumulator. The random
// generator drives the position jitter; nil uses the global source.
func NewRefiner(config RefinerConfig, rng *rand.Rand, logger *slog.Logger) *Refiner {
	normal := distuv.Normal{Mu: 0, Sigma: float64(config.FactorDeviation)}
	if rng != nil {
		normal.Src = rng
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{
		config: config,
		normal: normal,
		logger: logger,
	}
}

// Config returns the refiner configuration
func (r *Refiner) Config() RefinerConfig {
	return r.config
}

// State returns the live accumulator, or nil before the first update
func (r *Refiner) State() *RefinementState {
	return r.state
}

// Record returns a deep copy of the accumulator, or nil while it is absent
func (r *Refiner) Record() *RefinementState {
	return r.state.Clone()
}

// LoadRecord replaces the accumulator with a copy of record
func (r *Refiner) LoadRecord(record *RefinementState) {
	r.state = record.Clone()
}

// ToDevice moves the accumulator to the given device
func (r *Refiner) ToDevice(device tensor.DeviceType) {
	if r.state == nil {
		return
	}
	r.state.Positions2DGradNormSum = r.state.Positions2DGradNormSum.ToDevice(device)
	r.state.VisibleCount = r.state.VisibleCount.ToDevice(device)
}

// Refine runs the per-iteration density control: the color degree step,
// the accumulator update and, on scheduled iterations, a restructuring
// pass. It returns nil when no restructuring took place.
func (r *Refiner) Refine(
	ctx context.Context,
	iteration uint64,
	s *scene.Scene,
	optimizers []optimizer.Optimizer,
	options *render.Options,
	positions2DGradNorm *tensor.Tensor,
	radii []uint32,
) (*Restructuring, error) {
	if r.config.RangeIncreasingColorsSHDegreeMax.Has(iteration) {
		options.ColorsSHDegreeMax = min(options.ColorsSHDegreeMax+1, s.ColorsSHDegree())
	}

	if err := r.Accumulate(positions2DGradNorm, radii, s.Device()); err != nil {
		return nil, err
	}

	if !r.config.RangeDensification.Has(iteration) {
		return nil, nil
	}
	return r.Restructure(ctx, iteration, s, optimizers)
}

// Accumulate adds the gradient norm of every visible point to its sum and
// increments its visible count. Points with a zero radius are untouched.
func (r *Refiner) Accumulate(positions2DGradNorm *tensor.Tensor, radii []uint32, device tensor.DeviceType) error {
	points := len(radii)
	if positions2DGradNorm.NumElems() != points {
		return fmt.Errorf("%w: %d gradient norms for %d radii", ErrPointCountMismatch, positions2DGradNorm.NumElems(), points)
	}

	if r.state == nil {
		state, err := NewRefinementState(points, device)
		if err != nil {
			return err
		}
		r.state = state
	} else if r.state.Rows() != points {
		return fmt.Errorf("%w: refinement state has %d points, got %d", ErrPointCountMismatch, r.state.Rows(), points)
	}

	sum := r.state.Positions2DGradNormSum.Data
	count := r.state.VisibleCount.Data
	for i, radius := range radii {
		if radius == 0 {
			continue
		}
		sum[i] += positions2DGradNorm.Data[i]
		count[i]++
	}
	return nil
}

// Partition classifies every point of s. Points that are not opaque, and
// huge points that are not split, appear in no list and are pruned.
func (r *Refiner) Partition(s *scene.Scene) (Partition, error) {
	points := s.PointCount()

	var mean []float32
	if r.state != nil {
		if r.state.Rows() != points {
			return Partition{}, fmt.Errorf("%w: refinement state has %d points, scene has %d", ErrPointCountMismatch, r.state.Rows(), points)
		}
		mean = r.state.MeanPositions2DGradNorm()
	} else {
		mean = make([]float32, points)
	}

	opacities := s.Opacities()
	scalings := s.Scalings()
	thresholdHuge := r.config.ThresholdScaling * r.config.FactorHuge

	partition := Partition{
		Retain: []int{},
		Clone:  []int{},
		Split:  []int{},
	}
	for i := 0; i < points; i++ {
		opacity := math32.Max(opacities.Data[i], scene.Epsilon)
		scaling := scene.Epsilon
		for _, v := range scalings.Row(i) {
			scaling = math32.Max(scaling, v)
		}

		isOpaque := opacity > r.config.ThresholdOpacity
		isLarge := scaling > r.config.ThresholdScaling
		isHuge := scaling > thresholdHuge
		isOut := mean[i] > r.config.ThresholdPositions2DGradNorm

		if !isOpaque {
			continue
		}
		if !(isOut && isLarge) && !isHuge {
			partition.Retain = append(partition.Retain, i)
		}
		if isOut && !isLarge {
			partition.Clone = append(partition.Clone, i)
		}
		if isOut && isLarge {
			partition.Split = append(partition.Split, i)
		}
	}
	return partition, nil
}

// Densify builds the restructured parameters of s. Rows are ordered
// retained, cloned, first split copies, second split copies.
func (r *Refiner) Densify(s *scene.Scene, partition Partition) (scene.Params, error) {
	params := s.Params()

	var retained, cloned, splitFirst, splitSecond scene.Params
	for _, g := range scene.Groups() {
		var err error
		if retained[g], err = params[g].SelectRows(partition.Retain); err != nil {
			return scene.Params{}, fmt.Errorf("failed to select retained %s: %w", g, err)
		}
		if cloned[g], err = params[g].SelectRows(partition.Clone); err != nil {
			return scene.Params{}, fmt.Errorf("failed to select cloned %s: %w", g, err)
		}
		if splitFirst[g], err = params[g].SelectRows(partition.Split); err != nil {
			return scene.Params{}, fmt.Errorf("failed to select split %s: %w", g, err)
		}
		splitSecond[g] = splitFirst[g].Clone()
	}

	r.jitter(cloned)
	for _, half := range []scene.Params{splitFirst, splitSecond} {
		r.jitter(half)
		r.shrink(half)
	}

	var out scene.Params
	for _, g := range scene.Groups() {
		var err error
		if out[g], err = tensor.ConcatRows(retained[g], cloned[g], splitFirst[g], splitSecond[g]); err != nil {
			return scene.Params{}, fmt.Errorf("failed to assemble %s: %w", g, err)
		}
	}
	return out, nil
}

// jitter moves each position by a normal sample scaled by the point size
// along every axis
func (r *Refiner) jitter(params scene.Params) {
	positions := params[scene.Positions].Data
	scalings := params[scene.Scalings].Data
	for i := range positions {
		scaling := math32.Max(scene.ScalingFromRaw(scalings[i]), scene.Epsilon)
		positions[i] += float32(r.normal.Rand()) * scaling
	}
}

// shrink scales the usable opacity and scaling by the split factor
func (r *Refiner) shrink(params scene.Params) {
	factor := r.config.FactorSplit
	opacities := params[scene.Opacities].Data
	for i, raw := range opacities {
		opacities[i] = scene.OpacityToRaw(scene.OpacityFromRaw(raw) * factor)
	}
	scalings := params[scene.Scalings].Data
	for i, raw := range scalings {
		scalings[i] = scene.ScalingToRaw(scene.ScalingFromRaw(raw) * factor)
	}
}

// Restructure runs one densification pass: it partitions the points,
// swaps the new parameters into s, re-indexes the optimizer moments and
// resets the accumulator. optimizers[g] belongs to scene.Group(g); nil
// entries are skipped.
func (r *Refiner) Restructure(ctx context.Context, iteration uint64, s *scene.Scene, optimizers []optimizer.Optimizer) (*Restructuring, error) {
	before := s.PointCount()
	_, span := tracer.Start(ctx, "training.Restructure", trace.WithAttributes(
		attribute.Int64("iteration", int64(iteration)),
		attribute.Int("points_before", before),
	))
	defer span.End()

	result, err := r.restructure(iteration, s, optimizers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("points_after", result.PointsAfter))

	r.logger.Info("restructured points",
		slog.Uint64("iteration", iteration),
		slog.Int("points_before", result.PointsBefore),
		slog.Int("points_after", result.PointsAfter),
		slog.Int("cloned", result.Cloned),
		slog.Int("split", result.Split),
		slog.Int("pruned", result.Pruned),
	)
	return result, nil
}

func (r *Refiner) restructure(iteration uint64, s *scene.Scene, optimizers []optimizer.Optimizer) (*Restructuring, error) {
	before := s.PointCount()
	if len(optimizers) > scene.GroupCount {
		return nil, fmt.Errorf("got %d optimizers for %d parameter groups", len(optimizers), scene.GroupCount)
	}
	for i, opt := range optimizers {
		g := scene.Group(i)
		if opt != nil && !opt.Fits(s.Param(g)) {
			return nil, fmt.Errorf("%w: %s optimizer state does not fit %d points", ErrPointCountMismatch, g, before)
		}
	}

	partition, err := r.Partition(s)
	if err != nil {
		return nil, err
	}
	params, err := r.Densify(s, partition)
	if err != nil {
		return nil, err
	}
	after := partition.PointCount()

	state, err := NewRefinementState(after, s.Device())
	if err != nil {
		return nil, err
	}
	if err := s.Replace(params); err != nil {
		return nil, fmt.Errorf("failed to replace scene parameters: %w", err)
	}
	for _, opt := range optimizers {
		if opt == nil {
			continue
		}
		if err := opt.Rebuild(partition.Retain, after); err != nil {
			return nil, fmt.Errorf("failed to rebuild optimizer state: %w", err)
		}
	}
	r.state = state

	return &Restructuring{
		Iteration:    iteration,
		PointsBefore: before,
		PointsAfter:  after,
		Retained:     len(partition.Retain),
		Cloned:       len(partition.Clone),
		Split:        len(partition.Split),
		Pruned:       before - len(partition.Retain) - len(partition.Split),
	}, nil
}
