package training

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"

	"github.com/tsawler/go-splat/camera"
	"github.com/tsawler/go-splat/optimizer"
	"github.com/tsawler/go-splat/render"
	"github.com/tsawler/go-splat/scene"
	"github.com/tsawler/go-splat/tensor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/tsawler/go-splat/training")

// Camera supplies the view to render and the reference image to compare
// against. *camera.Camera implements it.
type Camera interface {
	CameraView() *camera.View
	DecodeRGBTensor(device tensor.DeviceType) (*tensor.Tensor, error)
}

var _ Camera = (*camera.Camera)(nil)

// Report describes one training iteration
type Report struct {
	Iteration uint64
	Loss      float64
	HasFine   bool

	// Optimized is false when the render produced no position gradient
	// norm and the iteration skipped optimization and refinement
	Optimized bool

	PointCount    int
	Restructuring *Restructuring
}

// Option configures a Trainer
type Option func(*Trainer)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRand sets the random generator used for position jitter. By default
// it is seeded from TrainerConfig.Seed.
func WithRand(rng *rand.Rand) Option {
	return func(t *Trainer) {
		t.rng = rng
	}
}

// Trainer optimizes a scene one camera at a time and controls its density.
// A Trainer is not safe for concurrent use; overlapping Train calls fail
// with ErrTrainerBusy.
type Trainer struct {
	config   TrainerConfig
	renderer render.Renderer
	logger   *slog.Logger
	rng      *rand.Rand

	iteration     uint64
	learningRates [scene.GroupCount]*LearningRate
	optimizers    [scene.GroupCount]*optimizer.Adam
	options       render.Options
	loss          *Loss
	refiner       *Refiner

	busy atomic.Bool
}

// NewTrainer validates the configuration and creates a trainer at
// iteration zero
func NewTrainer(config TrainerConfig, renderer render.Renderer, opts ...Option) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if renderer == nil {
		return nil, fmt.Errorf("%w: renderer cannot be nil", ErrInvalidConfig)
	}

	t := &Trainer{
		config:   config,
		renderer: renderer,
		logger:   slog.Default(),
		options:  config.OptionsRenderer,
		loss:     NewLoss(config.RangeMetricOptimizationFine),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.rng == nil {
		t.rng = rand.New(rand.NewPCG(config.Seed, config.Seed))
	}

	for _, g := range scene.Groups() {
		t.learningRates[g] = config.LearningRate(g).Init()
		t.optimizers[g] = optimizer.NewAdam(config.Adam(g))
	}
	t.refiner = NewRefiner(config.Refiner, t.rng, t.logger)

	return t, nil
}

// Config returns the configuration the trainer was created with
func (t *Trainer) Config() TrainerConfig {
	return t.config
}

// Iteration returns the number of Train calls so far
func (t *Trainer) Iteration() uint64 {
	return t.iteration
}

// Options returns the current render options
func (t *Trainer) Options() render.Options {
	return t.options
}

// LearningRate returns the schedule of one group
func (t *Trainer) LearningRate(g scene.Group) *LearningRate {
	return t.learningRates[g]
}

// Optimizer returns the optimizer of one group
func (t *Trainer) Optimizer(g scene.Group) *optimizer.Adam {
	return t.optimizers[g]
}

// Refiner returns the density controller
func (t *Trainer) Refiner() *Refiner {
	return t.refiner
}

// Train runs one iteration: render, loss, backward, optimize and refine.
// An iteration whose render yields no position gradient norm is a valid
// no-op and returns a Report with Optimized false.
func (t *Trainer) Train(ctx context.Context, s *scene.Scene, cam Camera) (Report, error) {
	if !t.busy.CompareAndSwap(false, true) {
		return Report{}, ErrTrainerBusy
	}
	defer t.busy.Store(false)

	t.iteration++
	ctx, span := tracer.Start(ctx, "training.Train", trace.WithAttributes(
		attribute.Int64("iteration", int64(t.iteration)),
		attribute.Int("points", s.PointCount()),
	))
	defer span.End()

	report, err := t.train(ctx, s, cam)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	span.SetAttributes(attribute.Float64("loss", report.Loss), attribute.Bool("optimized", report.Optimized))

	t.logger.Debug("trained iteration",
		slog.Uint64("iteration", report.Iteration),
		slog.Float64("loss", report.Loss),
		slog.Bool("fine", report.HasFine),
		slog.Bool("optimized", report.Optimized),
		slog.Int("points", report.PointCount),
	)
	return report, nil
}

func (t *Trainer) train(ctx context.Context, s *scene.Scene, cam Camera) (Report, error) {
	report := Report{Iteration: t.iteration, PointCount: s.PointCount()}

	output, err := t.renderer.Render(ctx, s, cam.CameraView(), t.options)
	if err != nil {
		return report, stageError(StageRender, t.iteration, err)
	}
	if err := output.Validate(s.PointCount()); err != nil {
		return report, stageError(StageRender, t.iteration, err)
	}

	target, err := cam.DecodeRGBTensor(s.Device())
	if err != nil {
		return report, stageError(StageReferenceImage, t.iteration, err)
	}

	loss, err := t.loss.Evaluate(t.iteration, output.ColorsRGB2D, target)
	if err != nil {
		return report, stageError(StageLoss, t.iteration, err)
	}
	report.Loss = loss.Value
	report.HasFine = loss.HasFine

	grads, err := output.Backward(loss.Gradient)
	if err != nil {
		return report, stageError(StageBackward, t.iteration, err)
	}
	if grads == nil || grads.Positions2DGradNorm == nil {
		return report, nil
	}
	if err := grads.Validate(s); err != nil {
		return report, stageError(StageBackward, t.iteration, err)
	}
	if err := t.checkState(s); err != nil {
		return report, err
	}

	if err := t.optimize(s, grads); err != nil {
		return report, stageError(StageOptimize, t.iteration, err)
	}
	report.Optimized = true

	restructuring, err := t.refiner.Refine(ctx, t.iteration, s, t.groupOptimizers(), &t.options, grads.Positions2DGradNorm, output.Radii)
	if err != nil {
		return report, stageError(StageRefine, t.iteration, err)
	}
	report.Restructuring = restructuring
	report.PointCount = s.PointCount()
	return report, nil
}

// checkState verifies that the optimizer moments and the accumulator
// still fit s, so that a failing iteration leaves every state untouched
func (t *Trainer) checkState(s *scene.Scene) error {
	for _, g := range scene.Groups() {
		if !t.optimizers[g].Fits(s.Param(g)) {
			return stageError(StageOptimize, t.iteration, fmt.Errorf("%w: %s optimizer state does not fit %d points",
				ErrPointCountMismatch, g, s.PointCount()))
		}
	}
	if state := t.refiner.State(); state != nil && state.Rows() != s.PointCount() {
		return stageError(StageRefine, t.iteration, fmt.Errorf("%w: refinement state has %d points, scene has %d",
			ErrPointCountMismatch, state.Rows(), s.PointCount()))
	}
	return nil
}

func (t *Trainer) groupOptimizers() []optimizer.Optimizer {
	out := make([]optimizer.Optimizer, scene.GroupCount)
	for g, opt := range t.optimizers {
		out[g] = opt
	}
	return out
}

// optimize steps every group that received a gradient and advances its
// learning rate. Groups without a gradient are left untouched.
func (t *Trainer) optimize(s *scene.Scene, grads *render.Gradients) error {
	for _, g := range scene.Groups() {
		grad := grads.Get(g)
		if grad == nil {
			continue
		}

		lr := t.learningRates[g]
		updated, err := t.optimizers[g].Step(lr.Value(), s.Param(g), grad)
		if err != nil {
			return fmt.Errorf("%s: %w", g, err)
		}
		if err := s.SetParam(g, updated); err != nil {
			return fmt.Errorf("%s: %w", g, err)
		}
		lr.Advance()
	}
	return nil
}

// TrainerRecord is the mutable state of a trainer. Point-indexed buffers
// are valid only for a scene with the same point count.
type TrainerRecord struct {
	Iteration     uint64
	LearningRates [scene.GroupCount]LearningRateRecord
	Optimizers    [scene.GroupCount]*optimizer.AdamState
	Options       render.Options
	Refinement    *RefinementState
}

// Record returns a deep copy of the trainer state
func (t *Trainer) Record() *TrainerRecord {
	record := &TrainerRecord{
		Iteration:  t.iteration,
		Options:    t.options,
		Refinement: t.refiner.Record(),
	}
	for _, g := range scene.Groups() {
		record.LearningRates[g] = t.learningRates[g].Record()
		record.Optimizers[g] = t.optimizers[g].Record()
	}
	return record
}

// LoadRecord restores the trainer state. Every point-indexed buffer of the
// record must match the point count of s; otherwise the trainer is left
// unchanged and the error wraps ErrPointCountMismatch.
func (t *Trainer) LoadRecord(record *TrainerRecord, s *scene.Scene) error {
	if err := record.Check(s); err != nil {
		return err
	}

	t.iteration = record.Iteration
	t.options = record.Options
	t.refiner.LoadRecord(record.Refinement)
	for _, g := range scene.Groups() {
		t.learningRates[g].LoadRecord(record.LearningRates[g])
		t.optimizers[g].LoadRecord(record.Optimizers[g])
	}
	return nil
}

// Check verifies that the record fits the scene
func (r *TrainerRecord) Check(s *scene.Scene) error {
	points := s.PointCount()
	for _, g := range scene.Groups() {
		state := r.Optimizers[g]
		if state == nil {
			continue
		}
		if !tensor.SameShape(state.Moment1, s.Param(g)) || !tensor.SameShape(state.Moment2, s.Param(g)) {
			return fmt.Errorf("%w: %s optimizer state has shape %v, parameter has shape %v",
				ErrPointCountMismatch, g, state.Moment1.Shape, s.Param(g).Shape)
		}
	}
	if r.Refinement != nil {
		if r.Refinement.Rows() != points || r.Refinement.VisibleCount.Rows() != points {
			return fmt.Errorf("%w: refinement state has %d points, scene has %d",
				ErrPointCountMismatch, r.Refinement.Rows(), points)
		}
	}
	if r.Options.ColorsSHDegreeMax > s.ColorsSHDegree() {
		return fmt.Errorf("%w: colors SH degree %d exceeds the scene degree %d",
			ErrInvalidConfig, r.Options.ColorsSHDegreeMax, s.ColorsSHDegree())
	}
	return nil
}

// ToDevice moves s together with every optimizer and accumulator buffer.
// It must not be called while Train is running.
func (t *Trainer) ToDevice(s *scene.Scene, device tensor.DeviceType) {
	s.ToDevice(device)
	for _, opt := range t.optimizers {
		opt.ToDevice(device)
	}
	t.refiner.ToDevice(device)
}
