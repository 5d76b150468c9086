package training

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-splat/optimizer"
	"github.com/tsawler/go-splat/render"
	"github.com/tsawler/go-splat/scene"
	"github.com/tsawler/go-splat/tensor"
)

func TestNewTrainerInvalidConfig(t *testing.T) {
	renderer := &fakeRenderer{}

	config := DefaultTrainerConfig()
	config.Refiner.RangeDensification = NewRangeOptions(100, 50, 10)
	_, err := NewTrainer(config, renderer)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config = DefaultTrainerConfig()
	config.OptionsRenderer.ColorsSHDegreeMax = 4
	_, err = NewTrainer(config, renderer)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	config = DefaultTrainerConfig()
	config.Optimizer.Epsilon = 0
	_, err = NewTrainer(config, renderer)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewTrainer(DefaultTrainerConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// An empty range is valid when its step is zero
	config = DefaultTrainerConfig()
	config.Refiner.RangeDensification = NewRangeOptions(100, 50, 0)
	_, err = NewTrainer(config, renderer)
	assert.NoError(t, err)
}

func TestTrainerEndToEndRestructuring(t *testing.T) {
	// Point 0 is under-reconstructed and large: split.
	// Point 1 is under-reconstructed and small: cloned.
	// Point 2 is opaque and fine: retained.
	// Point 3 is transparent: pruned.
	s := newTestScene(t, 0,
		[]float32{0.5, 0.5, 0.5, 1e-3},
		[]float32{0.1, 0.01, 0.01, 0.01},
	)
	before := s.Clone()

	// Zero learning rates keep the optimizer step from moving any point
	config := quietConfig()
	config.LearningRateColorsSH = NewConstantLearningRate(0)
	config.LearningRateOpacities = NewConstantLearningRate(0)
	config.LearningRatePositions = NewConstantLearningRate(0)
	config.LearningRateRotations = NewConstantLearningRate(0)
	config.LearningRateScalings = NewConstantLearningRate(0)
	config.Refiner.RangeDensification = NewRangeOptions(1, 2, 1)
	config.Refiner.FactorDeviation = 0

	renderer := &fakeRenderer{
		gradNorm: func(points int) []float32 {
			return []float32{1e-3, 1e-3, 0, 1e-3}
		},
	}
	trainer := newTestTrainer(t, config, renderer)

	report, err := trainer.Train(context.Background(), s, newFakeCamera(t))
	require.NoError(t, err)
	assert.True(t, report.Optimized)
	require.NotNil(t, report.Restructuring)
	assert.Equal(t, Restructuring{
		Iteration:    1,
		PointsBefore: 4,
		PointsAfter:  5,
		Retained:     2,
		Cloned:       1,
		Split:        1,
		Pruned:       1,
	}, *report.Restructuring)
	assert.Equal(t, 5, report.PointCount)

	// Every point-indexed buffer follows the new point count
	assert.Equal(t, 5, s.PointCount())
	for _, g := range scene.Groups() {
		assert.Equal(t, 5, s.Param(g).Rows(), "group %s", g)
		state := trainer.Optimizer(g).State()
		require.NotNil(t, state, "group %s", g)
		assert.Equal(t, 5, state.Moment1.Rows())
		assert.Equal(t, 5, state.Moment2.Rows())
		assert.Equal(t, uint64(1), state.StepCount)
	}
	refinement := trainer.Refiner().State()
	assert.Equal(t, []float32{0, 0, 0, 0, 0}, refinement.Positions2DGradNormSum.Data)
	assert.Equal(t, []float32{1, 1, 1, 1, 1}, refinement.VisibleCount.Data)

	// Rows are retained (1, 2), cloned (1), split (0) twice
	oldPositions := before.Param(scene.Positions)
	for row, source := range []int{1, 2, 1, 0, 0} {
		assert.Equal(t, oldPositions.Row(source), s.Param(scene.Positions).Row(row), "row %d", row)
	}

	opacities := s.Opacities().Data
	scalings := s.Scalings()
	for _, row := range []int{0, 1, 2} {
		assert.InDelta(t, 0.5, opacities[row], 1e-6)
	}
	assert.InDelta(t, 0.01, scalings.Row(2)[0], 1e-6)
	for _, row := range []int{3, 4} {
		assert.InDelta(t, 0.5*0.65, opacities[row], 1e-5)
		for _, v := range scalings.Row(row) {
			assert.InDelta(t, 0.1*0.65, v, 1e-6)
		}
	}

	// Retained rows keep their moments, new rows start from zero
	moment1 := trainer.Optimizer(scene.Positions).State().Moment1
	for _, row := range []int{0, 1} {
		for _, v := range moment1.Row(row) {
			assert.InDelta(t, 0.1*testGrad, v, 1e-9)
		}
	}
	for _, row := range []int{2, 3, 4} {
		assert.Equal(t, []float32{0, 0, 0}, moment1.Row(row))
	}
}

func TestTrainerSkipsWithoutPositionGradNorm(t *testing.T) {
	s := newTestScene(t, 1, []float32{0.5, 0.5}, []float32{0.01, 0.01})
	before := s.Clone()

	config := quietConfig()
	config.Refiner.RangeDensification = NewRangeOptions(0, 100, 1)
	config.Refiner.RangeIncreasingColorsSHDegreeMax = NewRangeOptions(0, 100, 1)
	trainer := newTestTrainer(t, config, &fakeRenderer{noGradNorm: true})
	positionsLR := trainer.LearningRate(scene.Positions).Value()

	report, err := trainer.Train(context.Background(), s, newFakeCamera(t))
	require.NoError(t, err)
	assert.False(t, report.Optimized)
	assert.Nil(t, report.Restructuring)
	assert.Equal(t, uint64(1), report.Iteration)
	assert.Equal(t, uint64(1), trainer.Iteration())

	for _, g := range scene.Groups() {
		assert.Equal(t, before.Param(g).Data, s.Param(g).Data, "group %s", g)
		assert.Nil(t, trainer.Optimizer(g).State())
	}
	assert.Equal(t, positionsLR, trainer.LearningRate(scene.Positions).Value())
	assert.Nil(t, trainer.Refiner().State())
	assert.Equal(t, uint32(0), trainer.Options().ColorsSHDegreeMax)
}

func TestTrainerSkipsAbsentGroup(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5, 0.5}, []float32{0.01, 0.01})
	before := s.Clone()

	config := quietConfig()
	config.LearningRateOpacities = LearningRateConfig{Start: 1e-2, End: 1e-4, Count: 10}
	renderer := &fakeRenderer{absent: map[scene.Group]bool{scene.Positions: true}}
	trainer := newTestTrainer(t, config, renderer)

	positionsLR := trainer.LearningRate(scene.Positions).Value()
	opacitiesLR := trainer.LearningRate(scene.Opacities).Value()

	for i := 0; i < 3; i++ {
		_, err := trainer.Train(context.Background(), s, newFakeCamera(t))
		require.NoError(t, err)
	}

	assert.Equal(t, before.Param(scene.Positions).Data, s.Param(scene.Positions).Data)
	assert.Nil(t, trainer.Optimizer(scene.Positions).State())
	assert.Equal(t, positionsLR, trainer.LearningRate(scene.Positions).Value())

	assert.NotEqual(t, before.Param(scene.Opacities).Data, s.Param(scene.Opacities).Data)
	assert.Equal(t, uint64(3), trainer.Optimizer(scene.Opacities).GetStepCount())
	assert.Less(t, trainer.LearningRate(scene.Opacities).Value(), opacitiesLR)
}

func TestTrainerStageErrors(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5}, []float32{0.01})
	upstream := errors.New("upstream failure")

	tests := []struct {
		name     string
		renderer *fakeRenderer
		camera   func(*fakeCamera)
		stage    Stage
	}{
		{
			name:     "render",
			renderer: &fakeRenderer{renderErr: upstream},
			stage:    StageRender,
		},
		{
			name:     "reference image",
			renderer: &fakeRenderer{},
			camera:   func(c *fakeCamera) { c.decodeErr = upstream },
			stage:    StageReferenceImage,
		},
		{
			name:     "loss",
			renderer: &fakeRenderer{},
			camera: func(c *fakeCamera) {
				c.image, _ = tensor.Zeros([]int{2, 2, 3}, tensor.CPU)
			},
			stage: StageLoss,
		},
		{
			name:     "backward",
			renderer: &fakeRenderer{backwardErr: upstream},
			stage:    StageBackward,
		},
		{
			name:     "render output",
			renderer: &fakeRenderer{radii: func(int) []uint32 { return []uint32{1, 1, 1} }},
			stage:    StageRender,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trainer := newTestTrainer(t, quietConfig(), tt.renderer)
			cam := newFakeCamera(t)
			if tt.camera != nil {
				tt.camera(cam)
			}

			_, err := trainer.Train(context.Background(), s, cam)
			require.Error(t, err)

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.stage, stageErr.Stage)
			assert.Equal(t, uint64(1), stageErr.Iteration)
			if tt.renderer.renderErr != nil || tt.renderer.backwardErr != nil || cam.decodeErr != nil {
				assert.ErrorIs(t, err, upstream)
			}
		})
	}
}

func TestTrainerRejectsReentrantTrain(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5}, []float32{0.01})
	cam := newFakeCamera(t)

	renderer := &fakeRenderer{}
	trainer := newTestTrainer(t, quietConfig(), renderer)

	var nested error
	renderer.onRender = func() {
		renderer.onRender = nil
		_, nested = trainer.Train(context.Background(), s, cam)
	}

	_, err := trainer.Train(context.Background(), s, cam)
	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrTrainerBusy)
	assert.Equal(t, uint64(1), trainer.Iteration())

	// The guard is released after the call
	_, err = trainer.Train(context.Background(), s, cam)
	assert.NoError(t, err)
}

func TestTrainerIncreasesColorsSHDegree(t *testing.T) {
	s := newTestScene(t, 1, []float32{0.5}, []float32{0.01})

	config := quietConfig()
	config.Refiner.RangeIncreasingColorsSHDegreeMax = NewRangeOptions(2, 10, 2)
	renderer := &fakeRenderer{}
	trainer := newTestTrainer(t, config, renderer)

	var degrees []uint32
	for i := 0; i < 5; i++ {
		_, err := trainer.Train(context.Background(), s, newFakeCamera(t))
		require.NoError(t, err)
		degrees = append(degrees, trainer.Options().ColorsSHDegreeMax)
	}

	// Raised at iteration 2 and capped at the scene degree afterwards
	assert.Equal(t, []uint32{0, 1, 1, 1, 1}, degrees)
	assert.Equal(t, uint32(1), renderer.lastOptions.ColorsSHDegreeMax)
}

func TestTrainerFineMetricDutyCycle(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5}, []float32{0.01})

	config := quietConfig()
	config.RangeMetricOptimizationFine = NewRangeOptions(0, math.MaxUint64, 2)
	trainer := newTestTrainer(t, config, &fakeRenderer{})

	first, err := trainer.Train(context.Background(), s, newFakeCamera(t))
	require.NoError(t, err)
	second, err := trainer.Train(context.Background(), s, newFakeCamera(t))
	require.NoError(t, err)

	assert.False(t, first.HasFine)
	assert.InDelta(t, 0.25, first.Loss, 1e-7)
	assert.True(t, second.HasFine)
	assert.NotEqual(t, first.Loss, second.Loss)
}

func TestTrainerNoNaNAfterRestructuring(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	points := make([]scene.Point, 64)
	for i := range points {
		points[i] = scene.Point{
			Position: [3]float32{rng.Float32(), rng.Float32(), rng.Float32()},
			Color:    [3]float32{rng.Float32(), rng.Float32(), rng.Float32()},
		}
	}
	s, err := scene.NewScene(scene.SceneConfig{ColorsSHDegree: 3, Points: points}, tensor.CPU, rng)
	require.NoError(t, err)

	config := DefaultTrainerConfig()
	config.Refiner.RangeDensification = NewRangeOptions(1, 100, 1)
	renderer := &fakeRenderer{
		radii: func(points int) []uint32 { return make([]uint32, points) },
		gradNorm: func(points int) []float32 {
			norms := make([]float32, points)
			for i := range norms {
				norms[i] = 1
			}
			return norms
		},
	}
	trainer := newTestTrainer(t, config, renderer)

	for i := 0; i < 3; i++ {
		report, err := trainer.Train(context.Background(), s, newFakeCamera(t))
		require.NoError(t, err)
		require.NotNil(t, report.Restructuring)
	}

	for _, g := range scene.Groups() {
		for _, v := range s.Param(g).Data {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "group %s", g)
		}
	}
	for _, v := range trainer.Refiner().State().MeanPositions2DGradNorm() {
		require.False(t, math.IsNaN(float64(v)))
	}
}

func TestTrainerRecordRoundTrip(t *testing.T) {
	s := newTestScene(t, 1, []float32{0.5, 0.5, 0.5}, []float32{0.01, 0.01, 0.01})

	config := quietConfig()
	config.Refiner.RangeIncreasingColorsSHDegreeMax = NewRangeOptions(1, 2, 1)
	renderer := &fakeRenderer{gradNorm: func(points int) []float32 {
		return []float32{1, 2, 3}
	}}
	trainer := newTestTrainer(t, config, renderer)
	for i := 0; i < 4; i++ {
		_, err := trainer.Train(context.Background(), s, newFakeCamera(t))
		require.NoError(t, err)
	}

	record := trainer.Record()
	assert.Equal(t, uint64(4), record.Iteration)
	assert.Equal(t, uint32(1), record.Options.ColorsSHDegreeMax)
	assert.Equal(t, []float32{4, 8, 12}, record.Refinement.Positions2DGradNormSum.Data)
	assert.Equal(t, []float32{5, 5, 5}, record.Refinement.VisibleCount.Data)

	restored := newTestTrainer(t, config, &fakeRenderer{})
	require.NoError(t, restored.LoadRecord(record, s))
	assert.Equal(t, record, restored.Record())

	// The record is a copy
	record.Optimizers[scene.Positions].Moment1.Data[0] = 42
	assert.NotEqual(t, float32(42), restored.Optimizer(scene.Positions).State().Moment1.Data[0])
	assert.NotEqual(t, float32(42), trainer.Optimizer(scene.Positions).State().Moment1.Data[0])
}

func TestTrainerLoadRecordPointCountMismatch(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5, 0.5}, []float32{0.01, 0.01})
	trainer := newTestTrainer(t, quietConfig(), &fakeRenderer{})
	_, err := trainer.Train(context.Background(), s, newFakeCamera(t))
	require.NoError(t, err)
	record := trainer.Record()

	other := newTestScene(t, 0, []float32{0.5, 0.5, 0.5}, []float32{0.01, 0.01, 0.01})
	fresh := newTestTrainer(t, quietConfig(), &fakeRenderer{})
	err = fresh.LoadRecord(record, other)
	assert.ErrorIs(t, err, ErrPointCountMismatch)
	assert.Equal(t, uint64(0), fresh.Iteration())

	record.Optimizers = [scene.GroupCount]*optimizer.AdamState{}
	record.Refinement.VisibleCount = record.Refinement.Positions2DGradNormSum.Clone()
	err = fresh.LoadRecord(record, other)
	assert.ErrorIs(t, err, ErrPointCountMismatch)
}

func TestTrainerLoadRecordRejectsHigherColorsSHDegree(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5}, []float32{0.01})
	trainer := newTestTrainer(t, quietConfig(), &fakeRenderer{})

	record := trainer.Record()
	record.Options.ColorsSHDegreeMax = 1
	err := trainer.LoadRecord(record, s)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "exceeds the scene degree 0")
	assert.Equal(t, uint32(0), trainer.Options().ColorsSHDegreeMax)

	record.Options.ColorsSHDegreeMax = 0
	assert.NoError(t, trainer.LoadRecord(record, s))
}

func TestTrainerToDevice(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5}, []float32{0.01})
	trainer := newTestTrainer(t, quietConfig(), &fakeRenderer{})
	_, err := trainer.Train(context.Background(), s, newFakeCamera(t))
	require.NoError(t, err)

	before := trainer.Record()
	trainer.ToDevice(s, tensor.GPU)

	assert.Equal(t, tensor.GPU, s.Device())

	for _, g := range scene.Groups() {
		state := trainer.Optimizer(g).State()
		assert.Equal(t, tensor.GPU, state.Moment1.Device)
		assert.Equal(t, tensor.GPU, state.Moment2.Device)
		assert.Equal(t, before.Optimizers[g].Moment1.Data, state.Moment1.Data)
	}
	assert.Equal(t, tensor.GPU, trainer.Refiner().State().VisibleCount.Device)
	assert.Equal(t, before.Refinement.VisibleCount.Data, trainer.Refiner().State().VisibleCount.Data)
}

func TestTrainerPassesImageGradient(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5}, []float32{0.01})
	renderer := &fakeRenderer{}
	trainer := newTestTrainer(t, quietConfig(), renderer)

	_, err := trainer.Train(context.Background(), s, newFakeCamera(t))
	require.NoError(t, err)

	// Rendered 0.5 against 0.25 everywhere: d MAE / d value = 1 / N
	require.NotNil(t, renderer.lastGrad)
	n := float32(testImageSize * testImageSize * 3)
	for _, v := range renderer.lastGrad.Data {
		assert.InDelta(t, 1/n, v, 1e-9)
	}
}

var _ render.Renderer = (*fakeRenderer)(nil)

// trainerSnapshot captures everything a failed iteration must leave alone
type trainerSnapshot struct {
	params        scene.Params
	record        *TrainerRecord
	learningRates [scene.GroupCount]float64
}

func snapshot(trainer *Trainer, s *scene.Scene) trainerSnapshot {
	snap := trainerSnapshot{params: s.Clone().Params(), record: trainer.Record()}
	for _, g := range scene.Groups() {
		snap.learningRates[g] = trainer.LearningRate(g).Value()
	}
	// the iteration counter is consumed by the failing call
	snap.record.Iteration++
	return snap
}

func TestTrainerInvalidGradientsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name     string
		renderer *fakeRenderer
	}{
		{
			name: "gradient norm length",
			renderer: &fakeRenderer{gradNorm: func(points int) []float32 {
				return make([]float32, points+1)
			}},
		},
		{
			name:     "group gradient shape",
			renderer: &fakeRenderer{extraRows: map[scene.Group]int{scene.Scalings: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScene(t, 0, []float32{0.5, 0.5}, []float32{0.01, 0.01})
			config := quietConfig()
			config.LearningRatePositions = LearningRateConfig{Start: 1e-2, End: 1e-4, Count: 10}

			// One good iteration populates the optimizer and accumulator
			good := &fakeRenderer{}
			trainer := newTestTrainer(t, config, good)
			_, err := trainer.Train(context.Background(), s, newFakeCamera(t))
			require.NoError(t, err)
			trainer.renderer = tt.renderer

			before := snapshot(trainer, s)
			_, err = trainer.Train(context.Background(), s, newFakeCamera(t))

			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, StageBackward, stageErr.Stage)

			assert.Equal(t, before.params, s.Params())
			assert.Equal(t, before.record, trainer.Record())
			for _, g := range scene.Groups() {
				assert.Equal(t, before.learningRates[g], trainer.LearningRate(g).Value(), "group %s", g)
			}
		})
	}
}

func TestTrainerStaleStateLeavesSceneUntouched(t *testing.T) {
	small := newTestScene(t, 0, []float32{0.5, 0.5}, []float32{0.01, 0.01})
	trainer := newTestTrainer(t, quietConfig(), &fakeRenderer{})
	_, err := trainer.Train(context.Background(), small, newFakeCamera(t))
	require.NoError(t, err)

	large := newTestScene(t, 0, []float32{0.5, 0.5, 0.5}, []float32{0.01, 0.01, 0.01})
	before := snapshot(trainer, large)
	_, err = trainer.Train(context.Background(), large, newFakeCamera(t))

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageOptimize, stageErr.Stage)
	assert.ErrorIs(t, err, ErrPointCountMismatch)

	assert.Equal(t, before.params, large.Params())
	assert.Equal(t, before.record, trainer.Record())
}
