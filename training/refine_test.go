package training

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-splat/optimizer"
	"github.com/tsawler/go-splat/render"
	"github.com/tsawler/go-splat/scene"
	"github.com/tsawler/go-splat/tensor"
)

func gradNormTensor(t *testing.T, values ...float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.NewTensor([]int{len(values)}, tensor.CPU, values)
	require.NoError(t, err)
	return out
}

func TestRefinerConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultRefinerConfig().Validate())

	tests := []struct {
		name   string
		modify func(*RefinerConfig)
	}{
		{"densification range", func(c *RefinerConfig) { c.RangeDensification = NewRangeOptions(10, 5, 1) }},
		{"degree range", func(c *RefinerConfig) { c.RangeIncreasingColorsSHDegreeMax = NewRangeOptions(10, 5, 1) }},
		{"negative threshold", func(c *RefinerConfig) { c.ThresholdOpacity = -1 }},
		{"huge factor", func(c *RefinerConfig) { c.FactorHuge = 0.5 }},
		{"split factor", func(c *RefinerConfig) { c.FactorSplit = 0 }},
		{"split factor above one", func(c *RefinerConfig) { c.FactorSplit = 1.5 }},
		{"deviation", func(c *RefinerConfig) { c.FactorDeviation = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultRefinerConfig()
			tt.modify(&config)
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}
}

func TestRefinerAccumulateMasksInvisiblePoints(t *testing.T) {
	r := NewRefiner(DefaultRefinerConfig(), nil, nil)
	assert.Nil(t, r.State())

	require.NoError(t, r.Accumulate(gradNormTensor(t, 1, 2, 3), []uint32{1, 0, 5}, tensor.CPU))
	require.NoError(t, r.Accumulate(gradNormTensor(t, 1, 2, 3), []uint32{0, 0, 2}, tensor.CPU))

	state := r.State()
	assert.Equal(t, []float32{1, 0, 6}, state.Positions2DGradNormSum.Data)
	assert.Equal(t, []float32{2, 1, 3}, state.VisibleCount.Data)
	assert.Equal(t, []float32{0.5, 0, 2}, state.MeanPositions2DGradNorm())
}

func TestRefinerAccumulateRejectsMismatch(t *testing.T) {
	r := NewRefiner(DefaultRefinerConfig(), nil, nil)

	err := r.Accumulate(gradNormTensor(t, 1, 2), []uint32{1, 1, 1}, tensor.CPU)
	assert.ErrorIs(t, err, ErrPointCountMismatch)

	require.NoError(t, r.Accumulate(gradNormTensor(t, 1, 2), []uint32{1, 1}, tensor.CPU))
	err = r.Accumulate(gradNormTensor(t, 1, 2, 3), []uint32{1, 1, 1}, tensor.CPU)
	assert.ErrorIs(t, err, ErrPointCountMismatch)
}

func TestRefinerPartitionIsExclusive(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	points := 200
	opacities := make([]float32, points)
	scalings := make([]float32, points)
	norms := make([]float32, points)
	radii := make([]uint32, points)
	for i := 0; i < points; i++ {
		opacities[i] = rng.Float32() * 0.02
		scalings[i] = rng.Float32()
		norms[i] = rng.Float32() * 8e-4
		radii[i] = uint32(rng.IntN(2))
	}
	s := newTestScene(t, 0, opacities, scalings)

	config := DefaultRefinerConfig()
	r := NewRefiner(config, rng, nil)
	require.NoError(t, r.Accumulate(gradNormTensor(t, norms...), radii, tensor.CPU))

	partition, err := r.Partition(s)
	require.NoError(t, err)

	retained := make(map[int]bool)
	for _, i := range partition.Retain {
		retained[i] = true
	}
	split := make(map[int]bool)
	for _, i := range partition.Split {
		split[i] = true
		assert.False(t, retained[i], "split point %d is also retained", i)
	}
	cloned := make(map[int]bool)
	for _, i := range partition.Clone {
		cloned[i] = true
		assert.True(t, retained[i], "cloned point %d is not retained", i)
		assert.False(t, split[i], "cloned point %d is also split", i)
	}

	usable := s.Opacities().Data
	largest := s.Scalings()
	for i := 0; i < points; i++ {
		opaque := usable[i] > config.ThresholdOpacity
		kept := retained[i] || split[i]
		if !opaque {
			assert.False(t, kept || cloned[i], "transparent point %d was kept", i)
			continue
		}

		var size float32
		for _, v := range largest.Row(i) {
			size = max(size, v)
		}
		huge := size > config.ThresholdScaling*config.FactorHuge
		if !huge {
			assert.True(t, kept, "opaque point %d was dropped", i)
		}
	}

	assert.Equal(t, len(partition.Retain)+len(partition.Clone)+2*len(partition.Split), partition.PointCount())
}

func TestRefinerDropsHugePoints(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5, 0.5}, []float32{0.9, 0.9})
	r := NewRefiner(DefaultRefinerConfig(), nil, nil)

	// Point 0 is under-reconstructed and split, point 1 is huge and dropped
	require.NoError(t, r.Accumulate(gradNormTensor(t, 1, 0), []uint32{1, 1}, tensor.CPU))
	partition, err := r.Partition(s)
	require.NoError(t, err)

	assert.Empty(t, partition.Retain)
	assert.Empty(t, partition.Clone)
	assert.Equal(t, []int{0}, partition.Split)
}

func TestRefinerDensifyEmptyBuckets(t *testing.T) {
	s := newTestScene(t, 2, []float32{1e-4, 1e-4, 1e-4}, []float32{0.01, 0.01, 0.01})
	r := NewRefiner(DefaultRefinerConfig(), nil, nil)

	partition, err := r.Partition(s)
	require.NoError(t, err)
	assert.Equal(t, 0, partition.PointCount())

	params, err := r.Densify(s, partition)
	require.NoError(t, err)
	for _, g := range scene.Groups() {
		assert.Equal(t, 0, params[g].Rows(), "group %s", g)
	}
	assert.Equal(t, []int{0, 9, 3}, params[scene.ColorsSH].Shape)
}

func TestRefinerRestructureResetsState(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5, 0.5, 0.5}, []float32{0.01, 0.2, 0.01})

	config := DefaultRefinerConfig()
	r := NewRefiner(config, rand.New(rand.NewPCG(5, 6)), nil)

	adams := make([]*optimizer.Adam, scene.GroupCount)
	optimizers := make([]optimizer.Optimizer, scene.GroupCount)
	for _, g := range scene.Groups() {
		adams[g] = optimizer.NewAdam(optimizer.DefaultAdamConfig())
		optimizers[g] = adams[g]
		if g == scene.Rotations {
			// never sees a gradient
			continue
		}
		grad, err := tensor.Full(s.Param(g).Shape, 1, tensor.CPU)
		require.NoError(t, err)
		_, err = adams[g].Step(0, s.Param(g), grad)
		require.NoError(t, err)
	}

	require.NoError(t, r.Accumulate(gradNormTensor(t, 1, 1, 0), []uint32{1, 1, 1}, tensor.CPU))
	result, err := r.Restructure(context.Background(), 500, s, optimizers)
	require.NoError(t, err)

	// Point 0 is cloned, point 1 is split, point 2 is retained
	assert.Equal(t, 5, result.PointsAfter)
	assert.Equal(t, 0, result.Pruned)
	assert.Equal(t, 5, s.PointCount())
	assert.Equal(t, 5, r.State().Rows())

	for _, g := range scene.Groups() {
		if g == scene.Rotations {
			assert.Nil(t, adams[g].State())
			continue
		}
		assert.Equal(t, 5, adams[g].State().Rows(), "group %s", g)
	}

	// Jittered copies move, retained points stay put
	positions := s.Param(scene.Positions)
	assert.Equal(t, []float32{0, 0, 0}, positions.Row(0))
	assert.Equal(t, []float32{2, 4, 6}, positions.Row(1))
	assert.NotEqual(t, positions.Row(0), positions.Row(2))
	assert.NotEqual(t, positions.Row(3), positions.Row(4))
}

func TestRefinerRestructureRejectsStaleOptimizer(t *testing.T) {
	s := newTestScene(t, 0, []float32{0.5, 0.5}, []float32{0.01, 0.01})
	other := newTestScene(t, 0, []float32{0.5, 0.5, 0.5}, []float32{0.01, 0.01, 0.01})

	stale := optimizer.NewAdam(optimizer.DefaultAdamConfig())
	grad, _ := tensor.Full(other.Param(scene.Positions).Shape, 1, tensor.CPU)
	_, err := stale.Step(1e-3, other.Param(scene.Positions), grad)
	require.NoError(t, err)

	r := NewRefiner(DefaultRefinerConfig(), nil, nil)
	before := s.Clone()
	_, err = r.Restructure(context.Background(), 500, s, []optimizer.Optimizer{scene.Positions: stale})
	assert.ErrorIs(t, err, ErrPointCountMismatch)
	assert.Equal(t, before.Params(), s.Params())
}

func TestRefinerColorsSHDegreeIsMonotonic(t *testing.T) {
	s := newTestScene(t, 3, []float32{0.5}, []float32{0.01})
	config := DefaultRefinerConfig()
	config.RangeDensification = NewRangeOptions(0, 0, 0)
	r := NewRefiner(config, nil, nil)

	options := render.Options{}
	var degrees []uint32
	for iteration := uint64(1); iteration <= 6000; iteration++ {
		_, err := r.Refine(context.Background(), iteration, s, nil, &options, gradNormTensor(t, 0), []uint32{1})
		require.NoError(t, err)
		if iteration%1000 == 0 {
			degrees = append(degrees, options.ColorsSHDegreeMax)
		}
	}
	assert.Equal(t, []uint32{1, 2, 3, 3, 3, 3}, degrees)
}

func TestRefinementStateRecord(t *testing.T) {
	r := NewRefiner(DefaultRefinerConfig(), nil, nil)
	assert.Nil(t, r.Record())

	require.NoError(t, r.Accumulate(gradNormTensor(t, 1, 2), []uint32{1, 1}, tensor.CPU))
	record := r.Record()
	record.VisibleCount.Data[0] = 99
	assert.Equal(t, float32(2), r.State().VisibleCount.Data[0])

	restored := NewRefiner(DefaultRefinerConfig(), nil, nil)
	restored.LoadRecord(record)
	assert.Equal(t, []float32{99, 2}, restored.State().VisibleCount.Data)

	restored.ToDevice(tensor.GPU)
	assert.Equal(t, tensor.GPU, restored.State().Positions2DGradNormSum.Device)
	assert.Equal(t, []float32{1, 2}, restored.State().Positions2DGradNormSum.Data)
}
