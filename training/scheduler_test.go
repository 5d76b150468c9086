package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLearningRateDecay(t *testing.T) {
	tests := []struct {
		name     string
		config   LearningRateConfig
		expected float64
	}{
		{"short horizon", LearningRateConfig{Start: 1.6e-4, End: 1.6e-6, Count: 7000}, 0.9993423349014151},
		{"long horizon", LearningRateConfig{Start: 1.6e-4, End: 1.6e-6, Count: 30000}, 0.9998465061085267},
		{"zero horizon", LearningRateConfig{Start: 1e-3, End: 1e-5, Count: 0}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := tt.config.Init()
			assert.InDelta(t, tt.expected, lr.Decay, 1e-15)
			assert.Equal(t, tt.config.Start, lr.Value())
		})
	}
}

func TestLearningRateReachesEnd(t *testing.T) {
	lr := LearningRateConfig{Start: 1e-1, End: 1e-5, Count: 5}.Init()

	previous := lr.Value()
	for i := 0; i < 7; i++ {
		lr.Advance()
		assert.LessOrEqual(t, lr.Value(), previous)
		assert.GreaterOrEqual(t, lr.Value(), 1e-5)
		previous = lr.Value()
	}

	assert.Equal(t, 1e-5, lr.Value())

	lr.Advance()
	assert.Equal(t, 1e-5, lr.Value(), "rate must stay clamped at the end value")
}

func TestLearningRateConstant(t *testing.T) {
	lr := NewConstantLearningRate(5e-3).Init()
	for i := 0; i < 10; i++ {
		lr.Advance()
	}
	assert.Equal(t, 5e-3, lr.Value())
}

func TestLearningRateZeroStart(t *testing.T) {
	lr := LearningRateConfig{Start: 0, End: 1e-3, Count: 100}.Init()
	lr.Advance()
	assert.Equal(t, 0.0, lr.Value())
	assert.False(t, math.IsNaN(lr.Decay))
}

func TestLearningRateRecord(t *testing.T) {
	lr := LearningRateConfig{Start: 1e-2, End: 1e-4, Count: 10}.Init()
	lr.Advance()
	lr.Advance()
	record := lr.Record()

	restored := LearningRateConfig{Start: 1e-2, End: 1e-4, Count: 10}.Init()
	restored.LoadRecord(record)
	assert.Equal(t, lr.Value(), restored.Value())

	lr.Advance()
	restored.Advance()
	assert.Equal(t, lr.Value(), restored.Value())
}

func TestRangeOptionsHas(t *testing.T) {
	r := NewRangeOptions(1, 9, 2)
	for i := uint64(0); i < 12; i++ {
		expected := i%2 == 1 && i < 9
		assert.Equal(t, expected, r.Has(i), "iteration %d", i)
	}

	all := DefaultRangeOptions()
	assert.True(t, all.Has(0))
	assert.True(t, all.Has(12345))
	assert.False(t, all.Has(math.MaxUint64))

	disabled := NewRangeOptions(0, 100, 0)
	assert.False(t, disabled.Has(0))
	assert.False(t, disabled.Has(50))
}

func TestRangeOptionsDefaults(t *testing.T) {
	config := DefaultRefinerConfig()
	assert.True(t, config.RangeDensification.Has(500))
	assert.True(t, config.RangeDensification.Has(600))
	assert.False(t, config.RangeDensification.Has(550))
	assert.False(t, config.RangeDensification.Has(15000))
	assert.True(t, config.RangeIncreasingColorsSHDegreeMax.Has(1000))
	assert.True(t, config.RangeIncreasingColorsSHDegreeMax.Has(3000))
	assert.False(t, config.RangeIncreasingColorsSHDegreeMax.Has(4000))
}
