package training

import (
	"fmt"
	"math"
)

// LearningRateConfig describes an exponential decay from Start to End
// over Count applied steps. A zero Count keeps the rate constant.
type LearningRateConfig struct {
	Start float64 `yaml:"start" toml:"start" json:"start"`
	End   float64 `yaml:"end" toml:"end" json:"end"`
	Count uint64  `yaml:"count" toml:"count" json:"count"`
}

// NewConstantLearningRate returns a configuration that never decays
func NewConstantLearningRate(value float64) LearningRateConfig {
	return LearningRateConfig{
		Start: value,
		End:   value,
		Count: 0,
	}
}

// Init creates the schedule state
func (c LearningRateConfig) Init() *LearningRate {
	if c.Start == 0 {
		return &LearningRate{Current: 0, Decay: 1, End: 0}
	}

	decay := 1.0
	if c.Count != 0 {
		decay = math.Pow(c.End/c.Start, 1/float64(c.Count))
	}

	return &LearningRate{
		Current: c.Start,
		Decay:   decay,
		End:     c.End,
	}
}

// LearningRate decays multiplicatively and never goes below End
type LearningRate struct {
	Current float64
	Decay   float64
	End     float64
}

// LearningRateRecord is the persisted part of a schedule
type LearningRateRecord struct {
	Current float64 `json:"current"`
}

// Value returns the learning rate for the next optimizer step
func (lr *LearningRate) Value() float64 {
	return lr.Current
}

// Advance decays the rate after an applied step, stopping at End
func (lr *LearningRate) Advance() {
	lr.Current = math.Max(lr.Current*lr.Decay, lr.End)
}

// Record returns the persisted part of the schedule
func (lr *LearningRate) Record() LearningRateRecord {
	return LearningRateRecord{Current: lr.Current}
}

// LoadRecord restores the current rate; Decay and End come from the config
func (lr *LearningRate) LoadRecord(record LearningRateRecord) {
	lr.Current = record.Current
}

// RangeOptions selects the iterations in [Start, End) that are a
// multiple of Step past Start. A zero Step selects nothing.
type RangeOptions struct {
	Start uint64 `yaml:"start" toml:"start" json:"start"`
	End   uint64 `yaml:"end" toml:"end" json:"end"`
	Step  uint64 `yaml:"step" toml:"step" json:"step"`
}

// DefaultRangeOptions selects every iteration
func DefaultRangeOptions() RangeOptions {
	return RangeOptions{
		Start: 0,
		End:   math.MaxUint64,
		Step:  1,
	}
}

// NewRangeOptions selects every step-th iteration in [start, end)
func NewRangeOptions(start, end, step uint64) RangeOptions {
	return RangeOptions{Start: start, End: end, Step: step}
}

// Has reports whether iteration falls on the range
func (r RangeOptions) Has(iteration uint64) bool {
	if r.Step == 0 {
		return false
	}
	return iteration >= r.Start && iteration < r.End && (iteration-r.Start)%r.Step == 0
}

// Validate rejects a range that ends before it starts
func (r RangeOptions) Validate() error {
	if r.Step != 0 && r.End < r.Start {
		return fmt.Errorf("range end %d is before start %d", r.End, r.Start)
	}
	return nil
}
