package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProtobuf
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProtobuf:
		return "Protobuf"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProtobuf:
		return "pb"
	default:
		return "json"
	}
}

// Checkpoint is a complete trainer snapshot: the point-set parameters, the
// per-group optimizer state, the refinement accumulators and metadata.
type Checkpoint struct {
	// Raw point-set parameters, one tensor per parameter group
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state, one entry per parameter group
	OptimizerStates []OptimizerState `json:"optimizer_states,omitempty"`

	// Refinement accumulators (absent before the first refinement update)
	RefinementState *RefinementState `json:"refinement_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents one raw parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Type  string    `json:"type"` // "logit", "log", "quaternion", etc.
}

// TrainingState captures the current training progress
type TrainingState struct {
	Iteration         uint64             `json:"iteration"`
	ColorsSHDegreeMax uint32             `json:"colors_sh_degree_max"`
	PointCount        int                `json:"point_count"`
	LearningRates     map[string]float64 `json:"learning_rates"`
	Loss              float64            `json:"loss"`
}

// OptimizerState captures optimizer-specific state for one parameter group
type OptimizerState struct {
	Name       string             `json:"name"`
	Type       string             `json:"type"` // "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (moments)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "moment_1", "moment_2"
}

// RefinementState holds the per-point density-control accumulators
type RefinementState struct {
	PositionsGradNormSum []float32 `json:"positions_grad_norm_sum"`
	VisibleCount         []float32 `json:"visible_count"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
}

// CheckpointSaver handles saving checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	setDefaultMetadata(checkpoint)

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProtobuf:
		return cs.saveProtobuf(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProtobuf:
		return cs.loadProtobuf(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func setDefaultMetadata(checkpoint *Checkpoint) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-splat"
	}
	if checkpoint.Metadata.Version == "" {
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// saveProtobuf saves checkpoint in protobuf wire format
func (cs *CheckpointSaver) saveProtobuf(checkpoint *Checkpoint, path string) error {
	exporter := NewProtobufExporter()
	return exporter.ExportToFile(checkpoint, path)
}

// loadProtobuf loads checkpoint from protobuf wire format
func (cs *CheckpointSaver) loadProtobuf(path string) (*Checkpoint, error) {
	importer := NewProtobufImporter()
	return importer.ImportFromFile(path)
}

// FindWeight returns the weight tensor with the given name
func (c *Checkpoint) FindWeight(name string) (*WeightTensor, bool) {
	for i := range c.Weights {
		if c.Weights[i].Name == name {
			return &c.Weights[i], true
		}
	}
	return nil, false
}

// FindOptimizerState returns the optimizer state with the given name
func (c *Checkpoint) FindOptimizerState(name string) (*OptimizerState, bool) {
	for i := range c.OptimizerStates {
		if c.OptimizerStates[i].Name == name {
			return &c.OptimizerStates[i], true
		}
	}
	return nil, false
}
