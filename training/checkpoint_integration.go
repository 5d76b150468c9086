package training

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/tsawler/go-splat/checkpoints"
	"github.com/tsawler/go-splat/optimizer"
	"github.com/tsawler/go-splat/render"
	"github.com/tsawler/go-splat/scene"
	"github.com/tsawler/go-splat/tensor"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       `yaml:"save_directory" toml:"save_directory" json:"save_directory"`
	SaveFrequency   uint64                       `yaml:"save_frequency" toml:"save_frequency" json:"save_frequency"`    // Save every N iterations (0 = disabled)
	MaxCheckpoints  int                          `yaml:"max_checkpoints" toml:"max_checkpoints" json:"max_checkpoints"` // Maximum number of checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat `yaml:"format" toml:"format" json:"format"`
	FilenamePattern string                       `yaml:"filename_pattern" toml:"filename_pattern" json:"filename_pattern"` // Pattern for checkpoint filenames, given the iteration
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   7000,
		MaxCheckpoints:  5,
		Format:          checkpoints.FormatProtobuf,
		FilenamePattern: "checkpoint_iteration_%08d",
	}
}

// Checkpoint captures the scene and the complete trainer state
func (t *Trainer) Checkpoint(s *scene.Scene, loss float64) *checkpoints.Checkpoint {
	learningRates := make(map[string]float64, scene.GroupCount)
	optimizerStates := make([]checkpoints.OptimizerState, 0, scene.GroupCount)
	for _, g := range scene.Groups() {
		learningRates[g.String()] = t.learningRates[g].Value()
		optimizerStates = append(optimizerStates, *t.optimizers[g].GetState(g.String()))
	}

	var refinement *checkpoints.RefinementState
	if state := t.refiner.State(); state != nil {
		refinement = &checkpoints.RefinementState{
			PositionsGradNormSum: append([]float32(nil), state.Positions2DGradNormSum.Data...),
			VisibleCount:         append([]float32(nil), state.VisibleCount.Data...),
		}
	}

	return &checkpoints.Checkpoint{
		Weights: s.Weights(),
		TrainingState: checkpoints.TrainingState{
			Iteration:         t.iteration,
			ColorsSHDegreeMax: t.options.ColorsSHDegreeMax,
			PointCount:        s.PointCount(),
			LearningRates:     learningRates,
			Loss:              loss,
		},
		OptimizerStates: optimizerStates,
		RefinementState: refinement,
		Metadata: checkpoints.CheckpointMetadata{
			Tags: []string{fmt.Sprintf("iteration_%d", t.iteration)},
		},
	}
}

// RestoreCheckpoint rebuilds the scene stored in a checkpoint and loads the
// trainer state that goes with it. The trainer is unchanged on error.
func (t *Trainer) RestoreCheckpoint(checkpoint *checkpoints.Checkpoint, device tensor.DeviceType) (*scene.Scene, error) {
	s, err := scene.FromWeights(checkpoint.Weights, device)
	if err != nil {
		return nil, fmt.Errorf("failed to restore scene: %w", err)
	}

	points := s.PointCount()
	state := checkpoint.TrainingState
	if state.PointCount != points {
		return nil, fmt.Errorf("%w: checkpoint records %d points, weights have %d", ErrPointCountMismatch, state.PointCount, points)
	}

	record := &TrainerRecord{
		Iteration: state.Iteration,
		Options:   render.Options{ColorsSHDegreeMax: state.ColorsSHDegreeMax},
	}
	for _, g := range scene.Groups() {
		record.LearningRates[g] = t.learningRates[g].Record()
		if current, ok := state.LearningRates[g.String()]; ok {
			record.LearningRates[g] = LearningRateRecord{Current: current}
		}

		restored := optimizer.NewAdam(t.config.Adam(g))
		if optState, ok := checkpoint.FindOptimizerState(g.String()); ok {
			if err := restored.LoadState(optState); err != nil {
				return nil, fmt.Errorf("failed to restore %s optimizer: %w", g, err)
			}
		}
		record.Optimizers[g] = restored.Record()
	}

	if refinement := checkpoint.RefinementState; refinement != nil {
		sum, err := tensor.NewTensor([]int{len(refinement.PositionsGradNormSum)}, device, append([]float32(nil), refinement.PositionsGradNormSum...))
		if err != nil {
			return nil, fmt.Errorf("failed to restore refinement state: %w", err)
		}
		count, err := tensor.NewTensor([]int{len(refinement.VisibleCount)}, device, append([]float32(nil), refinement.VisibleCount...))
		if err != nil {
			return nil, fmt.Errorf("failed to restore refinement state: %w", err)
		}
		record.Refinement = &RefinementState{Positions2DGradNormSum: sum, VisibleCount: count}
	}

	if err := t.LoadRecord(record, s); err != nil {
		return nil, err
	}
	t.ToDevice(s, device)
	return s, nil
}

// CheckpointManager handles periodic checkpoint saving and loading for a
// Trainer
type CheckpointManager struct {
	config     CheckpointConfig
	trainer    *Trainer
	saver      *checkpoints.CheckpointSaver
	runID      string
	savedFiles []string // Track saved checkpoint files for cleanup
	logger     *slog.Logger
}

// NewCheckpointManager creates a new checkpoint manager with a fresh run ID
func NewCheckpointManager(trainer *Trainer, config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config:     config,
		trainer:    trainer,
		saver:      checkpoints.NewCheckpointSaver(config.Format),
		runID:      uuid.NewString(),
		savedFiles: make([]string, 0),
		logger:     trainer.logger,
	}
}

// RunID identifies every checkpoint saved by this manager
func (cm *CheckpointManager) RunID() string {
	return cm.runID
}

// SavedFiles returns the checkpoints kept by this manager, oldest first
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

// SaveCheckpoint saves the current trainer state and returns the file path
func (cm *CheckpointManager) SaveCheckpoint(s *scene.Scene, loss float64, description string) (string, error) {
	checkpoint := cm.trainer.Checkpoint(s, loss)
	checkpoint.Metadata.Description = description
	checkpoint.Metadata.RunID = cm.runID

	path := filepath.Join(cm.config.SaveDirectory, cm.generateFilename(cm.trainer.Iteration()))

	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cm.savedFiles = append(cm.savedFiles, path)

	cm.logger.Info("saved checkpoint",
		slog.String("path", path),
		slog.Uint64("iteration", cm.trainer.Iteration()),
		slog.Int("points", s.PointCount()),
	)

	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.logger.Warn("failed to clean up old checkpoints", slog.Any("error", err))
	}
	return path, nil
}

// SavePeriodicCheckpoint saves a checkpoint when the current iteration is a
// multiple of SaveFrequency
func (cm *CheckpointManager) SavePeriodicCheckpoint(s *scene.Scene, loss float64) (bool, error) {
	iteration := cm.trainer.Iteration()
	if cm.config.SaveFrequency == 0 || iteration == 0 || iteration%cm.config.SaveFrequency != 0 {
		return false, nil
	}

	description := fmt.Sprintf("Periodic checkpoint - Iteration %d", iteration)
	if _, err := cm.SaveCheckpoint(s, loss, description); err != nil {
		return false, err
	}
	return true, nil
}

// LoadCheckpoint loads a checkpoint file and restores the trainer state
func (cm *CheckpointManager) LoadCheckpoint(path string, device tensor.DeviceType) (*scene.Scene, error) {
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	s, err := cm.trainer.RestoreCheckpoint(checkpoint, device)
	if err != nil {
		return nil, fmt.Errorf("failed to restore trainer state: %w", err)
	}
	return s, nil
}

// LoadLatest loads the last checkpoint in the save directory by file name
// order. The default filename pattern zero-pads the iteration so that name
// order is iteration order.
func (cm *CheckpointManager) LoadLatest(device tensor.DeviceType) (*scene.Scene, string, error) {
	pattern := filepath.Join(cm.config.SaveDirectory, "*."+cm.config.Format.Extension())
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(matches) == 0 {
		return nil, "", fmt.Errorf("no checkpoints found in %s", cm.config.SaveDirectory)
	}

	sort.Strings(matches)
	latest := matches[len(matches)-1]

	s, err := cm.LoadCheckpoint(latest, device)
	if err != nil {
		return nil, "", err
	}
	return s, latest, nil
}

func (cm *CheckpointManager) generateFilename(iteration uint64) string {
	pattern := cm.config.FilenamePattern
	if pattern == "" {
		pattern = "checkpoint_iteration_%08d"
	}
	return fmt.Sprintf(pattern, iteration) + "." + cm.config.Format.Extension()
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 {
		return nil // No limit
	}
	if len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	// Remove oldest checkpoints
	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
