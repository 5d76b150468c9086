package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"

	"github.com/tsawler/go-splat/camera"
	"github.com/tsawler/go-splat/scene"
)

// SessionOption configures a TrainingSession
type SessionOption func(*TrainingSession)

// WithCheckpointManager saves periodic checkpoints during the session
func WithCheckpointManager(manager *CheckpointManager) SessionOption {
	return func(ts *TrainingSession) {
		ts.checkpoints = manager
	}
}

// WithProgress draws a status line on out
func WithProgress(out io.Writer) SessionOption {
	return func(ts *TrainingSession) {
		ts.progressOut = out
	}
}

// WithCameraRand sets the random generator that orders the cameras
func WithCameraRand(rng *rand.Rand) SessionOption {
	return func(ts *TrainingSession) {
		ts.rng = rng
	}
}

// WithImageCache serves reference images from cache so each one is decoded
// once instead of once per visit
func WithImageCache(cache *camera.ImageCache) SessionOption {
	return func(ts *TrainingSession) {
		ts.images = cache
	}
}

// TrainingSession runs a trainer over a camera collection, visiting every
// camera once per pass in a freshly shuffled order
type TrainingSession struct {
	trainer     *Trainer
	cameras     *camera.Cameras
	checkpoints *CheckpointManager
	progressOut io.Writer
	rng         *rand.Rand
	images      *camera.ImageCache
	queue       []*camera.Camera
}

// SessionSummary describes a finished Run
type SessionSummary struct {
	Iterations     uint64
	Skipped        uint64
	Restructurings int
	Checkpoints    int
	LastLoss       float64
	PointCount     int
}

// NewTrainingSession creates a session. The camera order is seeded from the
// trainer seed unless WithCameraRand is given.
func NewTrainingSession(trainer *Trainer, cameras *camera.Cameras, opts ...SessionOption) (*TrainingSession, error) {
	if cameras == nil || cameras.Len() == 0 {
		return nil, fmt.Errorf("%w: training session needs at least one camera", ErrInvalidConfig)
	}

	ts := &TrainingSession{
		trainer: trainer,
		cameras: cameras,
	}
	for _, opt := range opts {
		opt(ts)
	}
	if ts.rng == nil {
		seed := trainer.Config().Seed
		ts.rng = rand.New(rand.NewPCG(seed, ^seed))
	}
	return ts, nil
}

func (ts *TrainingSession) next() *camera.Camera {
	if len(ts.queue) == 0 {
		ts.queue = ts.cameras.Shuffled(ts.rng)
	}
	c := ts.queue[0]
	ts.queue = ts.queue[1:]
	return c
}

// Run trains s for the given number of iterations. The context is checked
// between iterations; an iteration in progress always completes.
func (ts *TrainingSession) Run(ctx context.Context, s *scene.Scene, iterations uint64) (SessionSummary, error) {
	var summary SessionSummary

	var progress *Progress
	if ts.progressOut != nil {
		progress = NewProgress(ts.progressOut, "Training", iterations)
	}

	for i := uint64(0); i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		next := ts.next()
		var cam Camera = next
		if ts.images != nil {
			cam = ts.images.Wrap(next)
		}

		report, err := ts.trainer.Train(ctx, s, cam)
		if err != nil {
			return summary, err
		}

		summary.Iterations++
		summary.LastLoss = report.Loss
		summary.PointCount = report.PointCount
		if !report.Optimized {
			summary.Skipped++
		}
		if report.Restructuring != nil {
			summary.Restructurings++
		}

		if ts.checkpoints != nil {
			saved, err := ts.checkpoints.SavePeriodicCheckpoint(s, report.Loss)
			if err != nil {
				return summary, err
			}
			if saved {
				summary.Checkpoints++
			}
		}

		if progress != nil {
			progress.Observe(report)
		}
	}

	if progress != nil {
		progress.Finish()
	}

	ts.trainer.logger.Info("training session finished",
		slog.Uint64("iterations", summary.Iterations),
		slog.Uint64("skipped", summary.Skipped),
		slog.Int("restructurings", summary.Restructurings),
		slog.Int("points", summary.PointCount),
		slog.Float64("loss", summary.LastLoss),
	)
	return summary, nil
}
