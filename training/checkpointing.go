package training

import (
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/checkpoints"
)

// CheckpointConfig configures where the trainer persists its best snapshot
type CheckpointConfig struct {
	Path     string                       // artifact path; empty disables saving
	Format   checkpoints.CheckpointFormat // JSON or Proto
	SaveBest bool                         // save whenever validation loss improves
}

// DefaultCheckpointConfig saves best.json in the working directory
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Path:     "best.json",
		Format:   checkpoints.FormatJSON,
		SaveBest: true,
	}
}

// CheckpointManager writes the single overwrite-in-place artifact of a run
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
	logger *log.Logger
	saves  int
}

// NewCheckpointManager creates a manager; a nil logger uses log.Default()
func NewCheckpointManager(config CheckpointConfig, logger *log.Logger) *CheckpointManager {
	if logger == nil {
		logger = log.Default()
	}
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		logger: logger,
	}
}

// Enabled reports whether a path was configured
func (cm *CheckpointManager) Enabled() bool {
	return cm.config.Path != ""
}

// Save writes checkpoint, replacing any previous artifact
func (cm *CheckpointManager) Save(checkpoint *checkpoints.Checkpoint, reason string) error {
	if !cm.Enabled() {
		return nil
	}
	if dir := filepath.Dir(cm.config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create checkpoint directory")
		}
	}
	checkpoint.Metadata.Description = reason
	if err := cm.saver.SaveCheckpoint(checkpoint, cm.config.Path); err != nil {
		return err
	}
	cm.saves++
	cm.logger.Printf("Saved checkpoint (%s) at epoch %d to %s", reason, checkpoint.TrainingState.Epoch, cm.config.Path)
	return nil
}

// Load reads the configured artifact
func (cm *CheckpointManager) Load() (*checkpoints.Checkpoint, error) {
	if !cm.Enabled() {
		return nil, errors.Wrap(checkpoints.ErrMissing, "no checkpoint path configured")
	}
	return cm.saver.LoadCheckpoint(cm.config.Path)
}

// Saves returns the number of successful writes
func (cm *CheckpointManager) Saves() int {
	return cm.saves
}
