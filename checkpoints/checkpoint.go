package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrMissing means no checkpoint exists at the requested path
	ErrMissing = errors.New("checkpoint missing")
	// ErrCorrupt means a checkpoint exists but cannot be decoded
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat converts a format name ("json", "proto") into a CheckpointFormat
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	default:
		return FormatJSON, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatForPath picks a format from the file extension: .pb and .proto
// select FormatProto, anything else FormatJSON
func FormatForPath(path string) CheckpointFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pb", ".proto":
		return FormatProto
	default:
		return FormatJSON
	}
}

// Checkpoint is the durable training artifact: best weights plus the state,
// hyperparameters and input normalisation needed to resume or deploy them
type Checkpoint struct {
	Model           string             `json:"model"`
	Weights         []WeightTensor     `json:"weights"`
	TrainingState   TrainingState      `json:"training_state"`
	Hyperparameters Hyperparameters    `json:"hyperparameters"`
	Normalization   Normalization      `json:"normalization"`
	OptimizerState  *OptimizerState    `json:"optimizer_state,omitempty"`
	Metadata        CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", ...
}

// TrainingState captures the best-so-far metrics and schedule position.
// Each best metric carries the epoch it was reached at; a zero epoch means
// BestEpoch, which older checkpoints recorded for every metric.
type TrainingState struct {
	Epoch                int     `json:"epoch"`
	BestEpoch            int     `json:"best_epoch"`
	LearningRate         float64 `json:"learning_rate"`
	PatienceAnchor       int     `json:"patience_anchor"`
	BestTrainLoss        Metric  `json:"best_train_loss"`
	BestValidLoss        Metric  `json:"best_valid_loss"`
	BestTestLoss         Metric  `json:"best_test_loss"`
	BestValidAccuracy    Metric  `json:"best_valid_accuracy"`
	BestTestAccuracy     Metric  `json:"best_test_accuracy"`
	BestTrainDetermLoss  Metric  `json:"best_train_determ_loss"`
	TrainLossEpoch       int     `json:"train_loss_epoch,omitempty"`
	ValidLossEpoch       int     `json:"valid_loss_epoch,omitempty"`
	TestLossEpoch        int     `json:"test_loss_epoch,omitempty"`
	ValidAccuracyEpoch   int     `json:"valid_accuracy_epoch,omitempty"`
	TestAccuracyEpoch    int     `json:"test_accuracy_epoch,omitempty"`
	TrainDetermLossEpoch int     `json:"train_determ_loss_epoch,omitempty"`
	Status               string  `json:"status"`
}

// Hyperparameters records the run configuration
type Hyperparameters struct {
	LearningRate float64           `json:"learning_rate"`
	Momentum     float64           `json:"momentum"`
	WeightDecay  float64           `json:"weight_decay"`
	BatchSize    int               `json:"batch_size"`
	Patience     int               `json:"patience"`
	TestEvery    int               `json:"test_every"`
	MaxEpochs    int               `json:"max_epochs"`
	RateDecay    float64           `json:"rate_decay"`
	ShockRate    float64           `json:"shock_rate"`
	ShockNoise   float64           `json:"shock_noise"`
	DataPerLabel int               `json:"data_per_label"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Normalization is the input transform (x/Normalizer - Mean)/Std the
// weights were trained with
type Normalization struct {
	Normalizer float32   `json:"normalizer"`
	Mean       []float32 `json:"mean,omitempty"`
	Std        float32   `json:"std"`
}

// OptimizerState captures optimizer-specific state (momentum buffers)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents an optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Validate checks that every tensor's data matches its shape
func (c *Checkpoint) Validate() error {
	for _, w := range c.Weights {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CheckpointSaver reads and writes checkpoints in one format
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint to path. The previous file, if any,
// is replaced atomically: readers see either the old or the new artifact.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "reidtrain"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalProto(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrapf(err, "encode checkpoint as %s", cs.format)
	}

	return writeAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint. A missing file yields ErrMissing and
// an undecodable one ErrCorrupt.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrMissing, "%s", path)
		}
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatJSON:
		err = json.Unmarshal(data, &checkpoint)
	case FormatProto:
		err = unmarshalProto(data, &checkpoint)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}

	return &checkpoint, nil
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temporary checkpoint")
	}
	tmpName := tmp.Name()

	cleanup := func(cause error) error {
		tmp.Close()
		os.Remove(tmpName)
		return cause
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(errors.Wrap(err, "write checkpoint"))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(errors.Wrap(err, "sync checkpoint"))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, fmt.Sprintf("move checkpoint into place at %s", path))
	}
	return nil
}
