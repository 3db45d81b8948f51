// Package config loads the YAML run configuration for reidtrain and
// converts it into the typed settings of the training packages.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/reidnet/reidtrain/async"
	"github.com/reidnet/reidtrain/checkpoints"
	"github.com/reidnet/reidtrain/optimizer"
	"github.com/reidnet/reidtrain/training"
	"github.com/reidnet/reidtrain/vision/augment"
	"github.com/reidnet/reidtrain/vision/dataset"
)

// Model names
const (
	ModelSoftmax = "softmax"
	ModelSiamese = "siamese"
)

// Learning rate schedules
const (
	SchedulePatience = "patience" // decay after patience epochs without a new best
	ScheduleConstant = "constant"
)

// Config captures the knobs of a training run
type Config struct {
	Data       DataConfig       `yaml:"data"`
	Split      SplitConfig      `yaml:"split"`
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Augment    AugmentConfig    `yaml:"augment"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// DataConfig locates the input and describes its normalisation
type DataConfig struct {
	DataPath     string  `yaml:"data_path"`   // examples .npy
	LabelsPath   string  `yaml:"labels_path"` // labels .npy
	ImageRoot    string  `yaml:"image_root"`  // class-per-directory images, used when data_path is empty
	Layout       string  `yaml:"layout"`      // NCHW or NHWC
	DataPerLabel int     `yaml:"data_per_label"`
	ImageSize    int     `yaml:"image_size"` // resize target for image_root
	Channels     int     `yaml:"channels"`   // 1 or 3 for image_root
	Normalizer   float32 `yaml:"normalizer"`
	Center       bool    `yaml:"center"` // subtract the per-pixel training mean
	Std          float32 `yaml:"std"`
}

// SplitConfig mirrors dataset.SplitConfig
type SplitConfig struct {
	Valid float64 `yaml:"valid"`
	Test  float64 `yaml:"test"`
	Seed  int64   `yaml:"seed"`
}

// ModelConfig selects and sizes the network
type ModelConfig struct {
	Name          string  `yaml:"name"`
	NumClasses    int     `yaml:"num_classes"` // 0 infers from the labels
	EmbeddingSize int     `yaml:"embedding_size"`
	Margin        float64 `yaml:"margin"`
	InitScale     float64 `yaml:"init_scale"`
	Seed          int64   `yaml:"seed"`
}

// TrainingConfig holds the optimiser and schedule settings
type TrainingConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	Nesterov     bool    `yaml:"nesterov"`
	WeightDecay  float64 `yaml:"weight_decay"`
	BatchSize    int     `yaml:"batch_size"`
	Schedule     string  `yaml:"schedule"`
	Patience     int     `yaml:"patience"`
	TestEvery    int     `yaml:"test_every"`
	MaxEpochs    int     `yaml:"max_epochs"`
	RateDecay    float64 `yaml:"rate_decay"`
	ShockRate    float64 `yaml:"shock_rate"`
	ShockNoise   float64 `yaml:"shock_noise"`
	CacheSize    int     `yaml:"cache_size"`
	Seed         int64   `yaml:"seed"`
}

// AffineConfig bounds the random warp; see augment.AffineRanges
type AffineConfig struct {
	ZoomMin   float64 `yaml:"zoom_min"`
	ZoomMax   float64 `yaml:"zoom_max"`
	MaxTheta  float64 `yaml:"max_theta"`
	MaxShear  float64 `yaml:"max_shear"`
	MaxTx     float64 `yaml:"max_tx"`
	MaxTy     float64 `yaml:"max_ty"`
	Flip      bool    `yaml:"flip"`
	Isotropic bool    `yaml:"isotropic"`
}

// AugmentConfig configures training-time augmentation
type AugmentConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Workers    int           `yaml:"workers"` // 0 picks the physical core count
	FlipProb   float64       `yaml:"flip_prob"`
	LabelPairs [][]int       `yaml:"label_pairs"` // labels swapped by a left-right flip
	Affine     *AffineConfig `yaml:"affine,omitempty"`
	RotateProb float64       `yaml:"rotate_prob"` // siamese pairs
	PairFlip   float64       `yaml:"pair_flip_prob"`
	WarpProb   float64       `yaml:"warp_prob"`
}

// CheckpointConfig locates the artifact
type CheckpointConfig struct {
	Path        string `yaml:"path"`
	Format      string `yaml:"format"` // json or proto; empty picks by extension
	Resume      string `yaml:"resume"` // checkpoint to start from
	WeightsOnly bool   `yaml:"weights_only"`
}

// Overrides captures CLI supplied values
type Overrides struct {
	DataPath       string
	LabelsPath     string
	ImageRoot      string
	Model          string
	MaxEpochs      int
	BatchSize      int
	LearningRate   float64
	Schedule       string
	Workers        int
	Seed           int64
	CheckpointPath string
	Resume         string
}

// Default returns the documented defaults
func Default() *Config {
	pairs := augment.DefaultViewpointLabelMap().Pairs()
	labelPairs := make([][]int, len(pairs))
	for i, p := range pairs {
		labelPairs[i] = []int{p[0], p[1]}
	}
	split := dataset.DefaultSplitConfig()
	paired := augment.DefaultPairedConfig()

	return &Config{
		Data: DataConfig{
			Layout:       dataset.NCHW.String(),
			DataPerLabel: 1,
			ImageSize:    64,
			Channels:     3,
			Normalizer:   255,
			Center:       true,
			Std:          1,
		},
		Split: SplitConfig{Valid: split.ValidFraction, Test: split.TestFraction, Seed: split.Seed},
		Model: ModelConfig{
			Name:          ModelSoftmax,
			EmbeddingSize: 16,
			Margin:        1,
			InitScale:     0.01,
			Seed:          1,
		},
		Training: TrainingConfig{
			LearningRate: 0.01,
			Momentum:     0.9,
			Nesterov:     true,
			BatchSize:    128,
			Schedule:     SchedulePatience,
			Patience:     10,
			TestEvery:    5,
			MaxEpochs:    100,
			RateDecay:    0.1,
			ShockRate:    2,
			ShockNoise:   0.01,
			CacheSize:    4096,
			Seed:         1,
		},
		Augment: AugmentConfig{
			Enabled:    true,
			FlipProb:   0.5,
			LabelPairs: labelPairs,
			RotateProb: paired.RotateProb,
			PairFlip:   paired.FlipProb,
			WarpProb:   0.7,
		},
		Checkpoint: CheckpointConfig{Path: "best.json"},
	}
}

// Load reads a YAML file over the defaults. Callers validate after
// applying overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyOverrides updates c using any non-zero override
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataPath != "" {
		c.Data.DataPath = o.DataPath
	}
	if o.LabelsPath != "" {
		c.Data.LabelsPath = o.LabelsPath
	}
	if o.ImageRoot != "" {
		c.Data.ImageRoot = o.ImageRoot
	}
	if o.Model != "" {
		c.Model.Name = o.Model
	}
	if o.MaxEpochs > 0 {
		c.Training.MaxEpochs = o.MaxEpochs
	}
	if o.BatchSize > 0 {
		c.Training.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.Training.LearningRate = o.LearningRate
	}
	if o.Schedule != "" {
		c.Training.Schedule = o.Schedule
	}
	if o.Workers > 0 {
		c.Augment.Workers = o.Workers
	}
	if o.Seed != 0 {
		c.Training.Seed = o.Seed
		c.Split.Seed = o.Seed
		c.Model.Seed = o.Seed
	}
	if o.CheckpointPath != "" {
		c.Checkpoint.Path = o.CheckpointPath
	}
	if o.Resume != "" {
		c.Checkpoint.Resume = o.Resume
	}
}

// Validate verifies the config is runnable
func (c *Config) Validate() error {
	if c.Data.DataPath == "" && c.Data.ImageRoot == "" {
		return errors.New("data_path or image_root is required")
	}
	if c.Data.DataPath != "" && c.Data.LabelsPath == "" {
		return errors.New("labels_path is required with data_path")
	}
	if _, err := dataset.ParseLayout(c.Data.Layout); err != nil {
		return err
	}
	if c.Data.Normalizer <= 0 || c.Data.Std <= 0 {
		return errors.Errorf("normalizer and std must be > 0, got %v and %v", c.Data.Normalizer, c.Data.Std)
	}
	if c.Data.ImageRoot != "" && c.Data.DataPath == "" {
		if c.Data.ImageSize <= 0 || (c.Data.Channels != 1 && c.Data.Channels != 3) {
			return errors.Errorf("image_root needs image_size > 0 and 1 or 3 channels")
		}
		if c.Data.DataPerLabel != 1 {
			return errors.New("image_root only supports data_per_label 1")
		}
	}

	switch c.Model.Name {
	case ModelSoftmax:
		if c.Data.DataPerLabel != 1 {
			return errors.Errorf("model %s needs data_per_label 1, got %d", c.Model.Name, c.Data.DataPerLabel)
		}
	case ModelSiamese:
		if c.Data.DataPerLabel != 2 {
			return errors.Errorf("model %s needs data_per_label 2, got %d", c.Model.Name, c.Data.DataPerLabel)
		}
		if c.Model.EmbeddingSize <= 0 || c.Model.Margin <= 0 {
			return errors.New("siamese needs embedding_size and margin > 0")
		}
	default:
		return errors.Errorf("unknown model %q", c.Model.Name)
	}

	if c.Split.Valid <= 0 || c.Split.Valid >= 1 || c.Split.Test < 0 || c.Split.Test >= 1 {
		return errors.Errorf("split fractions out of range: valid %v, test %v", c.Split.Valid, c.Split.Test)
	}
	if _, err := c.SGDConfig(); err != nil {
		return err
	}
	if err := c.TrainerConfig(nil).Validate(); err != nil {
		return err
	}
	if _, err := c.Scheduler(); err != nil {
		return err
	}

	for _, p := range []float64{c.Augment.FlipProb, c.Augment.RotateProb, c.Augment.PairFlip, c.Augment.WarpProb} {
		if p < 0 || p > 1 {
			return errors.Errorf("augmentation probability %v out of [0, 1]", p)
		}
	}
	if c.Augment.Workers < 0 {
		return errors.Errorf("workers cannot be negative, got %d", c.Augment.Workers)
	}
	if _, err := c.LabelMap(); err != nil {
		return err
	}
	if err := c.AffineRanges().Validate(); err != nil {
		return errors.Wrap(err, "augment.affine")
	}
	if _, err := c.CheckpointFormat(); err != nil {
		return err
	}
	return nil
}

// LoadOptions returns the .npy loading options
func (c *Config) LoadOptions() dataset.LoadOptions {
	layout, _ := dataset.ParseLayout(c.Data.Layout)
	return dataset.LoadOptions{Layout: layout, DataPerLabel: c.Data.DataPerLabel}
}

// SplitConfig returns the dataset partition settings
func (c *Config) SplitConfig() dataset.SplitConfig {
	return dataset.SplitConfig{ValidFraction: c.Split.Valid, TestFraction: c.Split.Test, Seed: c.Split.Seed}
}

// SGDConfig returns the validated optimiser settings
func (c *Config) SGDConfig() (optimizer.SGDConfig, error) {
	cfg := optimizer.SGDConfig{
		LearningRate: c.Training.LearningRate,
		Momentum:     c.Training.Momentum,
		WeightDecay:  c.Training.WeightDecay,
		Nesterov:     c.Training.Nesterov && c.Training.Momentum > 0,
	}
	return cfg, errors.Wrap(cfg.Validate(), "training")
}

// TrainerConfig returns the loop settings. mean is the centering mean
// computed from the training split, or nil.
func (c *Config) TrainerConfig(mean []float32) training.Config {
	t := c.Training
	format, _ := c.CheckpointFormat()
	return training.Config{
		LearningRate: t.LearningRate,
		Momentum:     t.Momentum,
		WeightDecay:  t.WeightDecay,
		BatchSize:    t.BatchSize,
		Patience:     t.Patience,
		TestEvery:    t.TestEvery,
		MaxEpochs:    t.MaxEpochs,
		RateDecay:    t.RateDecay,
		ShockRate:    t.ShockRate,
		ShockNoise:   t.ShockNoise,
		Normalization: checkpoints.Normalization{
			Normalizer: c.Data.Normalizer,
			Mean:       mean,
			Std:        c.Data.Std,
		},
		CacheSize: t.CacheSize,
		Seed:      t.Seed,
		Checkpoint: training.CheckpointConfig{
			Path:     c.Checkpoint.Path,
			Format:   format,
			SaveBest: true,
		},
		Extra: map[string]string{"model": c.Model.Name},
	}
}

// Scheduler returns the learning rate schedule. An empty name selects the
// patience schedule.
func (c *Config) Scheduler() (training.LRScheduler, error) {
	switch c.Training.Schedule {
	case "", SchedulePatience:
		s, err := training.NewPatienceScheduler(c.Training.Patience, training.Multiply(c.Training.RateDecay))
		if err != nil {
			return nil, errors.Wrap(err, "training")
		}
		return s, nil
	case ScheduleConstant:
		return &training.NoOpScheduler{}, nil
	}
	return nil, errors.Errorf("unknown schedule %q", c.Training.Schedule)
}

// CheckpointFormat resolves the configured or path-implied format
func (c *Config) CheckpointFormat() (checkpoints.CheckpointFormat, error) {
	if c.Checkpoint.Format == "" {
		return checkpoints.FormatForPath(c.Checkpoint.Path), nil
	}
	return checkpoints.ParseFormat(strings.ToLower(c.Checkpoint.Format))
}

// LabelMap builds the flip relabel table
func (c *Config) LabelMap() (augment.LabelMap, error) {
	pairs := make([][2]int, len(c.Augment.LabelPairs))
	for i, p := range c.Augment.LabelPairs {
		if len(p) != 2 {
			return nil, errors.Errorf("augment.label_pairs[%d] must have two labels, got %v", i, p)
		}
		pairs[i] = [2]int{p[0], p[1]}
	}
	m, err := augment.NewLabelMapFromPairs(pairs)
	if err != nil {
		return nil, errors.Wrap(err, "augment.label_pairs")
	}
	return m, nil
}

// AffineRanges returns the configured warp ranges, or the model's defaults
func (c *Config) AffineRanges() augment.AffineRanges {
	if a := c.Augment.Affine; a != nil {
		return augment.AffineRanges{
			ZoomMin:    a.ZoomMin,
			ZoomMax:    a.ZoomMax,
			MaxTheta:   a.MaxTheta,
			MaxShear:   a.MaxShear,
			MaxTx:      a.MaxTx,
			MaxTy:      a.MaxTy,
			EnableFlip: a.Flip,
			Isotropic:  a.Isotropic,
		}
	}
	if c.Model.Name == ModelSiamese {
		return augment.SiameseAffineRanges()
	}
	return augment.DefaultAffineRanges()
}

// Workers returns the augmentation worker count
func (c *Config) Workers() int {
	if c.Augment.Workers > 0 {
		return c.Augment.Workers
	}
	return async.DefaultWorkers()
}

// Augmenter builds the training augmentation for the configured model, or
// nil when augmentation is disabled. Classifier batches get a viewpoint
// flip with relabel followed by an affine perturbation; siamese batches get
// pair-consistent rotations, flips and warps.
func (c *Config) Augmenter() (augment.Augmenter, error) {
	if !c.Augment.Enabled {
		return nil, nil
	}
	ranges := c.AffineRanges()

	var pipeline augment.Pipeline
	switch c.Model.Name {
	case ModelSoftmax:
		m, err := c.LabelMap()
		if err != nil {
			return nil, err
		}
		pipeline = augment.Pipeline{
			augment.FlipRelabel{Prob: c.Augment.FlipProb, Map: m},
			augment.Affine{Ranges: ranges},
		}
	case ModelSiamese:
		pipeline = augment.Pipeline{
			augment.Paired{Config: augment.PairedConfig{RotateProb: c.Augment.RotateProb, FlipProb: c.Augment.PairFlip}},
			augment.PairedWarp{Ranges: ranges, Prob: c.Augment.WarpProb},
		}
	default:
		return nil, errors.Errorf("unknown model %q", c.Model.Name)
	}
	return augment.NewParallel(pipeline, c.Data.DataPerLabel, c.Workers()), nil
}
