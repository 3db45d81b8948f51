package training

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/reidnet/reidtrain/checkpoints"
	"github.com/reidnet/reidtrain/optimizer"
	"github.com/reidnet/reidtrain/vision/dataloader"
	"github.com/reidnet/reidtrain/vision/dataset"
)

// ErrDiverged is returned when the training loss stops being finite
var ErrDiverged = errors.New("training diverged")

// errInterrupted abandons the current pass
var errInterrupted = errors.New("interrupted")

// Config holds the training loop hyperparameters
type Config struct {
	LearningRate float64
	Momentum     float64 // recorded in checkpoints; the model's optimizer applies it
	WeightDecay  float64 // recorded in checkpoints; the model's optimizer applies it
	BatchSize    int     // labels per batch
	Patience     int     // epochs without improvement before the rate update
	TestEvery    int     // evaluate the test split every TestEvery epochs
	MaxEpochs    int
	RateDecay    float64 // multiplier applied when patience runs out
	ShockRate    float64 // multiplier applied to the rate after a shock
	ShockNoise   float64 // noise std relative to each tensor's std

	Normalization checkpoints.Normalization
	CacheSize     int // examples cached by the un-augmented iterators
	Seed          int64

	Checkpoint CheckpointConfig
	Extra      map[string]string
}

// DefaultConfig returns the standard schedule: rate 0.01 decayed 10x after
// 10 epochs without a better validation loss, test every 5 epochs.
func DefaultConfig() Config {
	return Config{
		LearningRate:  0.01,
		Momentum:      0.9,
		BatchSize:     128,
		Patience:      10,
		TestEvery:     5,
		MaxEpochs:     100,
		RateDecay:     0.1,
		ShockRate:     2.0,
		ShockNoise:    0.01,
		Normalization: checkpoints.Normalization{Normalizer: 255, Std: 1},
		CacheSize:     4096,
		Seed:          1,
		Checkpoint:    DefaultCheckpointConfig(),
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case !(c.LearningRate > 0):
		return errors.Errorf("learning rate must be > 0, got %v", c.LearningRate)
	case c.BatchSize <= 0:
		return errors.Errorf("batch size must be > 0, got %d", c.BatchSize)
	case c.Patience <= 0:
		return errors.Errorf("patience must be > 0, got %d", c.Patience)
	case c.TestEvery <= 0:
		return errors.Errorf("test_every must be > 0, got %d", c.TestEvery)
	case c.MaxEpochs <= 0:
		return errors.Errorf("max epochs must be > 0, got %d", c.MaxEpochs)
	case !(c.RateDecay > 0 && c.RateDecay < 1):
		return errors.Errorf("rate decay must be in (0, 1), got %v", c.RateDecay)
	case !(c.ShockRate > 0):
		return errors.Errorf("shock rate must be > 0, got %v", c.ShockRate)
	case c.ShockNoise < 0:
		return errors.Errorf("shock noise cannot be negative, got %v", c.ShockNoise)
	}
	return nil
}

// Option configures optional trainer collaborators
type Option func(*Trainer)

// WithLogger sets the logger used for events
func WithLogger(logger *log.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// WithTable prints the per-epoch table to out
func WithTable(out io.Writer) Option {
	return func(t *Trainer) { t.table = NewTable(out) }
}

// WithProgressBar draws a batch progress bar on out during training passes
func WithProgressBar(out io.Writer) Option {
	return func(t *Trainer) { t.barOut = out }
}

// WithScheduler replaces the default patience schedule
func WithScheduler(s LRScheduler) Option {
	return func(t *Trainer) {
		if s != nil {
			t.scheduler = s
		}
	}
}

// WithObserver adds an observer of every epoch's Progress. Observers run in
// the order they were added.
func WithObserver(o Observer) Option {
	return func(t *Trainer) {
		prev := t.observer
		if prev == nil {
			t.observer = o
			return
		}
		t.observer = func(p Progress) {
			prev(p)
			o(p)
		}
	}
}

// WithInterrupts polls source between batches and asks resolver what to do
// when it fires. A nil resolver is allowed when source is itself a Resolver.
func WithInterrupts(source InterruptSource, resolver Resolver) Option {
	return func(t *Trainer) {
		t.interrupts = source
		t.resolver = resolver
		if resolver == nil {
			if r, ok := source.(Resolver); ok {
				t.resolver = r
			}
		}
	}
}

// Trainer runs the epoch loop for one model over fixed splits
type Trainer struct {
	config Config
	model  Model

	train       *dataloader.Iterator
	trainDeterm *dataloader.Iterator
	valid       *dataloader.Iterator
	test        *dataloader.Iterator

	scheduler   LRScheduler
	shockUpdate RateUpdate
	state       *State
	rng         *rand.Rand
	checkpoints *CheckpointManager

	interrupts InterruptSource
	resolver   Resolver
	observer   Observer
	table      *Table
	barOut     io.Writer
	logger     *log.Logger
}

// NewTrainer wires the iterators for splits. The training iterator shuffles
// and applies the model's augmentation when it has one; validation and test
// passes are deterministic. splits.Test may be nil.
func NewTrainer(model Model, splits *dataset.Splits, config Config, opts ...Option) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training config")
	}
	if model == nil || splits == nil || splits.Train == nil || splits.Valid == nil {
		return nil, errors.New("trainer needs a model and train/valid splits")
	}
	for name, ds := range map[string]*dataset.Dataset{"train": splits.Train, "valid": splits.Valid, "test": splits.Test} {
		if ds != nil && ds.DataPerLabel != model.DataPerLabel() {
			return nil, errors.Wrapf(dataset.ErrDataShape, "%s split has %d examples per label, model %s expects %d",
				name, ds.DataPerLabel, model.Name(), model.DataPerLabel())
		}
	}

	scheduler, err := NewPatienceScheduler(config.Patience, Multiply(config.RateDecay))
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		config:      config,
		model:       model,
		scheduler:   scheduler,
		shockUpdate: Multiply(config.ShockRate),
		state:       newState(config.LearningRate),
		rng:         rand.New(rand.NewSource(config.Seed)),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = log.Default()
	}
	if t.interrupts != nil && t.resolver == nil {
		return nil, errors.New("interrupt source configured without a resolver")
	}
	t.checkpoints = NewCheckpointManager(config.Checkpoint, t.logger)

	base := dataloader.Options{
		BatchSize:  config.BatchSize,
		Normalizer: config.Normalization.Normalizer,
		Mean:       config.Normalization.Mean,
		Std:        config.Normalization.Std,
		Rand:       t.rng,
		CacheSize:  config.CacheSize,
	}

	trainOpts := base
	trainOpts.Shuffle = true
	if aug, ok := model.(Augmenter); ok {
		trainOpts.Augment = aug
	}
	if t.train, err = dataloader.NewIterator(splits.Train, trainOpts); err != nil {
		return nil, errors.Wrap(err, "train iterator")
	}
	if t.trainDeterm, err = dataloader.NewIterator(splits.Train, base); err != nil {
		return nil, errors.Wrap(err, "train iterator")
	}
	if t.valid, err = dataloader.NewIterator(splits.Valid, base); err != nil {
		return nil, errors.Wrap(err, "valid iterator")
	}
	if splits.Test != nil && splits.Test.Len() > 0 {
		if t.test, err = dataloader.NewIterator(splits.Test, base); err != nil {
			return nil, errors.Wrap(err, "test iterator")
		}
	}
	return t, nil
}

// State returns the live training state
func (t *Trainer) State() *State {
	return t.state
}

// BestWeights returns a deep copy of the best snapshot
func (t *Trainer) BestWeights() []checkpoints.WeightTensor {
	return t.state.BestWeights()
}

// LearningRate returns the current learning rate
func (t *Trainer) LearningRate() float64 {
	return t.state.LearningRate
}

// CacheStats reports the example caches of the deterministic train, valid
// and test passes, keyed by split name
func (t *Trainer) CacheStats() map[string]dataloader.CacheStats {
	stats := map[string]dataloader.CacheStats{
		"train": t.trainDeterm.Stats(),
		"valid": t.valid.Stats(),
	}
	if t.test != nil {
		stats["test"] = t.test.Stats()
	}
	return stats
}

// Resume restores a checkpoint. With weightsOnly the parameters are loaded
// as a warm start and the schedule starts fresh; otherwise the epoch,
// learning rate, patience anchor, best metrics and best snapshot are
// restored too.
func (t *Trainer) Resume(ckpt *checkpoints.Checkpoint, weightsOnly bool) error {
	if ckpt == nil {
		return errors.New("nil checkpoint")
	}
	if err := checkpoints.MatchWeights(t.model.Params(), ckpt.Weights); err != nil {
		return errors.Wrapf(err, "checkpoint does not fit model %s", t.model.Name())
	}
	if err := t.model.SetParams(checkpoints.CloneWeights(ckpt.Weights)); err != nil {
		return errors.Wrap(err, "restore weights")
	}
	if weightsOnly {
		t.logger.Printf("Loaded %d pretrained tensors from %s checkpoint", len(ckpt.Weights), ckpt.Model)
		return nil
	}

	t.state.restore(ckpt.TrainingState)
	t.state.Status = Running
	t.state.snapshot(ckpt.Weights)
	t.scheduler.Reset(ckpt.TrainingState.PatienceAnchor)

	if opt := t.updateRule(); opt != nil && ckpt.OptimizerState != nil {
		if err := opt.LoadState(ckpt.OptimizerState); err != nil {
			return errors.Wrap(err, "restore optimizer state")
		}
	}
	if !sameNormalization(ckpt.Normalization, t.config.Normalization) {
		t.logger.Printf("Warning: checkpoint normalization differs from the configured one")
	}
	t.logger.Printf("Resumed at epoch %d (best epoch %d, lr %.2e)", t.state.Epoch, t.state.BestEpoch, t.state.LearningRate)
	return nil
}

// Run trains until MaxEpochs epochs have completed, the operator stops the
// run or the loss diverges. The best snapshot is saved on every new best,
// on request and when the run ends, except on divergence.
func (t *Trainer) Run() (Status, error) {
	if t.table != nil {
		t.table.Header()
	}
	t.logger.Printf("Training %s: %d train, %d valid labels, %d batches per epoch, lr %.2e, schedule %s",
		t.model.Name(), t.train.Len(), t.valid.Len(), t.train.NumBatches(), t.state.LearningRate, t.scheduler.GetName())

	t.state.Status = Running
	for t.state.Epoch < t.config.MaxEpochs {
		if t.interrupted() {
			if stop, err := t.resolve(); stop || err != nil {
				return t.state.Status, err
			}
			continue
		}

		err := t.runEpoch(t.state.Epoch + 1)
		switch {
		case errors.Is(err, errInterrupted):
			if stop, err := t.resolve(); stop || err != nil {
				return t.state.Status, err
			}
		case errors.Is(err, ErrDiverged):
			t.state.Status = Diverged
			return Diverged, err
		case err != nil:
			return t.state.Status, err
		}
	}

	t.state.Status = Converged
	t.logger.Printf("Reached %d epochs; best valid loss %.6f at epoch %d",
		t.config.MaxEpochs, t.state.ValidLoss.Best, t.state.BestEpoch)
	if opt := t.updateRule(); opt != nil {
		t.logger.Printf("%d optimizer steps, final lr %.2e", opt.GetStepCount(), opt.LearningRate())
	}
	stats := t.CacheStats()
	for _, name := range []string{"train", "valid", "test"} {
		if s, ok := stats[name]; ok && s.Capacity > 0 {
			t.logger.Printf("%s %s", name, s)
		}
	}
	if err := t.save("converged"); err != nil {
		return Converged, err
	}
	return Converged, nil
}

// runEpoch performs one epoch in the fixed order: augmented training pass,
// validation pass, divergence check, optional test pass, best trackers,
// learning rate schedule, progress record.
func (t *Trainer) runEpoch(epoch int) error {
	start := time.Now()

	trainLoss, err := t.trainPass(epoch)
	if err != nil {
		return err
	}
	validLoss, validAcc, err := t.evaluate(t.valid)
	if err != nil {
		return errors.Wrap(err, "validation pass")
	}

	if math.IsNaN(trainLoss) || math.IsInf(trainLoss, 0) {
		t.state.Epoch = epoch
		t.logger.Printf("Training loss is %v at epoch %d; best weights are from epoch %d", trainLoss, epoch, t.state.BestEpoch)
		return errors.Wrapf(ErrDiverged, "epoch %d", epoch)
	}

	// the new best is decided on the validation loss alone
	bestValid := validLoss < t.state.ValidLoss.Best

	// held-out and unaugmented train losses are measured together, on the
	// cadence and on every new best
	testLoss, testAcc, determLoss := math.NaN(), math.NaN(), math.NaN()
	if epoch%t.config.TestEvery == 0 || bestValid {
		if t.test != nil {
			if testLoss, testAcc, err = t.evaluate(t.test); err != nil {
				return errors.Wrap(err, "test pass")
			}
		}
		if determLoss, _, err = t.evaluate(t.trainDeterm); err != nil {
			return errors.Wrap(err, "deterministic train pass")
		}
	}

	t.state.Epoch = epoch
	t.state.TrainLoss.Update(trainLoss, epoch)
	t.state.TrainDetermLoss.Update(determLoss, epoch)
	t.state.ValidAccuracy.Update(validAcc, epoch)
	t.state.TestLoss.Update(testLoss, epoch)
	t.state.TestAccuracy.Update(testAcc, epoch)
	if t.state.ValidLoss.Update(validLoss, epoch) {
		t.state.BestEpoch = epoch
		t.state.snapshot(t.model.Params())
		t.scheduler.Reset(epoch)
	}

	lr, changed := t.scheduler.Step(epoch, t.state.LearningRate)
	if changed {
		t.logger.Printf("%s schedule: learning rate %.2e -> %.2e", t.scheduler.GetName(), t.state.LearningRate, lr)
		t.state.LearningRate = lr
	}

	p := Progress{
		Epoch:         epoch,
		Elapsed:       time.Since(start),
		TrainLoss:     trainLoss,
		ValidLoss:     validLoss,
		ValidAccuracy: validAcc,
		TestLoss:      testLoss,
		TestAccuracy:  testAcc,
		LearningRate:  t.state.LearningRate,
		BestValid:     bestValid,
		RateChanged:   changed,
	}
	if t.table != nil {
		t.table.Row(p)
	}
	if t.observer != nil {
		t.observer(p)
	}

	if bestValid && t.config.Checkpoint.SaveBest {
		return t.save("best valid loss")
	}
	return nil
}

// trainPass runs one augmented pass and returns the mean batch loss
func (t *Trainer) trainPass(epoch int) (float64, error) {
	var bar *ProgressBar
	if t.barOut != nil {
		bar = NewProgressBar(t.barOut, fmt.Sprintf("Epoch %d/%d", epoch, t.config.MaxEpochs), t.train.NumBatches())
		defer bar.Finish()
	}

	losses := make([]float64, 0, t.train.NumBatches())
	pass := t.train.Epoch()
	for {
		if t.interrupted() {
			return 0, errInterrupted
		}
		b, ok, err := pass.Next()
		if err != nil {
			return 0, errors.Wrapf(err, "training pass, epoch %d", epoch)
		}
		if !ok {
			break
		}
		loss, err := t.model.Backward(b, t.state.LearningRate)
		if err != nil {
			return 0, errors.Wrapf(err, "backward, epoch %d batch %d", epoch, b.Index)
		}
		losses = append(losses, loss)
		if bar != nil {
			bar.Update(len(losses), stat.Mean(losses, nil))
		}
	}
	if len(losses) == 0 {
		return 0, errors.New("empty training pass")
	}
	return stat.Mean(losses, nil), nil
}

// evaluate runs a deterministic pass and returns mean loss and accuracy
func (t *Trainer) evaluate(it *dataloader.Iterator) (float64, float64, error) {
	losses := make([]float64, 0, it.NumBatches())
	accs := make([]float64, 0, it.NumBatches())
	pass := it.Epoch()
	for {
		b, ok, err := pass.Next()
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			break
		}
		loss, acc, err := t.model.Forward(b)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "forward, batch %d", b.Index)
		}
		losses = append(losses, loss)
		accs = append(accs, acc)
	}
	if len(losses) == 0 {
		return math.NaN(), math.NaN(), nil
	}
	return stat.Mean(losses, nil), stat.Mean(accs, nil), nil
}

func (t *Trainer) interrupted() bool {
	return t.interrupts != nil && t.interrupts.Interrupted()
}

// resolve asks the resolver what to do and applies it. It reports whether
// the run must end.
func (t *Trainer) resolve() (bool, error) {
	r, err := t.resolver.Resolve()
	if err != nil {
		return true, errors.Wrap(err, "resolve interrupt")
	}
	t.logger.Printf("Interrupt at epoch %d resolved: %s", t.state.Epoch, r)

	switch r {
	case ResolutionShock:
		if err := t.shock(); err != nil {
			return true, err
		}
		// momentum built up on the old weights would undo the noise
		if opt := t.updateRule(); opt != nil {
			opt.Reset()
		}
		t.scheduler.Reset(t.state.Epoch)
		lr := t.shockUpdate(t.state.LearningRate)
		t.logger.Printf("Shocked weights, learning rate %.2e -> %.2e", t.state.LearningRate, lr)
		t.state.LearningRate = lr
		return false, nil
	case ResolutionSave:
		return false, t.save("user request")
	case ResolutionStop:
		t.state.Status = UserStopped
		return true, t.save("user stop")
	}
	return true, errors.Errorf("unknown resolution %d", int(r))
}

// shock adds Gaussian noise to the current weights. Each tensor's noise std
// is ShockNoise times the tensor's own std, or ShockNoise for constant
// tensors.
func (t *Trainer) shock() error {
	weights := t.model.Params()
	for i := range weights {
		data := weights[i].Data
		values := make([]float64, len(data))
		for j, v := range data {
			values[j] = float64(v)
		}
		sigma := t.config.ShockNoise
		if len(values) > 1 {
			if std := stat.StdDev(values, nil); std > 0 {
				sigma *= std
			}
		}
		for j := range data {
			data[j] += float32(t.rng.NormFloat64() * sigma)
		}
	}
	return errors.Wrap(t.model.SetParams(weights), "shock weights")
}

// Checkpoint assembles the artifact for the best snapshot. Before the first
// snapshot the current weights are used.
func (t *Trainer) Checkpoint() (*checkpoints.Checkpoint, error) {
	weights := t.state.BestWeights()
	if weights == nil {
		weights = t.model.Params()
	}
	cfg := t.config
	ckpt := &checkpoints.Checkpoint{
		Model:         t.model.Name(),
		Weights:       weights,
		TrainingState: t.state.checkpointState(t.scheduler.Anchor()),
		Hyperparameters: checkpoints.Hyperparameters{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			BatchSize:    cfg.BatchSize,
			Patience:     cfg.Patience,
			TestEvery:    cfg.TestEvery,
			MaxEpochs:    cfg.MaxEpochs,
			RateDecay:    cfg.RateDecay,
			ShockRate:    cfg.ShockRate,
			ShockNoise:   cfg.ShockNoise,
			DataPerLabel: t.model.DataPerLabel(),
			Extra:        cfg.Extra,
		},
		Normalization: cfg.Normalization,
	}
	if opt := t.updateRule(); opt != nil {
		state, err := opt.GetState()
		if err != nil {
			return nil, errors.Wrap(err, "optimizer state")
		}
		ckpt.OptimizerState = state
	}
	return ckpt, nil
}

func (t *Trainer) save(reason string) error {
	if !t.checkpoints.Enabled() {
		return nil
	}
	ckpt, err := t.Checkpoint()
	if err != nil {
		return err
	}
	return errors.Wrap(t.checkpoints.Save(ckpt, reason), "save checkpoint")
}

// updateRule returns the model's update rule, or nil when it has none
func (t *Trainer) updateRule() optimizer.Optimizer {
	if m, ok := t.model.(Optimized); ok {
		return m.Optimizer()
	}
	return nil
}

// Saves returns how many checkpoints were written in this run
func (t *Trainer) Saves() int {
	return t.checkpoints.Saves()
}

func sameNormalization(a, b checkpoints.Normalization) bool {
	if a.Normalizer != b.Normalizer || a.Std != b.Std || len(a.Mean) != len(b.Mean) {
		return false
	}
	for i := range a.Mean {
		if a.Mean[i] != b.Mean[i] {
			return false
		}
	}
	return true
}
