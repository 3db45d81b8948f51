// reidtrain trains a viewpoint classifier or a siamese identity embedding on
// an image dataset, saving the best weights as a checkpoint. Press Ctrl-C
// during training to shock the weights, save or stop.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"syscall"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/checkpoints"
	"github.com/reidnet/reidtrain/config"
	"github.com/reidnet/reidtrain/models"
	"github.com/reidnet/reidtrain/training"
	"github.com/reidnet/reidtrain/vision/augment"
	"github.com/reidnet/reidtrain/vision/dataloader"
	"github.com/reidnet/reidtrain/vision/dataset"
	"github.com/reidnet/reidtrain/vision/preprocessing"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	dataPath := flag.String("data", "", "Override examples .npy")
	labelsPath := flag.String("labels", "", "Override labels .npy")
	imageRoot := flag.String("images", "", "Override class-per-directory image root")
	modelName := flag.String("model", "", "Override model (softmax or siamese)")
	epochs := flag.Int("epochs", 0, "Override max epochs")
	batchSize := flag.Int("batch-size", 0, "Override batch size")
	lr := flag.Float64("lr", 0, "Override initial learning rate")
	schedule := flag.String("schedule", "", "Override learning rate schedule (patience or constant)")
	workers := flag.Int("workers", 0, "Override augmentation workers")
	seed := flag.Int64("seed", 0, "Override every seed")
	output := flag.String("output", "", "Override checkpoint path")
	resume := flag.String("resume", "", "Checkpoint to resume from")
	weightsOnly := flag.Bool("weights-only", false, "Load only the weights of -resume")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective config and exit")
	progress := flag.Bool("progress", false, "Draw a per-batch progress bar on stderr")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	cfg.ApplyOverrides(config.Overrides{
		DataPath:       *dataPath,
		LabelsPath:     *labelsPath,
		ImageRoot:      *imageRoot,
		Model:          *modelName,
		MaxEpochs:      *epochs,
		BatchSize:      *batchSize,
		LearningRate:   *lr,
		Schedule:       *schedule,
		Workers:        *workers,
		Seed:           *seed,
		CheckpointPath: *output,
		Resume:         *resume,
	})
	if *weightsOnly {
		cfg.Checkpoint.WeightsOnly = true
	}

	if *dumpConfig {
		out, err := cfg.Marshal()
		if err != nil {
			log.Fatalf("encode config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	var bar io.Writer
	if *progress {
		bar = os.Stderr
	}
	if err := run(cfg, log.Default(), bar); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}

// run trains and evaluates one configuration. A non-nil progress writer
// receives the batch progress bar.
func run(cfg *config.Config, logger *log.Logger, progress io.Writer) error {
	ds, err := loadDataset(cfg, logger)
	if err != nil {
		return err
	}
	splits, err := dataset.Split(ds, cfg.SplitConfig())
	if err != nil {
		return errors.Wrap(err, "split dataset")
	}
	logger.Printf("split: train=%d valid=%d test=%d", splits.Train.Len(), splits.Valid.Len(), splits.Test.Len())

	ckpt, err := loadResume(cfg, logger)
	if err != nil {
		return err
	}

	mean, err := centeringMean(cfg, splits.Train, ckpt)
	if err != nil {
		return err
	}
	trainCfg := cfg.TrainerConfig(mean)

	aug, err := cfg.Augmenter()
	if err != nil {
		return err
	}
	model, err := buildModel(cfg, ds, aug)
	if err != nil {
		return err
	}
	scheduler, err := cfg.Scheduler()
	if err != nil {
		return err
	}

	var interrupts training.InterruptFlag
	stop := interrupts.Notify(os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []training.Option{
		training.WithLogger(logger),
		training.WithTable(os.Stdout),
		training.WithScheduler(scheduler),
		training.WithInterrupts(&interrupts, training.NewPromptResolver(os.Stdin, os.Stdout)),
	}
	if progress != nil {
		opts = append(opts, training.WithProgressBar(progress))
	}
	trainer, err := training.NewTrainer(model, splits, trainCfg, opts...)
	if err != nil {
		return err
	}
	if ckpt != nil {
		if err := trainer.Resume(ckpt, cfg.Checkpoint.WeightsOnly); err != nil {
			return err
		}
	}

	status, err := trainer.Run()
	logger.Printf("training finished: %s after %d epochs, %d checkpoints written",
		status, trainer.State().Epoch, trainer.Saves())
	if p, ok := aug.(*augment.Parallel); ok {
		logger.Printf("augmentation %s", p.Pool.Stats())
	}
	if err != nil {
		return err
	}

	if best := trainer.BestWeights(); best != nil {
		if err := model.SetParams(best); err != nil {
			return errors.Wrap(err, "restore best weights")
		}
	}
	return evaluate(model, splits, trainCfg, logger)
}

// loadResume reads the -resume checkpoint. A missing file starts the run
// cold; an unreadable one is an error.
func loadResume(cfg *config.Config, logger *log.Logger) (*checkpoints.Checkpoint, error) {
	if cfg.Checkpoint.Resume == "" {
		return nil, nil
	}
	mgr := training.NewCheckpointManager(training.CheckpointConfig{
		Path:   cfg.Checkpoint.Resume,
		Format: checkpoints.FormatForPath(cfg.Checkpoint.Resume),
	}, logger)
	ckpt, err := mgr.Load()
	if errors.Is(err, checkpoints.ErrMissing) {
		logger.Printf("no checkpoint at %s, starting from scratch", cfg.Checkpoint.Resume)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load resume checkpoint")
	}
	return ckpt, nil
}

func loadDataset(cfg *config.Config, logger *log.Logger) (*dataset.Dataset, error) {
	if cfg.Data.DataPath != "" {
		ds, err := dataset.LoadNpy(cfg.Data.DataPath, cfg.Data.LabelsPath, cfg.LoadOptions())
		if err != nil {
			return nil, err
		}
		logger.Printf("loaded %s", ds)
		return ds, nil
	}

	ds, classes, err := dataset.LoadImageFolder(cfg.Data.ImageRoot, cfg.Data.ImageSize, cfg.Data.Channels, cfg.Workers())
	if err != nil {
		return nil, err
	}
	hist := ds.LabelHistogram()
	for i, name := range classes {
		logger.Printf("class %d %-20s %d images", i, name, hist[i])
	}
	return ds, nil
}

// centeringMean prefers the mean a resumed checkpoint was trained with so
// the restored weights see the same inputs
func centeringMean(cfg *config.Config, train *dataset.Dataset, ckpt *checkpoints.Checkpoint) ([]float32, error) {
	size := train.Images.ExampleSize()
	if ckpt != nil && len(ckpt.Normalization.Mean) == size {
		return ckpt.Normalization.Mean, nil
	}
	if !cfg.Data.Center {
		return nil, nil
	}
	mean, err := preprocessing.CenteringMean(train.Images.Data, size, float64(cfg.Data.Normalizer))
	return mean, errors.Wrap(err, "training mean")
}

// numClasses covers every label in ds and every flip target
func numClasses(ds *dataset.Dataset, m augment.LabelMap) int {
	top := -1
	for l := range ds.LabelHistogram() {
		if l > top {
			top = l
		}
	}
	for k, v := range m {
		if k > top {
			top = k
		}
		if v > top {
			top = v
		}
	}
	return top + 1
}

func buildModel(cfg *config.Config, ds *dataset.Dataset, aug augment.Augmenter) (training.Model, error) {
	sgd, err := cfg.SGDConfig()
	if err != nil {
		return nil, err
	}
	size := ds.Images.ExampleSize()

	switch cfg.Model.Name {
	case config.ModelSiamese:
		return models.NewSiamese(models.SiameseConfig{
			InputSize:     size,
			EmbeddingSize: cfg.Model.EmbeddingSize,
			Margin:        cfg.Model.Margin,
			InitScale:     cfg.Model.InitScale,
			Seed:          cfg.Model.Seed,
			SGD:           sgd,
			Augment:       aug,
		})
	default:
		classes := cfg.Model.NumClasses
		if classes == 0 {
			m, err := cfg.LabelMap()
			if err != nil {
				return nil, err
			}
			if !cfg.Augment.Enabled {
				m = nil
			}
			classes = numClasses(ds, m)
		}
		return models.NewSoftmax(models.SoftmaxConfig{
			InputSize:  size,
			NumClasses: classes,
			InitScale:  cfg.Model.InitScale,
			Seed:       cfg.Model.Seed,
			SGD:        sgd,
			Augment:    aug,
		})
	}
}

// evaluate reports held-out quality of the best weights
func evaluate(model training.Model, splits *dataset.Splits, cfg training.Config, logger *log.Logger) error {
	target, name := splits.Test, "test"
	if target == nil || target.Len() == 0 {
		target, name = splits.Valid, "valid"
	}
	it, err := dataloader.NewIterator(target, dataloader.Options{
		BatchSize:  cfg.BatchSize,
		Normalizer: cfg.Normalization.Normalizer,
		Mean:       cfg.Normalization.Mean,
		Std:        cfg.Normalization.Std,
	})
	if err != nil {
		return err
	}

	switch m := model.(type) {
	case *models.Softmax:
		cm, err := m.Evaluate(it)
		if err != nil {
			return err
		}
		logger.Printf("%s accuracy %.4f, macro F1 %.4f", name, cm.Accuracy(), cm.MacroF1())
		for c := 0; c < cm.NumClasses; c++ {
			logger.Printf("  class %d recall %.4f precision %.4f", c, cm.ClassRecall(c), cm.ClassPrecision(c))
		}
	case *models.Siamese:
		auc, err := m.Evaluate(it)
		if err != nil {
			return err
		}
		logger.Printf("%s pair AUC %.4f", name, auc)
	}
	return nil
}
