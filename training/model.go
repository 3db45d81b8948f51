package training

import (
	"github.com/reidnet/reidtrain/checkpoints"
	"github.com/reidnet/reidtrain/optimizer"
	"github.com/reidnet/reidtrain/vision/dataloader"
)

// Model is the compiled network the trainer drives. Implementations own
// their parameters and update rule.
type Model interface {
	// Name identifies the architecture in checkpoints
	Name() string

	// Forward evaluates a batch without updating parameters
	Forward(b *dataloader.Batch) (loss, accuracy float64, err error)

	// Backward evaluates a batch and takes one update step at the given
	// learning rate, returning the loss before the step
	Backward(b *dataloader.Batch, learningRate float64) (loss float64, err error)

	// Params returns a copy of the current parameters
	Params() []checkpoints.WeightTensor

	// SetParams replaces the parameters; shapes must match Params
	SetParams(weights []checkpoints.WeightTensor) error

	// DataPerLabel is the number of examples that share one label
	DataPerLabel() int
}

// Augmenter is the optional model capability applied to training batches
type Augmenter = dataloader.Augmenter

// Optimized is implemented by models whose update rule is an
// optimizer.Optimizer. The trainer checkpoints and restores its state and
// clears its momentum after a shock.
type Optimized interface {
	Optimizer() optimizer.Optimizer
}
