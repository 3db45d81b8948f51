// Package augment implements online data augmentation for image batches:
// random affine warps, label-aware flips and pair-consistent transforms
// for siamese data.
package augment

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/async"
	"github.com/reidnet/reidtrain/vision/dataset"
)

// Augmenter transforms a batch in place. x holds the examples, y the labels
// (one per example group); implementations must not change the shape of x
// or the length of y.
type Augmenter interface {
	Augment(x *dataset.Images, y []float32, rng *rand.Rand) error
}

// AugmenterFunc adapts a function to the Augmenter interface
type AugmenterFunc func(x *dataset.Images, y []float32, rng *rand.Rand) error

// Augment calls f
func (f AugmenterFunc) Augment(x *dataset.Images, y []float32, rng *rand.Rand) error {
	return f(x, y, rng)
}

// Pipeline runs augmenters in order
type Pipeline []Augmenter

// Augment applies every step to the batch, stopping at the first error
func (p Pipeline) Augment(x *dataset.Images, y []float32, rng *rand.Rand) error {
	for i, step := range p {
		if err := step.Augment(x, y, rng); err != nil {
			return errors.Wrapf(err, "augment step %d", i)
		}
	}
	return nil
}

// Parallel runs an augmenter over label-aligned chunks of the batch on a
// worker pool. Every chunk is copied, augmented with its own RNG derived from
// the caller's and written back to its original position, so the output
// order matches the input order.
type Parallel struct {
	Pool         *async.Pool
	Inner        Augmenter
	DataPerLabel int
}

// NewParallel wraps inner with a pool of the given size
func NewParallel(inner Augmenter, dataPerLabel, workers int) *Parallel {
	if dataPerLabel <= 0 {
		dataPerLabel = 1
	}
	return &Parallel{
		Pool:         async.NewPool(workers),
		Inner:        inner,
		DataPerLabel: dataPerLabel,
	}
}

// Augment implements Augmenter
func (p *Parallel) Augment(x *dataset.Images, y []float32, rng *rand.Rand) error {
	dpl := p.DataPerLabel
	if x.N != len(y)*dpl {
		return errors.Wrapf(dataset.ErrDataShape, "parallel augment: %d examples for %d labels at %d per label",
			x.N, len(y), dpl)
	}
	size := x.ExampleSize()

	return p.Pool.Run(x.N, dpl, rng, func(c async.Chunk, chunkRng *rand.Rand) error {
		sub := dataset.Images{
			Data:   append([]float32(nil), x.Data[c.Start*size:c.End*size]...),
			N:      c.Len(),
			C:      x.C,
			H:      x.H,
			W:      x.W,
			Domain: x.Domain,
		}
		labels := append([]float32(nil), y[c.Start/dpl:c.End/dpl]...)

		if err := p.Inner.Augment(&sub, labels, chunkRng); err != nil {
			return err
		}
		if sub.N != c.Len() || sub.C != x.C || sub.H != x.H || sub.W != x.W || len(sub.Data) != c.Len()*size {
			return errors.Wrapf(dataset.ErrDataShape, "augmenter changed chunk shape to %v", sub.Shape())
		}
		if len(labels) != c.Len()/dpl {
			return errors.Wrapf(dataset.ErrDataShape, "augmenter changed label count to %d", len(labels))
		}

		copy(x.Data[c.Start*size:c.End*size], sub.Data)
		copy(y[c.Start/dpl:c.End/dpl], labels)
		return nil
	})
}
