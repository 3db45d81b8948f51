package dataloader

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/vision/dataset"
	"github.com/reidnet/reidtrain/vision/preprocessing"
)

// Augmenter transforms a normalised batch in place. It must preserve the
// number and shape of examples and the number of labels.
type Augmenter interface {
	Augment(x *dataset.Images, y []float32, rng *rand.Rand) error
}

// AugmentFunc adapts a function to the Augmenter interface
type AugmentFunc func(x *dataset.Images, y []float32, rng *rand.Rand) error

// Augment calls f
func (f AugmentFunc) Augment(x *dataset.Images, y []float32, rng *rand.Rand) error {
	return f(x, y, rng)
}

// Batch is one mini-batch. X holds len(Y)*DataPerLabel examples.
type Batch struct {
	X            dataset.Images
	Y            []float32
	DataPerLabel int
	Index        int
}

// Size returns the number of labels in the batch
func (b *Batch) Size() int {
	return len(b.Y)
}

// Options configures an Iterator
type Options struct {
	BatchSize  int        // labels per batch
	Normalizer float32    // raw values are divided by this; 0 means 1
	Mean       []float32  // per-pixel (or single) centering mean; nil disables centering
	Std        float32    // centering std; 0 means 1
	Shuffle    bool       // permute label groups on every pass
	Rand       *rand.Rand // drives shuffling and augmentation
	Augment    Augmenter  // applied once per batch after normalisation
	CacheSize  int        // normalised examples kept for un-augmented passes; 0 disables
}

// Iterator slices a dataset into normalised, optionally shuffled and
// augmented batches. Each call to Epoch starts a fresh pass.
type Iterator struct {
	ds   *dataset.Dataset
	opts Options
	norm preprocessing.Normalization

	mu    sync.Mutex
	cache *ExampleCache
}

// NewIterator validates the options against ds
func NewIterator(ds *dataset.Dataset, opts Options) (*Iterator, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", opts.BatchSize)
	}
	if opts.Normalizer == 0 {
		opts.Normalizer = 1
	}
	if opts.Std == 0 {
		opts.Std = 1
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	norm := preprocessing.Normalization{Normalizer: opts.Normalizer, Mean: opts.Mean, Std: opts.Std}
	if err := norm.Validate(ds.Images.ExampleSize()); err != nil {
		return nil, err
	}

	it := &Iterator{ds: ds, opts: opts, norm: norm}
	if opts.CacheSize > 0 && opts.Augment == nil {
		it.cache = NewExampleCache(opts.CacheSize, ds.Images.ExampleSize())
	}
	return it, nil
}

// NumBatches returns the number of batches in one pass, including the final
// partial batch
func (it *Iterator) NumBatches() int {
	n := it.ds.Len()
	return (n + it.opts.BatchSize - 1) / it.opts.BatchSize
}

// Len returns the number of labels covered by a pass
func (it *Iterator) Len() int {
	return it.ds.Len()
}

// Stats returns cache statistics, or the zero value when caching is off
func (it *Iterator) Stats() CacheStats {
	if it.cache == nil {
		return CacheStats{}
	}
	return it.cache.Stats()
}

// outputDomain is the pixel domain of normalised batches
func (it *Iterator) outputDomain() dataset.Domain {
	if it.opts.Normalizer == 1 && it.opts.Mean == nil {
		return it.ds.Images.Domain
	}
	return dataset.DomainFloat
}

// Pass is a single traversal of the dataset
type Pass struct {
	it       *Iterator
	order    []int
	position int
	index    int
}

// Epoch starts a new pass. With Shuffle set, label groups are permuted
// using the iterator's RNG.
func (it *Iterator) Epoch() *Pass {
	it.mu.Lock()
	defer it.mu.Unlock()

	n := it.ds.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if it.opts.Shuffle {
		it.opts.Rand.Shuffle(n, func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return &Pass{it: it, order: order}
}

// Next returns the next batch. The boolean is false once the pass is exhausted.
func (p *Pass) Next() (*Batch, bool, error) {
	it := p.it
	remaining := len(p.order) - p.position
	if remaining <= 0 {
		return nil, false, nil
	}

	batchSize := it.opts.BatchSize
	if remaining < batchSize {
		batchSize = remaining
	}
	groups := p.order[p.position : p.position+batchSize]
	p.position += batchSize

	b, err := it.build(groups, p.index)
	if err != nil {
		return nil, false, errors.Wrapf(err, "batch %d", p.index)
	}
	p.index++
	return b, true, nil
}

// build gathers, normalises and augments one batch
func (it *Iterator) build(groups []int, index int) (*Batch, error) {
	ds := it.ds
	dpl := ds.DataPerLabel
	size := ds.Images.ExampleSize()

	x := dataset.NewImages(len(groups)*dpl, ds.Images.C, ds.Images.H, ds.Images.W, it.outputDomain())
	y := make([]float32, len(groups))

	for bi, g := range groups {
		y[bi] = ds.Labels[g]
		for k := 0; k < dpl; k++ {
			src := g*dpl + k
			dst := x.Example(bi*dpl + k)
			if err := it.loadExample(src, dst, size); err != nil {
				return nil, err
			}
		}
	}

	if it.opts.Augment != nil {
		shape := x.Shape()
		labels := len(y)

		it.mu.Lock()
		err := it.opts.Augment.Augment(&x, y, it.opts.Rand)
		it.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(err, "augment")
		}

		if x.N != shape[0] || x.C != shape[1] || x.H != shape[2] || x.W != shape[3] || len(x.Data) != x.N*size || len(y) != labels {
			return nil, errors.Wrapf(dataset.ErrDataShape, "augmentation changed batch shape %v to %v", shape, x.Shape())
		}
	}

	return &Batch{X: x, Y: y, DataPerLabel: dpl, Index: index}, nil
}

// loadExample writes the normalised example src into dst
func (it *Iterator) loadExample(src int, dst []float32, size int) error {
	if it.cache != nil {
		if it.cache.Get(src, dst) {
			return nil
		}
		copy(dst, it.ds.Images.Example(src))
		if err := it.norm.Apply(dst, size); err != nil {
			return err
		}
		it.cache.Put(src, dst)
		return nil
	}

	copy(dst, it.ds.Images.Example(src))
	return it.norm.Apply(dst, size)
}
