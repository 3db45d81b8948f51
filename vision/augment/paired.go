package augment

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/vision/dataset"
)

// PairedConfig sets the per-pair probabilities of the rotate and flip draws
type PairedConfig struct {
	RotateProb float64
	FlipProb   float64
}

// DefaultPairedConfig rotates and flips 30% of pairs each
func DefaultPairedConfig() PairedConfig {
	return PairedConfig{RotateProb: 0.3, FlipProb: 0.3}
}

func checkPairs(x *dataset.Images) error {
	if x.N%2 != 0 {
		return errors.Wrapf(dataset.ErrDataShape, "paired augmentation needs an even number of examples, got %d", x.N)
	}
	return nil
}

// PairedAugment applies the same random quarter-turn rotation and/or flip to
// both members of each consecutive pair (2i, 2i+1). Whether a pair rotates
// and whether it flips are independent draws. Rotation requires square
// examples.
func PairedAugment(x *dataset.Images, cfg PairedConfig, rng *rand.Rand) error {
	if err := checkPairs(x); err != nil {
		return err
	}
	num := x.N / 2

	rotate := make([]bool, num)
	for i := range rotate {
		rotate[i] = rng.Float64() <= cfg.RotateProb
	}
	flip := make([]bool, num)
	for i := range flip {
		flip[i] = rng.Float64() <= cfg.FlipProb
	}

	turns := make([]int, num)
	for i, r := range rotate {
		if r {
			turns[i] = rng.Intn(3) + 1
		}
	}
	// 0 mirrors left-right, 1 top-bottom
	flipKind := make([]int, num)
	for i, f := range flip {
		if f {
			flipKind[i] = rng.Intn(2)
		}
	}

	var scratch []float32
	for i := 0; i < num; i++ {
		if turns[i] != 0 && x.H != x.W {
			return errors.Errorf("rotation needs square examples, got %dx%d", x.H, x.W)
		}
		for _, idx := range []int{2 * i, 2*i + 1} {
			example := x.Example(idx)
			if turns[i] != 0 {
				if scratch == nil {
					scratch = make([]float32, x.H*x.W)
				}
				rot90(example, x.C, x.H, turns[i], scratch)
			}
			if flip[i] {
				if flipKind[i] == 0 {
					flipLR(example, x.C, x.H, x.W)
				} else {
					flipUD(example, x.C, x.H, x.W)
				}
			}
		}
	}
	return nil
}

// Paired is an Augmenter applying PairedAugment
type Paired struct {
	Config PairedConfig
}

// Augment implements Augmenter
func (p Paired) Augment(x *dataset.Images, _ []float32, rng *rand.Rand) error {
	return PairedAugment(x, p.Config, rng)
}

// PairedAffine warps both members of a pair with one shared random affine
// transform. Each pair is selected independently with probability prob.
func PairedAffine(x *dataset.Images, r AffineRanges, prob float64, rng *rand.Rand) error {
	if err := checkPairs(x); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	num := x.N / 2

	selected := make([]bool, num)
	for i := range selected {
		selected[i] = rng.Float64() <= prob
	}

	for i, ok := range selected {
		if !ok {
			continue
		}
		wp, err := newWarper(RandomAffineArgs(r, rng), x.C, x.H, x.W)
		if err != nil {
			return errors.Wrapf(err, "pair %d", i)
		}
		wp.warp(x.Example(2*i), x.Domain)
		wp.warp(x.Example(2*i+1), x.Domain)
	}
	return nil
}

// PairedWarp is an Augmenter applying PairedAffine
type PairedWarp struct {
	Ranges AffineRanges
	Prob   float64
}

// Augment implements Augmenter
func (p PairedWarp) Augment(x *dataset.Images, _ []float32, rng *rand.Rand) error {
	return PairedAffine(x, p.Ranges, p.Prob, rng)
}
