package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
)

// SplitConfig configures the train/validation/test partition
type SplitConfig struct {
	ValidFraction float64 // fraction of all label groups held out for validation
	TestFraction  float64 // fraction of the remaining training groups held out for test
	Seed          int64
}

// DefaultSplitConfig returns the 20% validation, 10% test partition
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{
		ValidFraction: 0.2,
		TestFraction:  0.1,
		Seed:          42,
	}
}

// Splits holds the three disjoint partitions of a dataset
type Splits struct {
	Train *Dataset
	Valid *Dataset
	Test  *Dataset
}

// Split partitions ds by label group. Examples belonging to one label always
// land in the same partition, the partitions are disjoint and together they
// cover ds. The shuffle is driven by cfg.Seed so the result is reproducible.
func Split(ds *Dataset, cfg SplitConfig) (*Splits, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if cfg.ValidFraction < 0 || cfg.ValidFraction >= 1 {
		return nil, errors.Errorf("valid fraction must be in [0, 1), got %v", cfg.ValidFraction)
	}
	if cfg.TestFraction < 0 || cfg.TestFraction >= 1 {
		return nil, errors.Errorf("test fraction must be in [0, 1), got %v", cfg.TestFraction)
	}

	n := ds.Len()
	order := rand.New(rand.NewSource(cfg.Seed)).Perm(n)

	numValid := int(float64(n) * cfg.ValidFraction)
	valid := order[:numValid]
	rest := order[numValid:]

	numTest := int(float64(len(rest)) * cfg.TestFraction)
	test := rest[:numTest]
	train := rest[numTest:]

	if len(train) == 0 {
		return nil, errors.Errorf("split leaves no training data (%d labels)", n)
	}

	return &Splits{
		Train: ds.Take(train),
		Valid: ds.Take(valid),
		Test:  ds.Take(test),
	}, nil
}
