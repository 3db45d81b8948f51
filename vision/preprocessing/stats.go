package preprocessing

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// CenteringMean returns the per-pixel mean of the examples after dividing by
// normalizer. data holds n consecutive examples of exampleSize values.
func CenteringMean(data []float32, exampleSize int, normalizer float64) ([]float32, error) {
	if exampleSize <= 0 || len(data)%exampleSize != 0 {
		return nil, errors.Errorf("centering mean: %d values do not split into examples of %d", len(data), exampleSize)
	}
	if normalizer == 0 {
		return nil, errors.New("centering mean: normalizer must be non-zero")
	}
	n := len(data) / exampleSize
	if n == 0 {
		return nil, errors.New("centering mean: no examples")
	}

	sum := make([]float64, exampleSize)
	row := make([]float64, exampleSize)
	for i := 0; i < n; i++ {
		example := data[i*exampleSize : (i+1)*exampleSize]
		for j, v := range example {
			row[j] = float64(v)
		}
		floats.Add(sum, row)
	}
	floats.Scale(1/(float64(n)*normalizer), sum)

	mean := make([]float32, exampleSize)
	for j, v := range sum {
		mean[j] = float32(v)
	}
	return mean, nil
}

// Normalization describes the affine map applied to raw pixels before they
// reach the model: (x/Normalizer - Mean)/Std. A nil Mean disables centering.
type Normalization struct {
	Normalizer float32
	Mean       []float32
	Std        float32
}

// Validate checks the normalisation against an example size
func (n Normalization) Validate(exampleSize int) error {
	if n.Normalizer == 0 {
		return errors.New("normalizer must be non-zero")
	}
	if n.Mean != nil {
		if len(n.Mean) != 1 && len(n.Mean) != exampleSize {
			return errors.Errorf("centering mean has %d values, want 1 or %d", len(n.Mean), exampleSize)
		}
		if n.Std == 0 {
			return errors.New("centering std must be non-zero")
		}
	}
	return nil
}

// Apply normalises data in place. data must hold whole examples of exampleSize values.
func (n Normalization) Apply(data []float32, exampleSize int) error {
	if err := n.Validate(exampleSize); err != nil {
		return err
	}
	if exampleSize <= 0 || len(data)%exampleSize != 0 {
		return errors.Errorf("normalize: %d values do not split into examples of %d", len(data), exampleSize)
	}
	inv := 1 / n.Normalizer
	if n.Mean == nil {
		for i := range data {
			data[i] *= inv
		}
		return nil
	}
	invStd := 1 / n.Std
	for i := range data {
		m := n.Mean[0]
		if len(n.Mean) > 1 {
			m = n.Mean[i%exampleSize]
		}
		data[i] = (data[i]*inv - m) * invStd
	}
	return nil
}
