package checkpoints

import (
	"github.com/pkg/errors"
)

// NumElements returns the product of the tensor's dimensions
func (w WeightTensor) NumElements() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// Validate checks the data length against the shape
func (w WeightTensor) Validate() error {
	for _, d := range w.Shape {
		if d < 0 {
			return errors.Errorf("weight %s has negative dimension in shape %v", w.Name, w.Shape)
		}
	}
	if len(w.Data) != w.NumElements() {
		return errors.Errorf("weight %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
	}
	return nil
}

// Clone returns a deep copy
func (w WeightTensor) Clone() WeightTensor {
	out := w
	out.Shape = append([]int(nil), w.Shape...)
	out.Data = append([]float32(nil), w.Data...)
	return out
}

// CloneWeights deep-copies a parameter list so the copy shares no storage
// with the source
func CloneWeights(weights []WeightTensor) []WeightTensor {
	if weights == nil {
		return nil
	}
	out := make([]WeightTensor, len(weights))
	for i, w := range weights {
		out[i] = w.Clone()
	}
	return out
}

// MatchWeights checks that two parameter lists have the same names and
// shapes in the same order
func MatchWeights(want, got []WeightTensor) error {
	if len(want) != len(got) {
		return errors.Errorf("weight count mismatch: %d expected, %d given", len(want), len(got))
	}
	for i := range want {
		if want[i].Name != got[i].Name {
			return errors.Errorf("weight %d: expected %s, got %s", i, want[i].Name, got[i].Name)
		}
		if len(want[i].Shape) != len(got[i].Shape) {
			return errors.Errorf("shape mismatch for weight %s: %v vs %v", want[i].Name, want[i].Shape, got[i].Shape)
		}
		for j, d := range want[i].Shape {
			if got[i].Shape[j] != d {
				return errors.Errorf("dimension mismatch for weight %s at index %d: %d vs %d",
					want[i].Name, j, d, got[i].Shape[j])
			}
		}
		if err := got[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
