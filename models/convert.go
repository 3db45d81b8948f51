package models

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/reidnet/reidtrain/checkpoints"
	"github.com/reidnet/reidtrain/vision/dataset"
)

// flatten copies a batch into an N x size float64 matrix
func flatten(x *dataset.Images, size int) (*mat.Dense, error) {
	if x.ExampleSize() != size {
		return nil, errors.Wrapf(dataset.ErrDataShape, "examples have %d values, model expects %d", x.ExampleSize(), size)
	}
	if x.N == 0 {
		return nil, errors.Wrap(dataset.ErrDataShape, "empty batch")
	}
	data := make([]float64, len(x.Data))
	for i, v := range x.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(x.N, size, data), nil
}

// classLabels converts float labels to class indices
func classLabels(y []float32) ([]int, error) {
	labels := make([]int, len(y))
	for i, v := range y {
		if v < 0 || v != float32(math.Trunc(float64(v))) {
			return nil, errors.Errorf("label %v at %d is not a class index", v, i)
		}
		labels[i] = int(v)
	}
	return labels, nil
}

func toWeightTensor(name, layer, kind string, data []float64, shape ...int) checkpoints.WeightTensor {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return checkpoints.WeightTensor{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  out,
		Layer: layer,
		Type:  kind,
	}
}

func copyWeights(dst []float64, src []float32) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}
