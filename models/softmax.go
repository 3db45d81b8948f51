// Package models holds reference networks that plug into the training loop:
// a softmax classifier for viewpoint labels and a siamese embedding for
// identity verification. Both run on gonum matrices.
package models

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/reidnet/reidtrain/checkpoints"
	"github.com/reidnet/reidtrain/optimizer"
	"github.com/reidnet/reidtrain/vision/augment"
	"github.com/reidnet/reidtrain/vision/dataloader"
	"github.com/reidnet/reidtrain/vision/dataset"
)

// SoftmaxConfig configures the classifier
type SoftmaxConfig struct {
	InputSize  int // values per example (C*H*W)
	NumClasses int
	InitScale  float64 // std of the initial weights
	Seed       int64
	SGD        optimizer.SGDConfig
	Augment    augment.Augmenter // applied to training batches; nil disables
}

// Softmax is multinomial logistic regression over flattened pixels
type Softmax struct {
	config SoftmaxConfig
	weight *mat.Dense // InputSize x NumClasses
	bias   []float64
	opt    optimizer.Optimizer
}

// NewSoftmax initialises weights from a seeded normal distribution
func NewSoftmax(config SoftmaxConfig) (*Softmax, error) {
	if config.InputSize <= 0 || config.NumClasses < 2 {
		return nil, errors.Errorf("softmax needs input size > 0 and at least 2 classes, got %d and %d",
			config.InputSize, config.NumClasses)
	}
	if config.InitScale == 0 {
		config.InitScale = 0.01
	}
	opt, err := optimizer.NewSGD(config.SGD)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(config.Seed))
	data := make([]float64, config.InputSize*config.NumClasses)
	for i := range data {
		data[i] = rng.NormFloat64() * config.InitScale
	}
	return &Softmax{
		config: config,
		weight: mat.NewDense(config.InputSize, config.NumClasses, data),
		bias:   make([]float64, config.NumClasses),
		opt:    opt,
	}, nil
}

// Name implements training.Model
func (m *Softmax) Name() string {
	return "softmax"
}

// DataPerLabel implements training.Model
func (m *Softmax) DataPerLabel() int {
	return 1
}

// Augment applies the configured training augmentation
func (m *Softmax) Augment(x *dataset.Images, y []float32, rng *rand.Rand) error {
	if m.config.Augment == nil {
		return nil
	}
	return m.config.Augment.Augment(x, y, rng)
}

// logits computes X·W + b for a batch
func (m *Softmax) logits(b *dataloader.Batch) (*mat.Dense, *mat.Dense, []int, error) {
	x, err := flatten(&b.X, m.config.InputSize)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, err := classLabels(b.Y)
	if err != nil {
		return nil, nil, nil, err
	}
	n, _ := x.Dims()
	out := mat.NewDense(n, m.config.NumClasses, nil)
	out.Mul(x, m.weight)
	for i := 0; i < n; i++ {
		floats.Add(out.RawRowView(i), m.bias)
	}
	return x, out, labels, nil
}

// Forward implements training.Model
func (m *Softmax) Forward(b *dataloader.Batch) (float64, float64, error) {
	_, logits, labels, err := m.logits(b)
	if err != nil {
		return 0, 0, err
	}
	loss, _, correct, err := CrossEntropy(logits, labels)
	if err != nil {
		return 0, 0, err
	}
	return loss, float64(correct) / float64(len(labels)), nil
}

// Backward implements training.Model
func (m *Softmax) Backward(b *dataloader.Batch, learningRate float64) (float64, error) {
	x, logits, labels, err := m.logits(b)
	if err != nil {
		return 0, err
	}
	loss, grad, _, err := CrossEntropy(logits, labels)
	if err != nil {
		return 0, err
	}

	dW := mat.NewDense(m.config.InputSize, m.config.NumClasses, nil)
	dW.Mul(x.T(), grad)
	db := make([]float64, m.config.NumClasses)
	n, _ := grad.Dims()
	for i := 0; i < n; i++ {
		floats.Add(db, grad.RawRowView(i))
	}

	m.opt.UpdateLearningRate(learningRate)
	params := [][]float64{m.weight.RawMatrix().Data, m.bias}
	if err := m.opt.Step(params, [][]float64{dW.RawMatrix().Data, db}); err != nil {
		return 0, errors.Wrap(err, "softmax update")
	}
	return loss, nil
}

// Predict returns the argmax class of every example in the batch
func (m *Softmax) Predict(b *dataloader.Batch) ([]int, error) {
	x, err := flatten(&b.X, m.config.InputSize)
	if err != nil {
		return nil, err
	}
	n, _ := x.Dims()
	out := mat.NewDense(n, m.config.NumClasses, nil)
	out.Mul(x, m.weight)
	pred := make([]int, n)
	for i := range pred {
		row := out.RawRowView(i)
		floats.Add(row, m.bias)
		pred[i] = floats.MaxIdx(row)
	}
	return pred, nil
}

// Evaluate runs one pass of it and tallies predictions
func (m *Softmax) Evaluate(it *dataloader.Iterator) (*ConfusionMatrix, error) {
	cm := NewConfusionMatrix(m.config.NumClasses)
	pass := it.Epoch()
	for {
		b, ok, err := pass.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return cm, nil
		}
		pred, err := m.Predict(b)
		if err != nil {
			return nil, err
		}
		for i, p := range pred {
			if err := cm.Add(int(b.Y[i]), p); err != nil {
				return nil, err
			}
		}
	}
}

// Params implements training.Model
func (m *Softmax) Params() []checkpoints.WeightTensor {
	return []checkpoints.WeightTensor{
		toWeightTensor("softmax.weight", "softmax", "weight", m.weight.RawMatrix().Data, m.config.InputSize, m.config.NumClasses),
		toWeightTensor("softmax.bias", "softmax", "bias", m.bias, m.config.NumClasses),
	}
}

// SetParams implements training.Model
func (m *Softmax) SetParams(weights []checkpoints.WeightTensor) error {
	if err := checkpoints.MatchWeights(m.Params(), weights); err != nil {
		return err
	}
	copyWeights(m.weight.RawMatrix().Data, weights[0].Data)
	copyWeights(m.bias, weights[1].Data)
	return nil
}

// Optimizer returns the update rule applied by Backward
func (m *Softmax) Optimizer() optimizer.Optimizer {
	return m.opt
}
