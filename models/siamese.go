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

// SiameseConfig configures the pair embedding
type SiameseConfig struct {
	InputSize     int // values per example (C*H*W)
	EmbeddingSize int
	Margin        float64 // distance non-matching pairs are pushed beyond
	InitScale     float64
	Seed          int64
	SGD           optimizer.SGDConfig
	Augment       augment.Augmenter // applied to training batches; nil disables
}

// Siamese projects both members of a pair with shared linear weights and
// trains the embedding with a contrastive loss. A pair label above 0.5
// means both examples show the same individual.
type Siamese struct {
	config SiameseConfig
	weight *mat.Dense // InputSize x EmbeddingSize
	opt    optimizer.Optimizer
}

// NewSiamese initialises the projection from a seeded normal distribution
func NewSiamese(config SiameseConfig) (*Siamese, error) {
	if config.InputSize <= 0 || config.EmbeddingSize <= 0 {
		return nil, errors.Errorf("siamese needs input and embedding size > 0, got %d and %d",
			config.InputSize, config.EmbeddingSize)
	}
	if config.Margin == 0 {
		config.Margin = 1
	}
	if config.Margin < 0 {
		return nil, errors.Errorf("margin must be > 0, got %v", config.Margin)
	}
	if config.InitScale == 0 {
		config.InitScale = 0.01
	}
	opt, err := optimizer.NewSGD(config.SGD)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(config.Seed))
	data := make([]float64, config.InputSize*config.EmbeddingSize)
	for i := range data {
		data[i] = rng.NormFloat64() * config.InitScale
	}
	return &Siamese{
		config: config,
		weight: mat.NewDense(config.InputSize, config.EmbeddingSize, data),
		opt:    opt,
	}, nil
}

// Name implements training.Model
func (m *Siamese) Name() string {
	return "siamese"
}

// DataPerLabel implements training.Model
func (m *Siamese) DataPerLabel() int {
	return 2
}

// Augment applies the configured training augmentation
func (m *Siamese) Augment(x *dataset.Images, y []float32, rng *rand.Rand) error {
	if m.config.Augment == nil {
		return nil
	}
	return m.config.Augment.Augment(x, y, rng)
}

// embed returns the flattened input and its embedding
func (m *Siamese) embed(b *dataloader.Batch) (*mat.Dense, *mat.Dense, error) {
	if b.X.N != 2*len(b.Y) {
		return nil, nil, errors.Wrapf(dataset.ErrDataShape, "%d examples for %d pair labels", b.X.N, len(b.Y))
	}
	x, err := flatten(&b.X, m.config.InputSize)
	if err != nil {
		return nil, nil, err
	}
	e := mat.NewDense(b.X.N, m.config.EmbeddingSize, nil)
	e.Mul(x, m.weight)
	return x, e, nil
}

// distances returns the embedding distance of every pair
func distances(e *mat.Dense) []float64 {
	n, _ := e.Dims()
	dist := make([]float64, n/2)
	for i := range dist {
		dist[i] = floats.Distance(e.RawRowView(2*i), e.RawRowView(2*i+1), 2)
	}
	return dist
}

func sameLabels(y []float32) []bool {
	same := make([]bool, len(y))
	for i, v := range y {
		same[i] = v > 0.5
	}
	return same
}

// Forward implements training.Model. A pair counts as correct when its
// distance falls on the right side of half the margin.
func (m *Siamese) Forward(b *dataloader.Batch) (float64, float64, error) {
	_, e, err := m.embed(b)
	if err != nil {
		return 0, 0, err
	}
	dist := distances(e)
	same := sameLabels(b.Y)
	loss, _, err := Contrastive(dist, same, m.config.Margin)
	if err != nil {
		return 0, 0, err
	}
	correct := 0
	for i, d := range dist {
		if (d < m.config.Margin/2) == same[i] {
			correct++
		}
	}
	return loss, float64(correct) / float64(len(dist)), nil
}

// Backward implements training.Model
func (m *Siamese) Backward(b *dataloader.Batch, learningRate float64) (float64, error) {
	x, e, err := m.embed(b)
	if err != nil {
		return 0, err
	}
	dist := distances(e)
	loss, dDist, err := Contrastive(dist, sameLabels(b.Y), m.config.Margin)
	if err != nil {
		return 0, err
	}

	// d = |e1 - e2|, so dd/de1 = (e1 - e2)/d and dd/de2 = -(e1 - e2)/d
	gradE := mat.NewDense(b.X.N, m.config.EmbeddingSize, nil)
	for i, d := range dist {
		if d == 0 || dDist[i] == 0 {
			continue
		}
		g1 := gradE.RawRowView(2 * i)
		g2 := gradE.RawRowView(2*i + 1)
		floats.SubTo(g1, e.RawRowView(2*i), e.RawRowView(2*i+1))
		floats.Scale(dDist[i]/d, g1)
		floats.ScaleTo(g2, -1, g1)
	}

	dW := mat.NewDense(m.config.InputSize, m.config.EmbeddingSize, nil)
	dW.Mul(x.T(), gradE)

	m.opt.UpdateLearningRate(learningRate)
	if err := m.opt.Step([][]float64{m.weight.RawMatrix().Data}, [][]float64{dW.RawMatrix().Data}); err != nil {
		return 0, errors.Wrap(err, "siamese update")
	}
	return loss, nil
}

// Evaluate runs one pass of it and returns the ROC AUC of the negated pair
// distance as a same-individual score
func (m *Siamese) Evaluate(it *dataloader.Iterator) (float64, error) {
	var scores []float64
	var same []bool
	pass := it.Epoch()
	for {
		b, ok, err := pass.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		_, e, err := m.embed(b)
		if err != nil {
			return 0, err
		}
		for _, d := range distances(e) {
			scores = append(scores, -d)
		}
		same = append(same, sameLabels(b.Y)...)
	}
	return AUCROC(scores, same), nil
}

// Params implements training.Model
func (m *Siamese) Params() []checkpoints.WeightTensor {
	return []checkpoints.WeightTensor{
		toWeightTensor("siamese.weight", "siamese", "weight", m.weight.RawMatrix().Data, m.config.InputSize, m.config.EmbeddingSize),
	}
}

// SetParams implements training.Model
func (m *Siamese) SetParams(weights []checkpoints.WeightTensor) error {
	if err := checkpoints.MatchWeights(m.Params(), weights); err != nil {
		return err
	}
	copyWeights(m.weight.RawMatrix().Data, weights[0].Data)
	return nil
}

// Optimizer returns the update rule applied by Backward
func (m *Siamese) Optimizer() optimizer.Optimizer {
	return m.opt
}
