package optimizer

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/reidnet/reidtrain/checkpoints"
)

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns the default configuration: learning rate 0.01
// with 0.9 Nesterov momentum
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0,
		Nesterov:     true,
	}
}

// Validate checks the configuration
func (c SGDConfig) Validate() error {
	if c.LearningRate < 0 || math.IsNaN(c.LearningRate) {
		return errors.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1): %f", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	if c.Nesterov && c.Momentum == 0 {
		return errors.New("nesterov momentum requires momentum > 0")
	}
	return nil
}

// SGD is stochastic gradient descent with optional (Nesterov) momentum and
// L2 weight decay:
//
//	g' = g + wd*w
//	v  = mu*v + g'
//	w -= lr * (g' + mu*v)   (Nesterov)
//	w -= lr * v             (classical)
type SGD struct {
	config    SGDConfig
	velocity  [][]float64
	scratch   []float64
	stepCount uint64
}

// NewSGD creates an optimizer; momentum buffers are allocated on the first step
func NewSGD(config SGDConfig) (*SGD, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &SGD{config: config}, nil
}

// Step implements Optimizer
func (s *SGD) Step(params, grads [][]float64) error {
	if err := checkShapes(params, grads); err != nil {
		return err
	}
	if s.config.Momentum > 0 && s.velocity == nil {
		s.velocity = make([][]float64, len(params))
		for i := range params {
			s.velocity[i] = make([]float64, len(params[i]))
		}
	}
	if s.velocity != nil && len(s.velocity) != len(params) {
		return errors.Errorf("optimizer tracks %d buffers, step has %d", len(s.velocity), len(params))
	}

	lr := s.config.LearningRate
	mu := s.config.Momentum
	for i, w := range params {
		if cap(s.scratch) < len(w) {
			s.scratch = make([]float64, len(w))
		}
		g := s.scratch[:len(w)]
		copy(g, grads[i])
		if s.config.WeightDecay > 0 {
			floats.AddScaled(g, s.config.WeightDecay, w)
		}

		if mu == 0 {
			floats.AddScaled(w, -lr, g)
			continue
		}

		v := s.velocity[i]
		if len(v) != len(w) {
			return errors.Errorf("momentum buffer %d has %d values, param has %d", i, len(v), len(w))
		}
		floats.Scale(mu, v)
		floats.Add(v, g)
		if s.config.Nesterov {
			floats.AddScaled(g, mu, v)
			floats.AddScaled(w, -lr, g)
		} else {
			floats.AddScaled(w, -lr, v)
		}
	}
	s.stepCount++
	return nil
}

// GetState implements Optimizer
func (s *SGD) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"nesterov":      s.config.Nesterov,
			"step_count":    float64(s.stepCount),
		},
	}
	for i, v := range s.velocity {
		state.StateData = append(state.StateData, extractBufferState(v, bufferName("momentum", i), "momentum"))
	}
	return state, nil
}

// LoadState implements Optimizer
func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	config := SGDConfig{
		LearningRate: extractFloat64Param(state.Parameters, "learning_rate", s.config.LearningRate),
		Momentum:     extractFloat64Param(state.Parameters, "momentum", s.config.Momentum),
		WeightDecay:  extractFloat64Param(state.Parameters, "weight_decay", s.config.WeightDecay),
		Nesterov:     extractBoolParam(state.Parameters, "nesterov", s.config.Nesterov),
	}
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "restored SGD config")
	}

	var velocity [][]float64
	if len(state.StateData) > 0 {
		velocity = make([][]float64, len(state.StateData))
		for _, t := range state.StateData {
			idx := extractBufferIndex(t.Name)
			if idx < 0 || idx >= len(velocity) {
				return errors.Errorf("invalid momentum buffer name %q", t.Name)
			}
			velocity[idx] = make([]float64, len(t.Data))
			if err := restoreBufferState(velocity[idx], t.Data, t.Name); err != nil {
				return err
			}
		}
	}

	s.config = config
	s.velocity = velocity
	s.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount implements Optimizer
func (s *SGD) GetStepCount() uint64 {
	return s.stepCount
}

// UpdateLearningRate implements Optimizer
func (s *SGD) UpdateLearningRate(lr float64) {
	s.config.LearningRate = lr
}

// LearningRate implements Optimizer
func (s *SGD) LearningRate() float64 {
	return s.config.LearningRate
}

// Reset implements Optimizer
func (s *SGD) Reset() {
	s.velocity = nil
	s.stepCount = 0
}
