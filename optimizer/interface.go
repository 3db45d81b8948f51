package optimizer

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/checkpoints"
)

// Optimizer updates parameter buffers in place from their gradients and can
// save and restore its internal state for checkpointing
type Optimizer interface {
	// Step performs a single optimization step. params and grads must have
	// matching lengths and shapes.
	Step(params, grads [][]float64) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// LearningRate returns the current learning rate
	LearningRate() float64

	// Reset clears accumulated state such as momentum buffers
	Reset()
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func checkShapes(params, grads [][]float64) error {
	if len(params) != len(grads) {
		return errors.Errorf("gradient count mismatch: %d params, %d grads", len(params), len(grads))
	}
	for i := range params {
		if len(params[i]) != len(grads[i]) {
			return errors.Errorf("gradient %d has %d values, param has %d", i, len(grads[i]), len(params[i]))
		}
	}
	return nil
}
