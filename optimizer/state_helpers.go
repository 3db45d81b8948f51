package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/checkpoints"
)

// extractBufferState copies a float64 buffer into a checkpoint tensor
func extractBufferState(buffer []float64, name, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	for i, v := range buffer {
		data[i] = float32(v)
	}
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a float64 buffer
func restoreBufferState(buffer []float64, data []float32, name string) error {
	if len(data) != len(buffer) {
		return errors.Errorf("state %s has %d values, buffer has %d", name, len(data), len(buffer))
	}
	for i, v := range data {
		buffer[i] = float64(v)
	}
	return nil
}

func bufferName(stateType string, index int) string {
	return fmt.Sprintf("%s_%d", stateType, index)
}

// extractFloat64Param safely extracts a numeric parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := params[key].(float64); ok {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts an integer parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}
