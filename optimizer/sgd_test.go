package optimizer

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSGDConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  SGDConfig
		wantErr bool
	}{
		{"Default", DefaultSGDConfig(), false},
		{"Vanilla", SGDConfig{LearningRate: 0.1}, false},
		{"NegativeLR", SGDConfig{LearningRate: -1}, true},
		{"MomentumTooLarge", SGDConfig{LearningRate: 0.1, Momentum: 1}, true},
		{"NegativeDecay", SGDConfig{LearningRate: 0.1, WeightDecay: -0.1}, true},
		{"NesterovWithoutMomentum", SGDConfig{LearningRate: 0.1, Nesterov: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSGDStep(t *testing.T) {
	t.Run("Vanilla", func(t *testing.T) {
		opt, err := NewSGD(SGDConfig{LearningRate: 0.1})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		params := [][]float64{{1, 2}}
		if err := opt.Step(params, [][]float64{{1, -1}}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !almostEqual(params[0][0], 0.9) || !almostEqual(params[0][1], 2.1) {
			t.Errorf("Unexpected params %v", params[0])
		}
	})

	t.Run("Momentum", func(t *testing.T) {
		opt, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.5})
		params := [][]float64{{0}}
		grads := [][]float64{{1}}
		opt.Step(params, grads) // v=1, w=-0.1
		opt.Step(params, grads) // v=1.5, w=-0.25
		if !almostEqual(params[0][0], -0.25) {
			t.Errorf("Expected -0.25, got %v", params[0][0])
		}
		if opt.GetStepCount() != 2 {
			t.Errorf("Expected 2 steps, got %d", opt.GetStepCount())
		}
	})

	t.Run("Nesterov", func(t *testing.T) {
		opt, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true})
		params := [][]float64{{0}}
		opt.Step(params, [][]float64{{1}}) // v=1, update=1+0.5=1.5
		if !almostEqual(params[0][0], -0.15) {
			t.Errorf("Expected -0.15, got %v", params[0][0])
		}
	})

	t.Run("WeightDecay", func(t *testing.T) {
		opt, _ := NewSGD(SGDConfig{LearningRate: 0.1, WeightDecay: 0.5})
		params := [][]float64{{2}}
		grads := [][]float64{{0}}
		opt.Step(params, grads)
		if !almostEqual(params[0][0], 1.9) {
			t.Errorf("Expected 1.9, got %v", params[0][0])
		}
		if grads[0][0] != 0 {
			t.Error("Step must not modify the gradients")
		}
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		opt, _ := NewSGD(DefaultSGDConfig())
		if err := opt.Step([][]float64{{1, 2}}, [][]float64{{1}}); err == nil {
			t.Error("Expected error for mismatched gradient")
		}
		if err := opt.Step([][]float64{{1}}, nil); err == nil {
			t.Error("Expected error for missing gradients")
		}
	})
}

func TestSGDStateRoundTrip(t *testing.T) {
	opt, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.5})
	params := [][]float64{{0, 0}, {0}}
	grads := [][]float64{{1, 2}, {3}}
	opt.Step(params, grads)

	state, err := opt.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "SGD" || len(state.StateData) != 2 {
		t.Fatalf("Unexpected state %+v", state)
	}

	restored, _ := NewSGD(DefaultSGDConfig())
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.LearningRate() != 0.1 || restored.config.Nesterov {
		t.Errorf("Config not restored: %+v", restored.config)
	}
	if restored.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", restored.GetStepCount())
	}

	// both optimizers must now take identical steps
	p1 := [][]float64{{0, 0}, {0}}
	p2 := [][]float64{{0, 0}, {0}}
	opt.Step(p1, grads)
	restored.Step(p2, grads)
	for i := range p1 {
		for j := range p1[i] {
			if !almostEqual(p1[i][j], p2[i][j]) {
				t.Errorf("param %d/%d: %v vs %v", i, j, p1[i][j], p2[i][j])
			}
		}
	}

	state.Type = "Adam"
	if err := restored.LoadState(state); err == nil {
		t.Error("Expected error for wrong state type")
	}
}

func TestSGDResetAndLearningRate(t *testing.T) {
	opt, _ := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	opt.Step([][]float64{{0}}, [][]float64{{1}})
	opt.UpdateLearningRate(0.01)
	if opt.LearningRate() != 0.01 {
		t.Errorf("Expected 0.01, got %v", opt.LearningRate())
	}
	opt.Reset()
	state, _ := opt.GetState()
	if len(state.StateData) != 0 || opt.GetStepCount() != 0 {
		t.Error("Reset must clear momentum and step count")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{
		"momentum_0":  0,
		"momentum_12": 12,
		"momentum":    -1,
		"momentum_x":  -1,
	}
	for name, want := range tests {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", name, got, want)
		}
	}
}
