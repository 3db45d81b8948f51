package training

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// RateUpdate maps the current learning rate to the next one
type RateUpdate func(lr float64) float64

// Multiply returns an update that scales the learning rate by factor
func Multiply(factor float64) RateUpdate {
	return func(lr float64) float64 {
		return lr * factor
	}
}

// LRScheduler decides when the learning rate changes
type LRScheduler interface {
	// Step is called once per finished epoch with the current rate. It
	// returns the rate to use next and whether it changed.
	Step(epoch int, lr float64) (float64, bool)

	// Reset moves the patience window to start at epoch
	Reset(epoch int)

	// Anchor returns the epoch the patience window starts from, which
	// checkpoints record so a resumed run keeps its schedule position
	Anchor() int

	// GetName returns the scheduler name for logging
	GetName() string
}

// PatienceScheduler applies Update once Patience epochs have passed since
// the anchor, then moves the anchor to the current epoch. The anchor is also
// moved by Reset, which the trainer calls on a new best validation loss and
// after a shock.
type PatienceScheduler struct {
	Patience int
	Update   RateUpdate

	anchor int
}

// NewPatienceScheduler creates a scheduler anchored at epoch 0
func NewPatienceScheduler(patience int, update RateUpdate) (*PatienceScheduler, error) {
	if patience <= 0 {
		return nil, errors.Errorf("patience must be > 0, got %d", patience)
	}
	if update == nil {
		return nil, errors.New("patience scheduler needs a rate update")
	}
	return &PatienceScheduler{Patience: patience, Update: update}, nil
}

// Step implements LRScheduler
func (s *PatienceScheduler) Step(epoch int, lr float64) (float64, bool) {
	if epoch-s.anchor < s.Patience {
		return lr, false
	}
	s.anchor = epoch
	next := s.Update(lr)
	if math.IsNaN(next) || next < 0 {
		return lr, false
	}
	return next, true
}

// Reset implements LRScheduler
func (s *PatienceScheduler) Reset(epoch int) {
	s.anchor = epoch
}

// Anchor implements LRScheduler
func (s *PatienceScheduler) Anchor() int {
	return s.anchor
}

// GetName implements LRScheduler
func (s *PatienceScheduler) GetName() string {
	return fmt.Sprintf("Patience(%d)", s.Patience)
}

// NoOpScheduler keeps the learning rate constant. It still tracks the
// anchor so checkpoints stay comparable across schedules.
type NoOpScheduler struct {
	anchor int
}

// Step implements LRScheduler
func (s *NoOpScheduler) Step(epoch int, lr float64) (float64, bool) {
	return lr, false
}

// Reset implements LRScheduler
func (s *NoOpScheduler) Reset(epoch int) {
	s.anchor = epoch
}

// Anchor implements LRScheduler
func (s *NoOpScheduler) Anchor() int {
	return s.anchor
}

// GetName implements LRScheduler
func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
