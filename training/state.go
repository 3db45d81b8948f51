package training

import (
	"math"

	"github.com/reidnet/reidtrain/checkpoints"
)

// Status is the lifecycle state of a training run
type Status int

const (
	Running Status = iota
	Diverged
	Converged
	UserStopped
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Diverged:
		return "diverged"
	case Converged:
		return "converged"
	case UserStopped:
		return "user_stopped"
	default:
		return "unknown"
	}
}

func parseStatus(s string) Status {
	switch s {
	case "diverged":
		return Diverged
	case "converged":
		return Converged
	case "user_stopped":
		return UserStopped
	}
	return Running
}

// Tracker keeps the best value seen so far. Only strict improvements count:
// a value equal to the current best does not update it, and NaN never does.
type Tracker struct {
	Best  float64
	Epoch int

	higher bool
}

// NewLossTracker tracks a metric where lower is better
func NewLossTracker() Tracker {
	return Tracker{Best: math.Inf(1), Epoch: -1}
}

// NewAccuracyTracker tracks a metric where higher is better
func NewAccuracyTracker() Tracker {
	return Tracker{Best: math.Inf(-1), Epoch: -1, higher: true}
}

// Update records v for epoch and reports whether it is a new best
func (t *Tracker) Update(v float64, epoch int) bool {
	if math.IsNaN(v) {
		return false
	}
	if t.higher && !(v > t.Best) || !t.higher && !(v < t.Best) {
		return false
	}
	t.Best = v
	t.Epoch = epoch
	return true
}

// Set restores a best value, e.g. from a checkpoint
func (t *Tracker) Set(v float64, epoch int) {
	t.Best = v
	t.Epoch = epoch
}

// State is the mutable aggregate owned by the training loop
type State struct {
	Epoch        int
	BestEpoch    int
	LearningRate float64
	Status       Status

	TrainLoss       Tracker
	TrainDetermLoss Tracker
	ValidLoss       Tracker
	TestLoss        Tracker
	ValidAccuracy   Tracker
	TestAccuracy    Tracker

	bestWeights []checkpoints.WeightTensor
}

func newState(lr float64) *State {
	return &State{
		LearningRate:    lr,
		TrainLoss:       NewLossTracker(),
		TrainDetermLoss: NewLossTracker(),
		ValidLoss:       NewLossTracker(),
		TestLoss:        NewLossTracker(),
		ValidAccuracy:   NewAccuracyTracker(),
		TestAccuracy:    NewAccuracyTracker(),
	}
}

// snapshot stores a deep copy of weights as the best snapshot
func (s *State) snapshot(weights []checkpoints.WeightTensor) {
	s.bestWeights = checkpoints.CloneWeights(weights)
}

// BestWeights returns a deep copy of the best snapshot, or nil if none was
// taken yet
func (s *State) BestWeights() []checkpoints.WeightTensor {
	if s.bestWeights == nil {
		return nil
	}
	return checkpoints.CloneWeights(s.bestWeights)
}

// checkpointState converts the state for persistence
func (s *State) checkpointState(anchor int) checkpoints.TrainingState {
	return checkpoints.TrainingState{
		Epoch:                s.Epoch,
		BestEpoch:            s.BestEpoch,
		LearningRate:         s.LearningRate,
		PatienceAnchor:       anchor,
		BestTrainLoss:        checkpoints.Metric(s.TrainLoss.Best),
		BestValidLoss:        checkpoints.Metric(s.ValidLoss.Best),
		BestTestLoss:         checkpoints.Metric(s.TestLoss.Best),
		BestValidAccuracy:    checkpoints.Metric(s.ValidAccuracy.Best),
		BestTestAccuracy:     checkpoints.Metric(s.TestAccuracy.Best),
		BestTrainDetermLoss:  checkpoints.Metric(s.TrainDetermLoss.Best),
		TrainLossEpoch:       s.TrainLoss.Epoch,
		ValidLossEpoch:       s.ValidLoss.Epoch,
		TestLossEpoch:        s.TestLoss.Epoch,
		ValidAccuracyEpoch:   s.ValidAccuracy.Epoch,
		TestAccuracyEpoch:    s.TestAccuracy.Epoch,
		TrainDetermLossEpoch: s.TrainDetermLoss.Epoch,
		Status:               s.Status.String(),
	}
}

// restore loads persisted best metrics and schedule position
func (s *State) restore(ts checkpoints.TrainingState) {
	s.Epoch = ts.Epoch
	s.BestEpoch = ts.BestEpoch
	s.LearningRate = ts.LearningRate
	s.Status = parseStatus(ts.Status)

	at := func(epoch int) int {
		if epoch == 0 {
			return ts.BestEpoch
		}
		return epoch
	}
	s.TrainLoss.Set(ts.BestTrainLoss.Float64(), at(ts.TrainLossEpoch))
	s.TrainDetermLoss.Set(ts.BestTrainDetermLoss.Float64(), at(ts.TrainDetermLossEpoch))
	s.ValidLoss.Set(ts.BestValidLoss.Float64(), at(ts.ValidLossEpoch))
	s.TestLoss.Set(ts.BestTestLoss.Float64(), at(ts.TestLossEpoch))
	s.ValidAccuracy.Set(ts.BestValidAccuracy.Float64(), at(ts.ValidAccuracyEpoch))
	s.TestAccuracy.Set(ts.BestTestAccuracy.Float64(), at(ts.TestAccuracyEpoch))
}
