package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ConfusionMatrix counts predictions per true class
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates an empty matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Add records one prediction
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return errors.Errorf("class pair (%d, %d) out of range [0, %d)", trueClass, predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	return nil
}

// Accuracy returns the fraction of correct predictions
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// ClassRecall returns the recall of one class, or 0 if it has no samples
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	tp := cm.Matrix[class][class]
	total := 0
	for _, v := range cm.Matrix[class] {
		total += v
	}
	if total == 0 {
		return 0
	}
	return float64(tp) / float64(total)
}

// ClassPrecision returns the precision of one class, or 0 if it was never
// predicted
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	tp := cm.Matrix[class][class]
	predicted := 0
	for i := 0; i < cm.NumClasses; i++ {
		predicted += cm.Matrix[i][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(tp) / float64(predicted)
}

// MacroF1 is the harmonic mean of macro precision and macro recall, both
// averaged over classes that occur
func (cm *ConfusionMatrix) MacroF1() float64 {
	var precision, recall float64
	pc, rc := 0, 0
	for c := 0; c < cm.NumClasses; c++ {
		predicted, actual := 0, 0
		for i := 0; i < cm.NumClasses; i++ {
			predicted += cm.Matrix[i][c]
			actual += cm.Matrix[c][i]
		}
		if predicted > 0 {
			precision += cm.ClassPrecision(c)
			pc++
		}
		if actual > 0 {
			recall += cm.ClassRecall(c)
			rc++
		}
	}
	if pc == 0 || rc == 0 {
		return 0
	}
	precision /= float64(pc)
	recall /= float64(rc)
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// String renders the matrix with per-class recall
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Accuracy: %.2f%%, Macro F1: %.4f\n", cm.Accuracy()*100, cm.MacroF1())
	for i, row := range cm.Matrix {
		fmt.Fprintf(&sb, "%4d |", i)
		for _, v := range row {
			fmt.Fprintf(&sb, " %5d", v)
		}
		fmt.Fprintf(&sb, " | recall %.2f%%\n", cm.ClassRecall(i)*100)
	}
	return sb.String()
}

// AUCROC computes the area under the ROC curve of scores where higher means
// positive. It returns 0 when either class is absent.
func AUCROC(scores []float64, positive []bool) float64 {
	if len(scores) != len(positive) {
		return 0
	}
	type scored struct {
		score    float64
		positive bool
	}
	pairs := make([]scored, len(scores))
	totalPos, totalNeg := 0, 0
	for i := range scores {
		pairs[i] = scored{scores[i], positive[i]}
		if positive[i] {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	// trapezoidal rule; tied scores move both rates at once
	var auc, prevTPR, prevFPR float64
	tp, fp := 0, 0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].positive {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc
}
