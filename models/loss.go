package models

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CrossEntropy computes the mean softmax cross-entropy of logits (one row
// per example) against integer class labels. It returns the loss, the
// gradient with respect to the logits and the number of rows whose argmax
// equals the label.
func CrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense, int, error) {
	n, k := logits.Dims()
	if len(labels) != n {
		return 0, nil, 0, errors.Errorf("batch size mismatch: %d logits, %d labels", n, len(labels))
	}

	grad := mat.NewDense(n, k, nil)
	var total float64
	correct := 0
	for i := 0; i < n; i++ {
		target := labels[i]
		if target < 0 || target >= k {
			return 0, nil, 0, errors.Errorf("target class %d out of range [0, %d)", target, k)
		}
		row := logits.RawRowView(i)
		probs := grad.RawRowView(i)

		maxVal := floats.Max(row)
		for j, v := range row {
			probs[j] = math.Exp(v - maxVal)
		}
		floats.Scale(1/floats.Sum(probs), probs)

		if floats.MaxIdx(row) == target {
			correct++
		}
		// clamp to avoid log(0)
		total -= math.Log(math.Max(probs[target], 1e-10))
		probs[target] -= 1
	}

	grad.Scale(1/float64(n), grad)
	return total / float64(n), grad, correct, nil
}

// Contrastive computes the mean contrastive loss over pair distances.
// Matching pairs are pulled together with d²/2, non-matching pairs are
// pushed apart to at least margin with max(0, margin-d)²/2. It returns the
// loss and the derivative of the mean loss with respect to each distance.
func Contrastive(dist []float64, same []bool, margin float64) (float64, []float64, error) {
	if len(dist) != len(same) {
		return 0, nil, errors.Errorf("%d distances for %d pair labels", len(dist), len(same))
	}
	if len(dist) == 0 {
		return 0, nil, errors.New("no pairs")
	}
	n := float64(len(dist))
	grad := make([]float64, len(dist))
	var total float64
	for i, d := range dist {
		if same[i] {
			total += d * d / 2
			grad[i] = d / n
			continue
		}
		if gap := margin - d; gap > 0 {
			total += gap * gap / 2
			grad[i] = -gap / n
		}
	}
	return total / n, grad, nil
}
