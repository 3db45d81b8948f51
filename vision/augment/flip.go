package augment

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/vision/dataset"
)

// LabelMap gives the label of a left-right mirrored example. It is
// involutive: m[m[k]] == k for every key. Labels without an entry are
// unchanged by a flip.
type LabelMap map[int]int

// NewOffsetLabelMap maps every key k to k+offset and adds the inverse
// entries so the map is symmetric
func NewOffsetLabelMap(offset int, keys ...int) (LabelMap, error) {
	m := make(LabelMap, 2*len(keys))
	for _, k := range keys {
		m[k] = k + offset
	}
	for _, k := range keys {
		v := k + offset
		if prev, ok := m[v]; ok && prev != k {
			return nil, errors.Errorf("label %d maps to both %d and %d", v, prev, k)
		}
		m[v] = k
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewLabelMapFromPairs builds a symmetric map from explicit (a, b) pairs
func NewLabelMapFromPairs(pairs [][2]int) (LabelMap, error) {
	m := make(LabelMap, 2*len(pairs))
	for _, p := range pairs {
		for _, kv := range [][2]int{{p[0], p[1]}, {p[1], p[0]}} {
			if prev, ok := m[kv[0]]; ok && prev != kv[1] {
				return nil, errors.Errorf("label %d maps to both %d and %d", kv[0], prev, kv[1])
			}
			m[kv[0]] = kv[1]
		}
	}
	return m, nil
}

// DefaultViewpointLabelMap pairs the left/right viewpoint classes:
// k <-> k+4 for k in 0..3 and 8..11
func DefaultViewpointLabelMap() LabelMap {
	m, err := NewOffsetLabelMap(4, 0, 1, 2, 3, 8, 9, 10, 11)
	if err != nil {
		panic(err)
	}
	return m
}

// Map returns the label of the mirrored example
func (m LabelMap) Map(label int) int {
	if v, ok := m[label]; ok {
		return v
	}
	return label
}

// Validate checks that applying the map twice is the identity
func (m LabelMap) Validate() error {
	for k, v := range m {
		if back := m.Map(v); back != k {
			return errors.Errorf("label map is not involutive: %d -> %d -> %d", k, v, back)
		}
	}
	return nil
}

// Pairs returns each mapping once as (smaller, larger), sorted
func (m LabelMap) Pairs() [][2]int {
	var pairs [][2]int
	for k, v := range m {
		if k < v {
			pairs = append(pairs, [2]int{k, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

// FlipWithRelabel mirrors each example left to right with probability prob,
// drawn independently per example, and remaps its label through m. It
// requires one label per example.
func FlipWithRelabel(x *dataset.Images, y []float32, prob float64, m LabelMap, rng *rand.Rand) error {
	if len(y) != x.N {
		return errors.Wrapf(dataset.ErrDataShape, "flip relabel needs one label per example: %d examples, %d labels", x.N, len(y))
	}
	for i := 0; i < x.N; i++ {
		if rng.Float64() > prob {
			continue
		}
		flipLR(x.Example(i), x.C, x.H, x.W)
		y[i] = float32(m.Map(int(y[i])))
	}
	return nil
}

// FlipRelabel is an Augmenter applying FlipWithRelabel
type FlipRelabel struct {
	Prob float64
	Map  LabelMap
}

// Augment implements Augmenter
func (f FlipRelabel) Augment(x *dataset.Images, y []float32, rng *rand.Rand) error {
	return FlipWithRelabel(x, y, f.Prob, f.Map, rng)
}
