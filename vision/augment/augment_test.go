package augment

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/reidnet/reidtrain/vision/dataset"
)

// rampImages fills n examples with distinct values so transforms are traceable
func rampImages(n, c, h, w int, domain dataset.Domain) dataset.Images {
	im := dataset.NewImages(n, c, h, w, domain)
	for i := range im.Data {
		im.Data[i] = float32(i % 251)
	}
	return im
}

func TestIdentityAffineIsNoOp(t *testing.T) {
	for _, domain := range []dataset.Domain{dataset.DomainUint8, dataset.DomainFloat} {
		t.Run(domain.String(), func(t *testing.T) {
			im := rampImages(2, 3, 5, 7, domain)
			orig := im.Clone()
			for i := 0; i < im.N; i++ {
				if err := WarpExample(im.Example(i), im.C, im.H, im.W, im.Domain, IdentityArgs()); err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
			}
			for i := range im.Data {
				if math.Abs(float64(im.Data[i]-orig.Data[i])) > 1e-4 {
					t.Fatalf("value %d changed: %v -> %v", i, orig.Data[i], im.Data[i])
				}
			}
		})
	}
}

func TestAffinePerturbZeroRangesIsNoOp(t *testing.T) {
	im := rampImages(3, 1, 6, 6, dataset.DomainUint8)
	orig := im.Clone()
	if err := AffinePerturb(&im, AffineRanges{}, rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(im.Data, orig.Data) {
		t.Error("Zero ranges must leave the batch unchanged")
	}
}

func TestAffineFlipReflects(t *testing.T) {
	// rotation pi and shear pi reflect the x axis about the centre
	args := IdentityArgs()
	args.Theta = math.Pi
	args.Shear = math.Pi

	// centre at w/2 maps column x to w-x, so column 0 falls outside
	im := dataset.Images{Data: []float32{10, 20, 30, 40}, N: 1, C: 1, H: 1, W: 4, Domain: dataset.DomainUint8}
	if err := WarpExample(im.Data, 1, 1, 4, im.Domain, args); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []float32{0, 40, 30, 20}
	if !reflect.DeepEqual(im.Data, want) {
		t.Errorf("Expected %v, got %v", want, im.Data)
	}
}

func TestAffineTranslationZeroBorder(t *testing.T) {
	args := IdentityArgs()
	args.Tx = 1
	data := []float32{10, 20, 30}
	if err := WarpExample(data, 1, 1, 3, dataset.DomainUint8, args); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []float32{0, 10, 20}
	if !reflect.DeepEqual(data, want) {
		t.Errorf("Expected %v, got %v", want, data)
	}
}

func TestAffineClipsToDomain(t *testing.T) {
	args := IdentityArgs()
	args.Sx, args.Sy = 1.3, 0.8
	args.Theta = 0.4

	t.Run("Uint8", func(t *testing.T) {
		im := rampImages(1, 1, 9, 9, dataset.DomainUint8)
		if err := WarpExample(im.Data, 1, 9, 9, im.Domain, args); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		for i, v := range im.Data {
			if v < 0 || v > 255 || v != float32(math.Round(float64(v))) {
				t.Fatalf("value %d (%v) is not a byte", i, v)
			}
		}
	})

	t.Run("Float", func(t *testing.T) {
		im := dataset.NewImages(1, 1, 9, 9, dataset.DomainFloat)
		for i := range im.Data {
			im.Data[i] = 0.5 + float32(i)/100
		}
		lo, hi := valueRange(im.Data)
		if err := WarpExample(im.Data, 1, 9, 9, im.Domain, args); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		for i, v := range im.Data {
			if v < lo || v > hi {
				t.Fatalf("value %d (%v) outside [%v, %v]", i, v, lo, hi)
			}
		}
	})
}

func TestAffineRangesValidate(t *testing.T) {
	tests := []struct {
		name   string
		ranges AffineRanges
	}{
		{"InvertedZoom", AffineRanges{ZoomMin: 1.2, ZoomMax: 1.1}},
		{"NegativeZoom", AffineRanges{ZoomMin: -1, ZoomMax: 1.1}},
		{"NaN", AffineRanges{MaxTheta: math.NaN()}},
		{"NegativeMax", AffineRanges{MaxTx: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.ranges.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
	if err := DefaultAffineRanges().Validate(); err != nil {
		t.Errorf("Default ranges invalid: %v", err)
	}
	if err := SiameseAffineRanges().Validate(); err != nil {
		t.Errorf("Siamese ranges invalid: %v", err)
	}
}

func TestRandomAffineArgsBounds(t *testing.T) {
	r := DefaultAffineRanges()
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		a := RandomAffineArgs(r, rng)
		if a.Sx < r.ZoomMin || a.Sx > r.ZoomMax || a.Sy < r.ZoomMin || a.Sy > r.ZoomMax {
			t.Fatalf("scale (%v, %v) out of range", a.Sx, a.Sy)
		}
		if math.Abs(a.Theta) > r.MaxTheta || math.Abs(a.Shear) > r.MaxShear {
			t.Fatalf("angles (%v, %v) out of range", a.Theta, a.Shear)
		}
		if math.Abs(a.Tx) > r.MaxTx || math.Abs(a.Ty) > r.MaxTy {
			t.Fatalf("translation (%v, %v) out of range", a.Tx, a.Ty)
		}
	}

	iso := SiameseAffineRanges()
	for i := 0; i < 50; i++ {
		a := RandomAffineArgs(iso, rng)
		if a.Sx != a.Sy {
			t.Fatalf("isotropic ranges drew (%v, %v)", a.Sx, a.Sy)
		}
	}
}

func TestLabelMapInvolution(t *testing.T) {
	m := DefaultViewpointLabelMap()
	if len(m) != 16 {
		t.Fatalf("Expected 16 entries, got %d", len(m))
	}
	for k := 0; k < 20; k++ {
		if got := m.Map(m.Map(k)); got != k {
			t.Errorf("Map(Map(%d)) = %d", k, got)
		}
	}
	if m.Map(0) != 4 || m.Map(4) != 0 || m.Map(11) != 15 || m.Map(15) != 11 {
		t.Error("Unexpected viewpoint pairing")
	}
	if m.Map(16) != 16 {
		t.Error("Unmapped labels must be unchanged")
	}

	if _, err := NewOffsetLabelMap(1, 0, 1); err == nil {
		t.Error("Expected error for overlapping offset map")
	}

	rebuilt, err := NewLabelMapFromPairs(m.Pairs())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(rebuilt, m) {
		t.Error("Pairs round trip changed the map")
	}
}

func TestFlipWithRelabel(t *testing.T) {
	m := DefaultViewpointLabelMap()

	t.Run("AlwaysFlip", func(t *testing.T) {
		im := dataset.Images{Data: []float32{1, 2, 3, 4, 5, 6}, N: 2, C: 1, H: 1, W: 3, Domain: dataset.DomainUint8}
		y := []float32{1, 9}
		if err := FlipWithRelabel(&im, y, 1, m, rand.New(rand.NewSource(1))); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !reflect.DeepEqual(im.Data, []float32{3, 2, 1, 6, 5, 4}) {
			t.Errorf("Unexpected data %v", im.Data)
		}
		if !reflect.DeepEqual(y, []float32{5, 13}) {
			t.Errorf("Unexpected labels %v", y)
		}
	})

	t.Run("DoubleFlipRestores", func(t *testing.T) {
		im := rampImages(4, 2, 3, 3, dataset.DomainUint8)
		orig := im.Clone()
		y := []float32{0, 2, 8, 20}
		origY := append([]float32(nil), y...)
		for i := 0; i < 2; i++ {
			if err := FlipWithRelabel(&im, y, 1, m, rand.New(rand.NewSource(1))); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		}
		if !reflect.DeepEqual(im.Data, orig.Data) || !reflect.DeepEqual(y, origY) {
			t.Error("Flipping twice must restore examples and labels")
		}
	})

	t.Run("PerExampleDraws", func(t *testing.T) {
		im := dataset.NewImages(400, 1, 1, 2, dataset.DomainUint8)
		for i := 0; i < im.N; i++ {
			im.Example(i)[0] = 1
		}
		y := make([]float32, im.N)
		if err := FlipWithRelabel(&im, y, 0.5, m, rand.New(rand.NewSource(11))); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		flipped := 0
		for i, label := range y {
			mirrored := im.Example(i)[1] == 1
			if mirrored != (label == 4) {
				t.Fatalf("example %d: image and label disagree", i)
			}
			if mirrored {
				flipped++
			}
		}
		if flipped == 0 || flipped == im.N {
			t.Errorf("Expected a mix of flipped examples, got %d of %d", flipped, im.N)
		}
	})

	t.Run("LabelCountMismatch", func(t *testing.T) {
		im := rampImages(2, 1, 2, 2, dataset.DomainUint8)
		if err := FlipWithRelabel(&im, []float32{0}, 1, m, rand.New(rand.NewSource(1))); err == nil {
			t.Error("Expected error")
		}
	})
}

func TestRot90(t *testing.T) {
	// 1 2      k=1: 2 4
	// 3 4           1 3
	data := []float32{1, 2, 3, 4}
	rot90(data, 1, 2, 1, make([]float32, 4))
	if !reflect.DeepEqual(data, []float32{2, 4, 1, 3}) {
		t.Errorf("rot90 k=1 gave %v", data)
	}

	data = []float32{1, 2, 3, 4}
	rot90(data, 1, 2, 2, make([]float32, 4))
	if !reflect.DeepEqual(data, []float32{4, 3, 2, 1}) {
		t.Errorf("rot90 k=2 gave %v", data)
	}

	data = []float32{1, 2, 3, 4}
	rot90(data, 1, 2, 3, make([]float32, 4))
	if !reflect.DeepEqual(data, []float32{3, 1, 4, 2}) {
		t.Errorf("rot90 k=3 gave %v", data)
	}
}

func TestPairedAugmentConsistency(t *testing.T) {
	im := dataset.NewImages(64, 1, 4, 4, dataset.DomainUint8)
	for p := 0; p < 32; p++ {
		for j := 0; j < 16; j++ {
			v := float32(j)
			im.Example(2 * p)[j] = v
			im.Example(2*p + 1)[j] = v
		}
	}
	orig := im.Clone()

	cfg := PairedConfig{RotateProb: 0.5, FlipProb: 0.5}
	if err := PairedAugment(&im, cfg, rand.New(rand.NewSource(5))); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	changed := 0
	for p := 0; p < 32; p++ {
		a, b := im.Example(2*p), im.Example(2*p+1)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("pair %d members differ after augmentation", p)
		}
		if !reflect.DeepEqual(a, orig.Example(2*p)) {
			changed++
		}
	}
	if changed == 0 {
		t.Error("Expected some pairs to change")
	}
}

func TestPairedAugmentErrors(t *testing.T) {
	odd := rampImages(3, 1, 2, 2, dataset.DomainUint8)
	if err := PairedAugment(&odd, DefaultPairedConfig(), rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error for odd example count")
	}

	rect := rampImages(2, 1, 2, 3, dataset.DomainUint8)
	if err := PairedAugment(&rect, PairedConfig{RotateProb: 1}, rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error rotating non-square examples")
	}
}

func TestPairedAffineConsistency(t *testing.T) {
	im := dataset.NewImages(20, 1, 8, 8, dataset.DomainFloat)
	for p := 0; p < 10; p++ {
		for j := 0; j < 64; j++ {
			v := float32(j) / 64
			im.Example(2 * p)[j] = v
			im.Example(2*p + 1)[j] = v
		}
	}
	if err := PairedAffine(&im, SiameseAffineRanges(), 0.7, rand.New(rand.NewSource(9))); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for p := 0; p < 10; p++ {
		if !reflect.DeepEqual(im.Example(2*p), im.Example(2*p+1)) {
			t.Fatalf("pair %d members differ after paired affine", p)
		}
	}
}

func TestPipelineAndParallel(t *testing.T) {
	m := DefaultViewpointLabelMap()
	pipeline := Pipeline{
		FlipRelabel{Prob: 0.5, Map: m},
		Affine{Ranges: DefaultAffineRanges()},
	}

	run := func(workers int) (dataset.Images, []float32) {
		im := rampImages(40, 1, 6, 6, dataset.DomainUint8)
		y := make([]float32, 40)
		for i := range y {
			y[i] = float32(i % 8)
		}
		par := NewParallel(pipeline, 1, workers)
		if err := par.Augment(&im, y, rand.New(rand.NewSource(21))); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		return im, y
	}

	a, ya := run(4)
	b, yb := run(4)
	if !reflect.DeepEqual(a.Data, b.Data) || !reflect.DeepEqual(ya, yb) {
		t.Error("Parallel augmentation must be reproducible for a fixed seed and worker count")
	}
	if a.N != 40 || len(ya) != 40 {
		t.Errorf("Shape changed: %v, %d labels", a.Shape(), len(ya))
	}
}

func TestParallelKeepsPairsTogether(t *testing.T) {
	im := dataset.NewImages(16, 1, 4, 4, dataset.DomainUint8)
	for p := 0; p < 8; p++ {
		for j := 0; j < 16; j++ {
			im.Example(2 * p)[j] = float32(p*16 + j)
			im.Example(2*p + 1)[j] = float32(p*16 + j)
		}
	}
	y := make([]float32, 8)
	par := NewParallel(Paired{Config: PairedConfig{RotateProb: 1, FlipProb: 1}}, 2, 3)
	if err := par.Augment(&im, y, rand.New(rand.NewSource(2))); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for p := 0; p < 8; p++ {
		if !reflect.DeepEqual(im.Example(2*p), im.Example(2*p+1)) {
			t.Fatalf("pair %d split across chunks", p)
		}
		// pair values stay within the pair's own block
		for _, v := range im.Example(2 * p) {
			if int(v)/16 != p {
				t.Fatalf("pair %d holds value %v from another pair", p, v)
			}
		}
	}
}

func TestParallelRejectsShapeChange(t *testing.T) {
	shrink := AugmenterFunc(func(x *dataset.Images, y []float32, rng *rand.Rand) error {
		x.N--
		x.Data = x.Data[:x.N*x.ExampleSize()]
		return nil
	})
	im := rampImages(4, 1, 2, 2, dataset.DomainUint8)
	par := NewParallel(shrink, 1, 2)
	if err := par.Augment(&im, make([]float32, 4), rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error when an augmenter changes the shape")
	}
}
