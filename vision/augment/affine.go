package augment

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/reidnet/reidtrain/vision/dataset"
)

const tau = 2 * math.Pi

// AffineRanges bounds the random affine parameters. A zero zoom range
// disables scaling; zero maxima disable the corresponding component.
type AffineRanges struct {
	ZoomMin    float64 // lower bound of the scale factor (log-uniform)
	ZoomMax    float64 // upper bound of the scale factor
	MaxTheta   float64 // rotation, radians
	MaxShear   float64 // shear, radians
	MaxTx      float64 // horizontal translation, pixels
	MaxTy      float64 // vertical translation, pixels
	EnableFlip bool    // reflect half of the examples
	Isotropic  bool    // draw one scale for both axes
}

// DefaultAffineRanges returns the single-image perturbation ranges
func DefaultAffineRanges() AffineRanges {
	return AffineRanges{
		ZoomMin:  1 / 1.1,
		ZoomMax:  1.1,
		MaxTheta: tau / 32,
		MaxShear: tau / 16,
		MaxTx:    1,
		MaxTy:    1,
	}
}

// SiameseAffineRanges returns the ranges used for pair-consistent warps:
// isotropic zoom in [1, 1.7] plus random reflection
func SiameseAffineRanges() AffineRanges {
	return AffineRanges{
		ZoomMin:    1,
		ZoomMax:    1.7,
		EnableFlip: true,
		Isotropic:  true,
	}
}

func (r AffineRanges) zoomEnabled() bool {
	return r.ZoomMin != 0 || r.ZoomMax != 0
}

// Validate rejects malformed ranges
func (r AffineRanges) Validate() error {
	for name, v := range map[string]float64{
		"zoom_min": r.ZoomMin, "zoom_max": r.ZoomMax,
		"max_theta": r.MaxTheta, "max_shear": r.MaxShear,
		"max_tx": r.MaxTx, "max_ty": r.MaxTy,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("affine range %s is not finite", name)
		}
	}
	if r.zoomEnabled() {
		if r.ZoomMin <= 0 || r.ZoomMax <= 0 {
			return errors.Errorf("zoom range (%v, %v) must be positive", r.ZoomMin, r.ZoomMax)
		}
		if r.ZoomMin > r.ZoomMax {
			return errors.Errorf("zoom range min %v exceeds max %v", r.ZoomMin, r.ZoomMax)
		}
	}
	if r.MaxTheta < 0 || r.MaxShear < 0 || r.MaxTx < 0 || r.MaxTy < 0 {
		return errors.New("affine maxima must be non-negative")
	}
	return nil
}

// AffineArgs are the parameters of one affine transform
type AffineArgs struct {
	Sx, Sy float64
	Theta  float64
	Shear  float64
	Tx, Ty float64
}

// IdentityArgs returns the parameters of the identity transform
func IdentityArgs() AffineArgs {
	return AffineArgs{Sx: 1, Sy: 1}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

// RandomAffineArgs draws one set of affine parameters. Scale is sampled
// log-uniformly; a flip is folded in by adding pi to both rotation and shear,
// which reflects the x axis.
func RandomAffineArgs(r AffineRanges, rng *rand.Rand) AffineArgs {
	args := IdentityArgs()
	if r.zoomEnabled() {
		lo, hi := math.Log(r.ZoomMin), math.Log(r.ZoomMax)
		args.Sx = math.Exp(uniform(rng, lo, hi))
		if r.Isotropic {
			args.Sy = args.Sx
		} else {
			args.Sy = math.Exp(uniform(rng, lo, hi))
		}
	}
	args.Theta = uniform(rng, -r.MaxTheta, r.MaxTheta)
	args.Shear = uniform(rng, -r.MaxShear, r.MaxShear)
	args.Tx = uniform(rng, -r.MaxTx, r.MaxTx)
	args.Ty = uniform(rng, -r.MaxTy, r.MaxTy)

	if r.EnableFlip && rng.Intn(2) > 0 {
		args.Theta += math.Pi
		args.Shear += math.Pi
	}
	return args
}

// Matrix returns the 3x3 transform
//
//	| sx*cos(t)  -sy*sin(t+s)  tx |
//	| sx*sin(t)   sy*cos(t+s)  ty |
//	|    0            0         1 |
func (a AffineArgs) Matrix() *mat.Dense {
	sin1, cos1 := math.Sincos(a.Theta)
	sin2, cos2 := math.Sincos(a.Theta + a.Shear)
	return mat.NewDense(3, 3, []float64{
		a.Sx * cos1, -a.Sy * sin2, a.Tx,
		a.Sx * sin1, a.Sy * cos2, a.Ty,
		0, 0, 1,
	})
}

// MatrixAround returns the transform applied about the point (cx, cy)
func (a AffineArgs) MatrixAround(cx, cy float64) *mat.Dense {
	to := mat.NewDense(3, 3, []float64{1, 0, cx, 0, 1, cy, 0, 0, 1})
	from := mat.NewDense(3, 3, []float64{1, 0, -cx, 0, 1, -cy, 0, 0, 1})
	var m mat.Dense
	m.Product(to, a.Matrix(), from)
	return &m
}

// warper applies one transform to examples of a fixed geometry
type warper struct {
	inv     *mat.Dense
	c, h, w int
	src     []float32
}

// newWarper prepares the destination-to-source map for args applied around
// the image centre
func newWarper(args AffineArgs, c, h, w int) (*warper, error) {
	fwd := args.MatrixAround(float64(w)/2, float64(h)/2)
	var inv mat.Dense
	if err := inv.Inverse(fwd); err != nil {
		return nil, errors.Wrapf(err, "affine transform %+v is not invertible", args)
	}
	return &warper{inv: &inv, c: c, h: h, w: w, src: make([]float32, c*h*w)}, nil
}

// warp transforms an example in place using bilinear sampling with a
// constant zero border, then clips the result to the example's domain
func (wp *warper) warp(example []float32, domain dataset.Domain) {
	lo, hi := valueRange(example)
	copy(wp.src, example)

	a, b, c := wp.inv.At(0, 0), wp.inv.At(0, 1), wp.inv.At(0, 2)
	d, e, f := wp.inv.At(1, 0), wp.inv.At(1, 1), wp.inv.At(1, 2)
	h, w := wp.h, wp.w
	plane := h * w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx := a*float64(x) + b*float64(y) + c
			sy := d*float64(x) + e*float64(y) + f

			x0 := int(math.Floor(sx))
			y0 := int(math.Floor(sy))
			fx := float32(sx - float64(x0))
			fy := float32(sy - float64(y0))

			for ch := 0; ch < wp.c; ch++ {
				src := wp.src[ch*plane : (ch+1)*plane]
				at := func(px, py int) float32 {
					if px < 0 || py < 0 || px >= w || py >= h {
						return 0
					}
					return src[py*w+px]
				}
				top := at(x0, y0)*(1-fx) + at(x0+1, y0)*fx
				bottom := at(x0, y0+1)*(1-fx) + at(x0+1, y0+1)*fx
				example[ch*plane+y*w+x] = top*(1-fy) + bottom*fy
			}
		}
	}

	clipToDomain(example, domain, lo, hi)
}

// WarpExample applies args around the centre of a single example in place
func WarpExample(example []float32, c, h, w int, domain dataset.Domain, args AffineArgs) error {
	if len(example) != c*h*w {
		return errors.Wrapf(dataset.ErrDataShape, "example has %d values, want %d", len(example), c*h*w)
	}
	wp, err := newWarper(args, c, h, w)
	if err != nil {
		return err
	}
	wp.warp(example, domain)
	return nil
}

// AffinePerturb warps every example with its own independently drawn transform
func AffinePerturb(x *dataset.Images, r AffineRanges, rng *rand.Rand) error {
	if err := r.Validate(); err != nil {
		return err
	}
	for i := 0; i < x.N; i++ {
		args := RandomAffineArgs(r, rng)
		if err := WarpExample(x.Example(i), x.C, x.H, x.W, x.Domain, args); err != nil {
			return errors.Wrapf(err, "example %d", i)
		}
	}
	return nil
}

// Affine is an Augmenter applying AffinePerturb
type Affine struct {
	Ranges AffineRanges
}

// Augment implements Augmenter
func (a Affine) Augment(x *dataset.Images, _ []float32, rng *rand.Rand) error {
	return AffinePerturb(x, a.Ranges, rng)
}
