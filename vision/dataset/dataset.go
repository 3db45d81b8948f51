package dataset

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// ErrDataShape reports examples/labels that disagree in length or
// dimensionality. It is always fatal and surfaced at load time.
var ErrDataShape = errors.New("data shape mismatch")

// Domain describes the numeric representation of pixel values
type Domain int

const (
	// DomainUint8 holds integer intensities in [0, 255] stored as float32
	DomainUint8 Domain = iota
	// DomainFloat holds floats in an arbitrary range
	DomainFloat
)

func (d Domain) String() string {
	switch d {
	case DomainUint8:
		return "uint8"
	case DomainFloat:
		return "float"
	default:
		return fmt.Sprintf("Unknown(%d)", int(d))
	}
}

// Layout is the axis order of an image array on disk
type Layout int

const (
	// NCHW is point × channel × height × width, the canonical in-memory layout
	NCHW Layout = iota
	// NHWC is point × height × width × channel
	NHWC
)

func (l Layout) String() string {
	switch l {
	case NCHW:
		return "NCHW"
	case NHWC:
		return "NHWC"
	default:
		return fmt.Sprintf("Unknown(%d)", int(l))
	}
}

// ParseLayout converts a layout name into a Layout
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "NCHW", "nchw":
		return NCHW, nil
	case "NHWC", "nhwc":
		return NHWC, nil
	default:
		return NCHW, errors.Errorf("unknown image layout %q", s)
	}
}

// Images is a dense NCHW block of examples.
type Images struct {
	Data   []float32
	N      int
	C      int
	H      int
	W      int
	Domain Domain
}

// NewImages allocates a zeroed block
func NewImages(n, c, h, w int, domain Domain) Images {
	return Images{
		Data:   make([]float32, n*c*h*w),
		N:      n,
		C:      c,
		H:      h,
		W:      w,
		Domain: domain,
	}
}

// ExampleSize returns the number of values in a single example
func (im *Images) ExampleSize() int {
	return im.C * im.H * im.W
}

// Example returns the backing slice of example i (not a copy)
func (im *Images) Example(i int) []float32 {
	size := im.ExampleSize()
	return im.Data[i*size : (i+1)*size]
}

// Plane returns channel c of example i
func (im *Images) Plane(i, c int) []float32 {
	plane := im.H * im.W
	start := i*im.ExampleSize() + c*plane
	return im.Data[start : start+plane]
}

// Clone returns a deep copy
func (im *Images) Clone() Images {
	out := *im
	out.Data = append([]float32(nil), im.Data...)
	return out
}

// Gather copies the listed examples, in order, into a new block
func (im *Images) Gather(indices []int) Images {
	out := NewImages(len(indices), im.C, im.H, im.W, im.Domain)
	size := im.ExampleSize()
	for dst, src := range indices {
		copy(out.Data[dst*size:(dst+1)*size], im.Data[src*size:(src+1)*size])
	}
	return out
}

// SameShape reports whether two blocks have identical dimensions
func (im *Images) SameShape(other *Images) bool {
	return im.N == other.N && im.C == other.C && im.H == other.H && im.W == other.W
}

// Shape returns the NCHW dimensions
func (im *Images) Shape() []int {
	return []int{im.N, im.C, im.H, im.W}
}

// Dataset is an aligned pair of examples and labels. Siamese datasets carry
// two examples per label (DataPerLabel == 2), stored consecutively.
type Dataset struct {
	Images       Images
	Labels       []float32
	DataPerLabel int
}

// New builds and validates a dataset
func New(images Images, labels []float32, dataPerLabel int) (*Dataset, error) {
	ds := &Dataset{Images: images, Labels: labels, DataPerLabel: dataPerLabel}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Validate checks the examples/labels invariant
func (d *Dataset) Validate() error {
	if d.DataPerLabel <= 0 {
		return errors.Wrapf(ErrDataShape, "data per label must be > 0 (got %d)", d.DataPerLabel)
	}
	im := &d.Images
	if im.N < 0 || im.C <= 0 || im.H <= 0 || im.W <= 0 {
		return errors.Wrapf(ErrDataShape, "invalid image dimensions %v", im.Shape())
	}
	if len(im.Data) != im.N*im.ExampleSize() {
		return errors.Wrapf(ErrDataShape, "image data has %d values, shape %v needs %d",
			len(im.Data), im.Shape(), im.N*im.ExampleSize())
	}
	if im.N != len(d.Labels)*d.DataPerLabel {
		return errors.Wrapf(ErrDataShape, "%d examples for %d labels at %d examples per label",
			im.N, len(d.Labels), d.DataPerLabel)
	}
	return nil
}

// Len returns the number of labels (label groups)
func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Take copies the listed label groups (and their examples) into a new dataset
func (d *Dataset) Take(groups []int) *Dataset {
	dpl := d.DataPerLabel
	examples := make([]int, 0, len(groups)*dpl)
	labels := make([]float32, len(groups))
	for i, g := range groups {
		labels[i] = d.Labels[g]
		for k := 0; k < dpl; k++ {
			examples = append(examples, g*dpl+k)
		}
	}
	return &Dataset{
		Images:       d.Images.Gather(examples),
		Labels:       labels,
		DataPerLabel: dpl,
	}
}

// LabelHistogram counts examples per (integer) label
func (d *Dataset) LabelHistogram() map[int]int {
	hist := make(map[int]int)
	for _, l := range d.Labels {
		hist[int(l)]++
	}
	return hist
}

// NumClasses returns the number of distinct integer labels
func (d *Dataset) NumClasses() int {
	return len(d.LabelHistogram())
}

// String returns a short description of the dataset
func (d *Dataset) String() string {
	hist := d.LabelHistogram()
	keys := make([]int, 0, len(hist))
	for k := range hist {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	s := fmt.Sprintf("Dataset(shape=%v, domain=%s, labels=%d, data_per_label=%d, histogram={",
		d.Images.Shape(), d.Images.Domain, len(d.Labels), d.DataPerLabel)
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d: %d", k, hist[k])
	}
	return s + "})"
}
