package dataset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// LoadOptions controls how array files are interpreted
type LoadOptions struct {
	Layout       Layout // axis order of the examples file
	DataPerLabel int    // examples per label; 0 means 1
}

// LoadNpy reads an examples array and a labels array saved by numpy.
// Examples must be 4-D (or 3-D, in which case a single channel is assumed);
// they are converted to NCHW before the dataset is returned. Integer pixel
// arrays whose values all fit in a byte yield DomainUint8; floating point
// arrays and wider integer ranges yield DomainFloat.
func LoadNpy(dataPath, labelsPath string, opts LoadOptions) (*Dataset, error) {
	if opts.DataPerLabel <= 0 {
		opts.DataPerLabel = 1
	}

	data, err := readNpy(dataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read examples %s", dataPath)
	}
	labels, err := readNpy(labelsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read labels %s", labelsPath)
	}

	images, err := imagesFromTensor(data, opts.Layout)
	if err != nil {
		return nil, err
	}

	if labels.Dims() != 1 {
		return nil, errors.Wrapf(ErrDataShape, "labels must be 1-D, got shape %v", labels.Shape())
	}
	labelValues, _, err := toFloat32(labels.Data())
	if err != nil {
		return nil, errors.Wrap(err, "labels")
	}

	return New(images, labelValues, opts.DataPerLabel)
}

// SaveNpy writes a dataset as two numpy arrays in NCHW order. Uint8-domain
// images are written as u1 so that a reload reproduces the same domain.
func SaveNpy(ds *Dataset, dataPath, labelsPath string) error {
	im := &ds.Images
	var backing interface{}
	if im.Domain == DomainUint8 {
		pixels := make([]uint8, len(im.Data))
		for i, v := range im.Data {
			pixels[i] = roundByte(v)
		}
		backing = pixels
	} else {
		backing = append([]float32(nil), im.Data...)
	}
	images := tensor.New(tensor.WithShape(im.N, im.C, im.H, im.W), tensor.WithBacking(backing))
	if err := writeNpy(images, dataPath); err != nil {
		return errors.Wrapf(err, "write examples %s", dataPath)
	}

	labels := tensor.New(tensor.WithShape(len(ds.Labels)), tensor.WithBacking(append([]float32(nil), ds.Labels...)))
	if err := writeNpy(labels, labelsPath); err != nil {
		return errors.Wrapf(err, "write labels %s", labelsPath)
	}
	return nil
}

var (
	npyMagic   = []byte("\x93NUMPY")
	descrRe    = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRe  = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShapeRe = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// npyHeader is the parsed preamble of a .npy file
type npyHeader struct {
	descr   string
	fortran bool
	shape   []int
	size    int // bytes before the array data
}

func readNpy(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<17)
	hdr, err := peekNpyHeader(r)
	if err != nil {
		return nil, err
	}
	switch hdr.descr {
	case "<i8", ">i8", "<u8", ">u8":
		// numpy's default integer dtype; decoded here so label files written
		// with np.save(np.array([...])) load as is
		return readWideInts(r, hdr)
	}

	t := new(tensor.Dense)
	if err := t.ReadNpy(r); err != nil {
		return nil, err
	}
	return t, nil
}

// peekNpyHeader parses the header without consuming it
func peekNpyHeader(r *bufio.Reader) (npyHeader, error) {
	pre, err := r.Peek(12)
	if err != nil {
		return npyHeader{}, errors.Wrap(err, "npy preamble")
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return npyHeader{}, errors.New("not an npy file")
	}

	var hlen, start int
	switch pre[6] {
	case 1:
		hlen, start = int(binary.LittleEndian.Uint16(pre[8:10])), 10
	case 2, 3:
		hlen, start = int(binary.LittleEndian.Uint32(pre[8:12])), 12
	default:
		return npyHeader{}, errors.Errorf("unsupported npy version %d.%d", pre[6], pre[7])
	}
	buf, err := r.Peek(start + hlen)
	if err != nil {
		return npyHeader{}, errors.Wrap(err, "npy header")
	}
	dict := string(buf[start:])

	hdr := npyHeader{size: start + hlen}
	m := descrRe.FindStringSubmatch(dict)
	if m == nil {
		return npyHeader{}, errors.Errorf("npy header has no descr: %q", dict)
	}
	hdr.descr = m[1]
	if m := fortranRe.FindStringSubmatch(dict); m != nil {
		hdr.fortran = m[1] == "True"
	}
	m = npyShapeRe.FindStringSubmatch(dict)
	if m == nil {
		return npyHeader{}, errors.Errorf("npy header has no shape: %q", dict)
	}
	for _, s := range strings.Split(m[1], ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := strconv.Atoi(s)
		if err != nil || d < 0 {
			return npyHeader{}, errors.Errorf("bad npy dimension %q", s)
		}
		hdr.shape = append(hdr.shape, d)
	}
	return hdr, nil
}

// readWideInts decodes 8-byte integer arrays in either byte order
func readWideInts(r *bufio.Reader, hdr npyHeader) (*tensor.Dense, error) {
	if hdr.fortran {
		return nil, errors.New("fortran ordered arrays are not supported")
	}
	if _, err := r.Discard(hdr.size); err != nil {
		return nil, errors.Wrap(err, "skip npy header")
	}

	shape := hdr.shape
	if len(shape) == 0 {
		shape = []int{1}
	}
	n := 1
	for _, d := range shape {
		n *= d
	}

	var order binary.ByteOrder = binary.LittleEndian
	if hdr.descr[0] == '>' {
		order = binary.BigEndian
	}
	var backing interface{}
	if hdr.descr[1] == 'i' {
		backing = make([]int64, n)
	} else {
		backing = make([]uint64, n)
	}
	if err := binary.Read(r, order, backing); err != nil {
		return nil, errors.Wrapf(err, "read %d %s values", n, hdr.descr)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
}

func writeNpy(t *tensor.Dense, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := t.WriteNpy(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// imagesFromTensor normalises the array to NCHW at the boundary
func imagesFromTensor(t *tensor.Dense, layout Layout) (Images, error) {
	shape := append([]int(nil), t.Shape()...)
	switch len(shape) {
	case 3:
		// (N, H, W): grayscale without a channel axis
		if layout == NHWC {
			shape = append(shape, 1)
		} else {
			shape = []int{shape[0], 1, shape[1], shape[2]}
		}
		if err := t.Reshape(shape...); err != nil {
			return Images{}, errors.Wrap(err, "reshape grayscale examples")
		}
	case 4:
	default:
		return Images{}, errors.Wrapf(ErrDataShape, "examples must be 3-D or 4-D, got shape %v", shape)
	}

	if layout == NHWC {
		if err := t.T(0, 3, 1, 2); err != nil {
			return Images{}, errors.Wrap(err, "transpose NHWC to NCHW")
		}
		if err := t.Transpose(); err != nil {
			return Images{}, errors.Wrap(err, "transpose NHWC to NCHW")
		}
		shape = []int{shape[0], shape[3], shape[1], shape[2]}
	}

	values, integer, err := toFloat32(t.Data())
	if err != nil {
		return Images{}, errors.Wrap(err, "examples")
	}
	domain := DomainFloat
	if integer && byteRange(values) {
		domain = DomainUint8
	}
	return Images{
		Data:   values,
		N:      shape[0],
		C:      shape[1],
		H:      shape[2],
		W:      shape[3],
		Domain: domain,
	}, nil
}

// toFloat32 converts a tensor backing slice. The boolean reports whether the
// source held integers.
func toFloat32(data interface{}) ([]float32, bool, error) {
	switch d := data.(type) {
	case []float32:
		return append([]float32(nil), d...), false, nil
	case []float64:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, false, nil
	case []uint8:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, true, nil
	case []int:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, true, nil
	case []int64:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, true, nil
	case []int32:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, true, nil
	case []int16:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, true, nil
	case []uint64:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, true, nil
	default:
		return nil, false, errors.Errorf("unsupported array element type %T", data)
	}
}

// byteRange reports whether every value is a valid 8-bit pixel
func byteRange(values []float32) bool {
	for _, v := range values {
		if v < 0 || v > 255 {
			return false
		}
	}
	return true
}

func roundByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
