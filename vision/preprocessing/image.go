package preprocessing

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ImageProcessor decodes images into fixed-size CHW pixel blocks with buffer reuse
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
	channels      int
}

// NewImageProcessor creates a processor producing targetSize×targetSize
// examples with the given channel count (1 for grayscale, 3 for RGB)
func NewImageProcessor(targetSize, channels int) *ImageProcessor {
	if channels != 1 {
		channels = 3
	}
	return &ImageProcessor{
		targetSize: targetSize,
		channels:   channels,
	}
}

// ProcessedImage is a decoded example in CHW order
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image and resamples it to the
// target size. Values stay on the 0–255 intensity scale so the result can be
// treated as uint8-domain pixels; normalisation happens in the batch iterator.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("decode image: empty bounds")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.targetSize
	plane := size * size
	requiredSize := p.channels * plane
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	// nearest-neighbour resample
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)
	for y := 0; y < size; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := y*size + x
			if p.channels == 1 {
				// ITU-R 601 luma
				data[idx] = float32(0.299*float64(r)+0.587*float64(g)+0.114*float64(b)) / 257.0
				continue
			}
			data[idx] = float32(r) / 257.0
			data[plane+idx] = float32(g) / 257.0
			data[2*plane+idx] = float32(b) / 257.0
		}
	}

	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    size,
		Height:   size,
		Channels: p.channels,
	}, nil
}

// DecodeFile opens and decodes a single image file
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return p.DecodeAndPreprocess(file)
}

// PreprocessBatch decodes multiple images concurrently. Results keep the
// order of imagePaths.
func PreprocessBatch(imagePaths []string, targetSize, channels, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize, channels)
			for j := range jobs {
				img, err := processor.DecodeFile(j.path)
				if err != nil {
					errs[j.index] = err
					continue
				}
				results[j.index] = img
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "process image %d (%s)", i, imagePaths[i])
		}
	}

	return results, nil
}
