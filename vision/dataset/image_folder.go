package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/reidnet/reidtrain/vision/preprocessing"
)

// ImageFolderDataset indexes a directory structure where each subdirectory
// holds the images of one class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset scans root for class directories. Classes are indexed
// in lexical order of their directory names.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "list classes")
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		className := entry.Name()
		classIdx := len(dataset.classNames)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		var files []string
		for _, ext := range extensions {
			matches, err := filepath.Glob(filepath.Join(root, className, "*"+ext))
			if err != nil {
				continue
			}
			files = append(files, matches...)
		}
		sort.Strings(files)
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

// Len returns the number of images
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the class names indexed by label
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the number of images per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Load decodes every image to a size×size example with the given channel
// count and returns them as a uint8-domain dataset with one example per label.
func (d *ImageFolderDataset) Load(size, channels, workers int) (*Dataset, error) {
	processed, err := preprocessing.PreprocessBatch(d.imagePaths, size, channels, workers)
	if err != nil {
		return nil, err
	}
	if len(processed) == 0 {
		return nil, errors.New("no images decoded")
	}

	c := processed[0].Channels
	images := NewImages(len(processed), c, size, size, DomainUint8)
	for i, p := range processed {
		copy(images.Example(i), p.Data)
	}

	labels := make([]float32, len(d.labels))
	for i, l := range d.labels {
		labels[i] = float32(l)
	}
	return New(images, labels, 1)
}

// String returns a summary of the index
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}
	return sb.String()
}

// LoadImageFolder scans root and decodes its images in one step
func LoadImageFolder(root string, size, channels, workers int) (*Dataset, []string, error) {
	folder, err := NewImageFolderDataset(root, nil)
	if err != nil {
		return nil, nil, err
	}
	ds, err := folder.Load(size, channels, workers)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load %s", root)
	}
	return ds, folder.ClassNames(), nil
}
