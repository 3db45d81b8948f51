package dataset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// sequentialDataset builds n labels with dpl examples each. Every value of
// example i equals i, so examples can be traced through shuffles.
func sequentialDataset(t *testing.T, n, dpl int) *Dataset {
	t.Helper()
	images := NewImages(n*dpl, 1, 2, 2, DomainUint8)
	for i := 0; i < images.N; i++ {
		for j := range images.Example(i) {
			images.Example(i)[j] = float32(i)
		}
	}
	labels := make([]float32, n)
	for i := range labels {
		labels[i] = float32(i % 3)
	}
	ds, err := New(images, labels, dpl)
	if err != nil {
		t.Fatalf("Failed to build dataset: %v", err)
	}
	return ds
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		images Images
		labels []float32
		dpl    int
	}{
		{"LabelMismatch", NewImages(4, 1, 2, 2, DomainUint8), make([]float32, 3), 1},
		{"PairMismatch", NewImages(5, 1, 2, 2, DomainUint8), make([]float32, 2), 2},
		{"ZeroDataPerLabel", NewImages(2, 1, 2, 2, DomainUint8), make([]float32, 2), 0},
		{"ShortData", Images{Data: make([]float32, 3), N: 1, C: 1, H: 2, W: 2}, make([]float32, 1), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.images, tt.labels, tt.dpl)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !errors.Is(err, ErrDataShape) {
				t.Errorf("Expected ErrDataShape, got %v", err)
			}
		})
	}
}

func TestTakeKeepsGroups(t *testing.T) {
	ds := sequentialDataset(t, 4, 2)
	sub := ds.Take([]int{3, 1})

	if sub.Len() != 2 || sub.Images.N != 4 {
		t.Fatalf("Expected 2 labels and 4 examples, got %d and %d", sub.Len(), sub.Images.N)
	}
	wantFirst := []float32{6, 7, 2, 3}
	for i, want := range wantFirst {
		if got := sub.Images.Example(i)[0]; got != want {
			t.Errorf("Example %d: expected %v, got %v", i, want, got)
		}
	}

	// copies, not views
	sub.Images.Data[0] = -1
	if ds.Images.Example(6)[0] != 6 {
		t.Error("Take must not alias the source data")
	}
}

func TestSplit(t *testing.T) {
	ds := sequentialDataset(t, 50, 2)

	splits, err := Split(ds, DefaultSplitConfig())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if splits.Valid.Len() != 10 {
		t.Errorf("Expected 10 validation labels, got %d", splits.Valid.Len())
	}
	if splits.Test.Len() != 4 {
		t.Errorf("Expected 4 test labels, got %d", splits.Test.Len())
	}
	if splits.Train.Len() != 36 {
		t.Errorf("Expected 36 training labels, got %d", splits.Train.Len())
	}

	// every pair stays together and every source pair appears exactly once
	seen := make(map[int]int)
	for _, part := range []*Dataset{splits.Train, splits.Valid, splits.Test} {
		if err := part.Validate(); err != nil {
			t.Fatalf("Invalid partition: %v", err)
		}
		for g := 0; g < part.Len(); g++ {
			a := int(part.Images.Example(2 * g)[0])
			b := int(part.Images.Example(2*g + 1)[0])
			if a%2 != 0 || b != a+1 {
				t.Fatalf("Pair broken: examples %d and %d", a, b)
			}
			seen[a/2]++
		}
	}
	if len(seen) != 50 {
		t.Errorf("Expected 50 distinct groups, got %d", len(seen))
	}
	for g, c := range seen {
		if c != 1 {
			t.Errorf("Group %d appears %d times", g, c)
		}
	}

	again, err := Split(ds, DefaultSplitConfig())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(again.Train.Images.Data, splits.Train.Images.Data) {
		t.Error("Split with the same seed must be reproducible")
	}
}

func TestSplitRejectsBadFractions(t *testing.T) {
	ds := sequentialDataset(t, 10, 1)
	if _, err := Split(ds, SplitConfig{ValidFraction: 1.2}); err == nil {
		t.Error("Expected error for valid fraction > 1")
	}
	if _, err := Split(ds, SplitConfig{TestFraction: -0.1}); err == nil {
		t.Error("Expected error for negative test fraction")
	}
}

func TestNpyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.npy")
	labelsPath := filepath.Join(dir, "labels.npy")

	ds := sequentialDataset(t, 3, 2)
	if err := SaveNpy(ds, dataPath, labelsPath); err != nil {
		t.Fatalf("SaveNpy failed: %v", err)
	}

	loaded, err := LoadNpy(dataPath, labelsPath, LoadOptions{Layout: NCHW, DataPerLabel: 2})
	if err != nil {
		t.Fatalf("LoadNpy failed: %v", err)
	}
	if loaded.Images.Domain != DomainUint8 {
		t.Errorf("Expected uint8 domain, got %s", loaded.Images.Domain)
	}
	if !reflect.DeepEqual(loaded.Images.Shape(), ds.Images.Shape()) {
		t.Errorf("Shape mismatch: %v vs %v", loaded.Images.Shape(), ds.Images.Shape())
	}
	if !reflect.DeepEqual(loaded.Images.Data, ds.Images.Data) {
		t.Error("Image data changed in round trip")
	}
	if !reflect.DeepEqual(loaded.Labels, ds.Labels) {
		t.Errorf("Labels changed: %v vs %v", loaded.Labels, ds.Labels)
	}

	if _, err := LoadNpy(dataPath, labelsPath, LoadOptions{DataPerLabel: 1}); !errors.Is(err, ErrDataShape) {
		t.Errorf("Expected ErrDataShape for wrong data per label, got %v", err)
	}
}

func TestNHWCConversion(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.npy")
	labelsPath := filepath.Join(dir, "labels.npy")

	// one example, 1x2 spatial, 3 channels stored as NCHW but re-read as NHWC
	images := Images{Data: []float32{1, 2, 3, 4, 5, 6}, N: 1, C: 1, H: 2, W: 3, Domain: DomainFloat}
	ds, err := New(images, []float32{0}, 1)
	if err != nil {
		t.Fatalf("Failed to build dataset: %v", err)
	}
	if err := SaveNpy(ds, dataPath, labelsPath); err != nil {
		t.Fatalf("SaveNpy failed: %v", err)
	}

	// file shape (1,1,2,3) read as N=1,H=1,W=2,C=3
	loaded, err := LoadNpy(dataPath, labelsPath, LoadOptions{Layout: NHWC})
	if err != nil {
		t.Fatalf("LoadNpy failed: %v", err)
	}
	if !reflect.DeepEqual(loaded.Images.Shape(), []int{1, 3, 1, 2}) {
		t.Fatalf("Expected shape [1 3 1 2], got %v", loaded.Images.Shape())
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	if !reflect.DeepEqual(loaded.Images.Data, want) {
		t.Errorf("Expected %v, got %v", want, loaded.Images.Data)
	}
}

// writeRawNpy writes a version 1.0 file the way numpy does, padding the
// header with spaces to a multiple of 64 bytes
func writeRawNpy(t *testing.T, path, descr string, shape string, order binary.ByteOrder, data interface{}) {
	t.Helper()
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shape)
	pad := 64 - (10+len(dict)+1)%64
	dict += strings.Repeat(" ", pad%64) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(dict)))
	buf.WriteString(dict)
	if err := binary.Write(&buf, order, data); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadNpyInt64Labels(t *testing.T) {
	tests := []struct {
		name  string
		descr string
		order binary.ByteOrder
		data  interface{}
	}{
		{"little endian int64", "<i8", binary.LittleEndian, []int64{0, 2, 1}},
		{"big endian int64", ">i8", binary.BigEndian, []int64{0, 2, 1}},
		{"uint64", "<u8", binary.LittleEndian, []uint64{0, 2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			dataPath := filepath.Join(dir, "data.npy")
			labelsPath := filepath.Join(dir, "labels.npy")

			ds := sequentialDataset(t, 3, 1)
			if err := SaveNpy(ds, dataPath, labelsPath); err != nil {
				t.Fatalf("SaveNpy failed: %v", err)
			}
			writeRawNpy(t, labelsPath, tt.descr, "(3,)", tt.order, tt.data)

			loaded, err := LoadNpy(dataPath, labelsPath, LoadOptions{})
			if err != nil {
				t.Fatalf("LoadNpy failed: %v", err)
			}
			if want := []float32{0, 2, 1}; !reflect.DeepEqual(loaded.Labels, want) {
				t.Errorf("Expected labels %v, got %v", want, loaded.Labels)
			}
		})
	}
}

func TestLoadNpyInt64Examples(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.npy")
	labelsPath := filepath.Join(dir, "labels.npy")

	writeRawNpy(t, dataPath, "<i8", "(2, 2, 2)", binary.LittleEndian, []int64{0, 10, 20, 30, 40, 50, 60, 255})
	writeRawNpy(t, labelsPath, "<i8", "(2,)", binary.LittleEndian, []int64{1, 0})

	loaded, err := LoadNpy(dataPath, labelsPath, LoadOptions{})
	if err != nil {
		t.Fatalf("LoadNpy failed: %v", err)
	}
	if !reflect.DeepEqual(loaded.Images.Shape(), []int{2, 1, 2, 2}) {
		t.Errorf("Expected shape [2 1 2 2], got %v", loaded.Images.Shape())
	}
	if loaded.Images.Domain != DomainUint8 {
		t.Errorf("Expected uint8 domain for byte range int64 pixels, got %s", loaded.Images.Domain)
	}
	if loaded.Images.Data[7] != 255 {
		t.Errorf("Expected last pixel 255, got %v", loaded.Images.Data[7])
	}
}

func TestIntegerDomain(t *testing.T) {
	tests := []struct {
		name   string
		pixels []int32
		want   Domain
	}{
		{"byte range", []int32{0, 17, 128, 255}, DomainUint8},
		{"above 255", []int32{0, 300, 1000, 4095}, DomainFloat},
		{"negative", []int32{-5, 0, 1, 2}, DomainFloat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			dataPath := filepath.Join(dir, "data.npy")
			labelsPath := filepath.Join(dir, "labels.npy")

			images := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(tt.pixels))
			if err := writeNpy(images, dataPath); err != nil {
				t.Fatal(err)
			}
			labels := tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{0}))
			if err := writeNpy(labels, labelsPath); err != nil {
				t.Fatal(err)
			}

			loaded, err := LoadNpy(dataPath, labelsPath, LoadOptions{})
			if err != nil {
				t.Fatalf("LoadNpy failed: %v", err)
			}
			if loaded.Images.Domain != tt.want {
				t.Errorf("Expected %s domain, got %s", tt.want, loaded.Images.Domain)
			}
			if loaded.Images.Data[1] != float32(tt.pixels[1]) {
				t.Errorf("Expected pixel %d unchanged, got %v", tt.pixels[1], loaded.Images.Data[1])
			}
		})
	}
}

func TestReadNpyRejectsBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.npy")
	if err := os.WriteFile(path, []byte("PK\x03\x04 this is a zip archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readNpy(path); err == nil {
		t.Error("Expected error for non-npy file")
	}
}

func TestParseLayout(t *testing.T) {
	if l, err := ParseLayout("nhwc"); err != nil || l != NHWC {
		t.Errorf("Expected NHWC, got %v (%v)", l, err)
	}
	if _, err := ParseLayout("HWC"); err == nil {
		t.Error("Expected error for unknown layout")
	}
}
