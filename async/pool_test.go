package async

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestPoolSplit(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		n       int
		align   int
		want    []Chunk
	}{
		{
			name:    "EvenGroups",
			workers: 2,
			n:       8,
			align:   2,
			want:    []Chunk{{0, 0, 4}, {1, 4, 8}},
		},
		{
			name:    "UnevenGroups",
			workers: 3,
			n:       8,
			align:   2,
			want:    []Chunk{{0, 0, 4}, {1, 4, 6}, {2, 6, 8}},
		},
		{
			name:    "MoreWorkersThanGroups",
			workers: 8,
			n:       3,
			align:   1,
			want:    []Chunk{{0, 0, 1}, {1, 1, 2}, {2, 2, 3}},
		},
		{
			name:    "Empty",
			workers: 4,
			n:       0,
			align:   2,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewPool(tt.workers).Split(tt.n, tt.align)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := NewPool(2).Split(5, 2); err == nil {
		t.Error("Expected error for misaligned item count")
	}
}

func TestPoolRunPreservesOrder(t *testing.T) {
	pool := NewPool(4)
	in := make([]int, 100)
	for i := range in {
		in[i] = i
	}
	out := make([]int, len(in))

	err := pool.Run(len(in), 1, rand.New(rand.NewSource(1)), func(c Chunk, _ *rand.Rand) error {
		for i := c.Start; i < c.End; i++ {
			out[i] = in[i] * 2
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := range out {
		if out[i] != 2*i {
			t.Fatalf("out[%d] = %d, expected %d", i, out[i], 2*i)
		}
	}

	stats := pool.Stats()
	if stats.Runs != 1 || stats.Chunks != 4 || stats.Failed != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if !strings.Contains(stats.String(), "Runs: 1, Chunks: 4") {
		t.Errorf("Unexpected summary %q", stats.String())
	}
}

func TestPoolRunDeterministicSeeds(t *testing.T) {
	draw := func() []int64 {
		out := make([]int64, 6)
		pool := NewPool(3)
		err := pool.Run(6, 2, rand.New(rand.NewSource(7)), func(c Chunk, rng *rand.Rand) error {
			for i := c.Start; i < c.End; i++ {
				out[i] = rng.Int63()
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		return out
	}

	first, second := draw(), draw()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Runs with the same parent seed differ: %v vs %v", first, second)
	}
}

func TestPoolRunReturnsError(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(2)
	err := pool.Run(4, 1, rand.New(rand.NewSource(1)), func(c Chunk, _ *rand.Rand) error {
		if c.Index == 1 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped boom, got %v", err)
	}
	if pool.Stats().Failed != 1 {
		t.Errorf("Expected 1 failed chunk, got %d", pool.Stats().Failed)
	}
}

func TestDefaultWorkers(t *testing.T) {
	if DefaultWorkers() < 1 {
		t.Error("DefaultWorkers must be at least 1")
	}
	if NewPool(0).Workers() < 1 {
		t.Error("NewPool(0) must select at least one worker")
	}
}
