package async

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Chunk is a contiguous range [Start, End) of items handed to one task.
// Index is the chunk's position in the input, used to reassemble results.
type Chunk struct {
	Index int
	Start int
	End   int
}

// Len returns the number of items in the chunk
func (c Chunk) Len() int {
	return c.End - c.Start
}

// TaskFunc processes one chunk with an RNG owned by that chunk
type TaskFunc func(c Chunk, rng *rand.Rand) error

// Pool runs chunked work on a fixed number of goroutines. Chunks never
// overlap, so tasks may write to their own range of a shared output without
// further locking.
type Pool struct {
	workers int

	runs   atomic.Int64
	chunks atomic.Int64
	failed atomic.Int64
}

// PoolStats reports cumulative pool activity
type PoolStats struct {
	Workers int
	Runs    int64
	Chunks  int64
	Failed  int64
}

// String returns a one-line summary
func (ps PoolStats) String() string {
	return fmt.Sprintf("Pool: %d workers, Runs: %d, Chunks: %d, Failed: %d", ps.Workers, ps.Runs, ps.Chunks, ps.Failed)
}

// DefaultWorkers returns the number of physical cores, falling back to
// logical cores and finally to one
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// NewPool creates a pool with the given number of workers. workers <= 0
// selects DefaultWorkers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	return &Pool{workers: workers}
}

// Workers returns the configured worker count
func (p *Pool) Workers() int {
	return p.workers
}

// Split divides n items into at most p.Workers() chunks whose boundaries are
// multiples of align. n must be a multiple of align.
func (p *Pool) Split(n, align int) ([]Chunk, error) {
	if align <= 0 {
		return nil, errors.Errorf("chunk alignment must be > 0, got %d", align)
	}
	if n%align != 0 {
		return nil, errors.Errorf("%d items are not a multiple of alignment %d", n, align)
	}
	groups := n / align
	if groups == 0 {
		return nil, nil
	}

	numChunks := p.workers
	if numChunks > groups {
		numChunks = groups
	}
	chunks := make([]Chunk, numChunks)
	base, extra := groups/numChunks, groups%numChunks
	start := 0
	for i := range chunks {
		size := base
		if i < extra {
			size++
		}
		chunks[i] = Chunk{Index: i, Start: start * align, End: (start + size) * align}
		start += size
	}
	return chunks, nil
}

// Run splits n items into aligned chunks and calls fn for each concurrently.
// Each chunk gets its own RNG; the seeds are drawn from rng in chunk order
// before any task starts, so results are reproducible for a given parent
// RNG state and worker count. The first error in chunk order is returned.
func (p *Pool) Run(n, align int, rng *rand.Rand, fn TaskFunc) error {
	chunks, err := p.Split(n, align)
	if err != nil {
		return err
	}
	p.runs.Inc()
	if len(chunks) == 0 {
		return nil
	}

	seeds := make([]int64, len(chunks))
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	errs := make([]error, len(chunks))
	jobs := make(chan Chunk, len(chunks))
	var wg sync.WaitGroup

	for w := 0; w < len(chunks); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if err := fn(c, rand.New(rand.NewSource(seeds[c.Index]))); err != nil {
					errs[c.Index] = err
					p.failed.Inc()
				}
				p.chunks.Inc()
			}
		}()
	}

	for _, c := range chunks {
		jobs <- c
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "chunk %d", i)
		}
	}
	return nil
}

// Stats returns cumulative counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers: p.workers,
		Runs:    p.runs.Load(),
		Chunks:  p.chunks.Load(),
		Failed:  p.failed.Load(),
	}
}
