package augment

import (
	"math"

	"github.com/reidnet/reidtrain/vision/dataset"
)

// flipLR mirrors every channel plane of an example left to right
func flipLR(example []float32, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		plane := example[ch*h*w : (ch+1)*h*w]
		for y := 0; y < h; y++ {
			row := plane[y*w : (y+1)*w]
			for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

// flipUD mirrors every channel plane of an example top to bottom
func flipUD(example []float32, c, h, w int) {
	for ch := 0; ch < c; ch++ {
		plane := example[ch*h*w : (ch+1)*h*w]
		for i, j := 0, h-1; i < j; i, j = i+1, j-1 {
			top := plane[i*w : (i+1)*w]
			bottom := plane[j*w : (j+1)*w]
			for x := 0; x < w; x++ {
				top[x], bottom[x] = bottom[x], top[x]
			}
		}
	}
}

// rot90 rotates every (square) plane counter-clockwise k quarter turns,
// matching numpy's rot90 on the spatial axes. scratch must hold n*n values.
func rot90(example []float32, c, n, k int, scratch []float32) {
	k = ((k % 4) + 4) % 4
	if k == 0 {
		return
	}
	for ch := 0; ch < c; ch++ {
		plane := example[ch*n*n : (ch+1)*n*n]
		copy(scratch, plane)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				var src int
				switch k {
				case 1:
					src = j*n + (n - 1 - i)
				case 2:
					src = (n-1-i)*n + (n - 1 - j)
				case 3:
					src = (n-1-j)*n + i
				}
				plane[i*n+j] = scratch[src]
			}
		}
	}
}

// valueRange returns the minimum and maximum of an example
func valueRange(example []float32) (float32, float32) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range example {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// clipToDomain brings interpolated values back into the example's domain:
// rounded and clamped to [0, 255] for uint8 data, clamped to [lo, hi] otherwise
func clipToDomain(example []float32, domain dataset.Domain, lo, hi float32) {
	if domain == dataset.DomainUint8 {
		for i, v := range example {
			switch {
			case v <= 0:
				example[i] = 0
			case v >= 255:
				example[i] = 255
			default:
				example[i] = float32(math.Round(float64(v)))
			}
		}
		return
	}
	for i, v := range example {
		if v < lo {
			example[i] = lo
		} else if v > hi {
			example[i] = hi
		}
	}
}
