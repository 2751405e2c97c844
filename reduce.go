package lowbit

import (
	"math"

	"github.com/LynnColeArt/lowbit/compute/f32"
)

// Reductions used by the kernels: host-side reductions over device buffers
// and barrier-separated tree reductions inside a block.

// Sum computes the sum of the first n float32 elements
func (d DevicePtr) Sum(n int) float32 {
	return f32.Sum(d.Float32()[:n])
}

// AbsMax returns the largest absolute value of the first n float32 elements
func (d DevicePtr) AbsMax(n int) float32 {
	return f32.AbsMax(d.Float32()[:n])
}

// SumSquares computes the sum of squares of the first n float32 elements.
// Useful for L2 norm computation
func (d DevicePtr) SumSquares(n int) float32 {
	if n == 0 {
		return 0
	}
	return f32.SumSquares(d.Float32()[:n])
}

// blockReduce folds shared[:n] into shared[0] with op. Each level of the tree
// is one Threads phase; n must not exceed the block's thread count.
func blockReduce(b *Block, shared []float32, n int, op func(x, y float32) float32) float32 {
	for stride := nextPow2(n) / 2; stride > 0; stride /= 2 {
		b.Threads(func(t int) {
			if t < stride && t+stride < n {
				shared[t] = op(shared[t], shared[t+stride])
			}
		})
	}
	return shared[0]
}

func maxf(x, y float32) float32 {
	if y > x {
		return y
	}
	return x
}

func addf(x, y float32) float32 { return x + y }

func absf(x float32) float32 {
	return math.Float32frombits(math.Float32bits(x) &^ (1 << 31))
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
