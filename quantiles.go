package lowbit

import (
	"math"
	"slices"
)

const quantileThreads = 512

// QuantilesWorkspace returns the shared bytes one EstimateQuantiles block
// uses: the 4096-element tile it sorts.
func QuantilesWorkspace() int {
	return QuantileTileSize * 4
}

// EstimateQuantiles approximates the 256 quantiles of A. A is processed in
// tiles of 4096 elements; each tile is sorted, with a partial last tile
// padded by the largest value of A's element type, and sampled at the
// positions offset + k*(1-2*offset)/255 of its valid items. The returned
// estimate is the mean of the tile estimates, accumulated in tile order.
// offset defaults to 1/512 when it is not positive.
func (ctx *Context) EstimateQuantiles(A Tensor, offset float32) ([NumQuantiles]float32, error) {
	var code [NumQuantiles]float32
	const op = "EstimateQuantiles"

	n := A.Len()
	if n == 0 {
		return code, NewInvalidArgError(op, "empty input")
	}
	if offset <= 0 {
		offset = 1.0 / 512
	}
	if offset >= 0.5 {
		return code, NewInvalidArgError(op, "offset must be below 0.5")
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageTensor(s, A, stageIn)
	tiles := (n + QuantileTileSize - 1) / QuantileTileSize
	partial := stageSlice(s, make([]float32, tiles*NumQuantiles), stageOut)
	if err := s.Err(); err != nil {
		return code, err
	}

	sentinel := A.DType.MaxValue()
	interval := (1 - 2*offset) / float32(NumQuantiles-1)
	err := ctx.run(LaunchConfig{
		Name:      op,
		Grid:      gridFor(n, QuantileTileSize),
		Block:     Dim3{X: quantileThreads},
		SharedMem: QuantilesWorkspace(),
	}, func(b *Block) {
		tile := b.SharedFloat32(0, QuantileTileSize)
		base := b.Linear() * QuantileTileSize
		valid := min(QuantileTileSize, n-base)
		per := QuantileTileSize / quantileThreads

		b.Threads(func(t int) {
			for j := t * per; j < (t+1)*per; j++ {
				if j < valid {
					tile[j] = dA.At(base + j)
				} else {
					tile[j] = sentinel
				}
			}
		})
		b.Threads(func(t int) {
			if t == 0 {
				slices.Sort(tile)
			}
		})
		out := partial[b.Linear()*NumQuantiles:]
		b.Threads(func(t int) {
			if t >= NumQuantiles {
				return
			}
			pos := float64(offset+float32(t)*interval) * float64(valid-1)
			lo := int(math.Floor(pos))
			hi := min(lo+1, valid-1)
			frac := float32(pos - float64(lo))
			out[t] = tile[lo] + (tile[hi]-tile[lo])*frac
		})
	})
	if err != nil {
		return code, err
	}

	for tIdx := 0; tIdx < tiles; tIdx++ {
		for k := range code {
			code[k] += partial[tIdx*NumQuantiles+k] / float32(tiles)
		}
	}
	return code, s.commit()
}
