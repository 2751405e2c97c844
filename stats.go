package lowbit

import (
	"fmt"
	"math"
	"sync/atomic"
)

// ColRowStats holds the per-row and per-column absmax of a matrix and the
// number of outliers found in every row.
type ColRowStats struct {
	RowStats []float32
	ColStats []float32
	NnzRows  []int32
}

// COO is a sparse matrix in coordinate format. Entries of a COO produced by
// DoubleRowColQuant are in row-major order.
type COO struct {
	Rows, Cols int
	RowIdx     []int32
	ColIdx     []int32
	Values     []float32
}

// Nnz returns the number of stored entries.
func (c COO) Nnz() int {
	return len(c.Values)
}

// Dense expands the matrix into a row-major slice. Duplicate coordinates
// are summed.
func (c COO) Dense() []float32 {
	out := make([]float32, c.Rows*c.Cols)
	for i, v := range c.Values {
		out[int(c.RowIdx[i])*c.Cols+int(c.ColIdx[i])] += v
	}
	return out
}

func (c COO) validate(op string) error {
	if len(c.RowIdx) != len(c.Values) || len(c.ColIdx) != len(c.Values) {
		return NewInvalidArgError(op, fmt.Sprintf("coo index lengths %d/%d do not match %d values", len(c.RowIdx), len(c.ColIdx), len(c.Values)))
	}
	return nil
}

// IsOutlier reports whether v is an outlier under threshold. A threshold of
// zero disables outlier handling.
func IsOutlier(v, threshold float32) bool {
	return threshold > 0 && absf(v) >= threshold
}

// NnzRowOffsets returns the exclusive prefix sum of nnzRows, a CSR row
// pointer with len(nnzRows)+1 entries.
func NnzRowOffsets(nnzRows []int32) []int32 {
	out := make([]int32, len(nnzRows)+1)
	for i, n := range nnzRows {
		out[i+1] = out[i] + n
	}
	return out
}

// StatsWorkspace returns the shared bytes of one GetColRowStats block.
func StatsWorkspace() int {
	return StatsTileRows * StatsTileThreads * 4
}

// GetColRowStats computes the absmax of every row and column of the
// rows x cols row-major matrix A. With a positive threshold, outliers are
// left out of both statistics and counted per row instead.
func (ctx *Context) GetColRowStats(A Tensor, rows, cols int, threshold float32) (ColRowStats, error) {
	const op = "GetColRowStats"
	if rows <= 0 || cols <= 0 {
		return ColRowStats{}, NewInvalidArgError(op, fmt.Sprintf("invalid shape %dx%d", rows, cols))
	}
	if err := A.check(op, "A", rows*cols); err != nil {
		return ColRowStats{}, err
	}

	stats := ColRowStats{
		RowStats: make([]float32, rows),
		ColStats: make([]float32, cols),
		NnzRows:  make([]int32, rows),
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageTensor(s, A, stageIn)
	rowStats := stageSlice(s, stats.RowStats, stageOut)
	colStats := stageSlice(s, stats.ColStats, stageOut)
	nnz := stageSlice(s, stats.NnzRows, stageOut)
	if err := s.Err(); err != nil {
		return ColRowStats{}, err
	}

	err := ctx.run(LaunchConfig{
		Name:      op,
		Grid:      Dim3{X: (cols + StatsTileCols - 1) / StatsTileCols, Y: (rows + StatsTileRows - 1) / StatsTileRows},
		Block:     Dim3{X: StatsTileThreads},
		SharedMem: StatsWorkspace(),
	}, func(b *Block) {
		rowPart := b.SharedFloat32(0, StatsTileRows*StatsTileThreads)
		row0 := b.Idx.Y * StatsTileRows
		col0 := b.Idx.X * StatsTileCols

		b.Threads(func(t int) {
			var colMax [StatsTileItems]float32
			for r := 0; r < StatsTileRows; r++ {
				row := row0 + r
				if row >= rows {
					break
				}
				var rowMax float32
				var outliers int32
				for j := 0; j < StatsTileItems; j++ {
					col := col0 + t*StatsTileItems + j
					if col >= cols {
						break
					}
					v := dA.At(row*cols + col)
					if IsOutlier(v, threshold) {
						outliers++
						continue
					}
					a := absf(v)
					rowMax = maxf(rowMax, a)
					colMax[j] = maxf(colMax[j], a)
				}
				rowPart[r*StatsTileThreads+t] = rowMax
				if outliers > 0 {
					atomic.AddInt32(&nnz[row], outliers)
				}
			}
			for j, m := range colMax {
				if col := col0 + t*StatsTileItems + j; col < cols {
					atomicMaxFloat32(&colStats[col], m)
				}
			}
		})
		b.Threads(func(t int) {
			if t >= StatsTileRows || row0+t >= rows {
				return
			}
			var m float32
			for _, v := range rowPart[t*StatsTileThreads : (t+1)*StatsTileThreads] {
				m = maxf(m, v)
			}
			atomicMaxFloat32(&rowStats[row0+t], m)
		})
	})
	if err != nil {
		return ColRowStats{}, err
	}
	return stats, s.commit()
}

// RowColQuant is the result of DoubleRowColQuant: A quantized to int8 once
// normalized by its row absmax and once by its column absmax, with the
// outliers split out.
type RowColQuant struct {
	OutRow   []int8
	OutCol   []int8
	Outliers COO
}

const rowQuantThreads = 64

// DoubleRowColQuant quantizes A with round(127*v/stat) against both the row
// and the column statistics. Outliers under threshold are zeroed in both
// copies and emitted once to the COO matrix, in row-major order. stats must
// come from GetColRowStats with the same threshold.
func (ctx *Context) DoubleRowColQuant(A Tensor, stats ColRowStats, threshold float32, rows, cols int) (RowColQuant, error) {
	const op = "DoubleRowColQuant"
	if rows <= 0 || cols <= 0 {
		return RowColQuant{}, NewInvalidArgError(op, fmt.Sprintf("invalid shape %dx%d", rows, cols))
	}
	if err := A.check(op, "A", rows*cols); err != nil {
		return RowColQuant{}, err
	}
	if len(stats.RowStats) < rows || len(stats.ColStats) < cols || len(stats.NnzRows) < rows {
		return RowColQuant{}, NewInvalidArgError(op, "statistics do not match the matrix shape")
	}

	offsets := NnzRowOffsets(stats.NnzRows[:rows])
	nnzTotal := int(offsets[rows])
	res := RowColQuant{
		OutRow: make([]int8, rows*cols),
		OutCol: make([]int8, rows*cols),
		Outliers: COO{
			Rows:   rows,
			Cols:   cols,
			RowIdx: make([]int32, nnzTotal),
			ColIdx: make([]int32, nnzTotal),
			Values: make([]float32, nnzTotal),
		},
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageTensor(s, A, stageIn)
	rowStats := stageSlice(s, stats.RowStats[:rows], stageIn)
	colStats := stageSlice(s, stats.ColStats[:cols], stageIn)
	dOffsets := stageSlice(s, offsets, stageIn)
	outRow := stageSlice(s, res.OutRow, stageOut)
	outCol := stageSlice(s, res.OutCol, stageOut)
	cooRow := stageSlice(s, res.Outliers.RowIdx, stageOut)
	cooCol := stageSlice(s, res.Outliers.ColIdx, stageOut)
	cooVal := stageSlice(s, res.Outliers.Values, stageOut)
	if err := s.Err(); err != nil {
		return RowColQuant{}, err
	}

	var mismatch atomic.Bool
	chunk := (cols + rowQuantThreads - 1) / rowQuantThreads
	err := ctx.run(LaunchConfig{
		Name:      op,
		Grid:      Dim3{X: rows},
		Block:     Dim3{X: rowQuantThreads},
		SharedMem: (rowQuantThreads + 1) * 4,
	}, func(b *Block) {
		row := b.Linear()
		counts := b.SharedInt32(0, rowQuantThreads+1)
		b.Threads(func(t int) {
			for c := t * chunk; c < min((t+1)*chunk, cols); c++ {
				if IsOutlier(dA.At(row*cols+c), threshold) {
					counts[t+1]++
				}
			}
		})
		b.Threads(func(t int) {
			if t != 0 {
				return
			}
			for i := 1; i <= rowQuantThreads; i++ {
				counts[i] += counts[i-1]
			}
			if counts[rowQuantThreads] != dOffsets[row+1]-dOffsets[row] {
				mismatch.Store(true)
			}
		})
		if mismatch.Load() {
			return
		}
		b.Threads(func(t int) {
			next := int(dOffsets[row] + counts[t])
			for c := t * chunk; c < min((t+1)*chunk, cols); c++ {
				idx := row*cols + c
				v := dA.At(idx)
				if IsOutlier(v, threshold) {
					cooRow[next] = int32(row)
					cooCol[next] = int32(c)
					cooVal[next] = v
					next++
					continue
				}
				outRow[idx] = quantizeInt8(v, rowStats[row])
				outCol[idx] = quantizeInt8(v, colStats[c])
			}
		})
	})
	if err != nil {
		return RowColQuant{}, err
	}
	if mismatch.Load() {
		return RowColQuant{}, NewInvalidArgError(op, "outlier counts differ from the statistics; use the threshold the statistics were computed with")
	}
	return res, s.commit()
}

// quantizeInt8 returns round(127*v/stat), ties to even, saturated to
// [-127, 127]. A zero statistic quantizes to 0.
func quantizeInt8(v, stat float32) int8 {
	if stat == 0 {
		return 0
	}
	q := math.RoundToEven(float64(127 * v / stat))
	return int8(max(-127, min(127, q)))
}

// DequantMatmulInt32 turns the int32 result of an int8 matmul of a
// row-normed A and a col-normed B back to floats:
// out = C*rowStats[r]*colStats[c]/(127*127) + bias[c]. bias may be nil.
func (ctx *Context) DequantMatmulInt32(C []int32, rowStats, colStats, bias []float32, out Tensor, rows, cols int) error {
	const op = "DequantMatmulInt32"
	n := rows * cols
	switch {
	case rows <= 0 || cols <= 0:
		return NewInvalidArgError(op, fmt.Sprintf("invalid shape %dx%d", rows, cols))
	case len(C) < n:
		return NewInvalidArgError(op, fmt.Sprintf("C holds %d elements, need %d", len(C), n))
	case len(rowStats) < rows || len(colStats) < cols:
		return NewInvalidArgError(op, "statistics do not match the matrix shape")
	case bias != nil && len(bias) < cols:
		return NewInvalidArgError(op, fmt.Sprintf("bias holds %d elements, need %d", len(bias), cols))
	}
	if err := out.check(op, "out", n); err != nil {
		return err
	}

	s, release := ctx.stage(op)
	defer release()
	dC := stageSlice(s, C[:n], stageIn)
	dRow := stageSlice(s, rowStats[:rows], stageIn)
	dCol := stageSlice(s, colStats[:cols], stageIn)
	dBias := stageSlice(s, bias, stageIn)
	dOut := stageTensor(s, out, stageInOut)
	if err := s.Err(); err != nil {
		return err
	}

	const perThread = 4
	const scale = 1.0 / (127 * 127)
	err := ctx.run(LaunchConfig{
		Name:  op,
		Grid:  gridFor(n, DefaultBlockSize*perThread),
		Block: Dim3{X: DefaultBlockSize},
	}, func(b *Block) {
		base := b.Linear() * DefaultBlockSize * perThread
		b.Threads(func(t int) {
			for j := 0; j < perThread; j++ {
				idx := base + t*perThread + j
				if idx >= n {
					return
				}
				r, c := idx/cols, idx%cols
				v := float32(dC[idx]) * (dRow[r] * scale) * dCol[c]
				if dBias != nil {
					v += dBias[c]
				}
				dOut.Set(idx, v)
			}
		})
	})
	if err != nil {
		return err
	}
	return s.commit()
}
