package lowbit

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostColRowStats(A []float32, rows, cols int, threshold float32) ColRowStats {
	s := ColRowStats{
		RowStats: make([]float32, rows),
		ColStats: make([]float32, cols),
		NnzRows:  make([]int32, rows),
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := A[r*cols+c]
			if IsOutlier(v, threshold) {
				s.NnzRows[r]++
				continue
			}
			s.RowStats[r] = max(s.RowStats[r], absf(v))
			s.ColStats[c] = max(s.ColStats[c], absf(v))
		}
	}
	return s
}

func TestGetColRowStats(t *testing.T) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(8))

	shapes := []struct{ rows, cols int }{
		{1, 1},
		{16, StatsTileCols},
		{37, 300},
		{130, 17},
	}
	for _, sh := range shapes {
		A := randFloats(rng, sh.rows*sh.cols, 2)
		for _, threshold := range []float32{0, 4} {
			got, err := ctx.GetColRowStats(F32(A), sh.rows, sh.cols, threshold)
			require.NoError(t, err)
			want := hostColRowStats(A, sh.rows, sh.cols, threshold)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("%dx%d threshold %v (-want +got):\n%s", sh.rows, sh.cols, threshold, diff)
			}
		}
	}
	requireNoLeak(t, ctx)
}

func TestGetColRowStatsOutliers(t *testing.T) {
	ctx := newTestContext(t)

	rows, cols := 3, 4
	A := []float32{
		0.5, -6, 1, 0,
		7, 7, -0.25, 2,
		0, 0, 0, 0,
	}
	stats, err := ctx.GetColRowStats(F32(A), rows, cols, 6)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 0}, stats.NnzRows)
	assert.Equal(t, []float32{1, 2, 0}, stats.RowStats)
	assert.Equal(t, []float32{0.5, 0, 1, 2}, stats.ColStats)
	assert.Equal(t, []int32{0, 1, 3, 3}, NnzRowOffsets(stats.NnzRows))
}

func TestRowColQuantIdempotentOnEqualMagnitude(t *testing.T) {
	ctx := newTestContext(t)

	rows, cols := 5, 9
	A := make([]float32, rows*cols)
	for i := range A {
		A[i] = 0.5
		if i%3 == 0 {
			A[i] = -0.5
		}
	}
	stats, err := ctx.GetColRowStats(F32(A), rows, cols, 0)
	require.NoError(t, err)
	for _, v := range stats.RowStats {
		assert.Equal(t, float32(0.5), v)
	}
	for _, v := range stats.ColStats {
		assert.Equal(t, float32(0.5), v)
	}

	q, err := ctx.DoubleRowColQuant(F32(A), stats, 0, rows, cols)
	require.NoError(t, err)
	for i, v := range A {
		want := int8(127)
		if v < 0 {
			want = -127
		}
		assert.Equal(t, want, q.OutRow[i])
		assert.Equal(t, want, q.OutCol[i])
	}
	assert.Zero(t, q.Outliers.Nnz())
}

func TestDoubleRowColQuantReconstructs(t *testing.T) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(9))

	rows, cols := 33, 150
	A := randFloats(rng, rows*cols, 1)
	for i := 0; i < 40; i++ {
		A[rng.Intn(len(A))] = 8 + float32(i)
	}
	const threshold = 6

	stats, err := ctx.GetColRowStats(F32(A), rows, cols, threshold)
	require.NoError(t, err)
	q, err := ctx.DoubleRowColQuant(F32(A), stats, threshold, rows, cols)
	require.NoError(t, err)

	offsets := NnzRowOffsets(stats.NnzRows)
	require.Equal(t, int(offsets[rows]), q.Outliers.Nnz())
	for i := 1; i < q.Outliers.Nnz(); i++ {
		prev := q.Outliers.RowIdx[i-1]*int32(cols) + q.Outliers.ColIdx[i-1]
		cur := q.Outliers.RowIdx[i]*int32(cols) + q.Outliers.ColIdx[i]
		assert.Less(t, prev, cur, "outliers are emitted in row-major order")
	}

	sparse := q.Outliers.Dense()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			if IsOutlier(A[i], threshold) {
				assert.Equal(t, A[i], sparse[i])
				assert.Zero(t, q.OutRow[i])
				assert.Zero(t, q.OutCol[i])
				continue
			}
			fromRow := float32(q.OutRow[i]) * stats.RowStats[r] / 127
			fromCol := float32(q.OutCol[i]) * stats.ColStats[c] / 127
			assert.InDelta(t, A[i], fromRow, float64(stats.RowStats[r])/254+1e-6)
			assert.InDelta(t, A[i], fromCol, float64(stats.ColStats[c])/254+1e-6)
		}
	}
	requireNoLeak(t, ctx)
}

func TestDoubleRowColQuantThresholdMismatch(t *testing.T) {
	ctx := newTestContext(t)

	A := []float32{1, 9, 2, 3}
	stats, err := ctx.GetColRowStats(F32(A), 2, 2, 0)
	require.NoError(t, err)
	_, err = ctx.DoubleRowColQuant(F32(A), stats, 6, 2, 2)
	assert.True(t, IsInvalidArgError(err))
	requireNoLeak(t, ctx)
}

func TestQuantizeInt8(t *testing.T) {
	assert.EqualValues(t, 127, quantizeInt8(2, 2))
	assert.EqualValues(t, -127, quantizeInt8(-3, 2))
	assert.EqualValues(t, 0, quantizeInt8(5, 0))
	// 127*0.5/127 = 0.5 rounds to even.
	assert.EqualValues(t, 0, quantizeInt8(0.5, 127))
	assert.EqualValues(t, 2, quantizeInt8(1.5, 127))
}

func TestDequantMatmulInt32(t *testing.T) {
	ctx := newTestContext(t)

	C := []int32{127 * 127, -127 * 127, 0, 127}
	rowStats := []float32{2, 1}
	colStats := []float32{3, 0.5}
	out := make([]float32, 4)
	require.NoError(t, ctx.DequantMatmulInt32(C, rowStats, colStats, []float32{1, -1}, F32(out), 2, 2))
	assert.InDeltaSlice(t, []float32{7, -2, 1, -1 + 0.5/127}, out, 1e-6)

	half := NewTensor(Float16, 4)
	require.NoError(t, ctx.DequantMatmulInt32(C, rowStats, colStats, nil, half, 2, 2))
	assert.Equal(t, []float32{6, -1, 0, half.At(3)}, half.Float32s())
	assert.InDelta(t, 0.5/127, half.At(3), 1e-5)

	assert.True(t, IsInvalidArgError(ctx.DequantMatmulInt32(C[:3], rowStats, colStats, nil, F32(out), 2, 2)))
	assert.True(t, IsInvalidArgError(ctx.DequantMatmulInt32(C, rowStats, colStats, []float32{1}, F32(out), 2, 2)))
	requireNoLeak(t, ctx)
}
