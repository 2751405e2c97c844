package lowbit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementwise(t *testing.T) {
	ctx := newTestContext(t)

	A := make([]float32, 1000)
	require.NoError(t, ctx.Fill(A, 2.5))
	for _, v := range A {
		assert.Equal(t, float32(2.5), v)
	}

	require.NoError(t, ctx.Arange(A))
	require.NoError(t, ctx.Mul(A, 2))
	for i, v := range A {
		assert.Equal(t, float32(2*i), v)
	}

	require.NoError(t, ctx.Fill(nil, 1))
	requireNoLeak(t, ctx)
}

func TestHistogramScatterAdd2D(t *testing.T) {
	ctx := newTestContext(t)

	hist := make([]float32, 2*3)
	hist[5] = 1
	idx1 := []int32{0, 1, 1, 1, 0}
	idx2 := []int32{0, 2, 2, 2, 1}
	src := []float32{1, 2, 3, 4, 5}
	require.NoError(t, ctx.HistogramScatterAdd2D(hist, idx1, idx2, src, 3))
	assert.Equal(t, []float32{1, 5, 0, 0, 0, 10}, hist)

	// Many adds to the same bin.
	n := 10000
	same := make([]int32, n)
	ones := make([]float32, n)
	for i := range ones {
		ones[i] = 1
	}
	bins := make([]float32, 1)
	require.NoError(t, ctx.HistogramScatterAdd2D(bins, same, same, ones, 1))
	assert.Equal(t, float32(n), bins[0])

	err := ctx.HistogramScatterAdd2D(hist, []int32{2}, []int32{0}, []float32{1}, 3)
	assert.True(t, IsInvalidArgError(err))
	err = ctx.HistogramScatterAdd2D(hist, []int32{0}, nil, []float32{1}, 3)
	assert.True(t, IsInvalidArgError(err))
	requireNoLeak(t, ctx)
}
