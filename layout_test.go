package lowbit

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allFormats = []Format{Row, Col, Col32, ColTuring, ColAmpere}

func TestFormatOffsetIsInjective(t *testing.T) {
	shapes := []struct{ rows, cols int }{{1, 1}, {8, 32}, {33, 70}, {64, 64}, {5, 100}}
	for _, f := range allFormats {
		for _, sh := range shapes {
			size := TiledSize(f, sh.rows, sh.cols)
			seen := make(map[int]bool, sh.rows*sh.cols)
			for r := 0; r < sh.rows; r++ {
				for c := 0; c < sh.cols; c++ {
					off := formatOffset(f, r, c, sh.rows, sh.cols)
					require.True(t, off >= 0 && off < size, "%s %dx%d (%d,%d) -> %d outside %d", f, sh.rows, sh.cols, r, c, off, size)
					require.False(t, seen[off], "%s %dx%d offset %d reused", f, sh.rows, sh.cols, off)
					seen[off] = true
				}
			}
		}
	}
}

func TestFormatOffsets(t *testing.T) {
	tests := []struct {
		f          Format
		r, c       int
		rows, cols int
		want       int
	}{
		{Row, 2, 3, 4, 5, 13},
		{Col, 2, 3, 4, 5, 14},
		{Col32, 1, 33, 4, 40, 161},
		{ColTuring, 1, 0, 8, 32, 128},
		{ColTuring, 2, 0, 8, 32, 4},
		{ColTuring, 0, 4, 8, 32, 16},
		{ColTuring, 9, 0, 16, 32, 256 + 128},
		{ColAmpere, 1, 0, 32, 32, 32},
		{ColAmpere, 2, 0, 32, 32, 256},
		{ColAmpere, 8, 0, 32, 32, 64},
		{ColAmpere, 0, 32, 32, 64, 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatOffset(tt.f, tt.r, tt.c, tt.rows, tt.cols), "%s (%d,%d) of %dx%d", tt.f, tt.r, tt.c, tt.rows, tt.cols)
	}
}

func TestLeadingDim(t *testing.T) {
	assert.Equal(t, 7, LeadingDim(Row, 3, 7))
	assert.Equal(t, 3, LeadingDim(Col, 3, 7))
	assert.Equal(t, 96, LeadingDim(Col32, 3, 7))
	assert.Equal(t, 256, LeadingDim(ColTuring, 3, 7))
	assert.Equal(t, 1024, LeadingDim(ColAmpere, 3, 7))
	assert.Equal(t, 2*1024, TiledSize(ColAmpere, 3, 40))
}

func TestTransformRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(11))

	shapes := []struct{ rows, cols int }{{1, 1}, {8, 32}, {33, 70}, {40, 9}}
	for _, f := range allFormats {
		for _, transpose := range []bool{false, true} {
			for _, sh := range shapes {
				name := fmt.Sprintf("%s/transpose=%v/%dx%d", f, transpose, sh.rows, sh.cols)
				t.Run(name, func(t *testing.T) {
					A := randInt8s(rng, sh.rows*sh.cols)
					tiled, err := ctx.TransformRowToFormat(f, transpose, A, sh.rows, sh.cols)
					require.NoError(t, err)
					tr, tc := sh.rows, sh.cols
					if transpose {
						tr, tc = tc, tr
					}
					require.Len(t, tiled, TiledSize(f, tr, tc))

					back, err := ctx.TransformFormatToRow(f, transpose, tiled, sh.rows, sh.cols)
					require.NoError(t, err)
					if diff := cmp.Diff(A, back); diff != "" {
						t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
					}
				})
			}
		}
	}
	requireNoLeak(t, ctx)
}

func TestTransformTranspose(t *testing.T) {
	ctx := newTestContext(t)

	A := []int8{1, 2, 3, 4, 5, 6} // 2x3
	got, err := ctx.TransformRowToFormat(Row, true, A, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int8{1, 4, 2, 5, 3, 6}, got)

	got, err = ctx.TransformRowToFormat(Col, false, A, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int8{1, 4, 2, 5, 3, 6}, got)
}

func TestTransformPaddingIsZero(t *testing.T) {
	ctx := newTestContext(t)

	A := make([]int8, 3*5)
	for i := range A {
		A[i] = 1
	}
	tiled, err := ctx.TransformRowToFormat(Col32, false, A, 3, 5)
	require.NoError(t, err)
	var ones int
	for _, v := range tiled {
		ones += int(v)
	}
	assert.Equal(t, 15, ones)
	assert.Len(t, tiled, 3*32)
}

func TestTransformInt32(t *testing.T) {
	ctx := newTestContext(t)

	rows, cols := 9, 40
	A := make([]int32, rows*cols)
	for i := range A {
		A[i] = int32(i*1000 - 7)
	}
	for _, f := range allFormats {
		tiled, err := ctx.TransformInt32(f, true, A, rows, cols)
		require.NoError(t, err)
		back, err := ctx.TransformInt32(f, false, tiled, rows, cols)
		require.NoError(t, err)
		assert.Equal(t, A, back, f.String())
	}
}

func TestExtractOutliers(t *testing.T) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(12))

	rows, cols := 17, 70
	A := randInt8s(rng, rows*cols)
	idx := []int32{0, 33, 69, 5}
	want := make([]int8, rows*len(idx))
	for r := 0; r < rows; r++ {
		for j, c := range idx {
			want[r*len(idx)+j] = A[r*cols+int(c)]
		}
	}

	for _, f := range []Format{Row, Col32, ColTuring, ColAmpere} {
		tiled, err := ctx.TransformRowToFormat(f, false, A, rows, cols)
		require.NoError(t, err)
		got, err := ctx.ExtractOutliers(f, tiled, idx, rows, cols)
		require.NoError(t, err)
		assert.Equal(t, want, got, f.String())
	}

	_, err := ctx.ExtractOutliers(Col32, make([]int8, TiledSize(Col32, rows, cols)), []int32{70}, rows, cols)
	assert.True(t, IsInvalidArgError(err))
	requireNoLeak(t, ctx)
}

func TestTransformErrors(t *testing.T) {
	ctx := newTestContext(t)

	_, err := ctx.TransformRowToFormat(Format(9), false, []int8{1}, 1, 1)
	assert.True(t, IsNotImplemented(err))
	_, err = ctx.TransformRowToFormat(Row, false, []int8{1}, 1, 2)
	assert.True(t, IsInvalidArgError(err))
	_, err = ctx.TransformFormatToRow(Col32, false, make([]int8, 31), 1, 2)
	assert.True(t, IsInvalidArgError(err))

	for _, f := range allFormats {
		got, err := ParseFormat(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
}
