package lowbit

import (
	"fmt"
	"math"
)

// IgemmConfig selects the layout and output of Igemmlt.
type IgemmConfig struct {
	// Format is the layout of B: ColTuring or ColAmpere (A and C are then
	// Col32), or Row for plain row-major operands.
	Format Format
	// OutBits is 32 for int32 accumulators or 8 for saturated int8.
	OutBits int
	// ScaleRows multiplies row r of the accumulator by rowScale[r] before
	// rounding to int8. Without it int8 output uses a scale of 1. Only valid
	// with OutBits 8.
	ScaleRows bool
}

const (
	igemmTile    = 32
	igemmThreads = 256
)

// Igemmlt multiplies the int8 matrices A (m x k) and B, given as its n x k
// transpose, accumulating in int32 into the m x n matrix C. C must be a
// []int32 for OutBits 32 and a []int8 for OutBits 8. lda, ldb and ldc are
// only used by the Row format; the tiled formats derive their strides from
// the shapes.
func (ctx *Context) Igemmlt(cfg IgemmConfig, m, n, k int, A, B []int8, C any, rowScale []float32, lda, ldb, ldc int) error {
	const op = "Igemmlt"
	if cfg.Format != Row && cfg.Format != ColTuring && cfg.Format != ColAmpere {
		return NewNotImplementedError(op, "B format "+cfg.Format.String())
	}
	switch {
	case cfg.OutBits == 32 && !cfg.ScaleRows:
	case cfg.OutBits == 8:
	default:
		return NewNotImplementedError(op, fmt.Sprintf("%d-bit output with row scaling %v", cfg.OutBits, cfg.ScaleRows))
	}
	if m <= 0 || n <= 0 || k <= 0 {
		return NewInvalidArgError(op, fmt.Sprintf("invalid shape m=%d n=%d k=%d", m, n, k))
	}

	aFormat, cFormat := Col32, Col32
	if cfg.Format == Row {
		aFormat, cFormat = Row, Row
		if lda < k || ldb < k || ldc < n {
			return NewInvalidArgError(op, fmt.Sprintf("leading dimensions %d/%d/%d too small", lda, ldb, ldc))
		}
	}
	aOff := func(r, c int) int {
		if aFormat == Row {
			return r*lda + c
		}
		return formatOffset(Col32, r, c, m, k)
	}
	bOff := func(r, c int) int {
		if cfg.Format == Row {
			return r*ldb + c
		}
		return formatOffset(cfg.Format, r, c, n, k)
	}
	cOff := func(r, c int) int {
		if cFormat == Row {
			return r*ldc + c
		}
		return formatOffset(Col32, r, c, m, n)
	}
	aLen, bLen, cLen := TiledSize(Col32, m, k), TiledSize(cfg.Format, n, k), TiledSize(Col32, m, n)
	if cfg.Format == Row {
		aLen, bLen, cLen = (m-1)*lda+k, (n-1)*ldb+k, (m-1)*ldc+n
	}
	if len(A) < aLen || len(B) < bLen {
		return NewInvalidArgError(op, fmt.Sprintf("A or B shorter than %d/%d elements", aLen, bLen))
	}

	var c32 []int32
	var c8 []int8
	switch c := C.(type) {
	case []int32:
		if cfg.OutBits != 32 {
			return NewInvalidArgError(op, "int32 output requires OutBits 32")
		}
		c32 = c
		if len(c) < cLen {
			return NewInvalidArgError(op, fmt.Sprintf("C holds %d elements, need %d", len(c), cLen))
		}
	case []int8:
		if cfg.OutBits != 8 {
			return NewInvalidArgError(op, "int8 output requires OutBits 8")
		}
		c8 = c
		if len(c) < cLen {
			return NewInvalidArgError(op, fmt.Sprintf("C holds %d elements, need %d", len(c), cLen))
		}
		if cfg.ScaleRows && len(rowScale) < m {
			return NewInvalidArgError(op, fmt.Sprintf("rowScale holds %d values, need %d", len(rowScale), m))
		}
	default:
		return NewInvalidArgError(op, fmt.Sprintf("unsupported output type %T", C))
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageSlice(s, A[:aLen], stageIn)
	dB := stageSlice(s, B[:bLen], stageIn)
	var dScale []float32
	if cfg.ScaleRows {
		dScale = stageSlice(s, rowScale[:m], stageIn)
	}
	dC32 := stageSlice(s, c32, stageInOut)
	dC8 := stageSlice(s, c8, stageInOut)
	if err := s.Err(); err != nil {
		return err
	}

	err := ctx.run(LaunchConfig{
		Name:  op,
		Grid:  igemmGrid(m, n, 1),
		Block: Dim3{X: igemmThreads},
	}, func(b *Block) {
		tileCells(b, m, n, func(r, c int) {
			var acc int32
			for kk := 0; kk < k; kk++ {
				acc += int32(dA[aOff(r, kk)]) * int32(dB[bOff(c, kk)])
			}
			switch {
			case dC32 != nil:
				dC32[cOff(r, c)] = acc
			case dScale != nil:
				dC8[cOff(r, c)] = saturateInt8(float32(acc) * dScale[r])
			default:
				dC8[cOff(r, c)] = saturateInt8(float32(acc))
			}
		})
	})
	if err != nil {
		return err
	}
	return s.commit()
}

// Gemmex computes the int32 product C = op(A) op(B) of int8 matrices, where
// op transposes its operand when the matching flag is set. All matrices are
// row-major: op(A) is m x k, op(B) is k x n and C is m x n, with row strides
// lda, ldb and ldc of the stored (untransposed) layouts. C is overwritten.
func (ctx *Context) Gemmex(transposeA, transposeB bool, m, n, k int, A, B []int8, C []int32, lda, ldb, ldc int) error {
	return ctx.gemmex("Gemmex", transposeA, transposeB, m, n, k, A, B, C, lda, ldb, ldc, 0, 0, 0, 1)
}

// StridedGemmex runs batch independent Gemmex products. Matrix i of each
// operand starts i*stride elements after the first. A zero A or B stride
// reuses one matrix for every product; C matrices may not overlap.
func (ctx *Context) StridedGemmex(transposeA, transposeB bool, m, n, k int, A, B []int8, C []int32, lda, ldb, ldc, strideA, strideB, strideC, batch int) error {
	return ctx.gemmex("StridedGemmex", transposeA, transposeB, m, n, k, A, B, C, lda, ldb, ldc, strideA, strideB, strideC, batch)
}

func (ctx *Context) gemmex(op string, transposeA, transposeB bool, m, n, k int, A, B []int8, C []int32, lda, ldb, ldc, strideA, strideB, strideC, batch int) error {
	if m <= 0 || n <= 0 || k <= 0 || batch <= 0 {
		return NewInvalidArgError(op, fmt.Sprintf("invalid shape m=%d n=%d k=%d batch=%d", m, n, k, batch))
	}
	aRows, aCols := m, k
	if transposeA {
		aRows, aCols = k, m
	}
	bRows, bCols := k, n
	if transposeB {
		bRows, bCols = n, k
	}
	if lda < aCols || ldb < bCols || ldc < n {
		return NewInvalidArgError(op, fmt.Sprintf("leading dimensions %d/%d/%d too small", lda, ldb, ldc))
	}
	cSize := (m-1)*ldc + n
	if strideA < 0 || strideB < 0 || batch > 1 && strideC < cSize {
		return NewInvalidArgError(op, fmt.Sprintf("strides %d/%d/%d invalid for batch %d", strideA, strideB, strideC, batch))
	}
	aLen := (batch-1)*strideA + (aRows-1)*lda + aCols
	bLen := (batch-1)*strideB + (bRows-1)*ldb + bCols
	cLen := (batch-1)*strideC + cSize
	if len(A) < aLen || len(B) < bLen || len(C) < cLen {
		return NewInvalidArgError(op, fmt.Sprintf("A, B or C shorter than %d/%d/%d elements", aLen, bLen, cLen))
	}

	// Element kk of row r of op(A) is at aRow(r) + kk*aStep; element kk of
	// column c of op(B) is at bCol(c) + kk*bStep.
	aRow, aStep := lda, 1
	if transposeA {
		aRow, aStep = 1, lda
	}
	bCol, bStep := 1, ldb
	if transposeB {
		bCol, bStep = ldb, 1
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageSlice(s, A[:aLen], stageIn)
	dB := stageSlice(s, B[:bLen], stageIn)
	dC := stageSlice(s, C[:cLen], stageInOut)
	if err := s.Err(); err != nil {
		return err
	}

	err := ctx.run(LaunchConfig{
		Name:  op,
		Grid:  igemmGrid(m, n, batch),
		Block: Dim3{X: igemmThreads},
	}, func(b *Block) {
		z := b.Idx.Z
		a, bb, c := dA[z*strideA:], dB[z*strideB:], dC[z*strideC:]
		tileCells(b, m, n, func(r, col int) {
			ai, bi := r*aRow, col*bCol
			var acc int32
			for kk := 0; kk < k; kk++ {
				acc += int32(a[ai]) * int32(bb[bi])
				ai += aStep
				bi += bStep
			}
			c[r*ldc+col] = acc
		})
	})
	if err != nil {
		return err
	}
	return s.commit()
}

// igemmGrid covers an m x n output with igemmTile square tiles per batch.
func igemmGrid(m, n, batch int) Dim3 {
	return Dim3{X: (n + igemmTile - 1) / igemmTile, Y: (m + igemmTile - 1) / igemmTile, Z: batch}
}

// tileCells hands every in-range cell of the block's output tile to fn,
// igemmTile*igemmTile/igemmThreads cells per thread.
func tileCells(b *Block, m, n int, fn func(r, c int)) {
	const per = igemmTile * igemmTile / igemmThreads
	row0, col0 := b.Idx.Y*igemmTile, b.Idx.X*igemmTile
	b.Threads(func(t int) {
		for j := 0; j < per; j++ {
			cell := t*per + j
			r, c := row0+cell/igemmTile, col0+cell%igemmTile
			if r < m && c < n {
				fn(r, c)
			}
		}
	})
}

// saturateInt8 rounds to nearest even and clamps to the int8 range.
func saturateInt8(v float32) int8 {
	r := math.RoundToEven(float64(v))
	return int8(max(math.MinInt8, min(math.MaxInt8, r)))
}
