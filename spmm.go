package lowbit

import "fmt"

// csr groups the entries of a COO matrix by row, keeping their order within
// each row.
func (c COO) csr() (rowPtr, order []int32) {
	rowPtr = make([]int32, c.Rows+1)
	for _, r := range c.RowIdx {
		rowPtr[r+1]++
	}
	for r := 0; r < c.Rows; r++ {
		rowPtr[r+1] += rowPtr[r]
	}
	next := append([]int32(nil), rowPtr[:c.Rows]...)
	order = make([]int32, len(c.RowIdx))
	for i, r := range c.RowIdx {
		order[next[r]] = int32(i)
		next[r]++
	}
	return rowPtr, order
}

func (c COO) checkBounds(op string) error {
	if err := c.validate(op); err != nil {
		return err
	}
	for i := range c.Values {
		if r, col := c.RowIdx[i], c.ColIdx[i]; r < 0 || int(r) >= c.Rows || col < 0 || int(col) >= c.Cols {
			return NewInvalidArgError(op, fmt.Sprintf("entry %d at (%d, %d) outside %dx%d", i, r, col, c.Rows, c.Cols))
		}
	}
	return nil
}

// SpmmCOO computes C = A * B for the sparse A (Rows x Cols) and the dense
// B (Cols x bCols, row stride ldb). With transposedB, B is stored as its
// bCols x Cols transpose. C (Rows x bCols, row stride ldc) is overwritten.
func (ctx *Context) SpmmCOO(A COO, B Tensor, ldb, bCols int, transposedB bool, C Tensor, ldc int) error {
	const op = "SpmmCOO"
	if err := A.checkBounds(op); err != nil {
		return err
	}
	if A.Rows <= 0 || A.Cols <= 0 || bCols <= 0 {
		return NewInvalidArgError(op, fmt.Sprintf("invalid shape %dx%d * %dx%d", A.Rows, A.Cols, A.Cols, bCols))
	}
	bRows, bWidth := A.Cols, bCols
	if transposedB {
		bRows, bWidth = bCols, A.Cols
	}
	if ldb < bWidth || ldc < bCols {
		return NewInvalidArgError(op, fmt.Sprintf("leading dimensions %d/%d too small", ldb, ldc))
	}
	if err := B.check(op, "B", (bRows-1)*ldb+bWidth); err != nil {
		return err
	}
	if err := C.check(op, "C", (A.Rows-1)*ldc+bCols); err != nil {
		return err
	}

	rowPtr, order := A.csr()

	s, release := ctx.stage(op)
	defer release()
	dPtr := stageSlice(s, rowPtr, stageIn)
	dOrder := stageSlice(s, order, stageIn)
	dCol := stageSlice(s, A.ColIdx, stageIn)
	dVal := stageSlice(s, A.Values, stageIn)
	dB := stageTensor(s, B, stageIn)
	dC := stageTensor(s, C, stageInOut)
	if err := s.Err(); err != nil {
		return err
	}

	bAt := func(r, c int) float32 {
		if transposedB {
			return dB.At(c*ldb + r)
		}
		return dB.At(r*ldb + c)
	}
	err := ctx.forEach(op, A.Rows*bCols, func(i int) {
		row, col := i/bCols, i%bCols
		var sum float32
		for p := dPtr[row]; p < dPtr[row+1]; p++ {
			e := dOrder[p]
			sum += dVal[e] * bAt(int(dCol[e]), col)
		}
		dC.Set(row*ldc+col, sum)
	})
	if err != nil {
		return err
	}
	return s.commit()
}

// SpmmCOOVerySparseNaive accumulates A * B into out (Rows x bCols). B is
// the dense Cols x bCols matrix, either a Tensor or an []int8; int8 values
// are rescaled by dequantStats[col]/127.
func (ctx *Context) SpmmCOOVerySparseNaive(A COO, B any, out Tensor, dequantStats []float32, bCols int) error {
	const op = "SpmmCOOVerySparseNaive"
	if err := A.checkBounds(op); err != nil {
		return err
	}
	if A.Rows <= 0 || A.Cols <= 0 || bCols <= 0 {
		return NewInvalidArgError(op, fmt.Sprintf("invalid shape %dx%d * %dx%d", A.Rows, A.Cols, A.Cols, bCols))
	}
	need := A.Cols * bCols
	var bt Tensor
	var b8 []int8
	switch b := B.(type) {
	case Tensor:
		if err := b.check(op, "B", need); err != nil {
			return err
		}
		bt = b
	case []int8:
		if len(b) < need {
			return NewInvalidArgError(op, fmt.Sprintf("B holds %d elements, need %d", len(b), need))
		}
		if len(dequantStats) < bCols {
			return NewInvalidArgError(op, fmt.Sprintf("dequantStats holds %d values, need %d", len(dequantStats), bCols))
		}
		b8 = b
	default:
		return NewNotImplementedError(op, fmt.Sprintf("B of type %T", B))
	}
	if err := out.check(op, "out", A.Rows*bCols); err != nil {
		return err
	}

	rowPtr, order := A.csr()

	s, release := ctx.stage(op)
	defer release()
	dPtr := stageSlice(s, rowPtr, stageIn)
	dOrder := stageSlice(s, order, stageIn)
	dCol := stageSlice(s, A.ColIdx, stageIn)
	dVal := stageSlice(s, A.Values, stageIn)
	dBt := stageTensor(s, bt, stageIn)
	dB8 := stageSlice(s, b8, stageIn)
	dStats := stageSlice(s, dequantStats, stageIn)
	dOut := stageTensor(s, out, stageInOut)
	if err := s.Err(); err != nil {
		return err
	}

	err := ctx.forEach(op, A.Rows*bCols, func(i int) {
		row, col := i/bCols, i%bCols
		if dPtr[row] == dPtr[row+1] {
			return
		}
		var sum float32
		for p := dPtr[row]; p < dPtr[row+1]; p++ {
			e := dOrder[p]
			idx := int(dCol[e])*bCols + col
			if dB8 != nil {
				sum += dVal[e] * float32(dB8[idx]) * dStats[col] / 127
			} else {
				sum += dVal[e] * dBt.At(idx)
			}
		}
		dOut.Set(row*bCols+col, dOut.At(row*bCols+col)+sum)
	})
	if err != nil {
		return err
	}
	return s.commit()
}
