package lowbit

import (
	"fmt"
	"strings"
)

// Format is the memory layout of an int8 or int32 matrix.
type Format int

const (
	// Row is row-major.
	Row Format = iota
	// Col is column-major.
	Col
	// Col32 stores 32-column tiles one after another, each tile row-major.
	Col32
	// ColTuring stores 8x32 tiles; inside a tile the even rows come first,
	// interleaved in 4x4 subtiles, followed by the odd rows.
	ColTuring
	// ColAmpere stores 32x32 tiles with the rows permuted in groups of 8.
	ColAmpere
)

func (f Format) String() string {
	switch f {
	case Row:
		return "row"
	case Col:
		return "col"
	case Col32:
		return "col32"
	case ColTuring:
		return "col_turing"
	case ColAmpere:
		return "col_ampere"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat maps a format name to its Format.
func ParseFormat(s string) (Format, error) {
	for f := Row; f <= ColAmpere; f++ {
		if strings.EqualFold(s, f.String()) {
			return f, nil
		}
	}
	return 0, NewInvalidArgError("ParseFormat", fmt.Sprintf("unknown format %q", s))
}

func roundUp(n, m int) int {
	return (n + m - 1) / m * m
}

// LeadingDim returns the leading dimension of a rows x cols matrix stored
// in format f: the distance between consecutive column tiles (or columns,
// or rows).
func LeadingDim(f Format, rows, cols int) int {
	switch f {
	case Col:
		return rows
	case Col32:
		return 32 * rows
	case ColTuring:
		return 32 * roundUp(rows, 8)
	case ColAmpere:
		return 32 * roundUp(rows, 32)
	default:
		return cols
	}
}

// TiledSize returns the number of elements a rows x cols matrix occupies in
// format f, padding included.
func TiledSize(f Format, rows, cols int) int {
	switch f {
	case Row, Col:
		return rows * cols
	default:
		return LeadingDim(f, rows, cols) * ((cols + 31) / 32)
	}
}

// formatOffset returns where element (r, c) of a rows x cols matrix lives in
// format f.
func formatOffset(f Format, r, c, rows, cols int) int {
	switch f {
	case Col:
		return c*rows + r
	case Col32:
		return (c/32)*32*rows + r*32 + c%32
	case ColTuring:
		tile := (c/32)*((rows+7)/8)*256 + (r/8)*256
		sr, sc := r%8, c%32
		if sr%2 == 1 {
			return tile + 128 + (sc/4)*16 + sc%4 + (sr-1)*2
		}
		return tile + (sc/4)*16 + sc%4 + sr*2
	case ColAmpere:
		tile := (c/32)*((rows+31)/32)*1024 + (r/32)*1024
		sr, sc := r%32, c%32
		return tile + (((sr%8)/2*4+sr/8)*2+sr%2)*32 + sc
	default:
		return r*cols + c
	}
}

func checkFormat(op string, f Format) error {
	if f < Row || f > ColAmpere {
		return NewNotImplementedError(op, f.String())
	}
	return nil
}

// transform moves every element of a row-major rows x cols matrix to or
// from format f. With transpose the tiled side holds the cols x rows
// transpose.
func transform[T int8 | int32](ctx *Context, op string, f Format, transpose, toFormat bool, A []T, rows, cols int) ([]T, error) {
	if err := checkFormat(op, f); err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 {
		return nil, NewInvalidArgError(op, fmt.Sprintf("invalid shape %dx%d", rows, cols))
	}
	tr, tc := rows, cols
	if transpose {
		tr, tc = cols, rows
	}
	tiled := TiledSize(f, tr, tc)

	inLen, outLen := rows*cols, tiled
	if !toFormat {
		inLen, outLen = tiled, rows*cols
	}
	if len(A) < inLen {
		return nil, NewInvalidArgError(op, fmt.Sprintf("input holds %d elements, need %d", len(A), inLen))
	}
	out := make([]T, outLen)

	s, release := ctx.stage(op)
	defer release()
	dA := stageSlice(s, A[:inLen], stageIn)
	dOut := stageSlice(s, out, stageOut)
	if err := s.Err(); err != nil {
		return nil, err
	}

	err := ctx.forEach(op, rows*cols, func(i int) {
		r, c := i/cols, i%cols
		if transpose {
			r, c = c, r
		}
		off := formatOffset(f, r, c, tr, tc)
		if toFormat {
			dOut[off] = dA[i]
		} else {
			dOut[i] = dA[off]
		}
	})
	if err != nil {
		return nil, err
	}
	return out, s.commit()
}

// TransformRowToFormat converts the row-major rows x cols matrix A into
// format f, transposing it first when transpose is set. The result has
// TiledSize elements; padding cells are zero and never read back.
func (ctx *Context) TransformRowToFormat(f Format, transpose bool, A []int8, rows, cols int) ([]int8, error) {
	return transform(ctx, "TransformRowToFormat", f, transpose, true, A, rows, cols)
}

// TransformFormatToRow is the inverse of TransformRowToFormat: it returns
// the row-major rows x cols matrix that was converted into A.
func (ctx *Context) TransformFormatToRow(f Format, transpose bool, A []int8, rows, cols int) ([]int8, error) {
	return transform(ctx, "TransformFormatToRow", f, transpose, false, A, rows, cols)
}

// TransformInt32 converts int32 matrices between row-major and format f,
// the layout of igemm accumulators.
func (ctx *Context) TransformInt32(f Format, toFormat bool, A []int32, rows, cols int) ([]int32, error) {
	return transform(ctx, "TransformInt32", f, false, toFormat, A, rows, cols)
}

// ExtractOutliers gathers the columns listed in colIdx of the rows x cols
// matrix A stored in format f into a row-major rows x len(colIdx) matrix.
func (ctx *Context) ExtractOutliers(f Format, A []int8, colIdx []int32, rows, cols int) ([]int8, error) {
	const op = "ExtractOutliers"
	if err := checkFormat(op, f); err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 {
		return nil, NewInvalidArgError(op, fmt.Sprintf("invalid shape %dx%d", rows, cols))
	}
	if need := TiledSize(f, rows, cols); len(A) < need {
		return nil, NewInvalidArgError(op, fmt.Sprintf("input holds %d elements, need %d", len(A), need))
	}
	for _, c := range colIdx {
		if c < 0 || int(c) >= cols {
			return nil, NewInvalidArgError(op, fmt.Sprintf("column %d outside %d columns", c, cols))
		}
	}
	k := len(colIdx)
	out := make([]int8, rows*k)
	if k == 0 {
		return out, nil
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageSlice(s, A, stageIn)
	dIdx := stageSlice(s, colIdx, stageIn)
	dOut := stageSlice(s, out, stageOut)
	if err := s.Err(); err != nil {
		return nil, err
	}

	err := ctx.forEach(op, rows*k, func(i int) {
		r, j := i/k, i%k
		dOut[r*k+j] = dA[formatOffset(f, r, int(dIdx[j]), rows, cols)]
	})
	if err != nil {
		return nil, err
	}
	return out, s.commit()
}
