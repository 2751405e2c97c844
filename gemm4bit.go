package lowbit

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

const gemm4bitThreads = 128

// Gemm4BitWorkspace returns the shared bytes of one Gemm4BitInference
// block: a strip of the A row and the per-thread accumulators.
func Gemm4BitWorkspace(k int) int {
	return (min(k, Gemm4BitStrip) + gemm4bitThreads) * 4
}

type gemm4bitArgs struct {
	m, n, k       int
	lda, ldb, ldc int
	blocksize     int
}

func checkGemm4Bit(op string, a gemm4bitArgs, A Tensor, B []byte, absmax []float32, code *Codebook, out Tensor) error {
	if a.m <= 0 || a.n <= 0 || a.k <= 0 {
		return NewInvalidArgError(op, fmt.Sprintf("invalid shape m=%d n=%d k=%d", a.m, a.n, a.k))
	}
	if _, ok := blockConfigs[a.blocksize]; !ok {
		return NewNotImplementedError(op, fmt.Sprintf("blocksize %d", a.blocksize))
	}
	if code == nil || code.Len() != 16 {
		return NewInvalidArgError(op, "B needs a 16-entry code")
	}
	if a.lda < a.k || a.ldb < a.k || a.ldc < a.n {
		return NewInvalidArgError(op, fmt.Sprintf("leading dimensions %d/%d/%d too small", a.lda, a.ldb, a.ldc))
	}
	flat := (a.n-1)*a.ldb + a.k
	if len(B) < (flat+1)/2 {
		return NewInvalidArgError(op, fmt.Sprintf("B holds %d bytes, need %d", len(B), (flat+1)/2))
	}
	if len(absmax) < (flat+a.blocksize-1)/a.blocksize {
		return NewInvalidArgError(op, "absmax shorter than the blocks of B")
	}
	if err := A.check(op, "A", (a.m-1)*a.lda+a.k); err != nil {
		return err
	}
	return out.check(op, "out", (a.m-1)*a.ldc+a.n)
}

// Gemm4BitInference computes out = A * W^T where A is m x k and W is the
// n x k weight matrix stored as 4-bit codes of code, packed row-major with
// ldb elements per row and one absmax per blocksize elements of the flat
// index. Each block keeps a strip of an A row in shared memory and unpacks
// W on the fly; accumulation is float32.
func (ctx *Context) Gemm4BitInference(m, n, k int, A Tensor, B []byte, absmax []float32, code *Codebook, blocksize int, out Tensor, lda, ldb, ldc int) error {
	const op = "Gemm4BitInference"
	args := gemm4bitArgs{m: m, n: n, k: k, lda: lda, ldb: ldb, ldc: ldc, blocksize: blocksize}
	if err := checkGemm4Bit(op, args, A, B, absmax, code, out); err != nil {
		return err
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageTensor(s, A, stageIn)
	dB := stageSlice(s, B, stageIn)
	dAbs := stageSlice(s, absmax, stageIn)
	dOut := stageTensor(s, out, stageInOut)
	if err := s.Err(); err != nil {
		return err
	}

	var lut [16]float32
	for i := range lut {
		lut[i] = code.Value(i)
	}
	strip := min(k, Gemm4BitStrip)
	err := ctx.run(LaunchConfig{
		Name:      op,
		Grid:      Dim3{X: (n + gemm4bitThreads - 1) / gemm4bitThreads, Y: m},
		Block:     Dim3{X: gemm4bitThreads},
		SharedMem: Gemm4BitWorkspace(k),
	}, func(b *Block) {
		row := b.Idx.Y
		col0 := b.Idx.X * gemm4bitThreads
		aStrip := b.SharedFloat32(0, strip)
		acc := b.SharedFloat32(strip*4, gemm4bitThreads)

		for k0 := 0; k0 < k; k0 += strip {
			width := min(strip, k-k0)
			b.Threads(func(t int) {
				for j := t; j < width; j += gemm4bitThreads {
					aStrip[j] = dA.At(row*lda + k0 + j)
				}
			})
			b.Threads(func(t int) {
				col := col0 + t
				if col >= n {
					return
				}
				sum := acc[t]
				base := col*ldb + k0
				for j := 0; j < width; j++ {
					idx := base + j
					sum += aStrip[j] * lut[nibble(dB, idx)] * dAbs[idx/blocksize]
				}
				acc[t] = sum
			})
		}
		b.Threads(func(t int) {
			if col := col0 + t; col < n {
				dOut.Set(row*ldc+col, acc[t])
			}
		})
	})
	if err != nil {
		return err
	}
	return s.commit()
}

// Gemm4BitInferenceNaive has the contract of Gemm4BitInference and
// computes every output with one thread and no shared memory.
func (ctx *Context) Gemm4BitInferenceNaive(m, n, k int, A Tensor, B []byte, absmax []float32, code *Codebook, blocksize int, out Tensor, lda, ldb, ldc int) error {
	const op = "Gemm4BitInferenceNaive"
	args := gemm4bitArgs{m: m, n: n, k: k, lda: lda, ldb: ldb, ldc: ldc, blocksize: blocksize}
	if err := checkGemm4Bit(op, args, A, B, absmax, code, out); err != nil {
		return err
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageTensor(s, A, stageIn)
	dB := stageSlice(s, B, stageIn)
	dAbs := stageSlice(s, absmax, stageIn)
	dOut := stageTensor(s, out, stageInOut)
	if err := s.Err(); err != nil {
		return err
	}

	err := ctx.forEach(op, m*n, func(i int) {
		row, col := i/n, i%n
		var sum float32
		for kk := 0; kk < k; kk++ {
			idx := col*ldb + kk
			sum += dA.At(row*lda+kk) * code.Value(int(nibble(dB, idx))) * dAbs[idx/blocksize]
		}
		dOut.Set(row*ldc+col, sum)
	})
	if err != nil {
		return err
	}
	return s.commit()
}

// GemmHost computes out = A * B^T for an m x k matrix A and an n x k
// matrix B of any element type. The product is formed in float32 with
// gonum's blas32 and rounded into out's element type.
func (ctx *Context) GemmHost(m, n, k int, A, B Tensor, out Tensor, lda, ldb, ldc int) error {
	const op = "GemmHost"
	if m <= 0 || n <= 0 || k <= 0 {
		return NewInvalidArgError(op, fmt.Sprintf("invalid shape m=%d n=%d k=%d", m, n, k))
	}
	if lda < k || ldb < k || ldc < n {
		return NewInvalidArgError(op, fmt.Sprintf("leading dimensions %d/%d/%d too small", lda, ldb, ldc))
	}
	if err := A.check(op, "A", (m-1)*lda+k); err != nil {
		return err
	}
	if err := B.check(op, "B", (n-1)*ldb+k); err != nil {
		return err
	}
	if err := out.check(op, "out", (m-1)*ldc+n); err != nil {
		return err
	}

	a := blas32.General{Rows: m, Cols: k, Stride: lda, Data: A.Float32s()}
	b := blas32.General{Rows: n, Cols: k, Stride: ldb, Data: B.Float32s()}
	c := blas32.General{Rows: m, Cols: n, Stride: ldc, Data: out.Float32s()}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 0, c)

	for r := 0; r < m; r++ {
		for col := 0; col < n; col++ {
			out.Set(r*ldc+col, c.Data[r*ldc+col])
		}
	}
	return nil
}
