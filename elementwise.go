package lowbit

import "fmt"

// fillKernel writes one value to every element.
type fillKernel struct {
	dst []float32
	v   float32
}

func (k fillKernel) Execute(tid ThreadID, args ...interface{}) {
	if i := tid.Global(); i < len(k.dst) {
		k.dst[i] = k.v
	}
}

// elementwise launches kernel over n elements and copies dst back.
func (ctx *Context) elementwise(op string, A []float32, kernel func(dst []float32) Kernel) error {
	n := len(A)
	if n == 0 {
		return nil
	}
	s, release := ctx.stage(op)
	defer release()
	dA := stageSlice(s, A, stageInOut)
	if err := s.Err(); err != nil {
		return err
	}
	task := ctx.threadTask(kernel(dA).Execute, gridFor(n, DefaultBlockSize), Dim3{X: DefaultBlockSize, Y: 1, Z: 1})
	if err := <-ctx.defaultStream.await(task); err != nil {
		return ctx.fault(fmt.Errorf("%s: %w", op, err))
	}
	return s.commit()
}

// Fill sets every element of A to v.
func (ctx *Context) Fill(A []float32, v float32) error {
	return ctx.elementwise("Fill", A, func(dst []float32) Kernel {
		return fillKernel{dst: dst, v: v}
	})
}

// Arange sets A[i] = i.
func (ctx *Context) Arange(A []float32) error {
	return ctx.elementwise("Arange", A, func(dst []float32) Kernel {
		return KernelFunc(func(tid ThreadID, args ...interface{}) {
			if i := tid.Global(); i < len(dst) {
				dst[i] = float32(i)
			}
		})
	})
}

// Mul multiplies every element of A by v.
func (ctx *Context) Mul(A []float32, v float32) error {
	return ctx.elementwise("Mul", A, func(dst []float32) Kernel {
		return KernelFunc(func(tid ThreadID, args ...interface{}) {
			if i := tid.Global(); i < len(dst) {
				dst[i] *= v
			}
		})
	})
}

// HistogramScatterAdd2D adds src[i] to hist[idx1[i]*maxIdx1+idx2[i]]. The
// adds are atomic, so repeated indices accumulate.
func (ctx *Context) HistogramScatterAdd2D(hist []float32, idx1, idx2 []int32, src []float32, maxIdx1 int) error {
	const op = "HistogramScatterAdd2D"
	n := len(src)
	if len(idx1) < n || len(idx2) < n {
		return NewInvalidArgError(op, fmt.Sprintf("index arrays shorter than %d sources", n))
	}
	for i := 0; i < n; i++ {
		if at := int(idx1[i])*maxIdx1 + int(idx2[i]); idx1[i] < 0 || idx2[i] < 0 || at >= len(hist) {
			return NewInvalidArgError(op, fmt.Sprintf("source %d lands at %d outside %d bins", i, at, len(hist)))
		}
	}
	if n == 0 {
		return nil
	}

	s, release := ctx.stage(op)
	defer release()
	dHist := stageSlice(s, hist, stageInOut)
	d1 := stageSlice(s, idx1[:n], stageIn)
	d2 := stageSlice(s, idx2[:n], stageIn)
	dSrc := stageSlice(s, src, stageIn)
	if err := s.Err(); err != nil {
		return err
	}

	err := ctx.forEach(op, n, func(i int) {
		atomicAddFloat32(&dHist[int(d1[i])*maxIdx1+int(d2[i])], dSrc[i])
	})
	if err != nil {
		return err
	}
	return s.commit()
}
