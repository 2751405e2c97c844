package lowbit

import (
	"fmt"
)

// blockConfig is the launch geometry of one quantization block size.
type blockConfig struct {
	threads int
	items   int
}

var blockConfigs = map[int]blockConfig{
	4096: {1024, 4},
	2048: {512, 4},
	1024: {256, 4},
	512:  {256, 2},
	256:  {128, 2},
	128:  {64, 2},
	64:   {32, 2},
}

// BlockSizes lists the supported quantization block sizes in ascending
// order.
var BlockSizes = []int{64, 128, 256, 512, 1024, 2048, 4096}

// QuantizeBlockwiseWorkspace returns the shared bytes one block of the
// given size uses for its absmax reduction.
func QuantizeBlockwiseWorkspace(blocksize int) (int, error) {
	cfg, ok := blockConfigs[blocksize]
	if !ok {
		return 0, NewNotImplementedError("QuantizeBlockwiseWorkspace", fmt.Sprintf("blocksize %d", blocksize))
	}
	return cfg.threads * 4, nil
}

// BlockwiseOptions configures QuantizeBlockwise.
type BlockwiseOptions struct {
	// Blocksize is the number of elements sharing one absmax.
	Blocksize int
	DataType  DataType
	// Rand enables stochastic rounding (General8bit only). Element i uses
	// Rand[(i+RandOffset) % len(Rand)].
	Rand       []float32
	RandOffset int
	// Absmax, when set, is used instead of computing the block maxima.
	Absmax []float32
}

// QuantState is a blockwise quantized tensor.
type QuantState struct {
	DataType  DataType
	DType     DType
	Blocksize int
	N         int
	Packed    []byte
	Absmax    []float32
}

// Blocks returns the number of quantization blocks.
func (q QuantState) Blocks() int {
	return (q.N + q.Blocksize - 1) / q.Blocksize
}

// Quantize maps values already normalized to [-1, 1] to their nearest
// code, 1024 elements per block.
func (ctx *Context) Quantize(code *Codebook, A []float32) ([]byte, error) {
	const op = "Quantize"
	if code == nil {
		return nil, NewInvalidArgError(op, "nil codebook")
	}
	n := len(A)
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageSlice(s, A, stageIn)
	dOut := stageSlice(s, out, stageOut)
	if err := s.Err(); err != nil {
		return nil, err
	}

	err := ctx.run(LaunchConfig{
		Name:  op,
		Grid:  gridFor(n, ScalarQuantizeTile),
		Block: Dim3{X: DefaultBlockSize},
	}, func(b *Block) {
		base := b.Linear() * ScalarQuantizeTile
		per := ScalarQuantizeTile / DefaultBlockSize
		b.Threads(func(t int) {
			for j := 0; j < per; j++ {
				if i := base + t*per + j; i < n {
					dOut[i] = code.Quantize(dA[i])
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, s.commit()
}

// Dequantize maps codes back to their values.
func (ctx *Context) Dequantize(code *Codebook, A []byte) ([]float32, error) {
	const op = "Dequantize"
	if code == nil {
		return nil, NewInvalidArgError(op, "nil codebook")
	}
	n := len(A)
	out := make([]float32, n)
	if n == 0 {
		return out, nil
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageSlice(s, A, stageIn)
	dOut := stageSlice(s, out, stageOut)
	if err := s.Err(); err != nil {
		return nil, err
	}

	err := ctx.run(LaunchConfig{
		Name:  op,
		Grid:  gridFor(n, ScalarQuantizeTile),
		Block: Dim3{X: DefaultBlockSize},
	}, func(b *Block) {
		base := b.Linear() * ScalarQuantizeTile
		per := ScalarQuantizeTile / DefaultBlockSize
		b.Threads(func(t int) {
			for j := 0; j < per; j++ {
				if i := base + t*per + j; i < n {
					dOut[i] = code.Value(int(dA[i]))
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, s.commit()
}

// QuantizeBlockwise quantizes A block by block. Each block is normalized by
// its absmax and every element is mapped to a code: nearest (or stochastic)
// entry of code for General8bit, the built-in cascade for NF4 and FP4.
// 4-bit codes are packed two per byte, the even element in the low nibble.
// An unsupported block size returns ErrNotImplemented.
func (ctx *Context) QuantizeBlockwise(code *Codebook, A Tensor, opts BlockwiseOptions) (QuantState, error) {
	const op = "QuantizeBlockwise"
	cfg, ok := blockConfigs[opts.Blocksize]
	if !ok {
		return QuantState{}, NewNotImplementedError(op, fmt.Sprintf("blocksize %d", opts.Blocksize))
	}
	if opts.Rand != nil && len(opts.Rand) == 0 {
		return QuantState{}, NewInvalidArgError(op, "empty random buffer")
	}
	if opts.RandOffset < 0 {
		return QuantState{}, NewInvalidArgError(op, fmt.Sprintf("negative random offset %d", opts.RandOffset))
	}
	dt := opts.DataType
	switch dt {
	case General8bit:
		if code == nil {
			code = GeneralCode()
		}
	case NF4, FP4:
		if opts.Rand != nil {
			return QuantState{}, NewNotImplementedError(op, "stochastic rounding with 4-bit data types")
		}
	default:
		return QuantState{}, NewNotImplementedError(op, dt.String())
	}

	n := A.Len()
	q := QuantState{
		DataType:  dt,
		DType:     A.DType,
		Blocksize: opts.Blocksize,
		N:         n,
		Packed:    make([]byte, dt.PackedLen(n)),
	}
	blocks := q.Blocks()
	q.Absmax = make([]float32, blocks)
	if opts.Absmax != nil {
		if len(opts.Absmax) < blocks {
			return QuantState{}, NewInvalidArgError(op, fmt.Sprintf("absmax holds %d values, need %d", len(opts.Absmax), blocks))
		}
		copy(q.Absmax, opts.Absmax)
	}
	if n == 0 {
		return q, nil
	}

	s, release := ctx.stage(op)
	defer release()
	dA := stageTensor(s, A, stageIn)
	dRand := stageSlice(s, opts.Rand, stageIn)
	absmax := stageSlice(s, q.Absmax, stageInOut)
	packed := stageSlice(s, q.Packed, stageOut)
	if err := s.Err(); err != nil {
		return QuantState{}, err
	}

	precomputed := opts.Absmax != nil
	randOffset := opts.RandOffset
	shared, _ := QuantizeBlockwiseWorkspace(opts.Blocksize)
	err := ctx.run(LaunchConfig{
		Name:      op,
		Grid:      Dim3{X: blocks},
		Block:     Dim3{X: cfg.threads},
		SharedMem: shared,
	}, func(b *Block) {
		blk := b.Linear()
		base := blk * opts.Blocksize
		red := b.SharedFloat32(0, cfg.threads)

		if !precomputed {
			b.Threads(func(t int) {
				var m float32
				for j := 0; j < cfg.items; j++ {
					if i := base + t*cfg.items + j; i < n {
						m = maxf(m, absf(dA.At(i)))
					}
				}
				red[t] = m
			})
			m := blockReduce(b, red, cfg.threads, maxf)
			absmax[blk] = m
		}
		var scale float32
		if m := absmax[blk]; m != 0 {
			scale = 1 / m
		}

		b.Threads(func(t int) {
			first := base + t*cfg.items
			if dt == General8bit {
				for j := 0; j < cfg.items; j++ {
					i := first + j
					if i >= n {
						return
					}
					x := dA.At(i) * scale
					if dRand != nil {
						packed[i] = code.QuantizeStochastic(x, dRand[(i+randOffset)%len(dRand)])
					} else {
						packed[i] = code.Quantize(x)
					}
				}
				return
			}
			for j := 0; j < cfg.items; j += 2 {
				i := first + j
				if i >= n {
					return
				}
				var hiVal float32
				if i+1 < n {
					hiVal = dA.At(i+1) * scale
				}
				packed[i/2] = packNibbles(quantize4bit(dt, dA.At(i)*scale), quantize4bit(dt, hiVal))
			}
		})
	})
	if err != nil {
		return QuantState{}, err
	}
	return q, s.commit()
}

// DequantizeBlockwise is the inverse of QuantizeBlockwise: every code is
// looked up and multiplied by its block's absmax. out receives q.N elements
// in its own element type.
func (ctx *Context) DequantizeBlockwise(code *Codebook, q QuantState, out Tensor) error {
	const op = "DequantizeBlockwise"
	cfg, ok := blockConfigs[q.Blocksize]
	if !ok {
		return NewNotImplementedError(op, fmt.Sprintf("blocksize %d", q.Blocksize))
	}
	dt := q.DataType
	switch dt {
	case General8bit:
		if code == nil {
			code = GeneralCode()
		}
	case NF4, FP4:
	default:
		return NewNotImplementedError(op, dt.String())
	}
	n := q.N
	if len(q.Packed) < dt.PackedLen(n) || len(q.Absmax) < q.Blocks() {
		return NewInvalidArgError(op, "quantized buffers are shorter than the tensor")
	}
	if err := out.check(op, "out", n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	s, release := ctx.stage(op)
	defer release()
	packed := stageSlice(s, q.Packed[:dt.PackedLen(n)], stageIn)
	absmax := stageSlice(s, q.Absmax[:q.Blocks()], stageIn)
	dOut := stageTensor(s, out, stageInOut)
	if err := s.Err(); err != nil {
		return err
	}

	err := ctx.run(LaunchConfig{
		Name:  op,
		Grid:  Dim3{X: q.Blocks()},
		Block: Dim3{X: cfg.threads},
	}, func(b *Block) {
		blk := b.Linear()
		m := absmax[blk]
		first := blk * q.Blocksize
		b.Threads(func(t int) {
			for j := 0; j < cfg.items; j++ {
				i := first + t*cfg.items + j
				if i >= n {
					return
				}
				var v float32
				if dt == General8bit {
					v = code.Value(int(packed[i]))
				} else {
					v = dequantize4bit(dt, nibble(packed, i))
				}
				dOut.Set(i, v*m)
			}
		})
	})
	if err != nil {
		return err
	}
	return s.commit()
}
