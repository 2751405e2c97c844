package lowbit

import "fmt"

const blockwiseOptimizerThreads = BlockwiseOptimizerSize / BlockwiseOptimizerItems

// OptimizerStatic8bitBlockwise performs one fused optimizer step on 8-bit
// states with one absmax per 2048-element block. Each block decodes its
// states with the stored absmax, applies the update to p, reduces the new
// absmax of the unquantized states through shared memory, writes it in
// place and encodes the states with it. No precondition pass is needed, so
// MaxUnorm is not applied.
func (ctx *Context) OptimizerStatic8bitBlockwise(alg Algorithm, g, p Tensor, state1, state2 []byte, q1, q2 *Codebook, absmax1, absmax2 []float32, h Hyper) error {
	const op = "OptimizerStatic8bitBlockwise"
	if err := h.validate(op, alg); err != nil {
		return err
	}
	if q1 == nil || alg.States() == 2 && q2 == nil {
		return NewInvalidArgError(op, "missing state codebook")
	}
	n, err := checkOptimizerArgs(op, alg, g, p, len(state1), len(state2))
	if err != nil || n == 0 {
		return err
	}
	blocks := (n + BlockwiseOptimizerSize - 1) / BlockwiseOptimizerSize
	if len(absmax1) < blocks || alg.States() == 2 && len(absmax2) < blocks {
		return NewInvalidArgError(op, fmt.Sprintf("absmax holds fewer than %d blocks", blocks))
	}
	if alg.States() == 1 {
		state2, absmax2 = nil, nil
	}

	s, release := ctx.stage(op)
	defer release()
	dG := stageTensor(s, g, stageIn)
	dP := stageTensor(s, p, stageInOut)
	c1 := stageSlice(s, state1[:n], stageInOut)
	a1 := stageSlice(s, absmax1[:blocks], stageInOut)
	var c2 []byte
	var a2 []float32
	if state2 != nil {
		c2 = stageSlice(s, state2[:n], stageInOut)
		a2 = stageSlice(s, absmax2[:blocks], stageInOut)
	}
	if err := s.Err(); err != nil {
		return err
	}

	r := newRule(alg, h)
	const threads = blockwiseOptimizerThreads
	const per = BlockwiseOptimizerItems
	err = ctx.run(LaunchConfig{
		Name:      op,
		Grid:      Dim3{X: blocks},
		Block:     Dim3{X: threads},
		SharedMem: OptimizerWorkspace(true),
	}, func(b *Block) {
		blk := b.Linear()
		base := blk * BlockwiseOptimizerSize
		v1s := b.SharedFloat32(0, BlockwiseOptimizerSize)
		v2s := b.SharedFloat32(BlockwiseOptimizerSize*4, BlockwiseOptimizerSize)
		red1 := b.SharedFloat32(2*BlockwiseOptimizerSize*4, threads)
		red2 := b.SharedFloat32(2*BlockwiseOptimizerSize*4+threads*4, threads)

		old1 := a1[blk]
		var old2 float32
		if c2 != nil {
			old2 = a2[blk]
		}
		b.Threads(func(t int) {
			var m1, m2 float32
			for j := t * per; j < (t+1)*per; j++ {
				i := base + j
				if i >= n {
					break
				}
				v1 := q1.Value(int(c1[i])) * old1
				var v2 float32
				if c2 != nil {
					v2 = q2.Value(int(c2[i])) * old2
				}
				np, v1, v2 := r.update(dG.At(i), dP.At(i), v1, v2)
				dP.Set(i, np)
				v1s[j], v2s[j] = v1, v2
				m1 = maxf(m1, absf(v1))
				m2 = maxf(m2, absf(v2))
			}
			red1[t], red2[t] = m1, m2
		})
		new1 := blockReduce(b, red1, threads, maxf)
		var new2 float32
		if c2 != nil {
			new2 = blockReduce(b, red2, threads, maxf)
		}
		b.Threads(func(t int) {
			if t == 0 {
				a1[blk] = new1
				if c2 != nil {
					a2[blk] = new2
				}
			}
		})
		inv1, inv2 := reciprocal(new1), reciprocal(new2)
		b.Threads(func(t int) {
			for j := t * per; j < (t+1)*per; j++ {
				i := base + j
				if i >= n {
					return
				}
				c1[i] = q1.keepSign(q1.Quantize(v1s[j]*inv1), v1s[j])
				if c2 != nil {
					c2[i] = q2.Quantize(v2s[j] * inv2)
				}
			}
		})
	})
	if err != nil {
		return err
	}
	return s.commit()
}
