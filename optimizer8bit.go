package lowbit

// ScaleState holds the per-tensor scales of the static 8-bit optimizer.
// Max1/Max2 decode the states of the current step, NewMax1/NewMax2 receive
// the scales the step encodes with. Swap hands the new scales over before
// the next step.
type ScaleState struct {
	Max1, Max2       float32
	NewMax1, NewMax2 float32
}

// Swap exchanges the current and new scales.
func (s *ScaleState) Swap() {
	s.Max1, s.NewMax1 = s.NewMax1, s.Max1
	s.Max2, s.NewMax2 = s.NewMax2, s.Max2
}

// OptimizerStatic8bit performs one fused optimizer step on 8-bit states
// quantized against q1 and q2 with one scale per tensor. A precondition
// launch decodes the states with Max1/Max2, advances them and records their
// new absmax in NewMax1/NewMax2 (and the update norm in unorm when
// MaxUnorm > 0). The update launch then decodes with the old scales again
// and encodes the new states with the new ones. state1 keeps its sign
// through quantization. Call scales.Swap() before the next step.
func (ctx *Context) OptimizerStatic8bit(alg Algorithm, g, p Tensor, state1, state2 []byte, q1, q2 *Codebook, scales *ScaleState, unorm *float32, h Hyper) error {
	const op = "OptimizerStatic8bit"
	if err := h.validate(op, alg); err != nil {
		return err
	}
	if scales == nil {
		return NewInvalidArgError(op, "nil scale state")
	}
	if q1 == nil || alg.States() == 2 && q2 == nil {
		return NewInvalidArgError(op, "missing state codebook")
	}
	n, err := checkOptimizerArgs(op, alg, g, p, len(state1), len(state2))
	if err != nil || n == 0 {
		return err
	}
	if alg.States() == 1 {
		state2 = nil
	}

	s, release := ctx.stage(op)
	defer release()
	dG := stageTensor(s, g, stageIn)
	dP := stageTensor(s, p, stageInOut)
	c1 := stageSlice(s, state1[:n], stageInOut)
	var c2 []byte
	if state2 != nil {
		c2 = stageSlice(s, state2[:n], stageInOut)
	}
	// norm, newMax1, newMax2
	acc := stageSlice(s, make([]float32, 3), stageOut)
	if err := s.Err(); err != nil {
		return err
	}

	r := newRule(alg, h)
	max1, max2 := scales.Max1, scales.Max2
	decode := func(i int) (float32, float32) {
		v1 := q1.Value(int(c1[i])) * max1
		var v2 float32
		if c2 != nil {
			v2 = q2.Value(int(c2[i])) * max2
		}
		return v1, v2
	}

	per := OptimizerTileSize / OptimizerThreads
	cfg := LaunchConfig{
		Name:      op + "/precondition",
		Grid:      gridFor(n, OptimizerTileSize),
		Block:     Dim3{X: OptimizerThreads},
		SharedMem: OptimizerWorkspace(false),
	}
	err = ctx.run(cfg, func(b *Block) {
		base := b.Linear() * OptimizerTileSize
		red1 := b.SharedFloat32(0, OptimizerThreads)
		red2 := b.SharedFloat32(OptimizerThreads*4, OptimizerThreads)
		var sum float32
		b.Threads(func(t int) {
			var m1, m2, u float32
			for j := 0; j < per; j++ {
				i := base + t*per + j
				if i >= n {
					break
				}
				v1, v2 := decode(i)
				v1, v2, term := r.precondition(dG.At(i), v1, v2)
				m1 = maxf(m1, absf(v1))
				m2 = maxf(m2, absf(v2))
				u += term
			}
			red1[t] = m1
			red2[t] = m2
			sum += u
		})
		atomicMaxFloat32(&acc[1], blockReduce(b, red1, OptimizerThreads, maxf))
		if c2 != nil {
			atomicMaxFloat32(&acc[2], blockReduce(b, red2, OptimizerThreads, maxf))
		}
		if sum != 0 {
			atomicAddFloat32(&acc[0], sum)
		}
	})
	if err != nil {
		return err
	}

	scales.NewMax1, scales.NewMax2 = acc[1], acc[2]
	if h.MaxUnorm > 0 {
		if unorm != nil {
			*unorm = acc[0]
		}
		r.limit(acc[0])
	}
	inv1, inv2 := reciprocal(scales.NewMax1), reciprocal(scales.NewMax2)

	cfg.Name = op + "/update"
	err = ctx.run(cfg, func(b *Block) {
		base := b.Linear() * OptimizerTileSize
		b.Threads(func(t int) {
			for j := 0; j < per; j++ {
				i := base + t*per + j
				if i >= n {
					return
				}
				v1, v2 := decode(i)
				np, v1, v2 := r.update(dG.At(i), dP.At(i), v1, v2)
				dP.Set(i, np)
				c1[i] = q1.keepSign(q1.Quantize(v1*inv1), v1)
				if c2 != nil {
					c2[i] = q2.Quantize(v2 * inv2)
				}
			}
		})
	})
	if err != nil {
		return err
	}
	return s.commit()
}

func reciprocal(x float32) float32 {
	if x == 0 {
		return 0
	}
	return 1 / x
}
