package lowbit

import (
	"fmt"
	"math"
	"slices"
)

// GradNormHistory is the ring of squared gradient norms percentile clipping
// draws its threshold from. The zero value is an empty history.
type GradNormHistory struct {
	Values [GradNormHistoryLen]float32
}

// ClipResult reports one percentile clipping step.
type ClipResult struct {
	// Norm is the L2 norm of the current gradient.
	Norm float32
	// Clip is the norm at the requested percentile of the history.
	Clip float32
	// Scale is Clip/Norm when Norm exceeds Clip, else 1. It is meant to be
	// passed on as Hyper.GNormScale.
	Scale float32
}

// Apply scales g in place by r.Scale.
func (r ClipResult) Apply(g Tensor) {
	if r.Scale == 1 {
		return
	}
	for i := 0; i < g.Len(); i++ {
		g.Set(i, g.At(i)*r.Scale)
	}
}

const clipThreads = DefaultBlockSize

// PercentileClipping records the squared norm of g at history slot
// step%100 and derives the gradient scale from the percentile-th smallest
// entry of the history. Slots that were never written count as zero.
func (ctx *Context) PercentileClipping(g Tensor, history *GradNormHistory, step int, percentile int) (ClipResult, error) {
	const op = "PercentileClipping"
	if history == nil {
		return ClipResult{}, NewInvalidArgError(op, "nil history")
	}
	if percentile < 0 || percentile >= GradNormHistoryLen {
		return ClipResult{}, NewInvalidArgError(op, fmt.Sprintf("percentile %d outside [0, %d)", percentile, GradNormHistoryLen))
	}
	if step < 0 {
		return ClipResult{}, NewInvalidArgError(op, fmt.Sprintf("negative step %d", step))
	}

	n := g.Len()
	var sumsq float32
	if n > 0 {
		s, release := ctx.stage(op)
		defer release()
		dG := stageTensor(s, g, stageIn)
		acc := stageSlice(s, []float32{0}, stageOut)
		if err := s.Err(); err != nil {
			return ClipResult{}, err
		}

		const per = 8
		err := ctx.run(LaunchConfig{
			Name:      op,
			Grid:      gridFor(n, clipThreads*per),
			Block:     Dim3{X: clipThreads},
			SharedMem: clipThreads * 4,
		}, func(b *Block) {
			base := b.Linear() * clipThreads * per
			red := b.SharedFloat32(0, clipThreads)
			b.Threads(func(t int) {
				var local float32
				for j := 0; j < per; j++ {
					if i := base + t*per + j; i < n {
						v := dG.At(i)
						local += v * v
					}
				}
				red[t] = local
			})
			atomicAddFloat32(&acc[0], blockReduce(b, red, clipThreads, addf))
		})
		if err != nil {
			return ClipResult{}, err
		}
		sumsq = acc[0]
	}

	history.Values[step%GradNormHistoryLen] = sumsq
	sorted := slices.Clone(history.Values[:])
	slices.Sort(sorted)

	res := ClipResult{
		Norm:  float32(math.Sqrt(float64(sumsq))),
		Clip:  float32(math.Sqrt(float64(sorted[percentile]))),
		Scale: 1,
	}
	if res.Norm > res.Clip {
		res.Scale = res.Clip / res.Norm
	}
	ctx.logger.Debug("percentile clipping", "step", step, "norm", res.Norm, "clip", res.Clip, "scale", res.Scale)
	return res, nil
}
