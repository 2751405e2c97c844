package lowbit

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostStep is a plain float64 rendition of one optimizer step.
func hostStep(alg Algorithm, h Hyper, g, p, s1, s2 float64) (float64, float64, float64) {
	b1, b2, eps := float64(h.Beta1), float64(h.Beta2), float64(h.Eps)
	lr, wd := float64(h.LR), float64(h.WeightDecay)
	t := float64(h.Step)
	switch alg {
	case Adam:
		s1 = b1*s1 + (1-b1)*g
		s2 = b2*s2 + (1-b2)*g*g
		c1 := 1 - math.Pow(b1, t)
		c2 := math.Sqrt(1 - math.Pow(b2, t))
		p -= lr * c2 / c1 * s1 / (math.Sqrt(s2) + eps*c2)
		p *= 1 - lr*wd
	case Lion:
		p *= 1 - lr*wd
		u := b1*s1 + (1-b1)*g
		switch {
		case u > 0:
			p -= lr
		case u < 0:
			p += lr
		}
		s1 = b2*s1 + (1-b2)*g
	case Momentum:
		g += wd * p
		if h.Step == 1 {
			s1 = g
		} else {
			s1 = b1*s1 + g
		}
		p -= lr * s1
	case RMSProp:
		g += wd * p
		s1 = b1*s1 + (1-b1)*g*g
		p -= lr * g / (math.Sqrt(s1) + eps)
	case Adagrad:
		g += wd * p
		s1 += g * g
		p -= lr * g / (math.Sqrt(s1) + eps)
	}
	return p, s1, s2
}

func defaultHyper(alg Algorithm) Hyper {
	h := Hyper{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, LR: 1e-3, WeightDecay: 0.01, Step: 1}
	if alg == Lion {
		h.Beta2 = 0.99
	}
	return h
}

// boundedGrad returns n gradients with magnitudes in [0.05, 0.15).
func boundedGrad(rng *rand.Rand, n int) []float32 {
	g := make([]float32, n)
	for i := range g {
		g[i] = 0.05 + 0.1*rng.Float32()
		if rng.Intn(2) == 0 {
			g[i] = -g[i]
		}
	}
	return g
}

func TestOptimizer32bitMatchesHost(t *testing.T) {
	ctx := newTestContext(t)

	for alg := Adam; alg <= Lion; alg++ {
		t.Run(alg.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(alg) + 10))
			const n = 5000
			p := randFloats(rng, n, 0.1)
			s1 := make([]float32, n)
			s2 := make([]float32, n)

			hp := make([]float64, n)
			hs1 := make([]float64, n)
			hs2 := make([]float64, n)
			for i := range p {
				hp[i] = float64(p[i])
			}

			h := defaultHyper(alg)
			for step := 1; step <= 3; step++ {
				h.Step = step
				g := randFloats(rng, n, 0.1)
				require.NoError(t, ctx.Optimizer32bit(alg, F32(g), F32(p), s1, s2, nil, h))
				for i := range g {
					hp[i], hs1[i], hs2[i] = hostStep(alg, h, float64(g[i]), hp[i], hs1[i], hs2[i])
				}
			}
			for i := range p {
				require.InDelta(t, hp[i], p[i], 2e-6, "param %d", i)
				require.InDelta(t, hs1[i], s1[i], 1e-5, "state1 %d", i)
				if alg == Adam {
					require.InDelta(t, hs2[i], s2[i], 1e-6, "state2 %d", i)
				} else {
					require.Zero(t, s2[i], "state2 untouched")
				}
			}
			requireNoLeak(t, ctx)
		})
	}
}

func TestAdamFirstStepMovesByLR(t *testing.T) {
	ctx := newTestContext(t)

	p := []float32{1, -1}
	g := []float32{1, -1}
	s1, s2 := make([]float32, 2), make([]float32, 2)
	h := defaultHyper(Adam)
	h.WeightDecay = 0
	require.NoError(t, ctx.Optimizer32bit(Adam, F32(g), F32(p), s1, s2, nil, h))
	assert.InDelta(t, 1-h.LR, p[0], 1e-6)
	assert.InDelta(t, -1+h.LR, p[1], 1e-6)
	// Moments follow float32 arithmetic: 1-0.999 is 0.0009999871 there.
	assert.InDelta(t, 1-h.Beta1, s1[0], 1e-9)
	assert.InDelta(t, 1-h.Beta2, s2[0], 1e-9)
	assert.InDelta(t, 0.001, s2[0], 2e-8)

	// Decay is applied after the update.
	p = []float32{1}
	h.WeightDecay = 0.1
	require.NoError(t, ctx.Optimizer32bit(Adam, F32([]float32{1}), F32(p), make([]float32, 1), make([]float32, 1), nil, h))
	assert.InDelta(t, (1-h.LR)*(1-h.LR*h.WeightDecay), p[0], 1e-6)
}

func TestLionInterpolatesWithBeta1(t *testing.T) {
	ctx := newTestContext(t)

	p := []float32{1}
	s1 := []float32{0.1}
	h := Hyper{Beta1: 0.9, Beta2: 0.99, LR: 0.1, Step: 5}
	require.NoError(t, ctx.Optimizer32bit(Lion, F32([]float32{-1}), F32(p), s1, nil, nil, h))

	// sign(0.9*0.1 + 0.1*-1) < 0 moves p up; the state then uses beta2.
	assert.InDelta(t, 1.1, p[0], 1e-6)
	assert.InDelta(t, 0.99*0.1-0.01, s1[0], 1e-7)
}

func TestOptimizerSkipZeros(t *testing.T) {
	ctx := newTestContext(t)

	p := []float32{1, 2, 3}
	g := []float32{0.5, 0, -0.5}
	s1 := []float32{0.1, 0.2, 0.3}
	s2 := []float32{0.01, 0.02, 0.03}
	h := defaultHyper(Adam)
	h.Step = 4
	h.SkipZeros = true
	require.NoError(t, ctx.Optimizer32bit(Adam, F32(g), F32(p), s1, s2, nil, h))

	assert.Equal(t, float32(2), p[1])
	assert.Equal(t, float32(0.2), s1[1])
	assert.Equal(t, float32(0.02), s2[1])
	assert.NotEqual(t, float32(1), p[0])
	assert.NotEqual(t, float32(3), p[2])
}

func TestOptimizerMaxUnorm(t *testing.T) {
	ctx := newTestContext(t)

	n := 4
	p := []float32{1, 1, 1, 1}
	g := []float32{1, 1, 1, 1}
	s1 := make([]float32, n)
	h := Hyper{Beta1: 0.9, LR: 0.1, Step: 1, MaxUnorm: 0.5, ParamNorm: 1}

	var unorm float32
	require.NoError(t, ctx.Optimizer32bit(Momentum, F32(g), F32(p), s1, nil, &unorm, h))
	assert.InDelta(t, 4, unorm, 1e-6)
	// sqrt(4) = 2 exceeds 0.5*1, so the update is scaled by 0.25.
	for _, v := range p {
		assert.InDelta(t, 1-0.1*0.25, v, 1e-6)
	}
	for _, v := range s1 {
		assert.Equal(t, float32(1), v)
	}
}

func TestOptimizerGNormScale(t *testing.T) {
	ctx := newTestContext(t)

	p := []float32{0, 0}
	s1 := make([]float32, 2)
	h := Hyper{Beta1: 0.9, LR: 1, Step: 1, GNormScale: 0.5}
	require.NoError(t, ctx.Optimizer32bit(Momentum, F32([]float32{2, -4}), F32(p), s1, nil, nil, h))
	assert.Equal(t, []float32{-1, 2}, p)
	assert.Equal(t, []float32{1, -2}, s1)
}

func TestOptimizer32bitHalfPrecisionParams(t *testing.T) {
	ctx := newTestContext(t)
	rng := rand.New(rand.NewSource(20))

	const n = 1000
	p32 := randFloats(rng, n, 1)
	g32 := randFloats(rng, n, 0.1)
	for _, dt := range []DType{Float16, BFloat16} {
		t.Run(dt.String(), func(t *testing.T) {
			p := NewTensor(dt, n)
			g := NewTensor(dt, n)
			for i := range p32 {
				p.Set(i, p32[i])
				g.Set(i, g32[i])
			}
			before := p.Float32s()
			gq := g.Float32s()
			s1, s2 := make([]float32, n), make([]float32, n)
			h := defaultHyper(Adam)
			require.NoError(t, ctx.Optimizer32bit(Adam, g, p, s1, s2, nil, h))

			tol := Float16Tolerance(dt)
			for i := range before {
				want, _, _ := hostStep(Adam, h, float64(gq[i]), float64(before[i]), 0, 0)
				if !Float32NearEqual(float32(want), p.At(i), tol) {
					t.Fatalf("param %d: got %v want %v", i, p.At(i), want)
				}
			}
		})
	}
}

func TestOptimizerArgumentErrors(t *testing.T) {
	ctx := newTestContext(t)

	g := F32(make([]float32, 4))
	p := F32(make([]float32, 4))
	s := make([]float32, 4)
	h := defaultHyper(Adam)

	h.Step = 0
	assert.True(t, IsInvalidArgError(ctx.Optimizer32bit(Adam, g, p, s, s, nil, h)))
	h.Step = 1
	assert.True(t, IsNotImplemented(ctx.Optimizer32bit(Algorithm(42), g, p, s, s, nil, h)))
	assert.True(t, IsInvalidArgError(ctx.Optimizer32bit(Adam, F32(make([]float32, 3)), p, s, s, nil, h)))
	assert.True(t, IsInvalidArgError(ctx.Optimizer32bit(Adam, g, p, s, s[:2], nil, h)))
	assert.NoError(t, ctx.Optimizer32bit(Momentum, g, p, s, nil, nil, h))

	c := make([]byte, 4)
	assert.True(t, IsInvalidArgError(ctx.OptimizerStatic8bit(Adam, g, p, c, c, GeneralCode(), nil, &ScaleState{}, nil, h)))
	assert.True(t, IsInvalidArgError(ctx.OptimizerStatic8bit(Momentum, g, p, c, nil, GeneralCode(), nil, nil, nil, h)))
	assert.True(t, IsInvalidArgError(ctx.OptimizerStatic8bitBlockwise(Adam, g, p, c, c, GeneralCode(), GeneralCode(), nil, nil, h)))
	requireNoLeak(t, ctx)
}

func TestParseAlgorithm(t *testing.T) {
	for alg := Adam; alg <= Lion; alg++ {
		got, err := ParseAlgorithm(alg.String())
		require.NoError(t, err)
		assert.Equal(t, alg, got)
	}
	got, err := ParseAlgorithm("Adam")
	require.NoError(t, err)
	assert.Equal(t, Adam, got)
	_, err = ParseAlgorithm("sgd")
	assert.True(t, IsInvalidArgError(err))
}

// trackingStats summarizes how far the 8-bit parameters drifted from the
// 32-bit ones.
func trackingStats(p32, p8 []float32) (maxDiff, meanDiff float64) {
	for i := range p32 {
		d := math.Abs(float64(p32[i] - p8[i]))
		maxDiff = max(maxDiff, d)
		meanDiff += d
	}
	return maxDiff, meanDiff / float64(len(p32))
}

func TestOptimizerStatic8bitTracks32bit(t *testing.T) {
	ctx := newTestContext(t)
	q1 := GeneralCode()
	q2, err := NewCodebook(DynamicMap(false, 7))
	require.NoError(t, err)

	for _, alg := range []Algorithm{Adam, Momentum, RMSProp, Lion} {
		t.Run(alg.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(30 + int64(alg)))
			const n, steps = 5000, 5
			p32 := randFloats(rng, n, 0.1)
			p8 := append([]float32(nil), p32...)
			s1, s2 := make([]float32, n), make([]float32, n)
			c1, c2 := make([]byte, n), make([]byte, n)
			var scales ScaleState

			h := defaultHyper(alg)
			h.WeightDecay = 0
			for step := 1; step <= steps; step++ {
				h.Step = step
				g := boundedGrad(rng, n)
				require.NoError(t, ctx.Optimizer32bit(alg, F32(g), F32(p32), s1, s2, nil, h))
				require.NoError(t, ctx.OptimizerStatic8bit(alg, F32(g), F32(p8), c1, c2, q1, q2, &scales, nil, h))

				if step == 1 && alg == Adam {
					var want float32
					for _, v := range g {
						want = max(want, absf((1-h.Beta1)*v))
					}
					assert.Equal(t, want, scales.NewMax1)
				}
				scales.Swap()
			}

			maxDiff, meanDiff := trackingStats(p32, p8)
			lr := float64(h.LR)
			assert.Less(t, maxDiff, steps*lr*0.5, "max drift")
			assert.Less(t, meanDiff, steps*lr*0.05, "mean drift")
			requireNoLeak(t, ctx)
		})
	}
}

func TestOptimizerStatic8bitMaxUnorm(t *testing.T) {
	ctx := newTestContext(t)

	p := []float32{1, 1, 1, 1}
	c1 := make([]byte, 4)
	var scales ScaleState
	var unorm float32
	h := Hyper{Beta1: 0.9, LR: 0.1, Step: 1, MaxUnorm: 0.5, ParamNorm: 1}
	require.NoError(t, ctx.OptimizerStatic8bit(Momentum, F32([]float32{1, 1, 1, 1}), F32(p), c1, nil, GeneralCode(), nil, &scales, &unorm, h))
	assert.InDelta(t, 4, unorm, 1e-6)
	assert.Equal(t, float32(1), scales.NewMax1)
	for i, v := range p {
		assert.InDelta(t, 1-0.1*0.25, v, 1e-6)
		assert.EqualValues(t, 255, c1[i])
	}
}

func TestOptimizerBlockwiseTracks32bit(t *testing.T) {
	ctx := newTestContext(t)
	q1 := GeneralCode()
	q2, err := NewCodebook(DynamicMap(false, 7))
	require.NoError(t, err)

	for _, alg := range []Algorithm{Adam, Momentum, Adagrad, Lion} {
		t.Run(alg.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(40 + int64(alg)))
			const n, steps = 5000, 5
			blocks := (n + BlockwiseOptimizerSize - 1) / BlockwiseOptimizerSize
			p32 := randFloats(rng, n, 0.1)
			p8 := append([]float32(nil), p32...)
			s1, s2 := make([]float32, n), make([]float32, n)
			c1, c2 := make([]byte, n), make([]byte, n)
			a1, a2 := make([]float32, blocks), make([]float32, blocks)

			h := defaultHyper(alg)
			h.WeightDecay = 0
			for step := 1; step <= steps; step++ {
				h.Step = step
				g := boundedGrad(rng, n)
				require.NoError(t, ctx.Optimizer32bit(alg, F32(g), F32(p32), s1, s2, nil, h))
				require.NoError(t, ctx.OptimizerStatic8bitBlockwise(alg, F32(g), F32(p8), c1, c2, q1, q2, a1, a2, h))

				for blk := 0; blk < blocks; blk++ {
					var want float32
					for i := blk * BlockwiseOptimizerSize; i < min((blk+1)*BlockwiseOptimizerSize, n); i++ {
						want = max(want, absf(s1[i]))
					}
					assert.InDelta(t, want, a1[blk], float64(want)*0.05, fmt.Sprintf("step %d block %d", step, blk))
				}
			}

			maxDiff, meanDiff := trackingStats(p32, p8)
			lr := float64(h.LR)
			assert.Less(t, maxDiff, steps*lr*0.5, "max drift")
			assert.Less(t, meanDiff, steps*lr*0.05, "mean drift")
			if alg != Adam {
				assert.Equal(t, make([]float32, blocks), a2, "absmax2 untouched")
			}
			requireNoLeak(t, ctx)
		})
	}
}
