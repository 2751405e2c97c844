package lowbit

import (
	"fmt"
	"math"
	"strings"
)

// Algorithm selects the update rule of the fused optimizer kernels.
type Algorithm int

const (
	Adam Algorithm = iota
	Momentum
	RMSProp
	Adagrad
	Lion
)

func (a Algorithm) String() string {
	switch a {
	case Adam:
		return "adam"
	case Momentum:
		return "momentum"
	case RMSProp:
		return "rmsprop"
	case Adagrad:
		return "adagrad"
	case Lion:
		return "lion"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// States returns how many state buffers the algorithm keeps.
func (a Algorithm) States() int {
	if a == Adam {
		return 2
	}
	return 1
}

// ParseAlgorithm maps a lower-case algorithm name to its Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	for a := Adam; a <= Lion; a++ {
		if strings.EqualFold(s, a.String()) {
			return a, nil
		}
	}
	return 0, NewInvalidArgError("ParseAlgorithm", fmt.Sprintf("unknown algorithm %q", s))
}

// Hyper holds the hyperparameters of one optimizer step. Step counts from 1.
type Hyper struct {
	Beta1, Beta2 float32
	Eps          float32
	WeightDecay  float32
	LR           float32
	// GNormScale multiplies every gradient first, see PercentileClipping.
	// Zero is treated as 1.
	GNormScale float32
	// MaxUnorm > 0 limits the update norm to MaxUnorm*ParamNorm.
	MaxUnorm  float32
	ParamNorm float32
	Step      int
	// SkipZeros leaves elements with a zero gradient untouched.
	SkipZeros bool
}

func (h Hyper) validate(op string, alg Algorithm) error {
	if alg < Adam || alg > Lion {
		return NewNotImplementedError(op, alg.String())
	}
	if h.Step < 1 {
		return NewInvalidArgError(op, fmt.Sprintf("step %d, steps count from 1", h.Step))
	}
	return nil
}

// rule is one optimizer step with its per-step constants folded in.
type rule struct {
	alg Algorithm
	h   Hyper

	gscale   float32
	c1, c2   float32
	stepSize float32
	scale    float32 // update scale from the norm limit
}

func newRule(alg Algorithm, h Hyper) *rule {
	r := &rule{alg: alg, h: h, gscale: h.GNormScale, scale: 1}
	if r.gscale == 0 {
		r.gscale = 1
	}
	t := float64(h.Step)
	r.c1 = 1 - float32(math.Pow(float64(h.Beta1), t))
	r.c2 = float32(math.Sqrt(1 - math.Pow(float64(h.Beta2), t)))
	if r.c1 != 0 {
		r.stepSize = -h.LR * r.c2 / r.c1
	}
	return r
}

// limit sets the update scale from the accumulated squared update norm.
func (r *rule) limit(unorm float32) {
	r.scale = updateScale(r.h, unorm)
}

func updateScale(h Hyper, unorm float32) float32 {
	if h.MaxUnorm <= 0 {
		return 1
	}
	n := float32(math.Sqrt(float64(unorm)))
	if bound := h.MaxUnorm * h.ParamNorm; n > bound {
		return bound / n
	}
	return 1
}

// advance returns the states after one step for an already scaled
// gradient. It is what the precondition pass uses to predict the new
// states, so weight decay is not part of it.
func (r *rule) advance(g, s1, s2 float32) (float32, float32) {
	h := r.h
	switch r.alg {
	case Adam:
		s1 = s1*h.Beta1 + (1-h.Beta1)*g
		s2 = s2*h.Beta2 + (1-h.Beta2)*g*g
	case Momentum:
		if h.Step == 1 {
			s1 = g
		} else {
			s1 = s1*h.Beta1 + g
		}
	case RMSProp:
		s1 = s1*h.Beta1 + (1-h.Beta1)*g*g
	case Adagrad:
		s1 += g * g
	case Lion:
		s1 = s1*h.Beta2 + (1-h.Beta2)*g
	}
	return s1, s2
}

// normTerm returns the squared update of one element for the norm limit.
func (r *rule) normTerm(g, s1, s2 float32) float32 {
	var u float32
	switch r.alg {
	case Adam:
		u = (s1 / r.c1) / (sqrtf(s2/(r.c2*r.c2)) + r.h.Eps)
	case Momentum, Lion:
		u = s1
	case RMSProp, Adagrad:
		u = g / (sqrtf(s1) + r.h.Eps)
	}
	return u * u
}

// precondition returns the advanced states and the norm term of one
// element.
func (r *rule) precondition(g, s1, s2 float32) (float32, float32, float32) {
	g *= r.gscale
	if r.h.SkipZeros && g == 0 {
		return s1, s2, 0
	}
	s1, s2 = r.advance(g, s1, s2)
	return s1, s2, r.normTerm(g, s1, s2)
}

// update applies one step to an element and returns the new parameter and
// states.
func (r *rule) update(g, p, s1, s2 float32) (float32, float32, float32) {
	h := r.h
	zero := g == 0
	g *= r.gscale

	switch r.alg {
	case Adam:
		if h.SkipZeros && zero {
			return p, s1, s2
		}
		s1, s2 = r.advance(g, s1, s2)
		p += r.scale * r.stepSize * (s1 / (sqrtf(s2) + h.Eps*r.c2))
		if h.WeightDecay > 0 {
			p *= 1 - h.LR*h.WeightDecay
		}
		return p, s1, s2
	case Lion:
		if h.WeightDecay > 0 {
			p *= 1 - h.LR*h.WeightDecay
		}
		if h.SkipZeros && zero {
			return p, s1, s2
		}
		p -= r.scale * h.LR * signf(s1*h.Beta1+(1-h.Beta1)*g)
		s1, s2 = r.advance(g, s1, s2)
		return p, s1, s2
	}

	if h.WeightDecay > 0 {
		g += p * h.WeightDecay
	}
	if h.SkipZeros && zero {
		return p, s1, s2
	}
	s1, s2 = r.advance(g, s1, s2)
	switch r.alg {
	case Momentum:
		p -= h.LR * r.scale * s1
	case RMSProp:
		p -= r.scale * h.LR * g / (sqrtf(s1) + h.Eps)
	case Adagrad:
		p -= h.LR * g / (sqrtf(s1) + h.Eps)
	}
	return p, s1, s2
}

func sqrtf(x float32) float32 { return float32(math.Sqrt(float64(x))) }

func signf(x float32) float32 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// OptimizerWorkspace returns the shared bytes of one optimizer block: the
// norm and max reductions of the tiled kernels, and additionally the
// unquantized states of a 2048-element block for the blockwise kernel.
func OptimizerWorkspace(blockwise bool) int {
	if blockwise {
		return 2*BlockwiseOptimizerSize*4 + 2*blockwiseOptimizerThreads*4
	}
	return 2 * OptimizerThreads * 4
}

func checkOptimizerArgs(op string, alg Algorithm, g, p Tensor, n1, n2 int) (int, error) {
	n := p.Len()
	if g.Len() != n {
		return 0, NewInvalidArgError(op, fmt.Sprintf("gradient has %d elements, parameters %d", g.Len(), n))
	}
	if n1 < n {
		return 0, NewInvalidArgError(op, fmt.Sprintf("state1 holds %d elements, need %d", n1, n))
	}
	if alg.States() == 2 && n2 < n {
		return 0, NewInvalidArgError(op, fmt.Sprintf("state2 holds %d elements, need %d", n2, n))
	}
	return n, nil
}

// Optimizer32bit performs one fused optimizer step with float32 states,
// updating p, state1 and state2 in place. state2 is only used by Adam.
// With MaxUnorm > 0 a precondition launch first accumulates the squared
// update norm into unorm; the update launch then scales by
// min(1, MaxUnorm*ParamNorm/sqrt(unorm)).
func (ctx *Context) Optimizer32bit(alg Algorithm, g, p Tensor, state1, state2 []float32, unorm *float32, h Hyper) error {
	const op = "Optimizer32bit"
	if err := h.validate(op, alg); err != nil {
		return err
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
	s1 := stageSlice(s, state1[:n], stageInOut)
	var s2 []float32
	if state2 != nil {
		s2 = stageSlice(s, state2[:n], stageInOut)
	}
	norm := stageSlice(s, []float32{0}, stageOut)
	if err := s.Err(); err != nil {
		return err
	}

	r := newRule(alg, h)
	per := OptimizerTileSize / OptimizerThreads
	cfg := LaunchConfig{
		Grid:      gridFor(n, OptimizerTileSize),
		Block:     Dim3{X: OptimizerThreads},
		SharedMem: OptimizerWorkspace(false),
	}

	if h.MaxUnorm > 0 {
		cfg.Name = op + "/precondition"
		err := ctx.run(cfg, func(b *Block) {
			base := b.Linear() * OptimizerTileSize
			red := b.SharedFloat32(0, OptimizerThreads)
			b.Threads(func(t int) {
				var sum float32
				for j := 0; j < per; j++ {
					i := base + t*per + j
					if i >= n {
						break
					}
					var v2 float32
					if s2 != nil {
						v2 = s2[i]
					}
					_, _, u := r.precondition(dG.At(i), s1[i], v2)
					sum += u
				}
				red[t] = sum
			})
			if sum := blockReduce(b, red, OptimizerThreads, addf); sum != 0 {
				atomicAddFloat32(&norm[0], sum)
			}
		})
		if err != nil {
			return err
		}
		if unorm != nil {
			*unorm = norm[0]
		}
		r.limit(norm[0])
	}

	cfg.Name = op + "/update"
	err = ctx.run(cfg, func(b *Block) {
		base := b.Linear() * OptimizerTileSize
		b.Threads(func(t int) {
			for j := 0; j < per; j++ {
				i := base + t*per + j
				if i >= n {
					return
				}
				var v2 float32
				if s2 != nil {
					v2 = s2[i]
				}
				np, v1, v2 := r.update(dG.At(i), dP.At(i), s1[i], v2)
				dP.Set(i, np)
				s1[i] = v1
				if s2 != nil {
					s2[i] = v2
				}
			}
		})
	})
	if err != nil {
		return err
	}
	return s.commit()
}
