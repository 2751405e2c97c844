package lowbit

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32NearEqual(t *testing.T) {
	tests := []struct {
		name     string
		a, b     float32
		tol      ToleranceConfig
		expected bool
	}{
		// Exact equality
		{
			name:     "Exact_Equal",
			a:        1.0,
			b:        1.0,
			tol:      DefaultTolerance(),
			expected: true,
		},
		// Within absolute tolerance
		{
			name:     "Within_AbsTol",
			a:        1e-8,
			b:        2e-8,
			tol:      DefaultTolerance(),
			expected: true,
		},
		// Outside absolute tolerance
		{
			name:     "Outside_AbsTol",
			a:        1e-6,
			b:        2e-6,
			tol:      DefaultTolerance(),
			expected: false,
		},
		// Within relative tolerance
		{
			name:     "Within_RelTol",
			a:        1000.0,
			b:        1000.005,
			tol:      DefaultTolerance(),
			expected: true,
		},
		// Within ULP tolerance
		{
			name:     "Within_ULPs",
			a:        1.0,
			b:        math.Float32frombits(math.Float32bits(1.0) + 3),
			tol:      ToleranceConfig{ULPTol: 4},
			expected: true,
		},
		// Zero handling
		{
			name:     "Both_Zero",
			a:        0.0,
			b:        float32(math.Copysign(0, -1)),
			tol:      DefaultTolerance(),
			expected: true,
		},
		// NaN handling
		{
			name:     "Both_NaN",
			a:        float32(math.NaN()),
			b:        float32(math.NaN()),
			tol:      DefaultTolerance(),
			expected: true,
		},
		{
			name: "NaN_Not_Checked",
			a:    float32(math.NaN()),
			b:    float32(math.NaN()),
			tol: ToleranceConfig{
				CheckNaN: false,
			},
			expected: false,
		},
		// Infinity handling
		{
			name:     "Both_PosInf",
			a:        float32(math.Inf(1)),
			b:        float32(math.Inf(1)),
			tol:      DefaultTolerance(),
			expected: true,
		},
		{
			name:     "Opposite_Inf",
			a:        float32(math.Inf(1)),
			b:        float32(math.Inf(-1)),
			tol:      DefaultTolerance(),
			expected: false,
		},
		// Quantization bound: NF4's widest gap is -1 to -0.696, so half of it is 0.152.
		{
			name:     "Within_Code_Gap",
			a:        0.5,
			b:        0.5 + 0.14,
			tol:      QuantizationTolerance(NF4Code(), 1),
			expected: true,
		},
		{
			name:     "Outside_Code_Gap",
			a:        0.5,
			b:        0.5 + 0.17,
			tol:      QuantizationTolerance(NF4Code(), 1),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Float32NearEqual(tt.a, tt.b, tt.tol)
			if result != tt.expected {
				t.Errorf("Float32NearEqual(%v, %v) = %v, want %v",
					tt.a, tt.b, result, tt.expected)
			}
		})
	}
}

func TestFloat32ULPDiff(t *testing.T) {
	tests := []struct {
		name     string
		a, b     float32
		expected int
	}{
		{"Same_Value", 1.0, 1.0, 0},
		{"Adjacent_Values", 1.0, math.Float32frombits(math.Float32bits(1.0) + 1), 1},
		{"Two_ULPs", 1.0, math.Float32frombits(math.Float32bits(1.0) + 2), 2},
		{"Different_Signs", 1.0, -1.0, math.MaxInt32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Float32ULPDiff(tt.a, tt.b))
		})
	}
}

func TestVerifyFloat32Array(t *testing.T) {
	tests := []struct {
		name     string
		expected []float32
		actual   []float32
		tol      ToleranceConfig
		wantErrs int
	}{
		{"All_Match", []float32{1, 2, 3, 4}, []float32{1, 2, 3, 4}, DefaultTolerance(), 0},
		{"Outside_Tolerance", []float32{1, 2, 3, 4}, []float32{1.1, 2, 3, 4.5}, DefaultTolerance(), 2},
		{"Different_Lengths", []float32{1, 2, 3}, []float32{1, 2}, DefaultTolerance(), 3},
		{"With_NaN", []float32{1, float32(math.NaN()), 3}, []float32{1, float32(math.NaN()), 3}, DefaultTolerance(), 0},
		{"Accumulated_Error", []float32{1000}, []float32{1000.5}, RelaxedTolerance(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := VerifyFloat32Array(tt.expected, tt.actual, tt.tol)
			assert.Equal(t, tt.wantErrs, result.NumErrors, result.String())
			if tt.wantErrs == 0 {
				assert.Equal(t, -1, result.FirstError)
				assert.True(t, strings.HasPrefix(result.String(), "PASS"))
			}
		})
	}

	result := VerifyFloat32Array([]float32{1, 2, 4}, []float32{1, 2.5, 3}, DefaultTolerance())
	assert.Equal(t, 1, result.FirstError)
	assert.InDelta(t, 1, result.MaxAbsError, 1e-6)
	assert.InDelta(t, 0.25, result.MaxRelError, 1e-6)
	assert.Contains(t, result.String(), "2/3 values differ")
}

func TestKernelVerifier(t *testing.T) {
	ctx := newTestContext(t)

	verifier := KernelVerifier{
		Name: "Arange",
		Reference: func() []float32 {
			out := make([]float32, 300)
			for i := range out {
				out[i] = float32(i) * 0.5
			}
			return out
		},
		Kernel: func(ctx *Context) ([]float32, error) {
			out := make([]float32, 300)
			if err := ctx.Arange(out); err != nil {
				return nil, err
			}
			return out, ctx.Mul(out, 0.5)
		},
		Tolerance: DefaultTolerance(),
	}
	result, err := verifier.Verify(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.NumErrors, result.String())

	verifier.Kernel = func(ctx *Context) ([]float32, error) {
		_, err := ctx.QuantizeBlockwise(nil, F32(nil), BlockwiseOptions{Blocksize: 3})
		return nil, err
	}
	_, err = verifier.Verify(ctx)
	assert.True(t, IsNotImplemented(err))
	assert.Contains(t, err.Error(), "Arange")
}

func TestTolerancePresets(t *testing.T) {
	def, rel := DefaultTolerance(), RelaxedTolerance()
	assert.Less(t, def.AbsTol, rel.AbsTol)
	assert.Less(t, def.RelTol, rel.RelTol)
	assert.Less(t, def.ULPTol, rel.ULPTol)

	assert.Less(t, Float16Tolerance(Float16).RelTol, Float16Tolerance(BFloat16).RelTol)
	assert.InDelta(t, NF4Code().MaxGap()/2, QuantizationTolerance(NF4Code(), 1).AbsTol, 1e-5)
}
