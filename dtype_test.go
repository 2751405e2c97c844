package lowbit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorRoundTrip(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.125, 1024, -2048}

	tests := []struct {
		name  string
		build func([]float32) Tensor
		size  int
	}{
		{"fp32", F32, 4},
		{"fp16", F16, 2},
		{"bf16", BF16, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := append([]float32(nil), values...)
			tensor := tt.build(in)
			assert.Equal(t, len(values), tensor.Len())
			assert.Len(t, tensor.Data, tt.size*len(values))
			assert.Equal(t, tt.name, tensor.DType.String())
			// Every value is exactly representable in all three types.
			assert.Equal(t, values, tensor.Float32s())
			for i, v := range values {
				assert.Equal(t, v, tensor.At(i))
			}
		})
	}
}

func TestF32IsAView(t *testing.T) {
	v := []float32{1, 2}
	tensor := F32(v)
	tensor.Set(1, 5)
	assert.Equal(t, float32(5), v[1])
}

func TestBF16Rounding(t *testing.T) {
	tensor := NewTensor(BFloat16, 1)

	// 1 + 2^-8 is halfway between 1 and the next bf16; ties go to even.
	tensor.Set(0, 1+1.0/256)
	assert.Equal(t, float32(1), tensor.At(0))

	// 1 + 3*2^-8 is halfway between 1+2^-7 (odd) and 1+2^-6 (even).
	tensor.Set(0, 1+3.0/256)
	assert.Equal(t, float32(1+1.0/64), tensor.At(0))

	tensor.Set(0, float32(math.NaN()))
	assert.True(t, math.IsNaN(float64(tensor.At(0))))
}

func TestEncodeBF16(t *testing.T) {
	tensor := EncodeBF16([]float32{1.5, -3, 0.25})
	assert.Equal(t, BFloat16, tensor.DType)
	assert.Equal(t, 3, tensor.Len())
	assert.Equal(t, []float32{1.5, -3, 0.25}, tensor.Float32s())
}

func TestFP16Saturation(t *testing.T) {
	tensor := NewTensor(Float16, 1)
	tensor.Set(0, 1e6)
	assert.True(t, math.IsInf(float64(tensor.At(0)), 1))
	assert.Equal(t, float32(MaxFloat16), Float16.MaxValue())
}

func TestParseDType(t *testing.T) {
	for _, d := range []DType{Float32, Float16, BFloat16} {
		got, err := ParseDType(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDType("fp8")
	assert.True(t, IsInvalidArgError(err))
}

func TestTensorCheck(t *testing.T) {
	tensor := NewTensor(Float16, 3)
	assert.NoError(t, tensor.check("op", "A", 3))
	assert.True(t, IsInvalidArgError(tensor.check("op", "A", 4)))
}
