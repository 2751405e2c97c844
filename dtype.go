package lowbit

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a floating point Tensor.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

// String returns the short name of the element type.
func (d DType) String() string {
	switch d {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	if d == Float32 {
		return 4
	}
	return 2
}

// MaxValue returns the largest finite value the element type holds.
func (d DType) MaxValue() float32 {
	switch d {
	case Float16:
		return MaxFloat16
	case BFloat16:
		return MaxBFloat16
	default:
		return math.MaxFloat32
	}
}

// ParseDType maps fp32, fp16 and bf16 to their DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "fp32", "float32":
		return Float32, nil
	case "fp16", "float16":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	}
	return 0, NewInvalidArgError("ParseDType", fmt.Sprintf("unknown element type %q", s))
}

// Tensor is a caller-owned contiguous buffer of little-endian floating point
// elements. Kernels borrow it for the duration of a single call.
type Tensor struct {
	DType DType
	Data  []byte
}

// F32 wraps a float32 slice without copying.
func F32(v []float32) Tensor {
	return Tensor{DType: Float32, Data: sliceBytes(v)}
}

// F16 converts v to a new fp16 tensor.
func F16(v []float32) Tensor {
	t := Tensor{DType: Float16, Data: make([]byte, 2*len(v))}
	for i, f := range v {
		t.Set(i, f)
	}
	return t
}

// BF16 converts v to a new bf16 tensor.
func BF16(v []float32) Tensor {
	t := Tensor{DType: BFloat16, Data: make([]byte, 2*len(v))}
	for i, f := range v {
		t.Set(i, f)
	}
	return t
}

// NewTensor allocates a zeroed tensor of n elements.
func NewTensor(dtype DType, n int) Tensor {
	return Tensor{DType: dtype, Data: make([]byte, n*dtype.Size())}
}

// Len returns the number of elements.
func (t Tensor) Len() int {
	return len(t.Data) / t.DType.Size()
}

// At returns element i widened to float32.
func (t Tensor) At(i int) float32 {
	switch t.DType {
	case Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
	case BFloat16:
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.Data[2*i:])) << 16)
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
}

// Set stores v at element i, rounding to nearest even for 16-bit types.
func (t Tensor) Set(i int, v float32) {
	switch t.DType {
	case Float16:
		binary.LittleEndian.PutUint16(t.Data[2*i:], float16.Fromfloat32(v).Bits())
	case BFloat16:
		binary.LittleEndian.PutUint16(t.Data[2*i:], bf16Bits(v))
	default:
		binary.LittleEndian.PutUint32(t.Data[4*i:], math.Float32bits(v))
	}
}

// Float32s decodes the whole tensor into a new float32 slice.
func (t Tensor) Float32s() []float32 {
	switch t.DType {
	case BFloat16:
		return bfloat16.DecodeFloat32(t.Data)
	default:
		out := make([]float32, t.Len())
		for i := range out {
			out[i] = t.At(i)
		}
		return out
	}
}

// EncodeBF16 converts float32 values to bf16 bytes by truncation, the
// conversion checkpoints are usually written with.
func EncodeBF16(v []float32) Tensor {
	return Tensor{DType: BFloat16, Data: bfloat16.EncodeFloat32(v)}
}

// bf16Bits rounds v to the nearest bf16, ties to even. NaN stays NaN.
func bf16Bits(v float32) uint16 {
	bits := math.Float32bits(v)
	if v != v {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7fff + (bits>>16)&1
	return uint16(bits >> 16)
}

func (t Tensor) check(op, name string, n int) error {
	if t.Len() < n {
		return NewInvalidArgError(op, fmt.Sprintf("%s holds %d elements, need %d", name, t.Len(), n))
	}
	return nil
}

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }
