package lowbit

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
)

// DataType selects the quantization scheme of a blockwise quantized buffer.
type DataType int

const (
	// General8bit maps each element to one byte through a 256-entry code.
	General8bit DataType = iota
	// FP4 is a 4-bit float with 1 sign, 2 exponent and 1 mantissa bit.
	FP4
	// NF4 is the 4-bit normal-float code, quantiles of a unit normal.
	NF4
)

func (d DataType) String() string {
	switch d {
	case General8bit:
		return "general8bit"
	case FP4:
		return "fp4"
	case NF4:
		return "nf4"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// Bits returns the code width.
func (d DataType) Bits() int {
	if d == General8bit {
		return 8
	}
	return 4
}

// PackedLen returns the bytes needed to hold n codes.
func (d DataType) PackedLen(n int) int {
	if d == General8bit {
		return n
	}
	return (n + 1) / 2
}

// ParseDataType accepts general, general8bit, 8bit, fp4 and nf4.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "general", "general8bit", "8bit", "dynamic":
		return General8bit, nil
	case "fp4":
		return FP4, nil
	case "nf4":
		return NF4, nil
	}
	return 0, NewInvalidArgError("ParseDataType", fmt.Sprintf("unknown data type %q", s))
}

// Codebook is an immutable lookup table between code indices and float32
// values. Values need not be sorted; a sorted view is kept for the nearest
// and stochastic searches.
type Codebook struct {
	values []float32
	sorted []float32
	index  []uint8 // sorted position -> code
	pos    []int   // code -> sorted position
}

// NewCodebook builds a codebook from values. It holds at most 256 entries
// and no NaN.
func NewCodebook(values []float32) (*Codebook, error) {
	if len(values) < 2 || len(values) > 256 {
		return nil, NewInvalidArgError("NewCodebook", fmt.Sprintf("%d values, want 2 to 256", len(values)))
	}
	order := make([]int, len(values))
	for i, v := range values {
		if v != v {
			return nil, NewInvalidArgError("NewCodebook", fmt.Sprintf("value %d is NaN", i))
		}
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case values[a] < values[b]:
			return -1
		case values[a] > values[b]:
			return 1
		}
		return 0
	})

	c := &Codebook{
		values: slices.Clone(values),
		sorted: make([]float32, len(values)),
		index:  make([]uint8, len(values)),
		pos:    make([]int, len(values)),
	}
	for i, o := range order {
		c.sorted[i] = values[o]
		c.index[i] = uint8(o)
		c.pos[o] = i
	}
	return c, nil
}

func mustCodebook(values []float32) *Codebook {
	c, err := NewCodebook(values)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of entries.
func (c *Codebook) Len() int {
	return len(c.values)
}

// Value returns the value of code i.
func (c *Codebook) Value(i int) float32 {
	return c.values[i]
}

// Values returns a copy of the table in code order.
func (c *Codebook) Values() []float32 {
	return slices.Clone(c.values)
}

// Min and Max return the smallest and largest representable values.
func (c *Codebook) Min() float32 { return c.sorted[0] }
func (c *Codebook) Max() float32 { return c.sorted[len(c.sorted)-1] }

// MaxGap returns the largest distance between neighbouring values.
func (c *Codebook) MaxGap() float32 {
	var g float32
	for i := 1; i < len(c.sorted); i++ {
		g = max(g, c.sorted[i]-c.sorted[i-1])
	}
	return g
}

// bracket returns the sorted positions enclosing x. lo == hi when x lies
// outside the table.
func (c *Codebook) bracket(x float32) (lo, hi int) {
	n := len(c.sorted)
	i := sort.Search(n, func(i int) bool { return c.sorted[i] >= x })
	switch i {
	case 0:
		return 0, 0
	case n:
		return n - 1, n - 1
	}
	return i - 1, i
}

// Quantize returns the code whose value is nearest to x. Ties go to the
// larger value; values outside the table clamp to its ends.
func (c *Codebook) Quantize(x float32) uint8 {
	lo, hi := c.bracket(x)
	if lo == hi {
		return c.index[lo]
	}
	if x-c.sorted[lo] < c.sorted[hi]-x {
		return c.index[lo]
	}
	return c.index[hi]
}

// QuantizeStochastic rounds x to one of its two neighbouring codes with
// probability proportional to proximity, so that the expected decoded value
// equals x. r is uniform in [0, 1).
func (c *Codebook) QuantizeStochastic(x, r float32) uint8 {
	lo, hi := c.bracket(x)
	if lo == hi {
		return c.index[lo]
	}
	p := (x - c.sorted[lo]) / (c.sorted[hi] - c.sorted[lo])
	if r < p {
		return c.index[hi]
	}
	return c.index[lo]
}

// keepSign returns a code whose value has the sign of x. Rounding can land
// a small state on the other side of zero; the code is then moved one step
// towards x.
func (c *Codebook) keepSign(code uint8, x float32) uint8 {
	v := c.values[code]
	if math.Signbit(float64(v)) == math.Signbit(float64(x)) {
		return code
	}
	p := c.pos[code]
	if x > 0 && p+1 < len(c.sorted) {
		return c.index[p+1]
	}
	if x < 0 && p > 0 {
		return c.index[p-1]
	}
	return code
}

var (
	generalOnce sync.Once
	generalCode *Codebook

	nf4Code = mustCodebook(nf4Values[:])
	fp4Code = mustCodebook(fp4Values[:])
)

// GeneralCode returns the signed dynamic 8-bit code: seven decades of
// linearly spaced fractions per sign plus 0 and 1. Entry 127 is 0 and entry
// 255 is 1.
func GeneralCode() *Codebook {
	generalOnce.Do(func() {
		generalCode = mustCodebook(DynamicMap(true, 7))
	})
	return generalCode
}

// NF4Code returns the 16-entry normal-float code.
func NF4Code() *Codebook { return nf4Code }

// FP4Code returns the 16-entry 4-bit float code; bit 3 is the sign.
func FP4Code() *Codebook { return fp4Code }

// CodeFor returns the built-in codebook of a data type.
func CodeFor(dt DataType) *Codebook {
	switch dt {
	case NF4:
		return NF4Code()
	case FP4:
		return FP4Code()
	default:
		return GeneralCode()
	}
}

// DynamicMap builds a dynamic 8-bit map with maxExponentBits decades. For
// decade i the fractions are the midpoints of 2^i+1 (signed) or 2^(i+1)+1
// (unsigned) linearly spaced points in [0.1, 1], scaled by
// 10^(i-maxExponentBits+1). The result is sorted and padded with zeros to
// 256 entries.
func DynamicMap(signed bool, maxExponentBits int) []float32 {
	const totalBits = 8
	// The unsigned map spends the sign bit on a second set of fractions
	// instead of a wider exponent.
	const nonSignBits = totalBits - 1
	data := make([]float64, 0, 256)
	for i := 0; i < maxExponentBits; i++ {
		items := 1<<(i+nonSignBits-maxExponentBits) + 1
		if !signed {
			items = 1<<(i+nonSignBits-maxExponentBits+1) + 1
		}
		scale := math.Pow(10, float64(i-maxExponentBits+1))
		for j := 0; j+1 < items; j++ {
			b0 := linspace(0.1, 1, items, j)
			b1 := linspace(0.1, 1, items, j+1)
			m := (b0 + b1) / 2 * scale
			data = append(data, m)
			if signed {
				data = append(data, -m)
			}
		}
	}
	extra := 1<<(nonSignBits-maxExponentBits) - 1
	if extra > 0 {
		for j := 0; j+1 < extra+1; j++ {
			m := (linspace(0.1, 1, extra+1, j) + linspace(0.1, 1, extra+1, j+1)) / 2
			data = append(data, m)
			if signed {
				data = append(data, -m)
			}
		}
	}
	data = append(data, 0, 1)
	for len(data) < 256 {
		data = append(data, 0)
	}
	data = data[:256]
	slices.Sort(data)

	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out
}

// LinearMap returns 256 evenly spaced values over [-1, 1] (signed) or
// [0, 1].
func LinearMap(signed bool) []float32 {
	lo := 0.0
	if signed {
		lo = -1
	}
	out := make([]float32, 256)
	for i := range out {
		out[i] = float32(linspace(lo, 1, 256, i))
	}
	return out
}

// QuantileMap turns estimated quantiles into a code normalized to [-1, 1].
func QuantileMap(quantiles []float32) []float32 {
	var m float32
	for _, q := range quantiles {
		m = max(m, absf(q))
	}
	out := slices.Clone(quantiles)
	if m > 0 {
		for i := range out {
			out[i] /= m
		}
	}
	slices.Sort(out)
	return out
}

func linspace(lo, hi float64, n, i int) float64 {
	if n == 1 {
		return lo
	}
	return lo + (hi-lo)*float64(i)/float64(n-1)
}

var nf4Values = [16]float32{
	-1.0,
	-0.6961928009986877,
	-0.5250730514526367,
	-0.39491748809814453,
	-0.28444138169288635,
	-0.18477343022823334,
	-0.09105003625154495,
	0.0,
	0.07958029955625534,
	0.16093020141124725,
	0.24611230261516571,
	0.33791524171829224,
	0.44070982933044434,
	0.5626170039176941,
	0.7229568362236023,
	1.0,
}

var fp4Values = [16]float32{
	0, 0.0052083333, 0.6666667, 1.0, 0.3333333, 0.5, 0.1666667, 0.25,
	0, -0.0052083333, -0.6666667, -1.0, -0.3333333, -0.5, -0.1666667, -0.25,
}

const fp4Sign = 0b1000

// quantizeNF4 maps a normalized value to its NF4 code with a compare
// cascade over the midpoints of the table.
func quantizeNF4(x float32) uint8 {
	if x > 0.03979014977812767 {
		if x > 0.3893125355243683 {
			if x > 0.6427869200706482 {
				if x > 0.8614784181118011 {
					return 0b1111
				}
				return 0b1110
			}
			if x > 0.5016634166240692 {
				return 0b1101
			}
			return 0b1100
		}
		if x > 0.2035212516784668 {
			if x > 0.2920137718319893 {
				return 0b1011
			}
			return 0b1010
		}
		if x > 0.1202552504837513 {
			return 0b1001
		}
		return 0b1000
	}
	if x > -0.33967943489551544 {
		if x > -0.13791173323988914 {
			if x > -0.045525018125772476 {
				return 0b0111
			}
			return 0b0110
		}
		if x > -0.23460740596055984 {
			return 0b0101
		}
		return 0b0100
	}
	if x > -0.6106329262256622 {
		if x > -0.4599952697753906 {
			return 0b0011
		}
		return 0b0010
	}
	if x > -0.8480964004993439 {
		return 0b0001
	}
	return 0b0000
}

// quantizeFP4 maps a normalized value to its FP4 code. The magnitude goes
// through a compare cascade, the sign sets bit 3.
func quantizeFP4(x float32) uint8 {
	var sign uint8
	if x < 0 {
		sign = fp4Sign
		x = -x
	}
	var code uint8
	switch {
	case x > 0.29166667:
		if x > 0.583333 {
			if x > 0.8333333 {
				code = 0b0011
			} else {
				code = 0b0010
			}
		} else if x > 0.4166667 {
			code = 0b0101
		} else {
			code = 0b0100
		}
	default:
		if x > 0.0859375 {
			if x > 0.20833333 {
				code = 0b0111
			} else {
				code = 0b0110
			}
		} else if x > 0.00260417 {
			code = 0b0001
		} else {
			code = 0b0000
		}
	}
	return sign | code
}

// quantize4bit dispatches to the 4-bit cascade of dt.
func quantize4bit(dt DataType, x float32) uint8 {
	if dt == FP4 {
		return quantizeFP4(x)
	}
	return quantizeNF4(x)
}

// dequantize4bit returns the table value of a 4-bit code.
func dequantize4bit(dt DataType, c uint8) float32 {
	if dt == FP4 {
		return fp4Values[c&0xf]
	}
	return nf4Values[c&0xf]
}

// Nibble packing: element 2i is stored in the low nibble of byte i and
// element 2i+1 in the high nibble.
func packNibbles(lo, hi uint8) byte { return lo&0xf | hi<<4 }

func nibble(packed []byte, i int) uint8 {
	b := packed[i>>1]
	if i&1 == 0 {
		return b & 0xf
	}
	return b >> 4
}
