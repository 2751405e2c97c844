// Package lowbit tolerance-based verification for floating-point comparisons
package lowbit

import (
	"fmt"
	"math"
)

// ToleranceConfig defines tolerance parameters for floating-point comparison
type ToleranceConfig struct {
	// AbsTol is the absolute tolerance for values near zero
	AbsTol float32

	// RelTol is the relative tolerance as a fraction of the larger value
	RelTol float32

	// ULPTol is the maximum allowed difference in ULPs (Units in Last Place)
	ULPTol int

	// CheckNaN determines if NaN values should be considered equal
	CheckNaN bool

	// CheckInf determines if Inf values should be considered equal
	CheckInf bool
}

// DefaultTolerance returns default tolerance configuration
func DefaultTolerance() ToleranceConfig {
	return ToleranceConfig{
		AbsTol:   1e-7,
		RelTol:   1e-5,
		ULPTol:   MaxULPDiff,
		CheckNaN: true,
		CheckInf: true,
	}
}

// RelaxedTolerance returns relaxed tolerance for accumulated operations
func RelaxedTolerance() ToleranceConfig {
	return ToleranceConfig{
		AbsTol:   1e-5,
		RelTol:   1e-3,
		ULPTol:   16,
		CheckNaN: true,
		CheckInf: true,
	}
}

// Float16Tolerance covers one rounding to fp16 or bf16.
func Float16Tolerance(d DType) ToleranceConfig {
	tol := RelaxedTolerance()
	switch d {
	case Float16:
		tol.RelTol = 1e-3
	case BFloat16:
		tol.RelTol = 8e-3
	}
	return tol
}

// QuantizationTolerance returns the absolute error a nearest-code round
// trip may show for values scaled by absmax: half of the largest gap of the
// code.
func QuantizationTolerance(code *Codebook, absmax float32) ToleranceConfig {
	return ToleranceConfig{
		AbsTol:   code.MaxGap()/2*absmax*(1+1e-5) + 1e-7,
		CheckNaN: true,
		CheckInf: true,
	}
}

// Float32NearEqual checks if two float32 values are equal within tolerance
func Float32NearEqual(a, b float32, tol ToleranceConfig) bool {
	// Handle special cases
	if tol.CheckNaN && math.IsNaN(float64(a)) && math.IsNaN(float64(b)) {
		return true
	}

	if tol.CheckInf {
		if math.IsInf(float64(a), 1) && math.IsInf(float64(b), 1) {
			return true // Both +Inf
		}
		if math.IsInf(float64(a), -1) && math.IsInf(float64(b), -1) {
			return true // Both -Inf
		}
	}

	// Check if exactly equal (handles ±0)
	if a == b {
		return true
	}
	if math.IsInf(float64(a), 0) || math.IsInf(float64(b), 0) {
		return false
	}

	diff := math.Abs(float64(a - b))
	if diff <= float64(tol.AbsTol) {
		return true
	}

	larger := math.Max(math.Abs(float64(a)), math.Abs(float64(b)))
	if diff <= larger*float64(tol.RelTol) {
		return true
	}

	if tol.ULPTol > 0 && Float32ULPDiff(a, b) <= tol.ULPTol {
		return true
	}

	return false
}

// Float32ULPDiff computes the difference in ULPs between two float32 values
func Float32ULPDiff(a, b float32) int {
	aBits := math.Float32bits(a)
	bBits := math.Float32bits(b)

	// Different signs, can't use simple subtraction
	if (aBits^bBits)&0x80000000 != 0 {
		return math.MaxInt32
	}

	if aBits > bBits {
		return int(aBits - bBits)
	}
	return int(bBits - aBits)
}

// VerificationResult summarizes the comparison of two float32 arrays
type VerificationResult struct {
	MaxAbsError float32
	MaxRelError float32
	MaxULPError int
	NumErrors   int
	TotalItems  int
	FirstError  int // Index of first error, -1 if none
}

// VerifyFloat32Array compares two float32 arrays and returns detailed results
func VerifyFloat32Array(expected, actual []float32, tol ToleranceConfig) VerificationResult {
	result := VerificationResult{
		TotalItems: len(expected),
		FirstError: -1,
	}

	if len(expected) != len(actual) {
		result.NumErrors = len(expected)
		return result
	}

	for i := range expected {
		if Float32NearEqual(expected[i], actual[i], tol) {
			continue
		}
		result.NumErrors++
		if result.FirstError == -1 {
			result.FirstError = i
		}

		absDiff := float32(math.Abs(float64(expected[i] - actual[i])))
		result.MaxAbsError = max(result.MaxAbsError, absDiff)

		// Relative error (avoid division by zero)
		if expected[i] != 0 {
			result.MaxRelError = max(result.MaxRelError, absDiff/absf(expected[i]))
		}

		result.MaxULPError = max(result.MaxULPError, Float32ULPDiff(expected[i], actual[i]))
	}

	return result
}

// String formats the verification result for display
func (r VerificationResult) String() string {
	if r.NumErrors == 0 {
		return "PASS: All values match within tolerance"
	}

	errorRate := float64(r.NumErrors) / float64(r.TotalItems) * 100
	return fmt.Sprintf("FAIL: %d/%d values differ (%.2f%%)\n"+
		"  Max absolute error: %e\n"+
		"  Max relative error: %e\n"+
		"  Max ULP difference: %d\n"+
		"  First error at index: %d",
		r.NumErrors, r.TotalItems, errorRate,
		r.MaxAbsError, r.MaxRelError, r.MaxULPError,
		r.FirstError)
}

// KernelVerifier runs a kernel against its reference implementation
type KernelVerifier struct {
	Name      string
	Reference func() []float32
	Kernel    func(ctx *Context) ([]float32, error)
	Tolerance ToleranceConfig
}

// Verify runs both implementations and compares results
func (kv KernelVerifier) Verify(ctx *Context) (VerificationResult, error) {
	expected := kv.Reference()
	actual, err := kv.Kernel(ctx)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%s: %w", kv.Name, err)
	}
	return VerifyFloat32Array(expected, actual, kv.Tolerance), nil
}
