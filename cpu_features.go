package lowbit

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// CPUFeatures tracks available CPU instruction set extensions
type CPUFeatures struct {
	HasAVX        bool
	HasAVX2       bool
	HasAVX512F    bool // Foundation
	HasAVX512BW   bool // Byte/Word
	HasAVX512VNNI bool // int8 dot products
	HasFMA        bool
	HasSSE4       bool
	HasF16C       bool

	HasASIMD   bool // arm64 NEON
	HasFPHP    bool // arm64 half precision
	HasASIMDDP bool // arm64 int8 dot products
}

// Global CPU feature detection
var cpuFeatures CPUFeatures

func init() {
	detectCPUFeatures()
}

// detectCPUFeatures populates the global cpuFeatures struct
func detectCPUFeatures() {
	cpuFeatures = CPUFeatures{
		HasSSE4:       cpu.X86.HasSSE41 || cpu.X86.HasSSE42,
		HasAVX:        cpu.X86.HasAVX,
		HasAVX2:       cpu.X86.HasAVX2,
		HasAVX512F:    cpu.X86.HasAVX512F,
		HasAVX512BW:   cpu.X86.HasAVX512BW,
		HasAVX512VNNI: cpu.X86.HasAVX512VNNI,
		HasFMA:        cpu.X86.HasFMA,
		HasF16C:       cpu.X86.HasAVX && cpu.X86.HasFMA,
		HasASIMD:      cpu.ARM64.HasASIMD,
		HasFPHP:       cpu.ARM64.HasFPHP,
		HasASIMDDP:    cpu.ARM64.HasASIMDDP,
	}
}

// HasInt8Dot reports whether the CPU has an int8 dot-product extension.
func HasInt8Dot() bool {
	return cpuFeatures.HasAVX512VNNI || cpuFeatures.HasASIMDDP
}

// Names returns the detected extensions as names, in a stable order.
func (f CPUFeatures) Names() []string {
	var names []string
	add := func(ok bool, name string) {
		if ok {
			names = append(names, name)
		}
	}
	add(f.HasSSE4, "SSE4")
	add(f.HasAVX, "AVX")
	add(f.HasAVX2, "AVX2")
	add(f.HasFMA, "FMA")
	add(f.HasF16C, "F16C")
	add(f.HasAVX512F, "AVX512F")
	add(f.HasAVX512BW, "AVX512BW")
	add(f.HasAVX512VNNI, "AVX512VNNI")
	add(f.HasASIMD, "ASIMD")
	add(f.HasFPHP, "FPHP")
	add(f.HasASIMDDP, "ASIMDDP")
	return names
}

// GetCPUInfo returns a string describing available CPU features
func GetCPUInfo() string {
	features := cpuFeatures.Names()
	if len(features) == 0 {
		return runtime.GOARCH + ": no SIMD extensions detected"
	}
	return runtime.GOARCH + ": " + strings.Join(features, ", ")
}
