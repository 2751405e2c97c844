// Package lowbit configuration constants
package lowbit

// Thread and block dimensions
const (
	// Default block size for elementwise kernels
	DefaultBlockSize = 256

	// Maximum threads per block (CUDA compatibility)
	MaxThreadsPerBlock = 1024

	// Maximum shared memory a single block may request, in bytes
	MaxSharedMemPerBlock = 96 * 1024
)

// Memory pool parameters
const (
	// Memory alignment for allocations
	MemoryAlignment = 64

	// Free list size threshold for reuse
	FreeListThreshold = 100

	// Reported when the platform gives no memory size
	defaultSystemMemory = 16 * 1024 * 1024 * 1024
)

// Kernel tiling
const (
	// Elements per quantile estimation tile
	QuantileTileSize = 4096

	// Number of quantiles produced for an 8-bit code
	NumQuantiles = 256

	// Elements per tile of the scalar quantizer
	ScalarQuantizeTile = 1024

	// Column statistics tile: rows x (threads * items)
	StatsTileRows    = 16
	StatsTileThreads = 64
	StatsTileItems   = 4
	StatsTileCols    = StatsTileThreads * StatsTileItems

	// Fused optimizer tiles
	OptimizerTileSize       = 4096
	OptimizerThreads        = 1024
	BlockwiseOptimizerSize  = 2048
	BlockwiseOptimizerItems = 8

	// Width of the k strip held in shared memory by the tiled 4-bit GEMM
	Gemm4BitStrip = 4096

	// Depth of the gradient norm history used by percentile clipping
	GradNormHistoryLen = 100
)

// Numerical constants
const (
	// Maximum ULP difference for float32 comparisons
	MaxULPDiff = 4

	// Largest finite fp16 and bf16 values
	MaxFloat16  = 65504
	MaxBFloat16 = 3.3895313892515355e38
)
