package lowbit

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

// LaunchConfig describes a block-level launch: the grid of blocks, the
// threads per block and the bytes of shared scratch each block receives.
type LaunchConfig struct {
	Name      string
	Grid      Dim3
	Block     Dim3
	SharedMem int
}

// BlockKernel is executed once per block. It drives its threads through
// Block.Threads phases; returning from one phase and starting the next is a
// block-wide barrier.
type BlockKernel func(b *Block)

// Block is the per-block view handed to a BlockKernel. The shared arena is
// owned by the executing worker and reused (cleared) for every block it
// runs, so nothing written there survives the block.
type Block struct {
	Idx     Dim3
	Dim     Dim3
	GridDim Dim3
	shared  []byte
}

// Linear returns the linear block index within the grid.
func (b *Block) Linear() int {
	return b.Idx.X + b.Idx.Y*b.GridDim.X + b.Idx.Z*b.GridDim.X*b.GridDim.Y
}

// NumThreads returns the number of threads in the block.
func (b *Block) NumThreads() int {
	return b.Dim.Size()
}

// Threads runs fn for every thread of the block. All threads finish before
// Threads returns, which is what makes consecutive calls barrier separated.
func (b *Block) Threads(fn func(t int)) {
	n := b.Dim.Size()
	for t := 0; t < n; t++ {
		fn(t)
	}
}

// Thread returns the CUDA-style identity of thread t in this block.
func (b *Block) Thread(t int) ThreadID {
	return ThreadID{
		BlockIdx:  b.Idx,
		ThreadIdx: linearTo3D(t, b.Dim),
		BlockDim:  b.Dim,
		GridDim:   b.GridDim,
	}
}

// SharedFloat32 returns n float32 values of shared memory starting at byte
// offset off. off must be a multiple of 4.
func (b *Block) SharedFloat32(off, n int) []float32 {
	if n == 0 {
		return nil
	}
	b.checkShared("SharedFloat32", off, n*4)
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.shared[off])), n)
}

// SharedInt32 returns n int32 values of shared memory starting at byte
// offset off. off must be a multiple of 4.
func (b *Block) SharedInt32(off, n int) []int32 {
	if n == 0 {
		return nil
	}
	b.checkShared("SharedInt32", off, n*4)
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.shared[off])), n)
}

// SharedBytes returns n bytes of shared memory starting at offset off.
func (b *Block) SharedBytes(off, n int) []byte {
	b.checkShared("SharedBytes", off, n)
	return b.shared[off : off+n : off+n]
}

func (b *Block) checkShared(op string, off, size int) {
	if off < 0 || off+size > len(b.shared) || off%4 != 0 && op != "SharedBytes" {
		panic(fmt.Sprintf("%s: [%d,%d) outside %d bytes of shared memory", op, off, off+size, len(b.shared)))
	}
}

// newShared returns an 8-byte aligned arena of size bytes.
func newShared(size int) []byte {
	if size <= 0 {
		return nil
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// LaunchBlocks executes a block kernel on the default stream.
func (ctx *Context) LaunchBlocks(cfg LaunchConfig, kernel BlockKernel) error {
	return ctx.LaunchBlocksStream(cfg, ctx.defaultStream, kernel)
}

// LaunchBlocksStream executes a block kernel on a specific stream. Blocks are
// distributed over the context workers; threads of a block run on the same
// worker so that shared memory and barriers need no further synchronization.
func (ctx *Context) LaunchBlocksStream(cfg LaunchConfig, stream *Stream, kernel BlockKernel) error {
	task, err := ctx.blockTask(cfg, kernel)
	if err != nil {
		return err
	}
	stream.Submit(task)
	return nil
}

// blockTask validates cfg and returns the stream task running every block.
func (ctx *Context) blockTask(cfg LaunchConfig, kernel BlockKernel) (func() error, error) {
	grid := cfg.Grid.norm()
	block := cfg.Block.norm()
	if block.Size() > MaxThreadsPerBlock {
		return nil, NewInvalidArgError(cfg.Name, fmt.Sprintf("%d threads per block exceeds %d", block.Size(), MaxThreadsPerBlock))
	}
	if cfg.SharedMem > MaxSharedMemPerBlock {
		return nil, ctx.fault(NewDeviceError(cfg.Name, fmt.Sprintf("%d bytes of shared memory exceeds %d", cfg.SharedMem, MaxSharedMemPerBlock)))
	}

	gridSize := grid.Size()
	if gridSize == 0 {
		return func() error { return nil }, nil
	}

	numWorkers := min(ctx.workers, gridSize)
	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers
	ctx.logger.Debug("launch", "kernel", cfg.Name, "blocks", gridSize, "threads", block.Size(), "shared", cfg.SharedMem, "workers", numWorkers)

	return func() error {
		var g errgroup.Group
		for w := 0; w < numWorkers; w++ {
			start := w * blocksPerWorker
			end := min(start+blocksPerWorker, gridSize)
			if start >= end {
				break
			}
			g.Go(func() (err error) {
				defer recoverKernel(cfg.Name, &err)
				blk := &Block{Dim: block, GridDim: grid, shared: newShared(cfg.SharedMem)}
				for id := start; id < end; id++ {
					blk.Idx = linearTo3D(id, grid)
					clear(blk.shared)
					kernel(blk)
				}
				return nil
			})
		}
		return g.Wait()
	}, nil
}

// launchInternal implements per-thread kernel execution.
func (ctx *Context) launchInternal(
	kernelFunc func(ThreadID, ...interface{}),
	grid, block Dim3,
	stream *Stream,
	args ...interface{},
) error {
	stream.Submit(ctx.threadTask(kernelFunc, grid, block, args...))
	return nil
}

// threadTask returns the stream task running kernelFunc once per thread. Each
// worker takes a contiguous range of blocks and runs their threads
// sequentially, which keeps neighbouring threads on the same cache lines.
func (ctx *Context) threadTask(kernelFunc func(ThreadID, ...interface{}), grid, block Dim3, args ...interface{}) func() error {
	grid = grid.norm()
	block = block.norm()
	gridSize := grid.Size()
	blockSize := block.Size()

	if gridSize == 0 {
		return func() error { return nil }
	}

	numWorkers := min(ctx.workers, gridSize)
	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

	return func() error {
		var g errgroup.Group
		for w := 0; w < numWorkers; w++ {
			startBlock := w * blocksPerWorker
			endBlock := min(startBlock+blocksPerWorker, gridSize)
			if startBlock >= endBlock {
				break
			}
			g.Go(func() (err error) {
				defer recoverKernel("Launch", &err)
				for blockID := startBlock; blockID < endBlock; blockID++ {
					blockIdx := linearTo3D(blockID, grid)
					for threadID := 0; threadID < blockSize; threadID++ {
						kernelFunc(ThreadID{
							BlockIdx:  blockIdx,
							ThreadIdx: linearTo3D(threadID, block),
							BlockDim:  block,
							GridDim:   grid,
						}, args...)
					}
				}
				return nil
			})
		}
		return g.Wait()
	}
}

// recoverKernel turns a kernel panic into an execution error.
func recoverKernel(name string, err *error) {
	if r := recover(); r != nil {
		*err = NewExecutionError(name, fmt.Sprint(r), ErrKernelFailed)
	}
}

// run launches a block kernel on the default stream and waits for that
// launch only, so concurrent callers never see each other's faults. Faults go
// through the fail-fast handler.
func (ctx *Context) run(cfg LaunchConfig, kernel BlockKernel) error {
	task, err := ctx.blockTask(cfg, kernel)
	if err != nil {
		return err
	}
	return ctx.fault(<-ctx.defaultStream.await(task))
}

// norm treats zero Y/Z extents as 1 so that 1D launches can leave them unset.
func (d Dim3) norm() Dim3 {
	if d.Y == 0 {
		d.Y = 1
	}
	if d.Z == 0 {
		d.Z = 1
	}
	return d
}

// linearTo3D converts a linear index to 3D coordinates
func linearTo3D(linear int, dim Dim3) Dim3 {
	dim = dim.norm()
	z := linear / (dim.X * dim.Y)
	y := (linear % (dim.X * dim.Y)) / dim.X
	x := linear % dim.X
	return Dim3{X: x, Y: y, Z: z}
}

// gridFor returns the 1D grid covering n items in chunks of per.
func gridFor(n, per int) Dim3 {
	return Dim3{X: (n + per - 1) / per, Y: 1, Z: 1}
}

// atomicMaxFloat32 raises *addr to v if v is larger.
func atomicMaxFloat32(addr *float32, v float32) {
	p := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(p)
		if float32frombits(old) >= v {
			return
		}
		if atomic.CompareAndSwapUint32(p, old, float32bits(v)) {
			return
		}
	}
}

// atomicAddFloat32 adds v to *addr.
func atomicAddFloat32(addr *float32, v float32) {
	p := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, float32bits(float32frombits(old)+v)) {
			return
		}
	}
}

// forEach launches one thread per index in [0, n) on the default stream and
// waits for it.
func (ctx *Context) forEach(name string, n int, fn func(i int)) error {
	if n <= 0 {
		return nil
	}
	task := ctx.threadTask(func(tid ThreadID, _ ...interface{}) {
		if i := tid.Global(); i < n {
			fn(i)
		}
	}, gridFor(n, DefaultBlockSize), Dim3{X: DefaultBlockSize, Y: 1, Z: 1})
	if err := <-ctx.defaultStream.await(task); err != nil {
		return ctx.fault(fmt.Errorf("%s: %w", name, err))
	}
	return nil
}
