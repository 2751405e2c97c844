// Package lowbit provides quantization, low-bit optimizer and low-bit matrix
// multiplication kernels on top of a CUDA-style execution model that runs on
// CPU cores.
//
// Example usage:
//
//	ctx := lowbit.NewContext()
//	defer ctx.Destroy()
//
//	code := lowbit.CodeFor(lowbit.NF4)
//	q, err := ctx.QuantizeBlockwise(code, lowbit.F32(weights), lowbit.BlockwiseOptions{
//		Blocksize: 64,
//		DataType:  lowbit.NF4,
//	})
//	if err != nil {
//		return err
//	}
//	out := lowbit.F32(make([]float32, len(weights)))
//	err = ctx.DequantizeBlockwise(code, q, out)
package lowbit

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/LynnColeArt/lowbit/internal/envconfig"
)

// Device represents a compute device. In lowbit, this is the CPU with its
// cores and available memory.
type Device struct {
	ID         int         // Unique device identifier
	Name       string      // Human-readable device name
	TotalMem   uint64      // Total available memory in bytes
	NumCores   int         // Number of CPU cores
	MaxThreads int         // Maximum concurrent threads
	Features   CPUFeatures // Instruction set extensions
}

// Context represents a bound compute engine: a device, its memory pool and
// its streams. Every kernel entry point is a method on Context.
type Context struct {
	device        *Device
	mu            sync.Mutex
	streams       map[int]*Stream
	streamID      int32
	memory        *MemoryPool
	defaultStream *Stream
	workers       int
	logger        *slog.Logger
	fatal         FatalHandler
}

// Option configures a Context.
type Option func(*Context)

// WithWorkers caps the number of goroutines a single launch fans out to.
func WithWorkers(n int) Option {
	return func(ctx *Context) {
		if n > 0 {
			ctx.workers = n
		}
	}
}

// WithLogger sets the logger used for launch tracing and fault reports.
func WithLogger(l *slog.Logger) Option {
	return func(ctx *Context) {
		if l != nil {
			ctx.logger = l
		}
	}
}

// WithFatalHandler replaces the fail-fast handler invoked on runtime faults.
func WithFatalHandler(h FatalHandler) Option {
	return func(ctx *Context) {
		if h != nil {
			ctx.fatal = h
		}
	}
}

// Stream represents an ordered sequence of operations. Operations within a
// stream execute in order, operations in different streams may execute
// concurrently.
type Stream struct {
	id    int
	tasks chan streamTask
	done  chan struct{}

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	err     error
}

// streamTask is one unit of stream work. When done is set the task result
// goes to its submitter only and is not recorded on the stream.
type streamTask struct {
	fn   func() error
	done chan error
}

// Dim3 represents 3D dimensions for grid and block configurations.
type Dim3 struct {
	X, Y, Z int
}

// ThreadID identifies a thread's position within the execution hierarchy.
type ThreadID struct {
	BlockIdx  Dim3 // Block index within the grid
	ThreadIdx Dim3 // Thread index within the block
	BlockDim  Dim3 // Dimensions of the block
	GridDim   Dim3 // Dimensions of the grid
}

// Kernel represents a compute kernel that can be executed in parallel.
// Implementations must be safe for concurrent use.
type Kernel interface {
	Execute(tid ThreadID, args ...interface{})
}

// KernelFunc is a function that can be launched as a kernel.
type KernelFunc func(tid ThreadID, args ...interface{})

var (
	defaultContext *Context
	initOnce       sync.Once
)

func newDevice() *Device {
	return &Device{
		ID:         0,
		Name:       "CPU",
		TotalMem:   getSystemMemory(),
		NumCores:   runtime.NumCPU(),
		MaxThreads: runtime.NumCPU() * 2,
		Features:   cpuFeatures,
	}
}

// NewContext creates an execution context with its own memory pool and
// default stream.
func NewContext(opts ...Option) *Context {
	ctx := &Context{
		device:  newDevice(),
		streams: make(map[int]*Stream),
		memory:  NewMemoryPool(envconfig.PoolReuse(true)),
		workers: int(envconfig.Workers()),
		logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})),
	}
	if ctx.workers <= 0 {
		ctx.workers = runtime.NumCPU()
	}
	for _, opt := range opts {
		opt(ctx)
	}
	if ctx.fatal == nil {
		ctx.fatal = DefaultFatalHandler(ctx.logger)
	}
	ctx.defaultStream = ctx.CreateStream()
	ctx.logger.Debug("context created", "device", ctx.device.Name, "workers", ctx.workers, "features", GetCPUInfo())
	return ctx
}

// Default returns the process-wide context used by the package-level helpers.
func Default() *Context {
	initOnce.Do(func() {
		defaultContext = NewContext()
	})
	return defaultContext
}

// Malloc allocates device memory of the specified size in bytes on the
// default context.
//
// Example:
//
//	d_data, err := lowbit.Malloc(1024 * 4) // 1024 float32s
//	if err != nil {
//		return err
//	}
//	defer lowbit.Free(d_data)
func Malloc(size int) (DevicePtr, error) {
	return Default().Malloc(size)
}

// Free releases device memory allocated by Malloc.
func Free(ptr DevicePtr) error {
	return Default().Free(ptr)
}

// Memcpy copies memory between host and device on the default context.
// Supports DevicePtr and []byte, []int8, []int32, []float32, []float64.
func Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	return Default().Memcpy(dst, src, size, kind)
}

// Launch executes a kernel on the default stream.
func Launch(kernel Kernel, grid, block Dim3, args ...interface{}) error {
	return Default().Launch(kernel, grid, block, args...)
}

// LaunchFunc executes a kernel function on the default stream.
func LaunchFunc(fn KernelFunc, grid, block Dim3, args ...interface{}) error {
	return Default().LaunchFunc(fn, grid, block, args...)
}

// Synchronize waits for all operations on all streams of the default
// context to complete.
func Synchronize() error {
	return Default().Synchronize()
}

// GetDevice returns the current device information.
func GetDevice() *Device {
	return Default().device
}

// SetDevice sets the active device (no-op for CPU)
func SetDevice(id int) error {
	if id != 0 {
		return ErrInvalidDevice
	}
	return nil
}

// GetDeviceCount returns the number of available devices.
func GetDeviceCount() int {
	return 1
}

// Context methods

// Device returns the device this context is bound to.
func (ctx *Context) Device() *Device {
	return ctx.device
}

// Logger returns the context logger.
func (ctx *Context) Logger() *slog.Logger {
	return ctx.logger
}

// MemoryStats returns the bytes currently allocated and the peak.
func (ctx *Context) MemoryStats() (allocated, peak int64) {
	return ctx.memory.GetStats()
}

// CreateStream creates a new execution stream
func (ctx *Context) CreateStream() *Stream {
	id := int(atomic.AddInt32(&ctx.streamID, 1))
	stream := &Stream{
		id:    id,
		tasks: make(chan streamTask, 1000),
		done:  make(chan struct{}),
	}
	stream.idle = sync.NewCond(&stream.mu)

	go stream.worker()

	ctx.mu.Lock()
	ctx.streams[id] = stream
	ctx.mu.Unlock()
	return stream
}

// Launch executes a kernel on the default stream
func (ctx *Context) Launch(kernel Kernel, grid, block Dim3, args ...interface{}) error {
	return ctx.LaunchStream(kernel, grid, block, ctx.defaultStream, args...)
}

// LaunchFunc executes a kernel function on the default stream
func (ctx *Context) LaunchFunc(fn KernelFunc, grid, block Dim3, args ...interface{}) error {
	return ctx.LaunchFuncStream(fn, grid, block, ctx.defaultStream, args...)
}

// LaunchStream executes a kernel on a specific stream
func (ctx *Context) LaunchStream(kernel Kernel, grid, block Dim3, stream *Stream, args ...interface{}) error {
	return ctx.launchInternal(kernel.Execute, grid, block, stream, args...)
}

// LaunchFuncStream executes a kernel function on a specific stream
func (ctx *Context) LaunchFuncStream(fn KernelFunc, grid, block Dim3, stream *Stream, args ...interface{}) error {
	return ctx.launchInternal(fn, grid, block, stream, args...)
}

// Synchronize waits for all streams to complete and returns the first
// fault recorded by any of them.
func (ctx *Context) Synchronize() error {
	ctx.mu.Lock()
	streams := make([]*Stream, 0, len(ctx.streams))
	for _, s := range ctx.streams {
		streams = append(streams, s)
	}
	ctx.mu.Unlock()

	var first error
	for _, stream := range streams {
		if err := stream.Synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Destroy stops every stream owned by the context. The context must not be
// used afterwards.
func (ctx *Context) Destroy() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	for id, s := range ctx.streams {
		s.Synchronize()
		close(s.tasks)
		<-s.done
		delete(ctx.streams, id)
	}
}

// fault routes runtime faults through the fail-fast handler and returns err
// so callers can still propagate it when the handler does not exit.
func (ctx *Context) fault(err error) error {
	if err != nil && isFatal(err) {
		ctx.fatal(err)
	}
	return err
}

// Stream methods

func (s *Stream) worker() {
	for t := range s.tasks {
		err := t.fn()
		s.mu.Lock()
		if t.done != nil {
			t.done <- err
		} else if err != nil && s.err == nil {
			s.err = err
		}
		s.pending--
		if s.pending == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
	close(s.done)
}

// Synchronize waits until the stream has no queued or running tasks and
// returns the first error produced by Submit tasks since the previous
// Synchronize. It is safe to call while other goroutines submit.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.idle.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// Submit adds a task to the stream
func (s *Stream) Submit(task func() error) {
	s.enqueue(streamTask{fn: task})
}

// await queues task behind earlier stream work and returns a channel that
// receives its result alone.
func (s *Stream) await(task func() error) <-chan error {
	done := make(chan error, 1)
	s.enqueue(streamTask{fn: task, done: done})
	return done
}

func (s *Stream) enqueue(t streamTask) {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
	s.tasks <- t
}

// Helper functions

// Global returns the global thread index
func (tid ThreadID) Global() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalY returns the global Y index
func (tid ThreadID) GlobalY() int {
	return tid.BlockIdx.Y*tid.BlockDim.Y + tid.ThreadIdx.Y
}

// Size returns the total number of elements
func (d Dim3) Size() int {
	return d.X * max(d.Y, 1) * max(d.Z, 1)
}

// Execute implements Kernel.
func (fn KernelFunc) Execute(tid ThreadID, args ...interface{}) {
	fn(tid, args...)
}
