package lowbit

import (
	"fmt"
	"sync"
	"unsafe"
)

// MemcpyKind specifies the direction of memory transfer.
// Device memory is host memory on this runtime, so the kinds only document
// intent at call sites.
type MemcpyKind int

const (
	MemcpyHostToHost     MemcpyKind = iota // Host to host transfer
	MemcpyHostToDevice                     // Host to device transfer
	MemcpyDeviceToHost                     // Device to host transfer
	MemcpyDeviceToDevice                   // Device to device transfer
	MemcpyDefault                          // Default transfer (infer direction)
)

// DevicePtr represents a pointer to device memory.
type DevicePtr struct {
	ptr    unsafe.Pointer
	size   int
	offset int
}

// MemoryPool manages device memory allocation with reuse.
// It keeps a free list of previously allocated blocks so that the staging
// buffers of back-to-back kernel calls do not churn the allocator.
type MemoryPool struct {
	mu         sync.Mutex
	reuse      bool
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	totalAlloc int64
	peakAlloc  int64
}

type allocation struct {
	buf  []byte
	size int
	used bool
}

// NewMemoryPool creates a memory pool. When reuse is false freed blocks are
// dropped instead of being kept on the free list.
func NewMemoryPool(reuse bool) *MemoryPool {
	return &MemoryPool{
		reuse:     reuse,
		allocated: make(map[uintptr]*allocation),
	}
}

// Malloc allocates device memory of the specified size in bytes.
//
// Example:
//
//	ptr, err := ctx.Malloc(1024 * 4) // Allocate 1024 float32s
//	if err != nil {
//		return err
//	}
//	defer ctx.Free(ptr)
func (ctx *Context) Malloc(size int) (DevicePtr, error) {
	ptr, err := ctx.memory.Allocate(size)
	if err != nil {
		return DevicePtr{}, ctx.fault(err)
	}
	return ptr, nil
}

// Free releases device memory allocated by Malloc.
// It is safe to call Free with a zero DevicePtr.
func (ctx *Context) Free(ptr DevicePtr) error {
	if ptr.ptr == nil {
		return nil
	}
	return ctx.memory.Free(ptr)
}

// Memset sets size bytes of device memory to value.
func (ctx *Context) Memset(ptr DevicePtr, value byte, size int) error {
	if size < 0 || size > ptr.size {
		return NewInvalidArgError("Memset", fmt.Sprintf("size %d outside allocation of %d bytes", size, ptr.size))
	}
	b := ptr.Byte()[:size]
	if value == 0 {
		clear(b)
		return nil
	}
	for i := range b {
		b[i] = value
	}
	return nil
}

// Memcpy copies memory between host and device.
// Supports DevicePtr and []byte, []int8, []uint16, []int32, []float32,
// []float64 on either side.
//
// Example:
//
//	h_data := make([]float32, 1024)
//	d_data, _ := ctx.Malloc(1024 * 4)
//	ctx.Memcpy(d_data, h_data, 1024*4, lowbit.MemcpyHostToDevice)
func (ctx *Context) Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	d, err := rawBytes("Memcpy", dst)
	if err != nil {
		return err
	}
	s, err := rawBytes("Memcpy", src)
	if err != nil {
		return err
	}
	if size < 0 || size > len(d) || size > len(s) {
		return NewInvalidArgError("Memcpy", fmt.Sprintf("size %d exceeds dst %d or src %d bytes", size, len(d), len(s)))
	}
	copy(d[:size], s[:size])
	return nil
}

// rawBytes returns the byte view of a supported buffer type.
func rawBytes(op string, v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case DevicePtr:
		return b.Byte(), nil
	case []byte:
		return b, nil
	case []int8:
		return sliceBytes(b), nil
	case []uint16:
		return sliceBytes(b), nil
	case []int32:
		return sliceBytes(b), nil
	case []float32:
		return sliceBytes(b), nil
	case []float64:
		return sliceBytes(b), nil
	default:
		return nil, NewInvalidArgError(op, fmt.Sprintf("unsupported buffer type: %T", v))
	}
}

func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// MemoryPool methods

// Allocate allocates memory from the pool
func (mp *MemoryPool) Allocate(size int) (DevicePtr, error) {
	if size <= 0 {
		return DevicePtr{}, ErrInvalidSize
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	// Round up to alignment
	alignedSize := (size + MemoryAlignment - 1) &^ (MemoryAlignment - 1)

	// Try to reuse from free list
	for i, alloc := range mp.freeList {
		if alloc.size >= alignedSize {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			clear(alloc.buf)
			mp.track(int64(alloc.size))
			return DevicePtr{ptr: unsafe.Pointer(&alloc.buf[0]), size: size}, nil
		}
	}

	buf, err := allocBytes(alignedSize)
	if err != nil {
		return DevicePtr{}, err
	}
	alloc := &allocation{buf: buf, size: alignedSize, used: true}
	ptr := unsafe.Pointer(&buf[0])
	mp.allocated[uintptr(ptr)] = alloc
	mp.track(int64(alignedSize))

	return DevicePtr{ptr: ptr, size: size}, nil
}

// allocBytes turns a runtime allocation failure into a Memory error.
func allocBytes(n int) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewMemoryError("Malloc", fmt.Sprintf("allocating %d bytes: %v", n, r), ErrOutOfMemory)
		}
	}()
	// Back the block with uint64 words for 8-byte alignment.
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n), nil
}

func (mp *MemoryPool) track(n int64) {
	mp.totalAlloc += n
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}
}

// Free returns memory to the pool
func (mp *MemoryPool) Free(ptr DevicePtr) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	allocPtr := uintptr(ptr.ptr) - uintptr(ptr.offset)
	alloc, ok := mp.allocated[allocPtr]
	if !ok {
		return NewMemoryError("Free", "pointer not found in allocation pool", nil)
	}

	if !alloc.used {
		return ErrDoubleFree
	}

	alloc.used = false
	mp.totalAlloc -= int64(alloc.size)
	if mp.reuse && len(mp.freeList) < FreeListThreshold {
		mp.freeList = append(mp.freeList, alloc)
	} else {
		delete(mp.allocated, allocPtr)
	}

	return nil
}

// GetStats returns memory pool statistics
func (mp *MemoryPool) GetStats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}

// DevicePtr methods for convenience

// Float32 returns a float32 slice view of the device memory.
//
// Example:
//
//	d_data, _ := lowbit.Malloc(1024 * 4) // Allocate for 1024 float32s
//	data := d_data.Float32()
//	data[0] = 3.14 // Direct access
func (d DevicePtr) Float32() []float32 {
	return view[float32](d, 4)
}

// Float64 returns a float64 slice view of the device memory.
func (d DevicePtr) Float64() []float64 {
	return view[float64](d, 8)
}

// Int32 returns an int32 slice view of the device memory.
func (d DevicePtr) Int32() []int32 {
	return view[int32](d, 4)
}

// Int8 returns an int8 slice view of the device memory.
func (d DevicePtr) Int8() []int8 {
	return view[int8](d, 1)
}

// Uint16 returns a uint16 slice view, used for fp16 and bf16 elements.
func (d DevicePtr) Uint16() []uint16 {
	return view[uint16](d, 2)
}

// Byte returns a byte slice view of the device memory.
//
// Example:
//
//	d_buffer, _ := lowbit.Malloc(4096)
//	bytes := d_buffer.Byte()
//	copy(bytes, sourceData) // Copy raw bytes
func (d DevicePtr) Byte() []byte {
	return view[byte](d, 1)
}

func view[T any](d DevicePtr, width int) []T {
	if d.ptr == nil || d.size < width {
		return nil
	}
	return unsafe.Slice((*T)(d.ptr), d.size/width)
}

// Offset returns a new DevicePtr offset by the given number of bytes.
// The returned DevicePtr shares the same underlying memory.
//
// Example:
//
//	d_array, _ := lowbit.Malloc(1024 * 4) // 1024 float32s
//	d_second_half := d_array.Offset(512 * 4) // Start at element 512
//	data := d_second_half.Float32() // Access second half
func (d DevicePtr) Offset(bytes int) DevicePtr {
	return DevicePtr{
		ptr:    unsafe.Add(d.ptr, bytes),
		size:   d.size - bytes,
		offset: d.offset + bytes,
	}
}

// Size returns the size in bytes of the memory region
func (d DevicePtr) Size() int {
	return d.size
}
