package lowbit

import "unsafe"

type stageMode int

const (
	stageIn    stageMode = iota // copied to the device
	stageOut                    // zeroed on the device, copied back
	stageInOut                  // copied both ways
)

// staging tracks the device copies made for one kernel call. Every buffer
// is freed by the release func returned from Context.stage; copy-back to the
// host only happens through commit, so a failed call leaves host outputs
// untouched.
type staging struct {
	ctx  *Context
	op   string
	ptrs []DevicePtr
	back []func()
	err  error
}

// stage opens a staging scope for op. The returned func must be deferred.
func (ctx *Context) stage(op string) (*staging, func()) {
	s := &staging{ctx: ctx, op: op}
	return s, s.release
}

// Err returns the first allocation error of the scope.
func (s *staging) Err() error {
	return s.err
}

func (s *staging) alloc(size int) (DevicePtr, bool) {
	if s.err != nil {
		return DevicePtr{}, false
	}
	ptr, err := s.ctx.Malloc(size)
	if err != nil {
		s.err = err
		return DevicePtr{}, false
	}
	s.ptrs = append(s.ptrs, ptr)
	return ptr, true
}

// commit copies every staged output back to its host buffer.
func (s *staging) commit() error {
	if s.err != nil {
		return s.err
	}
	for _, fn := range s.back {
		fn()
	}
	s.back = nil
	return nil
}

func (s *staging) release() {
	for _, p := range s.ptrs {
		if err := s.ctx.Free(p); err != nil {
			s.ctx.logger.Warn("staging release", "op", s.op, "error", err)
		}
	}
	s.ptrs = nil
	s.back = nil
}

// stageSlice returns a device copy of host. A nil or empty host slice is
// returned unchanged.
func stageSlice[T any](s *staging, host []T, mode stageMode) []T {
	if len(host) == 0 {
		return host
	}
	src := sliceBytes(host)
	ptr, ok := s.alloc(len(src))
	if !ok {
		return nil
	}
	dev := ptr.Byte()[:len(src)]
	if mode != stageOut {
		copy(dev, src)
	}
	if mode != stageIn {
		s.back = append(s.back, func() { copy(src, dev) })
	}
	return unsafe.Slice((*T)(ptr.ptr), len(host))
}

// stageTensor stages the bytes of t and returns a tensor viewing the device
// copy.
func stageTensor(s *staging, t Tensor, mode stageMode) Tensor {
	return Tensor{DType: t.DType, Data: stageSlice(s, t.Data, mode)}
}
