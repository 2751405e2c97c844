package lowbit

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestContext returns a context whose fatal handler fails the test
// instead of exiting.
func newTestContext(t testing.TB, opts ...Option) *Context {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithFatalHandler(func(err error) {
			t.Errorf("fatal fault: %v", err)
		}),
	}
	ctx := NewContext(append(base, opts...)...)
	t.Cleanup(ctx.Destroy)
	return ctx
}

// requireNoLeak fails when staged buffers were not released.
func requireNoLeak(t testing.TB, ctx *Context) {
	t.Helper()
	allocated, _ := ctx.MemoryStats()
	require.Zero(t, allocated, "device memory still allocated")
}

// MallocOrFail allocates device memory and fails the test if unsuccessful
func MallocOrFail(t testing.TB, ctx *Context, size int) DevicePtr {
	t.Helper()
	ptr, err := ctx.Malloc(size)
	require.NoError(t, err, "allocating %d bytes", size)
	return ptr
}

func randFloats(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64()) * scale
	}
	return out
}

func randInt8s(rng *rand.Rand, n int) []int8 {
	out := make([]int8, n)
	for i := range out {
		out[i] = int8(rng.Intn(255) - 127)
	}
	return out
}
