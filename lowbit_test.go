package lowbit

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Package-level helpers go through the default context.
func TestDefaultContextMemory(t *testing.T) {
	const N = 1000
	rng := rand.New(rand.NewSource(1))

	h_src := randFloats(rng, N, 1)
	h_dst := make([]float32, N)

	d_src, err := Malloc(N * 4)
	require.NoError(t, err)
	d_dst, err := Malloc(N * 4)
	require.NoError(t, err)

	require.NoError(t, Memcpy(d_src, h_src, N*4, MemcpyHostToDevice))
	require.NoError(t, Memcpy(d_dst, d_src, N*4, MemcpyDeviceToDevice))
	require.NoError(t, Memcpy(h_dst, d_dst, N*4, MemcpyDeviceToHost))
	assert.Equal(t, h_src, h_dst)

	require.NoError(t, Free(d_src))
	require.NoError(t, Free(d_dst))
	assert.ErrorIs(t, Free(d_src), ErrDoubleFree)
}

func TestDefaultContextLaunch(t *testing.T) {
	const N = 10000
	data := make([]float32, N)

	kernel := KernelFunc(func(tid ThreadID, args ...interface{}) {
		idx := tid.Global()
		if idx < N {
			data[idx] = float32(idx)
		}
	})
	require.NoError(t, Launch(kernel, Dim3{X: (N + 255) / 256, Y: 1, Z: 1}, Dim3{X: 256, Y: 1, Z: 1}))
	require.NoError(t, Synchronize())

	for i := 0; i < N; i++ {
		if data[i] != float32(i) {
			t.Fatalf("Incorrect value at index %d: expected %f, got %f", i, float32(i), data[i])
		}
	}
	assert.Same(t, Default(), Default())
}

func TestDevice(t *testing.T) {
	assert.NoError(t, SetDevice(0))
	assert.ErrorIs(t, SetDevice(1), ErrInvalidDevice)
	assert.Equal(t, 1, GetDeviceCount())

	dev := GetDevice()
	assert.Equal(t, "CPU", dev.Name)
	assert.Positive(t, dev.NumCores)
	assert.Equal(t, cpuFeatures, dev.Features)
	assert.NotEmpty(t, GetCPUInfo())
}

func TestContextOptions(t *testing.T) {
	ctx := newTestContext(t, WithWorkers(3), WithWorkers(0))
	assert.Equal(t, 3, ctx.workers)
	assert.NotNil(t, ctx.Logger())
	assert.Equal(t, "CPU", ctx.Device().Name)

	s := ctx.CreateStream()
	ran := false
	s.Submit(func() error { ran = true; return nil })
	require.NoError(t, s.Synchronize())
	assert.True(t, ran)
}

func TestCPUFeatureNames(t *testing.T) {
	f := CPUFeatures{HasAVX2: true, HasSSE4: true, HasASIMDDP: true}
	assert.Equal(t, []string{"SSE4", "AVX2", "ASIMDDP"}, f.Names())
	assert.Empty(t, CPUFeatures{}.Names())
}

func TestDevicePtrReductions(t *testing.T) {
	ctx := newTestContext(t)

	ptr := MallocOrFail(t, ctx, 5*4)
	copy(ptr.Float32(), []float32{1, -4, 2, 0.5, 3})
	assert.InDelta(t, 2.5, ptr.Sum(5), 1e-6)
	assert.Equal(t, float32(4), ptr.AbsMax(5))
	assert.InDelta(t, 30.25, ptr.SumSquares(5), 1e-5)
	assert.Zero(t, ptr.SumSquares(0))
	require.NoError(t, ctx.Free(ptr))
}

func TestBlockReduce(t *testing.T) {
	ctx := newTestContext(t)

	for _, n := range []int{1, 7, 64, 100} {
		in := make([]float32, n)
		var sum, mx float32
		for i := range in {
			in[i] = float32(i%13) - 6
			sum += in[i]
			mx = max(mx, absf(in[i]))
		}

		var gotSum, gotMax float32
		err := ctx.run(LaunchConfig{Name: "blockReduce", Grid: Dim3{X: 1}, Block: Dim3{X: n}, SharedMem: n * 4}, func(b *Block) {
			sh := b.SharedFloat32(0, n)
			b.Threads(func(t int) { sh[t] = in[t] })
			gotSum = blockReduce(b, sh, n, addf)
			b.Threads(func(t int) { sh[t] = absf(in[t]) })
			gotMax = blockReduce(b, sh, n, maxf)
		})
		require.NoError(t, err)
		assert.Equal(t, sum, gotSum, "n=%d", n)
		assert.Equal(t, mx, gotMax, "n=%d", n)
	}
	assert.Equal(t, 1, nextPow2(1))
	assert.Equal(t, 128, nextPow2(100))
}

func TestVersion(t *testing.T) {
	v := Version()
	assert.NotEmpty(t, v)
	assert.NotContains(t, v, "=>")
}
