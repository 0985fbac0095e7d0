package cl

import (
	"testing"
	"time"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/gomlx/gocl/cl/host"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEnumeration(t *testing.T) {
	rt, _ := newHostRuntime(t, `
platforms:
  - name: cpu only
    devices:
      - {name: cpu-0, kind: cpu, global_mem_size: 2147483648}
  - name: mixed
    vendor: acme
    devices:
      - {name: gpu-0, kind: gpu, image_support: true}
      - {name: cpu-1, kind: cpu}
`)
	platforms := capture(rt.Platforms()).Test(t)
	require.Len(t, platforms, 2)
	// Same objects across enumerations.
	require.Same(t, platforms[1], capture(rt.Platform(1)).Test(t))
	require.Equal(t, "acme", platforms[1].Vendor())

	_, err := platforms[0].Devices(KindGPU)
	var enumErr *EnumerationError
	require.True(t, errors.As(err, &enumErr))
	require.ErrorIs(t, err, ErrNoDeviceFound)

	devices, kind, err := platforms[0].PreferDevices()
	require.NoError(t, err)
	require.Equal(t, KindCPU, kind)
	require.Equal(t, "cpu-0", devices[0].Name())
	require.Contains(t, devices[0].String(), "2.0 GiB")

	all := capture(platforms[1].Devices(KindAll)).Test(t)
	require.Len(t, all, 2)
	require.Equal(t, 1, all[1].Ordinal())
	require.True(t, all[0].ImageSupport())
	require.NotEqual(t, all[0].Fingerprint(), all[1].Fingerprint())

	p := capture(rt.FirstPlatformWith(KindGPU)).Test(t)
	require.Same(t, platforms[1], p)
	_, err = rt.FirstPlatformWith(KindAccelerator)
	require.ErrorIs(t, err, ErrNoDeviceFound)
	_, err = rt.Platform(2)
	require.Error(t, err)

	for _, name := range []string{"gpu", "CPU", "All", "accelerator"} {
		_, err := ParseDeviceKind(name)
		require.NoError(t, err)
	}
	_, err = ParseDeviceKind("fpga")
	require.Error(t, err)

	// No platforms at all.
	empty, _ := newHostRuntime(t, "platforms: []")
	_, err = empty.Platforms()
	require.True(t, errors.As(err, &enumErr))
	require.ErrorIs(t, err, ErrNoPlatformFound)
	_, err = NewContextWithFallback(empty, nil)
	require.ErrorIs(t, err, ErrNoPlatformFound)
}

func TestContextFallback(t *testing.T) {
	rt, drv := newHostRuntime(t, `
platforms:
  - name: broken gpu
    devices:
      - {name: gpu-0, kind: gpu, unavailable: true}
      - {name: cpu-0, kind: cpu}
`)
	ctx := capture(NewContextWithFallback(rt, nil)).Test(t)
	require.Len(t, ctx.Devices(), 1)
	require.Equal(t, "cpu-0", ctx.Devices()[0].Name())
	require.NoError(t, ctx.Err())
	require.NoError(t, ctx.Destroy())
	require.NoError(t, ctx.Destroy())
	require.Zero(t, drv.Stats().Alive())

	// Operations on a destroyed context fail.
	_, err := ctx.NewBuffer(MemReadWrite, 64)
	require.ErrorIs(t, err, ErrDestroyed)

	// Only GPUs requested: the diagnostic delivered through the callback is reported.
	_, err = NewContextWithFallback(rt, []DeviceKind{KindGPU})
	var creationErr *ContextCreationError
	require.True(t, errors.As(err, &creationErr), "got %v", err)
	require.Len(t, creationErr.Attempts, 1)
	require.Contains(t, creationErr.Diagnostic, "gpu-0")
	require.Equal(t, driver.DeviceNotAvailable, StatusOf(err))

	// Explicit devices of another platform are rejected.
	other, _ := newHostRuntime(t, fourGPUs)
	otherDevices := capture(capture(other.Platform(0)).Test(t).Devices(KindGPU)).Test(t)
	_, err = capture(rt.Platform(0)).Test(t).NewContext(otherDevices)
	require.True(t, errors.As(err, &creationErr))
}

func TestContextLost(t *testing.T) {
	host.RegisterKernel(host.KernelDef{
		Name:   "faulty",
		Params: []driver.ArgKind{driver.ArgMem},
		Run: func(item *host.WorkItem, args *host.Args) error {
			if item.GlobalID(0) == 3 {
				panic("invalid memory access")
			}
			return nil
		},
	})
	rt, drv := newHostRuntime(t, fourGPUs)
	lost := make(chan error, 1)
	ctx := newGPUContext(t, rt, WithErrorHandler(func(err error) { lost <- err }))
	program := capture(ctx.Compile().WithSource(`__kernel void faulty(__global int *x) { x[get_global_id(0)] = 0; }`).Done()).Test(t)
	buffer := capture(ctx.NewBuffer(MemReadWrite, 64)).Test(t)
	batch := capture(program.Dispatch("faulty").OnBuffers(buffer).WithGlobalSize(16).Done()).Test(t)
	require.Error(t, batch.Await())

	select {
	case err := <-lost:
		require.ErrorIs(t, err, ErrContextLost)
		require.Contains(t, err.Error(), "invalid memory access")
	case <-time.After(5 * time.Second):
		t.Fatal("context error handler not called")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("Done() not closed on a lost context")
	}
	require.ErrorIs(t, ctx.Err(), ErrContextLost)

	// Every further operation fails.
	_, err := ctx.NewBuffer(MemReadWrite, 64)
	require.ErrorIs(t, err, ErrContextLost)
	_, err = program.NewKernel("faulty")
	require.ErrorIs(t, err, ErrContextLost)
	_, err = NewProgramCache(newMemoryStore()).LoadOrBuild(ctx, ctx.Devices()[0], squareSource)
	require.ErrorIs(t, err, ErrContextLost)

	// Tearing down still works.
	require.NoError(t, ctx.Destroy())
	require.Zero(t, drv.Stats().Alive())
}

func TestContextsAlive(t *testing.T) {
	before := ContextsAlive()
	rt, _ := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	require.Equal(t, before+1, ContextsAlive())
	buffers := BuffersAlive()
	_ = capture(ctx.NewBuffer(MemReadWrite, 64)).Test(t)
	require.Equal(t, buffers+1, BuffersAlive())
	require.NoError(t, ctx.Destroy())
	require.Equal(t, before, ContextsAlive())
	require.Equal(t, buffers, BuffersAlive())
}

func TestImagesAndSamplers(t *testing.T) {
	rt, _ := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()

	pixels := make([]byte, 4*4*4)
	for ii := range pixels {
		pixels[ii] = byte(ii)
	}
	img := capture(ctx.NewImage2D(MemReadOnly, FormatRGBA8, 4, 4, pixels)).Test(t)
	require.Equal(t, 4, img.Width())
	_, err := ctx.NewImage2D(MemReadOnly, FormatRGBA8, 4, 4, pixels[:10])
	require.Error(t, err)
	sampler := capture(ctx.NewSampler(false, AddressClampToEdge, FilterNearest)).Test(t)
	require.Equal(t, 1, ctx.Janitor().LiveByRank(RankSampler))

	q := capture(ctx.NewQueue(ctx.Devices()[0])).Test(t)
	readBack := make([]byte, len(pixels))
	require.NoError(t, q.ReadImage(img, readBack))
	require.Equal(t, pixels, readBack)

	// Samplers, like memory objects, can only be bound to kernels of their own context.
	program := capture(ctx.Compile().WithSource(`
__kernel void gaussian_filter(__read_only image2d_t src, __write_only image2d_t dst, sampler_t sampler,
                              int width, int height) {
    int2 coord = (int2)(get_global_id(0), get_global_id(1));
    write_imagef(dst, coord, read_imagef(src, sampler, coord));
}`).Done()).Test(t)
	kernel := capture(program.NewKernel("gaussian_filter")).Test(t)
	otherRT, _ := newHostRuntime(t, fourGPUs)
	otherCtx := newGPUContext(t, otherRT)
	defer func() { require.NoError(t, otherCtx.Destroy()) }()
	otherSampler := capture(otherCtx.NewSampler(false, AddressClampToEdge, FilterNearest)).Test(t)
	require.ErrorContains(t, kernel.SetArg(2, otherSampler), "another context")
	require.NoError(t, kernel.SetArg(2, sampler))

	require.NoError(t, sampler.Destroy())
	require.NoError(t, img.Destroy())
	require.ErrorIs(t, q.ReadImage(img, readBack), ErrDestroyed)
}
