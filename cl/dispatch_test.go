package cl

import (
	"fmt"
	"testing"
	"time"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/gomlx/gocl/cl/host"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// squareAcrossDevices squares 0..len(devices)*perDevice-1, split evenly across all devices of the context, and
// returns the result read back from the base buffer. If useMap, the input is written through mappings.
func squareAcrossDevices(t *testing.T, ctx *Context, perDevice int, useMap bool) []int32 {
	numDevices := len(ctx.Devices())
	input := iota32(numDevices * perDevice)
	program := capture(ctx.Compile().WithSource(squareSource).Done()).Test(t)
	defer func() { require.NoError(t, program.Destroy()) }()

	var base *Buffer
	if useMap {
		base = capture(ctx.NewBuffer(MemReadWrite, len(input)*4)).Test(t)
	} else {
		base = capture(NewBufferFromSlice(ctx, MemReadWrite, input)).Test(t)
	}
	defer func() { require.NoError(t, base.Destroy()) }()
	regions := capture(Partition(base, numDevices)).Test(t)
	defer func() { require.NoError(t, regions.Destroy()) }()

	queues := make([]*Queue, numDevices)
	for ii, d := range ctx.Devices() {
		queues[ii] = capture(ctx.NewQueue(d)).Test(t)
	}
	defer func() {
		for _, q := range queues {
			require.NoError(t, q.Destroy())
		}
	}()
	if useMap {
		for ii := range numDevices {
			mapping := capture(regions.ForDevice(ii).Map(queues[0], MapWrite)).Test(t)
			values := MappingAs[int32](mapping)
			// The base buffer (device 0) is mapped whole, but device 0 only works on its span.
			copy(values[:perDevice], input[ii*perDevice:(ii+1)*perDevice])
			require.NoError(t, mapping.Unmap())
		}
	}

	batch := capture(program.Dispatch("square").
		OnRegions(regions).
		OnQueues(queues...).
		WithGlobalSize(perDevice).
		Done()).Test(t)
	defer func() { require.NoError(t, batch.Destroy()) }()
	require.Len(t, batch.Events(), numDevices)
	require.NoError(t, batch.Await())
	for _, e := range batch.Events() {
		require.Equal(t, driver.Complete, capture(e.Status()).Test(t))
	}
	return capture(ReadSlice[int32](queues[0], base, 0, -1)).Test(t)
}

func TestSquareAcrossDevices(t *testing.T) {
	for _, useMap := range []bool{false, true} {
		t.Run(fmt.Sprintf("useMap=%v", useMap), func(t *testing.T) {
			rt, drv := newHostRuntime(t, fourGPUs)
			ctx := newGPUContext(t, rt)
			require.Len(t, ctx.Devices(), 4)

			output := squareAcrossDevices(t, ctx, 16, useMap)
			require.Len(t, output, 64)
			for ii, value := range output {
				require.Equal(t, int32(ii*ii), value, "element %d", ii)
			}
			require.Equal(t, int64(3), drv.Stats().SubBuffersCreated)
			require.Equal(t, int64(4), drv.Stats().Launches)

			require.NoError(t, ctx.Destroy())
			require.Zero(t, drv.Stats().Alive())
			require.Zero(t, ctx.Janitor().Live())
		})
	}
}

func TestSingleDeviceCreatesNoSubBuffer(t *testing.T) {
	rt, drv := newHostRuntime(t, `
platforms:
  - name: single
    devices:
      - {name: only-gpu, kind: gpu}
`)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	output := squareAcrossDevices(t, ctx, 16, false)
	require.Equal(t, int32(15*15), output[15])
	require.Zero(t, drv.Stats().SubBuffersCreated)
}

func TestAwaitAllWaitsForSlowestDevice(t *testing.T) {
	config := host.Config{Platforms: []host.PlatformConfig{{Name: "timing"}}}
	latencies := []time.Duration{0, *flagLatency / 4, *flagLatency / 2, *flagLatency}
	for ii, latency := range latencies {
		config.Platforms[0].Devices = append(config.Platforms[0].Devices, host.DeviceConfig{
			Name: fmt.Sprintf("gpu-%d", ii), Kind: "gpu", Latency: latency})
	}
	rt, _ := newHostRuntimeFromConfig(t, config)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	program := capture(ctx.Compile().WithSource(squareSource).Done()).Test(t)
	base := capture(NewBufferFromSlice(ctx, MemReadWrite, iota32(64))).Test(t)
	regions := capture(Partition(base, 4)).Test(t)

	start := time.Now()
	batch := capture(program.Dispatch("square").OnRegions(regions).WithGlobalSize(16).Done()).Test(t)
	require.Less(t, time.Since(start), *flagLatency, "dispatch must not wait for the launches")
	require.NoError(t, AwaitAll(batch.Events()...))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, *flagLatency)
	require.Less(t, elapsed, *flagLatency+time.Second)
	for _, e := range batch.Events() {
		require.Equal(t, driver.Complete, capture(e.Status()).Test(t))
	}
	require.NoError(t, batch.Destroy())
}

func TestDispatchError(t *testing.T) {
	rt, drv := newHostRuntime(t, `
platforms:
  - name: uneven
    devices:
      - {name: gpu-0, kind: gpu, max_work_group_size: 256}
      - {name: gpu-1, kind: gpu, max_work_group_size: 256}
      - {name: gpu-2, kind: gpu, max_work_group_size: 4}
      - {name: gpu-3, kind: gpu, max_work_group_size: 256}
`)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	program := capture(ctx.Compile().WithSource(squareSource).Done()).Test(t)
	base := capture(NewBufferFromSlice(ctx, MemReadWrite, iota32(64))).Test(t)
	regions := capture(Partition(base, 4)).Test(t)

	_, err := program.Dispatch("square").OnRegions(regions).WithGlobalSize(16).WithLocalSize(8).Done()
	var dispatchErr *DispatchError
	require.True(t, errors.As(err, &dispatchErr), "got %v", err)
	require.Equal(t, 2, dispatchErr.DeviceIndex)
	require.Equal(t, driver.InvalidWorkGroupSize, dispatchErr.Code)

	// Device 3 was never enqueued, devices 0 and 1 completed, and nothing of the batch is left.
	require.Equal(t, int64(2), drv.Stats().Launches)
	require.Zero(t, ctx.Janitor().LiveByRank(RankQueue))
	require.Zero(t, ctx.Janitor().LiveByRank(RankKernel))
	require.Zero(t, ctx.Janitor().LiveByRank(RankEvent))
	q := capture(ctx.NewQueue(ctx.Devices()[0])).Test(t)
	output := capture(ReadSlice[int32](q, base, 0, -1)).Test(t)
	for ii, value := range output {
		if ii < 32 {
			require.Equal(t, int32(ii*ii), value)
		} else {
			require.Equal(t, int32(ii), value)
		}
	}

	// The default local size of 1 works on every device.
	batch := capture(program.Dispatch("square").OnRegions(regions).WithGlobalSize(16).Done()).Test(t)
	require.NoError(t, batch.Await())
}

func TestDispatchConfigErrors(t *testing.T) {
	rt, _ := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	program := capture(ctx.Compile().WithSource(squareSource).Done()).Test(t)
	buffer := capture(ctx.NewBuffer(MemReadWrite, 64)).Test(t)

	_, err := program.Dispatch("square").OnBuffers(buffer).Done()
	require.ErrorContains(t, err, "global size")
	_, err = program.Dispatch("square").WithArgs(DeviceRegion).WithGlobalSize(16).Done()
	require.ErrorContains(t, err, "DeviceRegion")
	_, err = program.Dispatch("square").OnBuffers(buffer, buffer).OnDevices(ctx.Devices()[0]).WithGlobalSize(16).Done()
	require.Error(t, err)

	// Unknown kernel: fails on the first device.
	_, err = program.Dispatch("cube").OnBuffers(buffer).WithGlobalSize(16).Done()
	var dispatchErr *DispatchError
	require.True(t, errors.As(err, &dispatchErr))
	require.Equal(t, 0, dispatchErr.DeviceIndex)
	require.Equal(t, driver.InvalidKernelName, dispatchErr.Code)

	// A DispatchConfig can only be used once.
	config := program.Dispatch("square").OnBuffers(buffer).WithGlobalSize(16)
	batch := capture(config.Done()).Test(t)
	_, err = config.Done()
	require.Error(t, err)
	require.NoError(t, batch.Await())
	require.NoError(t, batch.Destroy())
	require.NoError(t, batch.Destroy())
}
