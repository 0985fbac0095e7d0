//go:build opencl

package opencl

import (
	"testing"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestEnumerate(t *testing.T) {
	if !IsAvailable() {
		t.Skip("no OpenCL platform installed")
	}
	drv, err := driver.Open(DriverName)
	require.NoError(t, err)
	platforms, err := drv.Platforms()
	require.NoError(t, err)
	require.NotEmpty(t, platforms)
	for _, p := range platforms {
		info, err := drv.PlatformInfo(p)
		require.NoError(t, err)
		require.NotEmpty(t, info.Name)
		devices, err := drv.Devices(p, driver.DeviceTypeAll)
		if driver.StatusOf(err) == driver.DeviceNotFound {
			continue
		}
		require.NoError(t, err)
		for _, d := range devices {
			deviceInfo, err := drv.DeviceInfo(d)
			require.NoError(t, err)
			require.Positive(t, deviceInfo.MaxWorkGroupSize)
			require.Positive(t, deviceInfo.MemBaseAddrAlign)
			klog.Infof("%s: %s (%s)", info.Name, deviceInfo.Name, deviceInfo.Type)
		}
	}
}

func TestSquare(t *testing.T) {
	if !IsAvailable() {
		t.Skip("no OpenCL platform installed")
	}
	drv, err := New()
	require.NoError(t, err)
	platforms, err := drv.Platforms()
	require.NoError(t, err)
	ctx, err := drv.CreateContextFromType(platforms[0], driver.DeviceTypeAll, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, drv.ReleaseContext(ctx)) }()
	devices, err := drv.ContextDevices(ctx)
	require.NoError(t, err)

	program, err := drv.CreateProgramWithSource(ctx, []byte(
		`__kernel void square(__global int *b) { size_t i = get_global_id(0); b[i] = b[i] * b[i]; }`))
	require.NoError(t, err)
	defer func() { require.NoError(t, drv.ReleaseProgram(program)) }()
	require.NoError(t, drv.BuildProgram(program, devices[:1], ""))
	_, binaries, err := drv.ProgramBinaries(program)
	require.NoError(t, err)
	require.NotEmpty(t, binaries[0])

	kernel, err := drv.CreateKernel(program, "square")
	require.NoError(t, err)
	defer func() { require.NoError(t, drv.ReleaseKernel(kernel)) }()
	numArgs, err := drv.KernelNumArgs(kernel)
	require.NoError(t, err)
	require.Equal(t, 1, numArgs)

	host := []byte{3, 0, 0, 0, 5, 0, 0, 0}
	mem, err := drv.CreateBuffer(ctx, driver.MemReadWrite|driver.MemCopyHostPtr, len(host), host)
	require.NoError(t, err)
	defer func() { require.NoError(t, drv.ReleaseMemObject(mem)) }()
	require.NoError(t, drv.SetKernelArg(kernel, 0, driver.KernelArg{Kind: driver.ArgMem, Mem: mem}))

	queue, err := drv.CreateCommandQueue(ctx, devices[0])
	require.NoError(t, err)
	defer func() { require.NoError(t, drv.ReleaseCommandQueue(queue)) }()
	event, err := drv.EnqueueNDRangeKernel(queue, kernel, []int{2}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, drv.WaitForEvents([]driver.EventID{event}))
	require.NoError(t, drv.ReleaseEvent(event))

	result := make([]byte, len(host))
	event, err = drv.EnqueueReadBuffer(queue, mem, true, 0, result, nil)
	require.NoError(t, err)
	require.NoError(t, drv.ReleaseEvent(event))
	require.Equal(t, []byte{9, 0, 0, 0, 25, 0, 0, 0}, result)
}
