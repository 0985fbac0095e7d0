package host

import (
	"flag"
	"testing"
	"time"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/gomlx/gocl/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var flagTestLatency = flag.Duration("latency", 20*time.Millisecond, "Latency of the slow device in timing tests.")

const squareSource = `
// Squares every element in place.
__kernel void square(__global int *buffer) {
	size_t id = get_global_id(0);
	buffer[id] = buffer[id] * buffer[id];
}
`

func newTestDriver(t *testing.T, config Config) *Driver {
	d, err := New(config)
	require.NoError(t, err)
	return d
}

// setup creates a context with all the devices of the default topology, and a built program.
func setup(t *testing.T, d *Driver, source string) (driver.ContextID, []driver.DeviceID, driver.ProgramID) {
	platforms := must.M1(d.Platforms())
	require.Len(t, platforms, 1)
	devices := must.M1(d.Devices(platforms[0], driver.DeviceTypeAll))
	ctx := must.M1(d.CreateContext(platforms[0], devices, nil))
	program := must.M1(d.CreateProgramWithSource(ctx, []byte(source)))
	require.NoError(t, d.BuildProgram(program, nil, ""))
	return ctx, devices, program
}

func TestTopology(t *testing.T) {
	config, err := ParseConfig([]byte(`
platforms:
  - name: lab
    vendor: acme
    devices:
      - {name: gpu-a, kind: gpu, compute_units: 8, latency: 10ms, image_support: true}
      - {name: cpu-a, kind: cpu, unavailable: true, mem_base_addr_align: 128}
`))
	require.NoError(t, err)
	d := newTestDriver(t, config)
	platforms := must.M1(d.Platforms())
	require.Len(t, platforms, 1)
	info := must.M1(d.PlatformInfo(platforms[0]))
	require.Equal(t, "lab", info.Name)
	require.Equal(t, "acme", info.Vendor)

	gpus := must.M1(d.Devices(platforms[0], driver.DeviceTypeGPU))
	require.Len(t, gpus, 1)
	gpuInfo := must.M1(d.DeviceInfo(gpus[0]))
	require.Equal(t, 8, gpuInfo.MaxComputeUnits)
	require.True(t, gpuInfo.ImageSupport)
	require.NotEmpty(t, gpuInfo.UUID)

	cpus := must.M1(d.Devices(platforms[0], driver.DeviceTypeCPU))
	cpuInfo := must.M1(d.DeviceInfo(cpus[0]))
	require.False(t, cpuInfo.Available)
	require.Equal(t, 128, cpuInfo.MemBaseAddrAlign)

	_, err = d.Devices(platforms[0], driver.DeviceTypeAccelerator)
	require.Equal(t, driver.DeviceNotFound, driver.StatusOf(err))

	// UUIDs are deterministic.
	d2 := newTestDriver(t, config)
	gpuInfo2 := must.M1(d2.DeviceInfo(must.M1(d2.Devices(must.M1(d2.Platforms())[0], driver.DeviceTypeGPU))[0]))
	require.Equal(t, gpuInfo.UUID, gpuInfo2.UUID)

	// Unavailable devices: context creation reports through the callback and fails.
	var diagnostic string
	_, err = d.CreateContextFromType(platforms[0], driver.DeviceTypeCPU, func(errInfo string) { diagnostic = errInfo })
	require.Equal(t, driver.DeviceNotAvailable, driver.StatusOf(err))
	require.Contains(t, diagnostic, "cpu-a")

	_, err = ParseConfig([]byte("platforms: [{name: x, devices: [{name: y, kind: fpga}]}]"))
	require.NoError(t, err)
	_, err = New(must.M1(ParseConfig([]byte("platforms: [{name: x, devices: [{name: y, kind: fpga}]}]"))))
	require.ErrorContains(t, err, "unknown kind")
}

func TestBuild(t *testing.T) {
	d := newTestDriver(t, DefaultConfig())
	ctx, devices, program := setup(t, d, squareSource)
	kernel := must.M1(d.CreateKernel(program, "square"))
	require.Equal(t, 1, must.M1(d.KernelNumArgs(kernel)))
	_, err := d.CreateKernel(program, "cube")
	require.Equal(t, driver.InvalidKernelName, driver.StatusOf(err))

	// Syntax problems and #error are reported in the build log.
	broken := must.M1(d.CreateProgramWithSource(ctx, []byte("#error \"unsupported\"\n__kernel void square(__global int *b) {\n")))
	err = d.BuildProgram(broken, nil, "")
	require.Equal(t, driver.BuildProgramFailure, driver.StatusOf(err))
	log := must.M1(d.ProgramBuildLog(broken, devices[0]))
	require.Contains(t, log, `#error "unsupported"`)
	require.Contains(t, log, "<source>:2:")
	require.Contains(t, log, "2 errors generated.")

	// Entry points without an implementation fail to link.
	unknown := must.M1(d.CreateProgramWithSource(ctx, []byte("__kernel void not_implemented(void) {}")))
	require.Error(t, d.BuildProgram(unknown, nil, ""))
	require.Contains(t, must.M1(d.ProgramBuildLog(unknown, devices[1])), "not_implemented")

	// Options.
	err = d.BuildProgram(program, nil, "-I. -D N=16 -cl-fast-relaxed-math")
	require.NoError(t, err)
	err = d.BuildProgram(program, nil, "fast")
	require.Equal(t, driver.InvalidBuildOptions, driver.StatusOf(err))

	for _, handle := range []func() error{
		func() error { return d.ReleaseKernel(kernel) },
		func() error { return d.ReleaseProgram(unknown) },
		func() error { return d.ReleaseProgram(broken) },
		func() error { return d.ReleaseProgram(program) },
		func() error { return d.ReleaseContext(ctx) },
	} {
		require.NoError(t, handle())
	}
	require.Zero(t, d.Stats().Alive())
}

func TestBinaries(t *testing.T) {
	d := newTestDriver(t, DefaultConfig())
	ctx, devices, program := setup(t, d, squareSource)
	ids, binaries, err := d.ProgramBinaries(program)
	require.NoError(t, err)
	require.Equal(t, devices, ids)
	for _, binary := range binaries {
		require.NotEmpty(t, binary)
	}

	// Same device: accepted and buildable.
	loaded, statuses, err := d.CreateProgramWithBinary(ctx, devices[:1], binaries[:1])
	require.NoError(t, err)
	require.Equal(t, []driver.Status{driver.Success}, statuses)
	require.NoError(t, d.BuildProgram(loaded, nil, ""))
	kernel := must.M1(d.CreateKernel(loaded, "square"))
	require.NoError(t, d.ReleaseKernel(kernel))

	// Binary of another device.
	_, statuses, err = d.CreateProgramWithBinary(ctx, devices[:1], binaries[1:2])
	require.Equal(t, driver.InvalidBinary, driver.StatusOf(err))
	require.Equal(t, []driver.Status{driver.InvalidBinary}, statuses)

	// Corrupted binary.
	corrupted := append([]byte(nil), binaries[0]...)
	corrupted = corrupted[:len(corrupted)/2]
	_, _, err = d.CreateProgramWithBinary(ctx, devices[:1], [][]byte{corrupted})
	require.Equal(t, driver.InvalidBinary, driver.StatusOf(err))
	_, _, err = d.CreateProgramWithBinary(ctx, devices[:1], [][]byte{[]byte("garbage")})
	require.Equal(t, driver.InvalidBinary, driver.StatusOf(err))

	require.NoError(t, d.ReleaseProgram(loaded))
	require.NoError(t, d.ReleaseProgram(program))
	require.NoError(t, d.ReleaseContext(ctx))
}

func TestSquareOverSubBuffers(t *testing.T) {
	d := newTestDriver(t, DefaultConfig())
	ctx, devices, program := setup(t, d, squareSource)
	const perDevice = 16
	numDevices := len(devices)
	input := make([]int32, perDevice*numDevices)
	for ii := range input {
		input[ii] = int32(ii)
	}
	base := must.M1(d.CreateBuffer(ctx, driver.MemReadWrite|driver.MemCopyHostPtr, len(input)*4, dtypes.FlatToBytes(input)))
	mems := []driver.MemID{base}
	for ii := 1; ii < numDevices; ii++ {
		mems = append(mems, must.M1(d.CreateSubBuffer(base, 0, ii*perDevice*4, perDevice*4)))
	}
	require.Equal(t, int64(numDevices-1), d.Stats().SubBuffersCreated)

	var events []driver.EventID
	var queues []driver.QueueID
	for ii, dev := range devices {
		queue := must.M1(d.CreateCommandQueue(ctx, dev))
		kernel := must.M1(d.CreateKernel(program, "square"))
		require.NoError(t, d.SetKernelArg(kernel, 0, driver.KernelArg{Kind: driver.ArgMem, Mem: mems[ii]}))
		event, err := d.EnqueueNDRangeKernel(queue, kernel, []int{perDevice}, nil, nil)
		require.NoError(t, err)
		queues, events = append(queues, queue), append(events, event)
	}
	require.NoError(t, d.WaitForEvents(events))

	output := make([]int32, len(input))
	_, err := d.EnqueueReadBuffer(queues[0], base, true, 0, dtypes.FlatToBytes(output), nil)
	require.NoError(t, err)
	for ii := range output {
		require.Equal(t, int32(ii*ii), output[ii])
	}
	for _, q := range queues {
		require.NoError(t, d.ReleaseCommandQueue(q))
	}
	require.Equal(t, int64(numDevices), d.Stats().Launches)
}

func TestMappedLaunchIsRejected(t *testing.T) {
	d := newTestDriver(t, DefaultConfig())
	ctx, devices, program := setup(t, d, squareSource)
	buffer := must.M1(d.CreateBuffer(ctx, driver.MemReadWrite, 16*4, nil))
	queue := must.M1(d.CreateCommandQueue(ctx, devices[0]))
	kernel := must.M1(d.CreateKernel(program, "square"))
	require.NoError(t, d.SetKernelArg(kernel, 0, driver.KernelArg{Kind: driver.ArgMem, Mem: buffer}))

	mapped, _, err := d.EnqueueMapBuffer(queue, buffer, true, driver.MapWrite, 0, 16*4, nil)
	require.NoError(t, err)
	values := dtypes.BytesToFlat[int32](mapped)
	for ii := range values {
		values[ii] = int32(ii)
	}
	_, err = d.EnqueueNDRangeKernel(queue, kernel, []int{16}, nil, nil)
	require.Equal(t, driver.InvalidOperation, driver.StatusOf(err))

	_, err = d.EnqueueUnmapMemObject(queue, buffer, mapped, nil)
	require.NoError(t, err)
	_, err = d.EnqueueNDRangeKernel(queue, kernel, []int{16}, []int{4}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Finish(queue))

	output := make([]int32, 16)
	_, err = d.EnqueueReadBuffer(queue, buffer, true, 0, dtypes.FlatToBytes(output), nil)
	require.NoError(t, err)
	require.Equal(t, int32(15*15), output[15])
}

func TestWorkGroupLimits(t *testing.T) {
	d := newTestDriver(t, DefaultConfig())
	ctx, devices, program := setup(t, d, squareSource)
	buffer := must.M1(d.CreateBuffer(ctx, driver.MemReadWrite, 1024*4, nil))
	kernel := must.M1(d.CreateKernel(program, "square"))
	_, err := d.EnqueueNDRangeKernel(must.M1(d.CreateCommandQueue(ctx, devices[0])), kernel, []int{1024}, nil, nil)
	require.Equal(t, driver.InvalidKernelArgs, driver.StatusOf(err))
	require.NoError(t, d.SetKernelArg(kernel, 0, driver.KernelArg{Kind: driver.ArgMem, Mem: buffer}))

	// The GPUs of the default topology accept up to 256 work-items per group, the CPU 1024.
	gpuQueue := must.M1(d.CreateCommandQueue(ctx, devices[0]))
	cpuQueue := must.M1(d.CreateCommandQueue(ctx, devices[2]))
	_, err = d.EnqueueNDRangeKernel(gpuQueue, kernel, []int{1024}, []int{512}, nil)
	require.Equal(t, driver.InvalidWorkGroupSize, driver.StatusOf(err))
	_, err = d.EnqueueNDRangeKernel(cpuQueue, kernel, []int{1024}, []int{512}, nil)
	require.NoError(t, err)
	_, err = d.EnqueueNDRangeKernel(cpuQueue, kernel, []int{1024}, []int{3}, nil)
	require.Equal(t, driver.InvalidWorkGroupSize, driver.StatusOf(err))
	_, err = d.EnqueueNDRangeKernel(cpuQueue, kernel, []int{0}, nil, nil)
	require.Equal(t, driver.InvalidGlobalWorkSize, driver.StatusOf(err))
	require.NoError(t, d.Finish(cpuQueue))
}

func TestMisalignedSubBuffer(t *testing.T) {
	config := must.M1(ParseConfig([]byte(`
platforms:
  - name: strict
    devices:
      - {name: gpu, kind: gpu, mem_base_addr_align: 128}
`)))
	d := newTestDriver(t, config)
	platform := must.M1(d.Platforms())[0]
	ctx := must.M1(d.CreateContextFromType(platform, driver.DeviceTypeGPU, nil))
	base := must.M1(d.CreateBuffer(ctx, driver.MemReadWrite, 256, nil))
	_, err := d.CreateSubBuffer(base, 0, 64, 64)
	require.Equal(t, driver.MisalignedSubBufferOffset, driver.StatusOf(err))
	_, err = d.CreateSubBuffer(base, 0, 128, 256)
	require.Equal(t, driver.InvalidValue, driver.StatusOf(err))
	sub, err := d.CreateSubBuffer(base, 0, 128, 128)
	require.NoError(t, err)
	_, err = d.CreateSubBuffer(sub, 0, 0, 64)
	require.Equal(t, driver.InvalidMemObject, driver.StatusOf(err))
}

const panicSource = `__kernel void panics(__global int *buffer) { buffer[0] = 1 / 0; }`

func TestKernelFailureNotifiesContext(t *testing.T) {
	RegisterKernel(KernelDef{
		Name:   "panics",
		Params: []driver.ArgKind{driver.ArgMem},
		Run: func(item *WorkItem, args *Args) error {
			var zero int32
			Buffer[int32](args, 0)[0] = 1 / zero
			return nil
		},
	})
	d := newTestDriver(t, DefaultConfig())
	platform := must.M1(d.Platforms())[0]
	notified := make(chan string, 1)
	ctx := must.M1(d.CreateContextFromType(platform, driver.DeviceTypeGPU, func(errInfo string) { notified <- errInfo }))
	devices := must.M1(d.ContextDevices(ctx))
	require.Len(t, devices, 2)
	program := must.M1(d.CreateProgramWithSource(ctx, []byte(panicSource)))
	require.NoError(t, d.BuildProgram(program, nil, ""))
	buffer := must.M1(d.CreateBuffer(ctx, driver.MemReadWrite, 64, nil))
	kernel := must.M1(d.CreateKernel(program, "panics"))
	require.NoError(t, d.SetKernelArg(kernel, 0, driver.KernelArg{Kind: driver.ArgMem, Mem: buffer}))
	queue := must.M1(d.CreateCommandQueue(ctx, devices[0]))
	event, err := d.EnqueueNDRangeKernel(queue, kernel, []int{1}, nil, nil)
	require.NoError(t, err)

	err = d.WaitForEvents([]driver.EventID{event})
	require.Equal(t, driver.ExecStatusErrorForEvents, driver.StatusOf(err))
	status := must.M1(d.EventStatus(event))
	require.Less(t, int32(status), int32(0))
	select {
	case errInfo := <-notified:
		require.Contains(t, errInfo, "panics")
	case <-time.After(5 * time.Second):
		t.Fatal("context error callback not called")
	}

	// Commands waiting on the failed event fail too.
	readEvent, err := d.EnqueueReadBuffer(queue, buffer, false, 0, make([]byte, 4), []driver.EventID{event})
	require.NoError(t, err)
	require.Error(t, d.WaitForEvents([]driver.EventID{readEvent}))
}

func TestLatency(t *testing.T) {
	config := DefaultConfig()
	config.Platforms[0].Devices[1].Latency = *flagTestLatency
	d := newTestDriver(t, config)
	ctx, devices, program := setup(t, d, squareSource)
	buffer := must.M1(d.CreateBuffer(ctx, driver.MemReadWrite, 64, nil))
	kernel := must.M1(d.CreateKernel(program, "square"))
	require.NoError(t, d.SetKernelArg(kernel, 0, driver.KernelArg{Kind: driver.ArgMem, Mem: buffer}))
	queue := must.M1(d.CreateCommandQueue(ctx, devices[1]))
	start := time.Now()
	event := must.M1(d.EnqueueNDRangeKernel(queue, kernel, []int{16}, nil, nil))
	require.Less(t, time.Since(start), *flagTestLatency, "enqueue must not block")
	require.NoError(t, d.WaitForEvents([]driver.EventID{event}))
	require.GreaterOrEqual(t, time.Since(start), *flagTestLatency)
	require.Equal(t, driver.Complete, must.M1(d.EventStatus(event)))
}
