//go:build opencl

package opencl

/*
#cgo !darwin LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#include "gocl_opencl.h"
*/
import "C"
import (
	"runtime"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	driver.Register(DriverName, func() (driver.Driver, error) { return New() })
}

// platformNotFoundKHR is returned by the ICD loader when no vendor runtime is installed.
const platformNotFoundKHR = -1001

// Driver implements driver.Driver with the system OpenCL library.
type Driver struct {
	mu sync.Mutex

	// notifyHandles keeps the callbacks of the live contexts reachable from C.
	notifyHandles map[driver.ContextID]cgo.Handle
}

var _ driver.Driver = (*Driver)(nil)

// New returns a new OpenCL driver. It fails only if the OpenCL library itself fails: no installed platform is not an
// error, Platforms then returns an empty list.
func New() (*Driver, error) {
	d := &Driver{notifyHandles: make(map[driver.ContextID]cgo.Handle)}
	if _, err := d.Platforms(); err != nil {
		return nil, err
	}
	return d, nil
}

// IsAvailable returns whether the OpenCL library reports at least one platform.
func IsAvailable() bool {
	var numPlatforms C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &numPlatforms)
	return status == C.CL_SUCCESS && numPlatforms > 0
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return DriverName }

func check(op string, status C.cl_int) error {
	if status == C.CL_SUCCESS {
		return nil
	}
	return driver.NewError(op, driver.Status(status))
}

// Handle conversions: OpenCL handles are C pointers, kept as opaque uintptr values on the Go side.

func cPlatform(id driver.PlatformID) C.cl_platform_id { return C.cl_platform_id(unsafe.Pointer(uintptr(id))) }
func cDevice(id driver.DeviceID) C.cl_device_id       { return C.cl_device_id(unsafe.Pointer(uintptr(id))) }
func cContext(id driver.ContextID) C.cl_context       { return C.cl_context(unsafe.Pointer(uintptr(id))) }
func cProgram(id driver.ProgramID) C.cl_program       { return C.cl_program(unsafe.Pointer(uintptr(id))) }
func cMem(id driver.MemID) C.cl_mem                   { return C.cl_mem(unsafe.Pointer(uintptr(id))) }
func cQueue(id driver.QueueID) C.cl_command_queue     { return C.cl_command_queue(unsafe.Pointer(uintptr(id))) }
func cKernel(id driver.KernelID) C.cl_kernel          { return C.cl_kernel(unsafe.Pointer(uintptr(id))) }
func cEvent(id driver.EventID) C.cl_event             { return C.cl_event(unsafe.Pointer(uintptr(id))) }
func cSampler(id driver.SamplerID) C.cl_sampler       { return C.cl_sampler(unsafe.Pointer(uintptr(id))) }

func cDevices(ids []driver.DeviceID) []C.cl_device_id {
	devices := make([]C.cl_device_id, len(ids))
	for ii, id := range ids {
		devices[ii] = cDevice(id)
	}
	return devices
}

// waitList converts event IDs to the pointer and count expected by the enqueue functions.
func waitList(ids []driver.EventID) (*C.cl_event, C.cl_uint) {
	if len(ids) == 0 {
		return nil, 0
	}
	events := make([]C.cl_event, len(ids))
	for ii, id := range ids {
		events[ii] = cEvent(id)
	}
	return &events[0], C.cl_uint(len(events))
}

// queryString implements the two-step size-then-value string queries of the clGet*Info functions.
func queryString(op string, query func(size C.size_t, value unsafe.Pointer, sizeRet *C.size_t) C.cl_int) (string, error) {
	var size C.size_t
	if err := check(op, query(0, nil, &size)); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := check(op, query(size, unsafe.Pointer(&buf[0]), nil)); err != nil {
		return "", err
	}
	// Drop the terminating NUL.
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

// Platforms implements driver.Driver.
func (d *Driver) Platforms() ([]driver.PlatformID, error) {
	const op = "clGetPlatformIDs"
	var n C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &n)
	if status == platformNotFoundKHR || (status == C.CL_SUCCESS && n == 0) {
		klog.V(1).Infof("opencl: no platform installed")
		return nil, nil
	}
	if err := check(op, status); err != nil {
		return nil, err
	}
	platforms := make([]C.cl_platform_id, n)
	if err := check(op, C.clGetPlatformIDs(n, &platforms[0], nil)); err != nil {
		return nil, err
	}
	ids := make([]driver.PlatformID, n)
	for ii, p := range platforms {
		ids[ii] = driver.PlatformID(uintptr(unsafe.Pointer(p)))
	}
	return ids, nil
}

// PlatformInfo implements driver.Driver.
func (d *Driver) PlatformInfo(platformID driver.PlatformID) (info driver.PlatformInfo, err error) {
	p := cPlatform(platformID)
	get := func(param C.cl_platform_info) (string, error) {
		return queryString("clGetPlatformInfo", func(size C.size_t, value unsafe.Pointer, sizeRet *C.size_t) C.cl_int {
			return C.clGetPlatformInfo(p, param, size, value, sizeRet)
		})
	}
	for _, field := range []struct {
		param C.cl_platform_info
		value *string
	}{
		{C.CL_PLATFORM_NAME, &info.Name},
		{C.CL_PLATFORM_VENDOR, &info.Vendor},
		{C.CL_PLATFORM_VERSION, &info.Version},
		{C.CL_PLATFORM_PROFILE, &info.Profile},
	} {
		if *field.value, err = get(field.param); err != nil {
			return
		}
	}
	return
}

// Devices implements driver.Driver.
func (d *Driver) Devices(platformID driver.PlatformID, kind driver.DeviceType) ([]driver.DeviceID, error) {
	const op = "clGetDeviceIDs"
	p := cPlatform(platformID)
	var n C.cl_uint
	if err := check(op, C.clGetDeviceIDs(p, C.cl_device_type(kind), 0, nil, &n)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, driver.NewError(op, driver.DeviceNotFound)
	}
	devices := make([]C.cl_device_id, n)
	if err := check(op, C.clGetDeviceIDs(p, C.cl_device_type(kind), n, &devices[0], nil)); err != nil {
		return nil, err
	}
	ids := make([]driver.DeviceID, n)
	for ii, dev := range devices {
		ids[ii] = driver.DeviceID(uintptr(unsafe.Pointer(dev)))
	}
	return ids, nil
}

func deviceScalar[T any](dev C.cl_device_id, param C.cl_device_info) (T, error) {
	var value T
	status := C.clGetDeviceInfo(dev, param, C.size_t(unsafe.Sizeof(value)), unsafe.Pointer(&value), nil)
	return value, check("clGetDeviceInfo", status)
}

// DeviceInfo implements driver.Driver.
func (d *Driver) DeviceInfo(deviceID driver.DeviceID) (info driver.DeviceInfo, err error) {
	dev := cDevice(deviceID)
	for _, field := range []struct {
		param C.cl_device_info
		value *string
	}{
		{C.CL_DEVICE_NAME, &info.Name},
		{C.CL_DEVICE_VENDOR, &info.Vendor},
		{C.CL_DEVICE_VERSION, &info.Version},
		{C.CL_DRIVER_VERSION, &info.DriverVersion},
	} {
		*field.value, err = queryString("clGetDeviceInfo",
			func(size C.size_t, value unsafe.Pointer, sizeRet *C.size_t) C.cl_int {
				return C.clGetDeviceInfo(dev, field.param, size, value, sizeRet)
			})
		if err != nil {
			return
		}
	}
	kind, err := deviceScalar[C.cl_device_type](dev, C.CL_DEVICE_TYPE)
	if err != nil {
		return
	}
	info.Type = driver.DeviceType(kind)
	imageSupport, err := deviceScalar[C.cl_bool](dev, C.CL_DEVICE_IMAGE_SUPPORT)
	if err != nil {
		return
	}
	info.ImageSupport = imageSupport == C.CL_TRUE
	available, err := deviceScalar[C.cl_bool](dev, C.CL_DEVICE_AVAILABLE)
	if err != nil {
		return
	}
	info.Available = available == C.CL_TRUE
	computeUnits, err := deviceScalar[C.cl_uint](dev, C.CL_DEVICE_MAX_COMPUTE_UNITS)
	if err != nil {
		return
	}
	info.MaxComputeUnits = int(computeUnits)
	maxWorkGroupSize, err := deviceScalar[C.size_t](dev, C.CL_DEVICE_MAX_WORK_GROUP_SIZE)
	if err != nil {
		return
	}
	info.MaxWorkGroupSize = int(maxWorkGroupSize)
	globalMemSize, err := deviceScalar[C.cl_ulong](dev, C.CL_DEVICE_GLOBAL_MEM_SIZE)
	if err != nil {
		return
	}
	info.GlobalMemSize = uint64(globalMemSize)
	// Reported in bits.
	alignBits, err := deviceScalar[C.cl_uint](dev, C.CL_DEVICE_MEM_BASE_ADDR_ALIGN)
	if err != nil {
		return
	}
	info.MemBaseAddrAlign = int(alignBits) / 8
	return
}

//export goclNotify
func goclNotify(errInfo *C.char, handle C.uintptr_t) {
	notify := cgo.Handle(handle).Value().(driver.NotifyFunc)
	notify(C.GoString(errInfo))
}

// newNotifyHandle returns a handle to notify, or to a function logging the error if notify is nil.
func newNotifyHandle(notify driver.NotifyFunc) cgo.Handle {
	if notify == nil {
		notify = func(errInfo string) { klog.Errorf("opencl context error (no callback registered): %s", errInfo) }
	}
	return cgo.NewHandle(notify)
}

func (d *Driver) contextCreated(op string, ctx C.cl_context, status C.cl_int, handle cgo.Handle) (driver.ContextID, error) {
	if err := check(op, status); err != nil {
		handle.Delete()
		return 0, err
	}
	id := driver.ContextID(uintptr(unsafe.Pointer(ctx)))
	d.mu.Lock()
	d.notifyHandles[id] = handle
	d.mu.Unlock()
	return id, nil
}

// CreateContext implements driver.Driver.
func (d *Driver) CreateContext(platformID driver.PlatformID, deviceIDs []driver.DeviceID, notify driver.NotifyFunc) (driver.ContextID, error) {
	const op = "clCreateContext"
	if len(deviceIDs) == 0 {
		return 0, driver.Errorf(op, driver.InvalidValue, "no devices given")
	}
	properties := []C.cl_context_properties{
		C.CL_CONTEXT_PLATFORM, C.cl_context_properties(uintptr(platformID)), 0,
	}
	devices := cDevices(deviceIDs)
	handle := newNotifyHandle(notify)
	var status C.cl_int
	ctx := C.goclCreateContext(&properties[0], C.cl_uint(len(devices)), &devices[0], C.uintptr_t(handle), &status)
	return d.contextCreated(op, ctx, status, handle)
}

// CreateContextFromType implements driver.Driver.
func (d *Driver) CreateContextFromType(platformID driver.PlatformID, kind driver.DeviceType, notify driver.NotifyFunc) (driver.ContextID, error) {
	properties := []C.cl_context_properties{
		C.CL_CONTEXT_PLATFORM, C.cl_context_properties(uintptr(platformID)), 0,
	}
	handle := newNotifyHandle(notify)
	var status C.cl_int
	ctx := C.goclCreateContextFromType(&properties[0], C.cl_device_type(kind), C.uintptr_t(handle), &status)
	return d.contextCreated("clCreateContextFromType", ctx, status, handle)
}

// ContextDevices implements driver.Driver.
func (d *Driver) ContextDevices(contextID driver.ContextID) ([]driver.DeviceID, error) {
	const op = "clGetContextInfo"
	ctx := cContext(contextID)
	var size C.size_t
	if err := check(op, C.clGetContextInfo(ctx, C.CL_CONTEXT_DEVICES, 0, nil, &size)); err != nil {
		return nil, err
	}
	n := int(size) / int(unsafe.Sizeof(C.cl_device_id(nil)))
	if n == 0 {
		return nil, nil
	}
	devices := make([]C.cl_device_id, n)
	if err := check(op, C.clGetContextInfo(ctx, C.CL_CONTEXT_DEVICES, size, unsafe.Pointer(&devices[0]), nil)); err != nil {
		return nil, err
	}
	ids := make([]driver.DeviceID, n)
	for ii, dev := range devices {
		ids[ii] = driver.DeviceID(uintptr(unsafe.Pointer(dev)))
	}
	return ids, nil
}

// ReleaseContext implements driver.Driver.
func (d *Driver) ReleaseContext(contextID driver.ContextID) error {
	if err := check("clReleaseContext", C.clReleaseContext(cContext(contextID))); err != nil {
		return err
	}
	d.mu.Lock()
	handle, found := d.notifyHandles[contextID]
	delete(d.notifyHandles, contextID)
	d.mu.Unlock()
	if found {
		handle.Delete()
	}
	return nil
}

// CreateProgramWithSource implements driver.Driver.
func (d *Driver) CreateProgramWithSource(contextID driver.ContextID, source []byte) (driver.ProgramID, error) {
	cSource := C.CString(string(source))
	defer C.free(unsafe.Pointer(cSource))
	var status C.cl_int
	program := C.clCreateProgramWithSource(cContext(contextID), 1, &cSource, nil, &status)
	if err := check("clCreateProgramWithSource", status); err != nil {
		return 0, err
	}
	return driver.ProgramID(uintptr(unsafe.Pointer(program))), nil
}

// CreateProgramWithBinary implements driver.Driver.
func (d *Driver) CreateProgramWithBinary(contextID driver.ContextID, deviceIDs []driver.DeviceID, binaries [][]byte) (driver.ProgramID, []driver.Status, error) {
	const op = "clCreateProgramWithBinary"
	if len(deviceIDs) == 0 || len(deviceIDs) != len(binaries) {
		return 0, nil, driver.Errorf(op, driver.InvalidValue, "%d devices and %d binaries given",
			len(deviceIDs), len(binaries))
	}
	n := len(binaries)
	devices := cDevices(deviceIDs)
	lengths := make([]C.size_t, n)

	// The array of binary pointers must live in C memory, since it holds pointers.
	pointers := unsafe.Slice((**C.uchar)(C.malloc(C.size_t(n)*C.size_t(unsafe.Sizeof((*C.uchar)(nil))))), n)
	defer C.free(unsafe.Pointer(&pointers[0]))
	for ii, binary := range binaries {
		lengths[ii] = C.size_t(len(binary))
		pointers[ii] = (*C.uchar)(C.CBytes(binary))
	}
	defer func() {
		for _, ptr := range pointers {
			C.free(unsafe.Pointer(ptr))
		}
	}()

	binaryStatus := make([]C.cl_int, n)
	var status C.cl_int
	program := C.clCreateProgramWithBinary(cContext(contextID), C.cl_uint(n), &devices[0], &lengths[0],
		&pointers[0], &binaryStatus[0], &status)
	statuses := make([]driver.Status, n)
	for ii, s := range binaryStatus {
		statuses[ii] = driver.Status(s)
	}
	if err := check(op, status); err != nil {
		return 0, statuses, err
	}
	return driver.ProgramID(uintptr(unsafe.Pointer(program))), statuses, nil
}

// BuildProgram implements driver.Driver.
func (d *Driver) BuildProgram(programID driver.ProgramID, deviceIDs []driver.DeviceID, options string) error {
	cOptions := C.CString(options)
	defer C.free(unsafe.Pointer(cOptions))
	var devicesPtr *C.cl_device_id
	devices := cDevices(deviceIDs)
	if len(devices) > 0 {
		devicesPtr = &devices[0]
	}
	return check("clBuildProgram",
		C.clBuildProgram(cProgram(programID), C.cl_uint(len(devices)), devicesPtr, cOptions, nil, nil))
}

// ProgramBuildLog implements driver.Driver.
func (d *Driver) ProgramBuildLog(programID driver.ProgramID, deviceID driver.DeviceID) (string, error) {
	program, dev := cProgram(programID), cDevice(deviceID)
	return queryString("clGetProgramBuildInfo", func(size C.size_t, value unsafe.Pointer, sizeRet *C.size_t) C.cl_int {
		return C.clGetProgramBuildInfo(program, dev, C.CL_PROGRAM_BUILD_LOG, size, value, sizeRet)
	})
}

// ProgramBinaries implements driver.Driver.
func (d *Driver) ProgramBinaries(programID driver.ProgramID) ([]driver.DeviceID, [][]byte, error) {
	const op = "clGetProgramInfo"
	program := cProgram(programID)
	var numDevices C.cl_uint
	if err := check(op, C.clGetProgramInfo(program, C.CL_PROGRAM_NUM_DEVICES, C.size_t(unsafe.Sizeof(numDevices)),
		unsafe.Pointer(&numDevices), nil)); err != nil {
		return nil, nil, err
	}
	n := int(numDevices)
	if n == 0 {
		return nil, nil, driver.Errorf(op, driver.InvalidProgram, "program has no devices")
	}
	devices := make([]C.cl_device_id, n)
	if err := check(op, C.clGetProgramInfo(program, C.CL_PROGRAM_DEVICES,
		C.size_t(n)*C.size_t(unsafe.Sizeof(devices[0])), unsafe.Pointer(&devices[0]), nil)); err != nil {
		return nil, nil, err
	}
	sizes := make([]C.size_t, n)
	if err := check(op, C.clGetProgramInfo(program, C.CL_PROGRAM_BINARY_SIZES,
		C.size_t(n)*C.size_t(unsafe.Sizeof(sizes[0])), unsafe.Pointer(&sizes[0]), nil)); err != nil {
		return nil, nil, err
	}

	// The runtime writes each binary to the buffers given in a C array of pointers.
	pointers := unsafe.Slice((**C.uchar)(C.malloc(C.size_t(n)*C.size_t(unsafe.Sizeof((*C.uchar)(nil))))), n)
	defer C.free(unsafe.Pointer(&pointers[0]))
	for ii, size := range sizes {
		pointers[ii] = (*C.uchar)(C.malloc(max(size, 1)))
	}
	defer func() {
		for _, ptr := range pointers {
			C.free(unsafe.Pointer(ptr))
		}
	}()
	if err := check(op, C.clGetProgramInfo(program, C.CL_PROGRAM_BINARIES,
		C.size_t(n)*C.size_t(unsafe.Sizeof(pointers[0])), unsafe.Pointer(&pointers[0]), nil)); err != nil {
		return nil, nil, err
	}
	ids := make([]driver.DeviceID, n)
	binaries := make([][]byte, n)
	for ii := range n {
		ids[ii] = driver.DeviceID(uintptr(unsafe.Pointer(devices[ii])))
		if sizes[ii] > 0 {
			binaries[ii] = C.GoBytes(unsafe.Pointer(pointers[ii]), C.int(sizes[ii]))
		}
	}
	return ids, binaries, nil
}

// ReleaseProgram implements driver.Driver.
func (d *Driver) ReleaseProgram(programID driver.ProgramID) error {
	return check("clReleaseProgram", C.clReleaseProgram(cProgram(programID)))
}

// hostPointer returns the pointer to pass as host_ptr. Go memory can't be retained by the runtime, so
// MemUseHostPtr is not supported.
func hostPointer(op string, flags driver.MemFlags, host []byte) (unsafe.Pointer, error) {
	if flags&driver.MemUseHostPtr != 0 {
		return nil, driver.Errorf(op, driver.InvalidHostPtr, "MemUseHostPtr is not supported, use MemCopyHostPtr")
	}
	if flags&driver.MemCopyHostPtr == 0 {
		return nil, nil
	}
	if len(host) == 0 {
		return nil, driver.Errorf(op, driver.InvalidHostPtr, "MemCopyHostPtr given without host data")
	}
	return unsafe.Pointer(&host[0]), nil
}

// CreateBuffer implements driver.Driver.
func (d *Driver) CreateBuffer(contextID driver.ContextID, flags driver.MemFlags, size int, host []byte) (driver.MemID, error) {
	const op = "clCreateBuffer"
	ptr, err := hostPointer(op, flags, host)
	if err != nil {
		return 0, err
	}
	if ptr != nil && len(host) < size {
		return 0, driver.Errorf(op, driver.InvalidHostPtr, "host data has %d bytes, buffer has %d", len(host), size)
	}
	var status C.cl_int
	mem := C.clCreateBuffer(cContext(contextID), C.cl_mem_flags(flags), C.size_t(size), ptr, &status)
	if err := check(op, status); err != nil {
		return 0, err
	}
	return driver.MemID(uintptr(unsafe.Pointer(mem))), nil
}

// CreateSubBuffer implements driver.Driver.
func (d *Driver) CreateSubBuffer(parentID driver.MemID, flags driver.MemFlags, origin, size int) (driver.MemID, error) {
	region := C.cl_buffer_region{origin: C.size_t(origin), size: C.size_t(size)}
	var status C.cl_int
	mem := C.clCreateSubBuffer(cMem(parentID), C.cl_mem_flags(flags), C.CL_BUFFER_CREATE_TYPE_REGION,
		unsafe.Pointer(&region), &status)
	if err := check("clCreateSubBuffer", status); err != nil {
		return 0, err
	}
	return driver.MemID(uintptr(unsafe.Pointer(mem))), nil
}

// CreateImage2D implements driver.Driver.
func (d *Driver) CreateImage2D(contextID driver.ContextID, flags driver.MemFlags, format driver.ImageFormat, width, height int, host []byte) (driver.MemID, error) {
	const op = "clCreateImage"
	ptr, err := hostPointer(op, flags, host)
	if err != nil {
		return 0, err
	}
	imageFormat := C.cl_image_format{
		image_channel_order:     C.cl_channel_order(format.Order),
		image_channel_data_type: C.cl_channel_type(format.Type),
	}
	var desc C.cl_image_desc
	desc.image_type = C.CL_MEM_OBJECT_IMAGE2D
	desc.image_width = C.size_t(width)
	desc.image_height = C.size_t(height)
	var status C.cl_int
	mem := C.clCreateImage(cContext(contextID), C.cl_mem_flags(flags), &imageFormat, &desc, ptr, &status)
	if err := check(op, status); err != nil {
		return 0, err
	}
	return driver.MemID(uintptr(unsafe.Pointer(mem))), nil
}

// ReleaseMemObject implements driver.Driver.
func (d *Driver) ReleaseMemObject(memID driver.MemID) error {
	return check("clReleaseMemObject", C.clReleaseMemObject(cMem(memID)))
}

// CreateSampler implements driver.Driver.
func (d *Driver) CreateSampler(contextID driver.ContextID, normalizedCoords bool, addressing driver.AddressingMode, filter driver.FilterMode) (driver.SamplerID, error) {
	normalized := C.cl_bool(C.CL_FALSE)
	if normalizedCoords {
		normalized = C.CL_TRUE
	}
	var status C.cl_int
	sampler := C.clCreateSampler(cContext(contextID), normalized, C.cl_addressing_mode(addressing),
		C.cl_filter_mode(filter), &status)
	if err := check("clCreateSampler", status); err != nil {
		return 0, err
	}
	return driver.SamplerID(uintptr(unsafe.Pointer(sampler))), nil
}

// ReleaseSampler implements driver.Driver.
func (d *Driver) ReleaseSampler(samplerID driver.SamplerID) error {
	return check("clReleaseSampler", C.clReleaseSampler(cSampler(samplerID)))
}

// CreateCommandQueue implements driver.Driver.
func (d *Driver) CreateCommandQueue(contextID driver.ContextID, deviceID driver.DeviceID) (driver.QueueID, error) {
	var status C.cl_int
	queue := C.clCreateCommandQueue(cContext(contextID), cDevice(deviceID), 0, &status)
	if err := check("clCreateCommandQueue", status); err != nil {
		return 0, err
	}
	return driver.QueueID(uintptr(unsafe.Pointer(queue))), nil
}

// Finish implements driver.Driver.
func (d *Driver) Finish(queueID driver.QueueID) error {
	return check("clFinish", C.clFinish(cQueue(queueID)))
}

// ReleaseCommandQueue implements driver.Driver.
func (d *Driver) ReleaseCommandQueue(queueID driver.QueueID) error {
	return check("clReleaseCommandQueue", C.clReleaseCommandQueue(cQueue(queueID)))
}

// CreateKernel implements driver.Driver.
func (d *Driver) CreateKernel(programID driver.ProgramID, name string) (driver.KernelID, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var status C.cl_int
	kernel := C.clCreateKernel(cProgram(programID), cName, &status)
	if err := check("clCreateKernel", status); err != nil {
		return 0, errors.WithMessagef(err, "kernel %q", name)
	}
	return driver.KernelID(uintptr(unsafe.Pointer(kernel))), nil
}

// KernelNumArgs implements driver.Driver.
func (d *Driver) KernelNumArgs(kernelID driver.KernelID) (int, error) {
	var n C.cl_uint
	status := C.clGetKernelInfo(cKernel(kernelID), C.CL_KERNEL_NUM_ARGS, C.size_t(unsafe.Sizeof(n)),
		unsafe.Pointer(&n), nil)
	return int(n), check("clGetKernelInfo", status)
}

// SetKernelArg implements driver.Driver.
func (d *Driver) SetKernelArg(kernelID driver.KernelID, index int, arg driver.KernelArg) error {
	const op = "clSetKernelArg"
	k, idx := cKernel(kernelID), C.cl_uint(index)
	var status C.cl_int
	switch arg.Kind {
	case driver.ArgMem:
		mem := cMem(arg.Mem)
		status = C.clSetKernelArg(k, idx, C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case driver.ArgSampler:
		sampler := cSampler(arg.Sampler)
		status = C.clSetKernelArg(k, idx, C.size_t(unsafe.Sizeof(sampler)), unsafe.Pointer(&sampler))
	case driver.ArgLocal:
		status = C.clSetKernelArg(k, idx, C.size_t(arg.Size), nil)
	case driver.ArgScalar:
		if len(arg.Value) == 0 {
			return driver.Errorf(op, driver.InvalidArgSize, "scalar argument #%d has no value", index)
		}
		status = C.clSetKernelArg(k, idx, C.size_t(len(arg.Value)), unsafe.Pointer(&arg.Value[0]))
	default:
		return driver.Errorf(op, driver.InvalidArgValue, "unknown argument kind %d", arg.Kind)
	}
	return check(op, status)
}

// ReleaseKernel implements driver.Driver.
func (d *Driver) ReleaseKernel(kernelID driver.KernelID) error {
	return check("clReleaseKernel", C.clReleaseKernel(cKernel(kernelID)))
}

func eventID(event C.cl_event) driver.EventID {
	return driver.EventID(uintptr(unsafe.Pointer(event)))
}

// EnqueueNDRangeKernel implements driver.Driver.
func (d *Driver) EnqueueNDRangeKernel(queueID driver.QueueID, kernelID driver.KernelID, globalSize, localSize []int, waitFor []driver.EventID) (driver.EventID, error) {
	const op = "clEnqueueNDRangeKernel"
	dims := len(globalSize)
	if dims < 1 || dims > 3 {
		return 0, driver.Errorf(op, driver.InvalidWorkDimension, "%d dimensions", dims)
	}
	global := make([]C.size_t, dims)
	for ii, size := range globalSize {
		global[ii] = C.size_t(size)
	}
	var localPtr *C.size_t
	if localSize != nil {
		if len(localSize) != dims {
			return 0, driver.Errorf(op, driver.InvalidWorkGroupSize, "local size %v doesn't match global size %v",
				localSize, globalSize)
		}
		local := make([]C.size_t, dims)
		for ii, size := range localSize {
			local[ii] = C.size_t(size)
		}
		localPtr = &local[0]
	}
	events, numEvents := waitList(waitFor)
	var event C.cl_event
	status := C.clEnqueueNDRangeKernel(cQueue(queueID), cKernel(kernelID), C.cl_uint(dims), nil, &global[0], localPtr,
		numEvents, events, &event)
	if err := check(op, status); err != nil {
		return 0, err
	}
	return eventID(event), nil
}

func clBool(value bool) C.cl_bool {
	if value {
		return C.CL_TRUE
	}
	return C.CL_FALSE
}

// unpinWhenDone keeps Go memory used by a non-blocking command pinned until the command completes.
func unpinWhenDone(event C.cl_event, pinner *runtime.Pinner) {
	C.clRetainEvent(event)
	go func() {
		defer pinner.Unpin()
		if status := C.clWaitForEvents(1, &event); status != C.CL_SUCCESS {
			klog.Warningf("opencl: waiting for a transfer failed with %s", driver.Status(status))
		}
		C.clReleaseEvent(event)
	}()
}

// transfer runs a buffer read or write on Go memory.
func transfer(op string, blocking bool, data []byte, enqueue func(ptr unsafe.Pointer, event *C.cl_event) C.cl_int) (driver.EventID, error) {
	if len(data) == 0 {
		return 0, driver.Errorf(op, driver.InvalidValue, "empty transfer")
	}
	var pinner *runtime.Pinner
	if !blocking {
		pinner = &runtime.Pinner{}
		pinner.Pin(&data[0])
	}
	var event C.cl_event
	if err := check(op, enqueue(unsafe.Pointer(&data[0]), &event)); err != nil {
		if pinner != nil {
			pinner.Unpin()
		}
		return 0, err
	}
	if pinner != nil {
		unpinWhenDone(event, pinner)
	}
	return eventID(event), nil
}

// EnqueueWriteBuffer implements driver.Driver.
func (d *Driver) EnqueueWriteBuffer(queueID driver.QueueID, memID driver.MemID, blocking bool, offset int, src []byte, waitFor []driver.EventID) (driver.EventID, error) {
	events, numEvents := waitList(waitFor)
	return transfer("clEnqueueWriteBuffer", blocking, src, func(ptr unsafe.Pointer, event *C.cl_event) C.cl_int {
		return C.clEnqueueWriteBuffer(cQueue(queueID), cMem(memID), clBool(blocking), C.size_t(offset),
			C.size_t(len(src)), ptr, numEvents, events, event)
	})
}

// EnqueueReadBuffer implements driver.Driver.
func (d *Driver) EnqueueReadBuffer(queueID driver.QueueID, memID driver.MemID, blocking bool, offset int, dst []byte, waitFor []driver.EventID) (driver.EventID, error) {
	events, numEvents := waitList(waitFor)
	return transfer("clEnqueueReadBuffer", blocking, dst, func(ptr unsafe.Pointer, event *C.cl_event) C.cl_int {
		return C.clEnqueueReadBuffer(cQueue(queueID), cMem(memID), clBool(blocking), C.size_t(offset),
			C.size_t(len(dst)), ptr, numEvents, events, event)
	})
}

// EnqueueReadImage implements driver.Driver.
func (d *Driver) EnqueueReadImage(queueID driver.QueueID, memID driver.MemID, blocking bool, origin, region [3]int, dst []byte, waitFor []driver.EventID) (driver.EventID, error) {
	var cOrigin, cRegion [3]C.size_t
	for ii := range 3 {
		cOrigin[ii], cRegion[ii] = C.size_t(origin[ii]), C.size_t(region[ii])
	}
	events, numEvents := waitList(waitFor)
	return transfer("clEnqueueReadImage", blocking, dst, func(ptr unsafe.Pointer, event *C.cl_event) C.cl_int {
		return C.clEnqueueReadImage(cQueue(queueID), cMem(memID), clBool(blocking), &cOrigin[0], &cRegion[0], 0, 0,
			ptr, numEvents, events, event)
	})
}

// EnqueueMapBuffer implements driver.Driver. The mapped memory belongs to the runtime.
func (d *Driver) EnqueueMapBuffer(queueID driver.QueueID, memID driver.MemID, blocking bool, flags driver.MapFlags, offset, size int, waitFor []driver.EventID) ([]byte, driver.EventID, error) {
	events, numEvents := waitList(waitFor)
	var event C.cl_event
	var status C.cl_int
	ptr := C.clEnqueueMapBuffer(cQueue(queueID), cMem(memID), clBool(blocking), C.cl_map_flags(flags),
		C.size_t(offset), C.size_t(size), numEvents, events, &event, &status)
	if err := check("clEnqueueMapBuffer", status); err != nil {
		return nil, 0, err
	}
	return unsafe.Slice((*byte)(ptr), size), eventID(event), nil
}

// EnqueueUnmapMemObject implements driver.Driver.
func (d *Driver) EnqueueUnmapMemObject(queueID driver.QueueID, memID driver.MemID, mapped []byte, waitFor []driver.EventID) (driver.EventID, error) {
	const op = "clEnqueueUnmapMemObject"
	if len(mapped) == 0 {
		return 0, driver.Errorf(op, driver.InvalidValue, "empty mapping")
	}
	events, numEvents := waitList(waitFor)
	var event C.cl_event
	status := C.clEnqueueUnmapMemObject(cQueue(queueID), cMem(memID), unsafe.Pointer(&mapped[0]), numEvents, events,
		&event)
	if err := check(op, status); err != nil {
		return 0, err
	}
	return eventID(event), nil
}

// EventStatus implements driver.Driver.
func (d *Driver) EventStatus(id driver.EventID) (driver.ExecutionStatus, error) {
	var status C.cl_int
	err := check("clGetEventInfo", C.clGetEventInfo(cEvent(id), C.CL_EVENT_COMMAND_EXECUTION_STATUS,
		C.size_t(unsafe.Sizeof(status)), unsafe.Pointer(&status), nil))
	return driver.ExecutionStatus(status), err
}

// WaitForEvents implements driver.Driver.
func (d *Driver) WaitForEvents(ids []driver.EventID) error {
	events, numEvents := waitList(ids)
	if numEvents == 0 {
		return driver.Errorf("clWaitForEvents", driver.InvalidValue, "no events given")
	}
	return check("clWaitForEvents", C.clWaitForEvents(numEvents, events))
}

// ReleaseEvent implements driver.Driver.
func (d *Driver) ReleaseEvent(id driver.EventID) error {
	return check("clReleaseEvent", C.clReleaseEvent(cEvent(id)))
}
