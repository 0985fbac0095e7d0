// Package driver defines the low-level heterogeneous-compute API that the cl package orchestrates.
//
// A Driver is the Go analogue of an OpenCL ICD (or of a C API table): it deals only in opaque handles and
// status codes, and it knows nothing about ownership, caching or partitioning. Those concerns live in the
// cl package, which wraps every handle in an owning Go object.
//
// Drivers register themselves by name with Register, usually from an init function, and are looked up with
// Open. See sub-packages cl/host (pure Go, always available) and cl/opencl (cgo, build tag "opencl").
package driver

// Opaque handles. Their values are meaningful only to the Driver that created them; zero is never a valid handle.
type (
	PlatformID uintptr
	DeviceID   uintptr
	ContextID  uintptr
	ProgramID  uintptr
	MemID      uintptr
	QueueID    uintptr
	KernelID   uintptr
	EventID    uintptr
	SamplerID  uintptr
)

// DeviceType is a bit set of device kinds, used both to describe a device and to filter enumerations.
type DeviceType uint64

const (
	DeviceTypeDefault     DeviceType = 1 << 0
	DeviceTypeCPU         DeviceType = 1 << 1
	DeviceTypeGPU         DeviceType = 1 << 2
	DeviceTypeAccelerator DeviceType = 1 << 3
	DeviceTypeAll         DeviceType = 0xFFFFFFFF
)

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDefault:
		return "DEFAULT"
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	case DeviceTypeAccelerator:
		return "ACCELERATOR"
	case DeviceTypeAll:
		return "ALL"
	}
	return "MIXED"
}

// PlatformInfo describes a platform: one vendor runtime instance.
type PlatformInfo struct {
	Name, Vendor, Version, Profile string
}

// DeviceInfo describes a device. Sizes are in bytes.
type DeviceInfo struct {
	Name, Vendor, Version, DriverVersion string
	Type                                 DeviceType

	// UUID identifies the device across runs, if the driver can tell. Empty otherwise.
	UUID string

	ImageSupport     bool
	Available        bool
	MaxComputeUnits  int
	MaxWorkGroupSize int
	GlobalMemSize    uint64

	// MemBaseAddrAlign is the required alignment, in bytes, of sub-buffer origins.
	MemBaseAddrAlign int
}

// MemFlags configure memory objects.
type MemFlags uint64

const (
	MemReadWrite    MemFlags = 1 << 0
	MemWriteOnly    MemFlags = 1 << 1
	MemReadOnly     MemFlags = 1 << 2
	MemUseHostPtr   MemFlags = 1 << 3
	MemAllocHostPtr MemFlags = 1 << 4
	MemCopyHostPtr  MemFlags = 1 << 5
)

// MapFlags configure EnqueueMapBuffer.
type MapFlags uint64

const (
	MapRead  MapFlags = 1 << 0
	MapWrite MapFlags = 1 << 1
)

// ChannelOrder and ChannelType describe an image format. Only the combinations used by the samples are listed.
type (
	ChannelOrder uint32
	ChannelType  uint32
)

const (
	ChannelOrderR    ChannelOrder = 0x10B0
	ChannelOrderRGBA ChannelOrder = 0x10B5

	ChannelTypeUnormInt8 ChannelType = 0x10D2
	ChannelTypeFloat     ChannelType = 0x10DE
)

// ImageFormat of a 2D image.
type ImageFormat struct {
	Order ChannelOrder
	Type  ChannelType
}

// AddressingMode and FilterMode configure samplers.
type (
	AddressingMode uint32
	FilterMode     uint32
)

const (
	AddressNone        AddressingMode = 0x1130
	AddressClampToEdge AddressingMode = 0x1131
	AddressClamp       AddressingMode = 0x1132
	AddressRepeat      AddressingMode = 0x1133

	FilterNearest FilterMode = 0x1140
	FilterLinear  FilterMode = 0x1141
)

// ExecutionStatus of an event. Negative values are errors (a Status).
type ExecutionStatus int32

const (
	Complete  ExecutionStatus = 0
	Running   ExecutionStatus = 1
	Submitted ExecutionStatus = 2
	Queued    ExecutionStatus = 3
)

// ArgKind tells which field of a KernelArg is set.
type ArgKind int

const (
	ArgScalar ArgKind = iota
	ArgMem
	ArgSampler
	ArgLocal
)

// KernelArg is one kernel argument value.
type KernelArg struct {
	Kind    ArgKind
	Mem     MemID
	Sampler SamplerID

	// Size of local memory, for ArgLocal.
	Size int

	// Value holds the raw little-endian bytes of a scalar, for ArgScalar.
	Value []byte
}

// NotifyFunc receives errors the runtime reports asynchronously on a context. It may be called from any goroutine
// (or native thread), at any time until the context is released, and it cannot be correlated to the call that
// triggered it.
type NotifyFunc func(errInfo string)

// Driver is the low-level API. All methods must be safe for concurrent use.
//
// Enqueue methods are non-blocking unless a blocking flag is given: they return an EventID that completes when the
// command has executed. The caller owns returned handles and must release them.
type Driver interface {
	// Name of the driver, as registered.
	Name() string

	Platforms() ([]PlatformID, error)
	PlatformInfo(platform PlatformID) (PlatformInfo, error)

	// Devices lists the devices of the platform matching kind. It returns an error with DeviceNotFound if none match.
	Devices(platform PlatformID, kind DeviceType) ([]DeviceID, error)
	DeviceInfo(device DeviceID) (DeviceInfo, error)

	CreateContext(platform PlatformID, devices []DeviceID, notify NotifyFunc) (ContextID, error)
	CreateContextFromType(platform PlatformID, kind DeviceType, notify NotifyFunc) (ContextID, error)
	ContextDevices(context ContextID) ([]DeviceID, error)
	ReleaseContext(context ContextID) error

	CreateProgramWithSource(context ContextID, source []byte) (ProgramID, error)

	// CreateProgramWithBinary creates a program from one binary per device. The returned per-device statuses tell
	// which binaries were rejected (InvalidBinary): in that case the error is also set, and no program is returned.
	CreateProgramWithBinary(context ContextID, devices []DeviceID, binaries [][]byte) (ProgramID, []Status, error)
	BuildProgram(program ProgramID, devices []DeviceID, options string) error
	ProgramBuildLog(program ProgramID, device DeviceID) (string, error)

	// ProgramBinaries returns the devices the program is associated with and their binaries, in the same order.
	ProgramBinaries(program ProgramID) ([]DeviceID, [][]byte, error)
	ReleaseProgram(program ProgramID) error

	CreateBuffer(context ContextID, flags MemFlags, size int, host []byte) (MemID, error)
	CreateSubBuffer(parent MemID, flags MemFlags, origin, size int) (MemID, error)
	CreateImage2D(context ContextID, flags MemFlags, format ImageFormat, width, height int, host []byte) (MemID, error)
	ReleaseMemObject(mem MemID) error

	CreateSampler(context ContextID, normalizedCoords bool, addressing AddressingMode, filter FilterMode) (SamplerID, error)
	ReleaseSampler(sampler SamplerID) error

	CreateCommandQueue(context ContextID, device DeviceID) (QueueID, error)
	Finish(queue QueueID) error
	ReleaseCommandQueue(queue QueueID) error

	CreateKernel(program ProgramID, name string) (KernelID, error)
	KernelNumArgs(kernel KernelID) (int, error)
	SetKernelArg(kernel KernelID, index int, arg KernelArg) error
	ReleaseKernel(kernel KernelID) error

	// EnqueueNDRangeKernel launches kernel over globalSize work-items. localSize may be nil, in which case the
	// driver picks it.
	EnqueueNDRangeKernel(queue QueueID, kernel KernelID, globalSize, localSize []int, waitList []EventID) (EventID, error)
	EnqueueWriteBuffer(queue QueueID, mem MemID, blocking bool, offset int, src []byte, waitList []EventID) (EventID, error)
	EnqueueReadBuffer(queue QueueID, mem MemID, blocking bool, offset int, dst []byte, waitList []EventID) (EventID, error)
	EnqueueReadImage(queue QueueID, mem MemID, blocking bool, origin, region [3]int, dst []byte, waitList []EventID) (EventID, error)

	// EnqueueMapBuffer maps the region [offset, offset+size) of mem into host memory. The returned slice is valid
	// until EnqueueUnmapMemObject completes.
	EnqueueMapBuffer(queue QueueID, mem MemID, blocking bool, flags MapFlags, offset, size int, waitList []EventID) ([]byte, EventID, error)
	EnqueueUnmapMemObject(queue QueueID, mem MemID, mapped []byte, waitList []EventID) (EventID, error)

	EventStatus(event EventID) (ExecutionStatus, error)
	WaitForEvents(events []EventID) error
	ReleaseEvent(event EventID) error
}
