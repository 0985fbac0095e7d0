package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is a driver result code. The values match OpenCL's, so native drivers can pass them through.
type Status int32

const (
	Success                   Status = 0
	DeviceNotFound            Status = -1
	DeviceNotAvailable        Status = -2
	CompilerNotAvailable      Status = -3
	MemObjectAllocationFailed Status = -4
	OutOfResources            Status = -5
	OutOfHostMemory           Status = -6
	ImageFormatNotSupported   Status = -10
	BuildProgramFailure       Status = -11
	MapFailure                Status = -12
	MisalignedSubBufferOffset Status = -13
	ExecStatusErrorForEvents  Status = -14
	InvalidValue              Status = -30
	InvalidDeviceType         Status = -31
	InvalidPlatform           Status = -32
	InvalidDevice             Status = -33
	InvalidContext            Status = -34
	InvalidCommandQueue       Status = -36
	InvalidHostPtr            Status = -37
	InvalidMemObject          Status = -38
	InvalidImageSize          Status = -40
	InvalidSampler            Status = -41
	InvalidBinary             Status = -42
	InvalidBuildOptions       Status = -43
	InvalidProgram            Status = -44
	InvalidProgramExecutable  Status = -45
	InvalidKernelName         Status = -46
	InvalidKernel             Status = -48
	InvalidArgIndex           Status = -49
	InvalidArgValue           Status = -50
	InvalidArgSize            Status = -51
	InvalidKernelArgs         Status = -52
	InvalidWorkDimension      Status = -53
	InvalidWorkGroupSize      Status = -54
	InvalidEvent              Status = -58
	InvalidOperation          Status = -59
	InvalidBufferSize         Status = -61
	InvalidGlobalWorkSize     Status = -63
)

var statusNames = map[Status]string{
	Success:                   "SUCCESS",
	DeviceNotFound:            "DEVICE_NOT_FOUND",
	DeviceNotAvailable:        "DEVICE_NOT_AVAILABLE",
	CompilerNotAvailable:      "COMPILER_NOT_AVAILABLE",
	MemObjectAllocationFailed: "MEM_OBJECT_ALLOCATION_FAILURE",
	OutOfResources:            "OUT_OF_RESOURCES",
	OutOfHostMemory:           "OUT_OF_HOST_MEMORY",
	ImageFormatNotSupported:   "IMAGE_FORMAT_NOT_SUPPORTED",
	BuildProgramFailure:       "BUILD_PROGRAM_FAILURE",
	MapFailure:                "MAP_FAILURE",
	MisalignedSubBufferOffset: "MISALIGNED_SUB_BUFFER_OFFSET",
	ExecStatusErrorForEvents:  "EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
	InvalidValue:              "INVALID_VALUE",
	InvalidDeviceType:         "INVALID_DEVICE_TYPE",
	InvalidPlatform:           "INVALID_PLATFORM",
	InvalidDevice:             "INVALID_DEVICE",
	InvalidContext:            "INVALID_CONTEXT",
	InvalidCommandQueue:       "INVALID_COMMAND_QUEUE",
	InvalidHostPtr:            "INVALID_HOST_PTR",
	InvalidMemObject:          "INVALID_MEM_OBJECT",
	InvalidImageSize:          "INVALID_IMAGE_SIZE",
	InvalidSampler:            "INVALID_SAMPLER",
	InvalidBinary:             "INVALID_BINARY",
	InvalidBuildOptions:       "INVALID_BUILD_OPTIONS",
	InvalidProgram:            "INVALID_PROGRAM",
	InvalidProgramExecutable:  "INVALID_PROGRAM_EXECUTABLE",
	InvalidKernelName:         "INVALID_KERNEL_NAME",
	InvalidKernel:             "INVALID_KERNEL",
	InvalidArgIndex:           "INVALID_ARG_INDEX",
	InvalidArgValue:           "INVALID_ARG_VALUE",
	InvalidArgSize:            "INVALID_ARG_SIZE",
	InvalidKernelArgs:         "INVALID_KERNEL_ARGS",
	InvalidWorkDimension:      "INVALID_WORK_DIMENSION",
	InvalidWorkGroupSize:      "INVALID_WORK_GROUP_SIZE",
	InvalidEvent:              "INVALID_EVENT",
	InvalidOperation:          "INVALID_OPERATION",
	InvalidBufferSize:         "INVALID_BUFFER_SIZE",
	InvalidGlobalWorkSize:     "INVALID_GLOBAL_WORK_SIZE",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return fmt.Sprintf("STATUS_%d", int32(s))
}

// Error is returned by drivers for failed calls.
type Error struct {
	// Op is the name of the driver call that failed, e.g. "CreateSubBuffer".
	Op      string
	Status  Status
	Message string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %s (%d)", e.Op, e.Status, int32(e.Status))
	}
	return fmt.Sprintf("%s failed: %s (%d): %s", e.Op, e.Status, int32(e.Status), e.Message)
}

// Errorf creates a driver *Error with a stack trace.
func Errorf(op string, status Status, format string, args ...any) error {
	return errors.WithStack(&Error{Op: op, Status: status, Message: fmt.Sprintf(format, args...)})
}

// NewError creates a driver *Error without message, with a stack trace.
func NewError(op string, status Status) error {
	return errors.WithStack(&Error{Op: op, Status: status})
}

// StatusOf returns the status carried by err: Success if err is nil, and InvalidValue if err is not (and does not
// wrap) a driver *Error.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Status
	}
	return InvalidValue
}
