// Package opencl implements a driver.Driver over the system's OpenCL library (libOpenCL, or the OpenCL framework on
// macOS), registered as "opencl".
//
// It is only compiled with the "opencl" build tag, since it requires cgo and the OpenCL headers:
//
//	go build -tags opencl ./...
//
// Without the tag IsAvailable returns false and nothing is registered.
//
// Use it by importing the package for its side effect and selecting the driver, e.g. with GOCL_DRIVER=opencl:
//
//	import _ "github.com/gomlx/gocl/cl/opencl"
package opencl

// DriverName under which the driver is registered.
const DriverName = "opencl"
