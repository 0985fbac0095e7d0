//go:build !opencl

package opencl

// IsAvailable returns whether the OpenCL driver was compiled in (build tag "opencl") and the OpenCL library reports
// at least one platform. Without the tag it is always false.
func IsAvailable() bool {
	return false
}
