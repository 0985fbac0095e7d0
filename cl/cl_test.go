package cl

import (
	"flag"
	"testing"
	"time"

	"github.com/gomlx/gocl/cl/host"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var flagLatency = flag.Duration("latency", 50*time.Millisecond,
	"Latency of the slowest device in the awaitAll timing test.")

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

const squareSource = `
__kernel void square(__global int *buffer) {
	size_t id = get_global_id(0);
	buffer[id] = buffer[id] * buffer[id];
}
`

// fourGPUs is a topology with 4 GPUs, so partitions over 4 devices can be tested.
const fourGPUs = `
platforms:
  - name: test platform
    vendor: gocl
    devices:
      - {name: gpu-0, kind: gpu, compute_units: 2, image_support: true}
      - {name: gpu-1, kind: gpu, compute_units: 2}
      - {name: gpu-2, kind: gpu, compute_units: 2}
      - {name: gpu-3, kind: gpu, compute_units: 2}
`

// newHostRuntime creates a Runtime over a new host driver with the given YAML topology.
// Each test gets its own driver, so the driver statistics can be checked for leaks.
func newHostRuntime(t *testing.T, topology string) (*Runtime, *host.Driver) {
	config, err := host.ParseConfig([]byte(topology))
	require.NoError(t, err)
	return newHostRuntimeFromConfig(t, config)
}

func newHostRuntimeFromConfig(t *testing.T, config host.Config) (*Runtime, *host.Driver) {
	drv, err := host.New(config)
	require.NoError(t, err)
	return NewRuntime(drv), drv
}

// newGPUContext creates a context with all the GPUs of the first platform.
func newGPUContext(t *testing.T, rt *Runtime, options ...ContextOption) *Context {
	platform := capture(rt.Platform(0)).Test(t)
	return capture(platform.NewContextFromType(KindGPU, options...)).Test(t)
}

func iota32(n int) []int32 {
	values := make([]int32, n)
	for ii := range values {
		values[ii] = int32(ii)
	}
	return values
}
