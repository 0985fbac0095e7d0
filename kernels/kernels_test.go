package kernels

import (
	"testing"

	"github.com/gomlx/gocl/cl"
	"github.com/gomlx/gocl/cl/host"
	"github.com/stretchr/testify/require"
)

func TestSources(t *testing.T) {
	require.Equal(t, []string{Convolution, Gaussian, Hello, Square}, Names())
	require.Contains(t, MustSource(Square), "__kernel void square(")
	_, err := Source("missing.cl")
	require.Error(t, err)
	require.Panics(t, func() { MustSource("missing.cl") })
}

// TestBuild checks every source builds and links on the host driver.
func TestBuild(t *testing.T) {
	drv, err := host.New(host.DefaultConfig())
	require.NoError(t, err)
	rt := cl.NewRuntime(drv)
	ctx, err := cl.NewContextWithFallback(rt, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Destroy()) }()

	entryPoints := map[string]string{
		Square:      "square",
		Hello:       "hello_kernel",
		Gaussian:    "gaussian_filter",
		Convolution: "convolve",
	}
	for name, entryPoint := range entryPoints {
		program, err := ctx.Compile().WithSource(MustSource(name)).Done()
		require.NoError(t, err, "building %s", name)
		kernel, err := program.NewKernel(entryPoint)
		require.NoError(t, err, "kernel %q of %s", entryPoint, name)
		require.NoError(t, kernel.Destroy())
		require.NoError(t, program.Destroy())
	}
	require.Zero(t, drv.Stats().Programs)
	require.Zero(t, drv.Stats().Kernels)
}
