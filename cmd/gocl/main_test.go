package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gocl/imagecodec"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// run executes the gocl command line with args on the default host topology (2 GPUs and 1 CPU), and returns what
// was written to stdout.
func run(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append([]string{"--driver=host"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func helloOutput() string {
	parts := make([]string, helloSize)
	for ii := range parts {
		parts[ii] = fmt.Sprint(3 * ii)
	}
	return strings.Join(parts, " ") + "\nExecuted program successfully.\n"
}

func TestDevices(t *testing.T) {
	out := must.M1(run("devices"))
	for _, want := range []string{"host-gpu-0", "host-gpu-1", "host-cpu-0", "GPU", "CPU"} {
		require.Contains(t, out, want)
	}
}

func TestHello(t *testing.T) {
	out, err := run("hello")
	require.NoError(t, err)
	require.Equal(t, helloOutput(), out)
}

func TestBinary(t *testing.T) {
	for _, backend := range []string{"file", "badger"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			for range 2 {
				out, err := run("binary", "--cache-dir", dir, "--cache-backend", backend)
				require.NoError(t, err)
				require.Equal(t, helloOutput(), out)
			}
		})
	}

	t.Run("fixed key", func(t *testing.T) {
		dir := t.TempDir()
		for range 2 {
			out := must.M1(run("binary", "--cache-dir", dir, "--cache-key", "HelloWorld.cl.bin"))
			require.Equal(t, helloOutput(), out)
		}
		require.FileExists(t, filepath.Join(dir, "HelloWorld.cl.bin"))
	})
}

func TestSubBuffer(t *testing.T) {
	var want strings.Builder
	for device := range 2 {
		parts := make([]string, elementsPerDevice)
		for ii := range parts {
			v := device*elementsPerDevice + ii
			parts[ii] = fmt.Sprint(v * v)
		}
		want.WriteString(strings.Join(parts, " ") + "\n")
	}
	want.WriteString("Program completed successfully\n")

	for _, useMap := range []bool{false, true} {
		out, err := run("subbuffer", fmt.Sprintf("--useMap=%v", useMap))
		require.NoError(t, err, "useMap=%v", useMap)
		require.Equal(t, want.String(), out, "useMap=%v", useMap)
	}

	_, err := run("subbuffer", "--platform=1")
	require.Error(t, err)
}

func TestFilter(t *testing.T) {
	const width, height = 21, 10
	pixels := make([]byte, 4*width*height)
	for ii := 0; ii < len(pixels); ii += 4 {
		copy(pixels[ii:], []byte{200, 100, 50, 255})
	}
	dir := t.TempDir()
	input, output := filepath.Join(dir, "input.png"), filepath.Join(dir, "output.bmp")
	require.NoError(t, imagecodec.Encode(input, pixels, width, height))
	_ = must.M1(run("filter", input, output))

	// Blurring a uniform image with clamp-to-edge addressing doesn't change it.
	blurred, w, h, err := imagecodec.Decode(output)
	require.NoError(t, err)
	require.Equal(t, []int{width, height}, []int{w, h})
	require.Equal(t, pixels, blurred)

	_, err = run("filter", filepath.Join(dir, "missing.png"), output)
	require.Error(t, err)
}

func TestConvolve(t *testing.T) {
	out := must.M1(run("convolve"))
	require.Equal(t, `22 21 27 25 22 16
35 31 31 27 19 10
39 43 35 26 16 6
41 48 31 34 9 0
26 48 37 38 17 12
42 43 42 30 23 11
Executed program successfully.
`, out)
}

func TestErrors(t *testing.T) {
	for _, args := range [][]string{
		{"filter", "only-one-arg.png"},
		{"hello", "extra"},
		{"binary", "--cache-backend=redis", "--cache-dir", t.TempDir()},
		{"binary", "--cache-backend=none"},
		{"--driver=no-such-driver", "hello"},
	} {
		_, err := run(args...)
		require.Error(t, err, "gocl %v", args)
	}
	require.NotNil(t, flag.CommandLine.Lookup("v"), "klog flags must be registered")
}
