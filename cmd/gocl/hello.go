package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gocl/cl"
	"github.com/gomlx/gocl/kernels"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// helloSize is the number of elements added by the hello and binary commands.
const helloSize = 1000

func newHelloCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hello",
		Short: "Adds two vectors of 1000 floats on the first device (GPU, or else CPU)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ctx, cancel, err := openSession(cmd.Context(), cl.WithBinaryStore(nil))
			if err != nil {
				return err
			}
			defer closeSession(s, cancel)
			device := s.Context.Devices()[0]
			program, err := s.Context.Compile().WithSource(kernels.MustSource(kernels.Hello)).ForDevices(device).Done()
			if err != nil {
				return err
			}
			return runHello(ctx, cmd.OutOrStdout(), program)
		},
	}
}

var (
	flagCacheDir     string
	flagCacheBackend string
	flagCacheKey     string
)

func newBinaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binary",
		Short: "Like hello, but the program binary is cached and loaded from the cache on later runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cl.OpenBinaryStore(flagCacheBackend, flagCacheDir)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("--cache-backend=none: the binary command requires a cache")
			}
			s, ctx, cancel, err := openSession(cmd.Context(), cl.WithBinaryStore(store))
			if err != nil {
				return err
			}
			defer closeSession(s, cancel)
			var options []cl.CacheOption
			if flagCacheKey != "" {
				options = append(options, cl.WithCacheKey(flagCacheKey))
			}
			device := s.Context.Devices()[0]
			program, err := s.Cache.LoadOrBuild(s.Context, device, kernels.MustSource(kernels.Hello), options...)
			if err != nil {
				return err
			}
			klog.Infof("%s: %s, cache stats %+v", device.Name(), program.Origin(), s.Cache.Stats())
			return runHello(ctx, cmd.OutOrStdout(), program)
		},
	}
	cmd.Flags().StringVar(&flagCacheDir, "cache-dir", cl.DefaultCacheDir(), "Directory of the program binary cache.")
	defaultBackend := os.Getenv(cl.CacheBackendEnv)
	if defaultBackend == "" {
		defaultBackend = "file"
	}
	cmd.Flags().StringVar(&flagCacheBackend, "cache-backend", defaultBackend,
		`Program binary cache backend: "file" (one file per binary) or "badger" (key-value database). `+
			"Defaults to $"+cl.CacheBackendEnv+".")
	cmd.Flags().StringVar(&flagCacheKey, "cache-key", "",
		`Fixed cache key (e.g. "HelloWorld.cl.bin"). By default the key is derived from the source, device and options.`)
	return cmd
}

// runHello computes result[i] = a[i] + b[i], with a[i] = i and b[i] = 2*i, on the first device of the program,
// and prints the result.
func runHello(ctx context.Context, w io.Writer, program *cl.Program) error {
	a, b := make([]float32, helloSize), make([]float32, helloSize)
	for ii := range helloSize {
		a[ii] = float32(ii)
		b[ii] = float32(2 * ii)
	}
	clCtx := program.Context()
	bufA, err := cl.NewBufferFromSlice(clCtx, cl.MemReadOnly, a)
	if err != nil {
		return err
	}
	defer func() { _ = bufA.Destroy() }()
	bufB, err := cl.NewBufferFromSlice(clCtx, cl.MemReadOnly, b)
	if err != nil {
		return err
	}
	defer func() { _ = bufB.Destroy() }()
	result, err := clCtx.NewBuffer(cl.MemReadWrite, 4*helloSize)
	if err != nil {
		return err
	}
	defer func() { _ = result.Destroy() }()

	batch, err := program.Dispatch("hello_kernel").
		OnDevices(program.Devices()[0]).
		WithArgs(bufA, bufB, result).
		WithGlobalSize(helloSize).
		Done()
	if err != nil {
		return err
	}
	defer func() { _ = batch.Destroy() }()
	if err := await(ctx, batch); err != nil {
		return err
	}
	values, err := cl.ReadSlice[float32](batch.Queues()[0], result, 0, -1)
	if err != nil {
		return err
	}
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = fmt.Sprint(v)
	}
	_, err = fmt.Fprintln(w, strings.Join(parts, " "))
	if err == nil {
		_, err = fmt.Fprintln(w, "Executed program successfully.")
	}
	return err
}
