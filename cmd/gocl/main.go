// gocl runs the sample OpenCL programs (hello, binary, subbuffer, filter and convolve) and lists the available
// compute devices.
//
// The driver is selected with --driver (or $GOCL_DRIVER): "host" (pure Go, always available) or "opencl" (requires
// building with -tags opencl). Diagnostics go to stderr through klog (see --v and --logtostderr), results to stdout.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/gomlx/gocl/cl"
	_ "github.com/gomlx/gocl/cl/host"
	_ "github.com/gomlx/gocl/cl/opencl"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var flagDriver string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gocl",
		Short:         "Runs data-parallel sample kernels on the available compute devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDriver, "driver", cl.DefaultDriverName(),
		`Compute driver: "host" (pure Go emulation) or "opencl" (native, requires -tags opencl).`)
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(
		newDevicesCmd(),
		newHelloCmd(),
		newBinaryCmd(),
		newSubBufferCmd(),
		newFilterCmd(),
		newConvolveCmd(),
	)
	return root
}

func main() {
	klog.InitFlags(nil)
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// watchContextLoss returns a context cancelled when the compute context created with the returned option reports an
// asynchronous error: the cause is then the *cl.ContextLostError.
func watchContextLoss(parent context.Context) (context.Context, cl.ContextOption, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	return ctx, cl.WithErrorHandler(func(err error) { cancel(err) }), cancel
}

// await waits for the batch, or until ctx is cancelled by a context loss.
func await(ctx context.Context, batch *cl.Batch) error {
	done := make(chan error, 1)
	go func() { done <- batch.Await() }()
	select {
	case err := <-done:
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// openSession creates a cl.Session on the selected driver whose context loss cancels the returned context.
// Close the session and call the cancel function when done.
func openSession(parent context.Context, options ...cl.SessionOption) (*cl.Session, context.Context, context.CancelCauseFunc, error) {
	ctx, onError, cancel := watchContextLoss(parent)
	options = append([]cl.SessionOption{cl.WithDriver(flagDriver), cl.WithContextOptions(onError)}, options...)
	s, err := cl.NewSession(options...)
	if err != nil {
		cancel(nil)
		return nil, nil, nil, err
	}
	return s, ctx, cancel, nil
}

// closeSession is deferred by the commands: a failure to release is logged, it doesn't change the result.
func closeSession(s *cl.Session, cancel context.CancelCauseFunc) {
	if err := s.Close(); err != nil {
		klog.Errorf("failed to close session: %+v", err)
	}
	cancel(nil)
}
