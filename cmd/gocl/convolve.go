package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/gocl/cl"
	"github.com/gomlx/gocl/kernels"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	convolveSignal = [][]uint32{
		{3, 1, 1, 4, 8, 2, 1, 3},
		{4, 2, 1, 1, 2, 1, 2, 3},
		{4, 4, 4, 4, 3, 2, 2, 2},
		{9, 8, 3, 8, 9, 0, 0, 0},
		{9, 3, 3, 9, 0, 0, 0, 0},
		{0, 9, 0, 8, 0, 0, 0, 0},
		{3, 0, 8, 8, 9, 4, 4, 4},
		{5, 9, 8, 1, 8, 1, 1, 1},
	}
	convolveMask = [][]uint32{
		{1, 1, 1},
		{1, 0, 1},
		{1, 1, 1},
	}
)

func newConvolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convolve",
		Short: "Convolves an 8x8 signal with a 3x3 mask on a CPU device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := cl.GetRuntime(flagDriver)
			if err != nil {
				return err
			}
			platform, err := rt.FirstPlatformWith(cl.KindCPU)
			if err != nil {
				return err
			}
			ctx, onError, cancel := watchContextLoss(cmd.Context())
			defer cancel(nil)
			clCtx, err := platform.NewContextFromType(cl.KindCPU, onError)
			if err != nil {
				return err
			}
			defer func() {
				if err := clCtx.Destroy(); err != nil {
					klog.Errorf("failed to destroy %s: %+v", clCtx, err)
				}
			}()
			output, err := runConvolve(ctx, clCtx, convolveSignal, convolveMask)
			if err != nil {
				return err
			}
			return printMatrix(cmd.OutOrStdout(), output)
		},
	}
}

func flatten(matrix [][]uint32) []uint32 {
	var flat []uint32
	for _, row := range matrix {
		flat = append(flat, row...)
	}
	return flat
}

// runConvolve returns the "valid" convolution of signal (square) with mask (square) computed on the first device
// of clCtx.
func runConvolve(ctx context.Context, clCtx *cl.Context, signal, mask [][]uint32) ([][]uint32, error) {
	signalWidth, maskWidth := len(signal), len(mask)
	outputWidth := signalWidth - maskWidth + 1
	device := clCtx.Devices()[0]
	program, err := clCtx.Compile().WithSource(kernels.MustSource(kernels.Convolution)).ForDevices(device).Done()
	if err != nil {
		return nil, err
	}
	signalBuffer, err := cl.NewBufferFromSlice(clCtx, cl.MemReadOnly, flatten(signal))
	if err != nil {
		return nil, err
	}
	maskBuffer, err := cl.NewBufferFromSlice(clCtx, cl.MemReadOnly, flatten(mask))
	if err != nil {
		return nil, err
	}
	outputBuffer, err := clCtx.NewBuffer(cl.MemWriteOnly, 4*outputWidth*outputWidth)
	if err != nil {
		return nil, err
	}
	batch, err := program.Dispatch("convolve").
		OnDevices(device).
		WithArgs(signalBuffer, maskBuffer, outputBuffer, int32(signalWidth), int32(maskWidth)).
		WithGlobalSize(outputWidth, outputWidth).
		Done()
	if err != nil {
		return nil, err
	}
	if err := await(ctx, batch); err != nil {
		return nil, err
	}
	flat, err := cl.ReadSlice[uint32](batch.Queues()[0], outputBuffer, 0, -1)
	if err != nil {
		return nil, err
	}
	output := make([][]uint32, outputWidth)
	for y := range output {
		output[y] = flat[y*outputWidth : (y+1)*outputWidth]
	}
	return output, nil
}

func printMatrix(w io.Writer, matrix [][]uint32) error {
	for _, row := range matrix {
		parts := make([]string, len(row))
		for ii, v := range row {
			parts[ii] = fmt.Sprint(v)
		}
		if _, err := fmt.Fprintln(w, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "Executed program successfully.")
	return err
}
