package main

import (
	"context"

	"github.com/gomlx/gocl/cl"
	"github.com/gomlx/gocl/imagecodec"
	"github.com/gomlx/gocl/kernels"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// filterGroupSize is the side of the square work-groups of the filter command.
const filterGroupSize = 16

func newFilterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filter <input image> <output image>",
		Short: "Applies a Gaussian blur to an image, using image objects and a sampler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pixels, width, height, err := imagecodec.Decode(args[0])
			if err != nil {
				return err
			}
			s, ctx, cancel, err := openSession(cmd.Context(), cl.WithBinaryStore(nil))
			if err != nil {
				return err
			}
			defer closeSession(s, cancel)
			output, err := runFilter(ctx, s.Context, pixels, width, height)
			if err != nil {
				return err
			}
			if err := imagecodec.Encode(args[1], output, width, height); err != nil {
				return err
			}
			klog.Infof("wrote %dx%d filtered image to %q", width, height, args[1])
			return nil
		},
	}
}

// runFilter blurs the RGBA pixels on the first device of clCtx that supports images, and returns the result.
func runFilter(ctx context.Context, clCtx *cl.Context, pixels []byte, width, height int) ([]byte, error) {
	var device *cl.Device
	for _, d := range clCtx.Devices() {
		if d.ImageSupport() {
			device = d
			break
		}
	}
	if device == nil {
		return nil, errors.Errorf("no device of %s supports images", clCtx)
	}
	input, err := clCtx.NewImage2D(cl.MemReadOnly, cl.FormatRGBA8, width, height, pixels)
	if err != nil {
		return nil, err
	}
	output, err := clCtx.NewImage2D(cl.MemWriteOnly, cl.FormatRGBA8, width, height, nil)
	if err != nil {
		return nil, err
	}
	sampler, err := clCtx.NewSampler(false, cl.AddressClampToEdge, cl.FilterNearest)
	if err != nil {
		return nil, err
	}
	program, err := clCtx.Compile().WithSource(kernels.MustSource(kernels.Gaussian)).ForDevices(device).Done()
	if err != nil {
		return nil, err
	}
	batch, err := program.Dispatch("gaussian_filter").
		OnDevices(device).
		WithArgs(input, output, sampler, int32(width), int32(height)).
		WithGlobalSize(cl.RoundUp(filterGroupSize, width), cl.RoundUp(filterGroupSize, height)).
		WithLocalSize(filterGroupSize, filterGroupSize).
		Done()
	if err != nil {
		return nil, err
	}
	if err := await(ctx, batch); err != nil {
		return nil, err
	}
	result := make([]byte, len(pixels))
	if err := batch.Queues()[0].ReadImage(output, result); err != nil {
		return nil, err
	}
	return result, nil
}
