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

// elementsPerDevice squared by the subbuffer command.
const elementsPerDevice = 16

var (
	flagPlatform int
	flagUseMap   bool
)

func newSubBufferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subbuffer",
		Short: "Squares 16 integers per device, with one region of a shared buffer per device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := cl.GetRuntime(flagDriver)
			if err != nil {
				return err
			}
			platform, err := rt.Platform(flagPlatform)
			if err != nil {
				return err
			}
			devices, kind, err := platform.PreferDevices(cl.KindGPU, cl.KindCPU)
			if err != nil {
				return err
			}
			klog.V(1).Infof("using the %d %s devices of %s", len(devices), kind, platform)
			ctx, onError, cancel := watchContextLoss(cmd.Context())
			defer cancel(nil)
			clCtx, err := platform.NewContext(devices, onError)
			if err != nil {
				return err
			}
			defer func() {
				if err := clCtx.Destroy(); err != nil {
					klog.Errorf("failed to destroy %s: %+v", clCtx, err)
				}
			}()
			return runSubBuffer(ctx, cmd.OutOrStdout(), clCtx, flagUseMap)
		},
	}
	cmd.Flags().IntVar(&flagPlatform, "platform", 0, "Index of the platform to use.")
	cmd.Flags().BoolVar(&flagUseMap, "useMap", false,
		"Write the input through mapped memory instead of copying it from the host when creating the buffer.")
	return cmd
}

// runSubBuffer squares elementsPerDevice integers on each device of clCtx, and prints one row per device.
func runSubBuffer(ctx context.Context, w io.Writer, clCtx *cl.Context, useMap bool) error {
	devices := clCtx.Devices()
	program, err := clCtx.Compile().WithSource(kernels.MustSource(kernels.Square)).WithOptions("-I.").Done()
	if err != nil {
		return err
	}
	input := make([]int32, len(devices)*elementsPerDevice)
	for ii := range input {
		input[ii] = int32(ii)
	}
	var base *cl.Buffer
	if useMap {
		base, err = clCtx.NewBuffer(cl.MemReadWrite, 4*len(input))
	} else {
		base, err = cl.NewBufferFromSlice(clCtx, cl.MemReadWrite, input)
	}
	if err != nil {
		return err
	}
	regions, err := cl.Partition(base, len(devices))
	if err != nil {
		return err
	}
	queues := make([]*cl.Queue, len(devices))
	for ii, d := range devices {
		if queues[ii], err = clCtx.NewQueue(d); err != nil {
			return err
		}
	}
	if useMap {
		mapping, err := base.Map(queues[0], cl.MapWrite)
		if err != nil {
			return err
		}
		copy(cl.MappingAs[int32](mapping), input)
		if err := mapping.Unmap(); err != nil {
			return err
		}
	}

	batch, err := program.Dispatch("square").
		OnRegions(regions).
		OnQueues(queues...).
		WithGlobalSize(elementsPerDevice).
		Done()
	if err != nil {
		return err
	}
	if err := await(ctx, batch); err != nil {
		return err
	}
	for ii := range devices {
		values, err := cl.ReadSlice[int32](queues[ii], regions.ForDevice(ii), 0, elementsPerDevice)
		if err != nil {
			return err
		}
		parts := make([]string, len(values))
		for jj, v := range values {
			parts[jj] = fmt.Sprint(v)
		}
		if _, err := fmt.Fprintln(w, strings.Join(parts, " ")); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(w, "Program completed successfully")
	return err
}
