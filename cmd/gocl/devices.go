package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gocl/cl"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Lists the platforms and devices of the driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := cl.GetRuntime(flagDriver)
			if err != nil {
				return err
			}
			platforms, err := rt.Platforms()
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Platform", "Device", "Type", "Compute Units", "Max Group", "Memory", "Images",
				"Available"})
			table.SetAutoMergeCells(true)
			table.SetRowLine(true)
			for _, p := range platforms {
				devices, err := p.Devices(cl.KindAll)
				if err != nil {
					table.Append([]string{platformLabel(p), "(none)", "", "", "", "", "", ""})
					continue
				}
				for _, d := range devices {
					info := d.Info()
					table.Append([]string{
						platformLabel(p),
						fmt.Sprintf("#%d %s", d.Ordinal(), d.Name()),
						info.Type.String(),
						strconv.Itoa(info.MaxComputeUnits),
						strconv.Itoa(info.MaxWorkGroupSize),
						humanize.IBytes(info.GlobalMemSize),
						yesNo(info.ImageSupport),
						yesNo(info.Available),
					})
				}
			}
			table.Render()
			return nil
		},
	}
}

func platformLabel(p *cl.Platform) string {
	return fmt.Sprintf("#%d %s", p.Index(), p.Name())
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
