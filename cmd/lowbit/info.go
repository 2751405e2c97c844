package main

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/LynnColeArt/lowbit"
	"github.com/LynnColeArt/lowbit/internal/envconfig"
)

func infoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the compute device, CPU features and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := lowbit.GetDevice()
			features := dev.Features.Names()
			if len(features) == 0 {
				features = []string{"none"}
			}

			data := [][]string{
				{"DEVICE", dev.Name},
				{"ARCH", runtime.GOARCH},
				{"CORES", fmt.Sprint(dev.NumCores)},
				{"MEMORY", fmt.Sprintf("%.1f GiB", float64(dev.TotalMem)/(1<<30))},
				{"FEATURES", strings.Join(features, " ")},
				{"INT8 DOT", fmt.Sprint(lowbit.HasInt8Dot())},
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			fmt.Fprintln(cmd.OutOrStdout())

			env := envconfig.AsMap()
			keys := make([]string, 0, len(env))
			for k := range env {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			table = tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"VARIABLE", "VALUE", "DESCRIPTION"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, k := range keys {
				v := env[k]
				table.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}
