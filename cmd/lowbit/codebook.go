package main

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/LynnColeArt/lowbit"
)

func codebookCmd(a *app) *cobra.Command {
	var dataType string
	var unsigned bool

	cmd := &cobra.Command{
		Use:   "codebook",
		Short: "Print the values of a quantization code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var code *lowbit.Codebook
			switch dataType {
			case "dynamic":
				var err error
				code, err = lowbit.NewCodebook(lowbit.DynamicMap(!unsigned, 7))
				if err != nil {
					return err
				}
			case "linear":
				var err error
				code, err = lowbit.NewCodebook(lowbit.LinearMap(!unsigned))
				if err != nil {
					return err
				}
			default:
				dt, err := lowbit.ParseDataType(dataType)
				if err != nil {
					return err
				}
				code = lowbit.CodeFor(dt)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"CODE", "HEX", "VALUE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_RIGHT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for i, v := range code.Values() {
				table.Append([]string{fmt.Sprint(i), fmt.Sprintf("%#02x", i), fmt.Sprintf("%.8f", v)})
			}
			table.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d values, largest gap %.6f\n", code.Len(), code.MaxGap())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataType, "type", "t", "nf4", "Code to print: general, nf4, fp4, dynamic or linear")
	cmd.Flags().BoolVar(&unsigned, "unsigned", false, "Unsigned variant of the dynamic or linear map")
	return cmd
}
