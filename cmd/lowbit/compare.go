package main

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// Comparison is the verdict for one case present in the baseline.
type Comparison struct {
	Name             string
	Status           string // "PASS", "FAIL", "SLOWER", "FASTER"
	BaselineDuration time.Duration
	CurrentDuration  time.Duration
	SpeedupFactor    float64
	ErrorDiff        float64
	Message          string
}

func loadReport(filename string) (Report, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("%s: %w", filename, err)
	}
	return r, nil
}

// compareReports checks every baseline case against the current report. A
// case fails when it is missing, no longer passes, or its maximum absolute
// error grew by more than tol.
func compareReports(baseline, current Report, tol, perfRegress float64) []Comparison {
	currentMap := make(map[string]Result, len(current.Results))
	for _, r := range current.Results {
		currentMap[r.Name] = r
	}

	comparisons := make([]Comparison, 0, len(baseline.Results))
	for _, base := range baseline.Results {
		comp := Comparison{
			Name:             base.Name,
			BaselineDuration: base.Duration,
		}

		curr, ok := currentMap[base.Name]
		if !ok {
			comp.Status = "FAIL"
			comp.Message = "case missing in current results"
			comparisons = append(comparisons, comp)
			continue
		}

		comp.CurrentDuration = curr.Duration
		if curr.Duration > 0 {
			comp.SpeedupFactor = float64(base.Duration) / float64(curr.Duration)
		}
		comp.ErrorDiff = float64(curr.MaxAbsError) - float64(base.MaxAbsError)

		switch {
		case curr.Status != "PASS":
			comp.Status = "FAIL"
			comp.Message = fmt.Sprintf("current status %s %s", curr.Status, curr.Message)
		case comp.ErrorDiff > tol:
			comp.Status = "FAIL"
			comp.Message = fmt.Sprintf("max abs error grew by %.3e", comp.ErrorDiff)
		case comp.SpeedupFactor > 0 && comp.SpeedupFactor < 1.0/perfRegress:
			comp.Status = "SLOWER"
			comp.Message = fmt.Sprintf("%.2fx slower", 1.0/comp.SpeedupFactor)
		case comp.SpeedupFactor > 1.2:
			comp.Status = "FASTER"
			comp.Message = fmt.Sprintf("%.2fx faster", comp.SpeedupFactor)
		default:
			comp.Status = "PASS"
		}
		comparisons = append(comparisons, comp)
	}
	return comparisons
}

func compareCmd(a *app) *cobra.Command {
	var baselineFile, currentFile string
	var tol, perfRegress float64

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare a bench report against a baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyCompareConfig(cmd, a.cfg, &tol, &perfRegress)

			baseline, err := loadReport(baselineFile)
			if err != nil {
				return fmt.Errorf("load baseline: %w", err)
			}
			current, err := loadReport(currentFile)
			if err != nil {
				return fmt.Errorf("load current results: %w", err)
			}

			comparisons := compareReports(baseline, current, tol, perfRegress)
			printComparisons(cmd, comparisons)

			failed := 0
			for _, c := range comparisons {
				if c.Status == "FAIL" {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d cases failed", failed, len(comparisons))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baselineFile, "baseline", "baseline.json", "Baseline report")
	cmd.Flags().StringVar(&currentFile, "current", "current.json", "Current report")
	cmd.Flags().Float64Var(&tol, "tol", 1e-6, "Allowed growth of the maximum absolute error")
	cmd.Flags().Float64Var(&perfRegress, "perf-regress", 1.1, "Performance regression threshold (1.1 = 10% slower)")
	return cmd
}

func printComparisons(cmd *cobra.Command, comparisons []Comparison) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"CASE", "STATUS", "BASELINE", "CURRENT", "SPEEDUP", "ERROR Δ"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, c := range comparisons {
		speedup := "-"
		if c.SpeedupFactor > 0 && !math.IsInf(c.SpeedupFactor, 0) {
			speedup = fmt.Sprintf("%.2f", c.SpeedupFactor)
		}
		table.Append([]string{
			c.Name,
			c.Status,
			c.BaselineDuration.Round(time.Microsecond).String(),
			c.CurrentDuration.Round(time.Microsecond).String(),
			speedup,
			fmt.Sprintf("%.2e", c.ErrorDiff),
		})
	}
	table.Render()
	for _, c := range comparisons {
		if c.Message != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", c.Name, c.Message)
		}
	}
}
