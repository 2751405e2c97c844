// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lowbit quantizes raw tensors and runs the kernel verification suite.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/LynnColeArt/lowbit"
	"github.com/LynnColeArt/lowbit/internal/envconfig"
)

// app carries what every subcommand needs once flags and the config file
// have been resolved.
type app struct {
	cfg     Config
	logger  *slog.Logger
	workers int
	verbose bool
}

func (a *app) context() *lowbit.Context {
	return lowbit.NewContext(lowbit.WithLogger(a.logger), lowbit.WithWorkers(a.workers))
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "lowbit",
		Short:         "Low-bit quantization and optimizer kernels",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			if cfg.Workers != nil && !cmd.Flags().Changed("workers") {
				a.workers = *cfg.Workers
			}

			level := envconfig.LogLevel()
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd)
				return
			}
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", configPath(), "Config file")
	rootCmd.PersistentFlags().IntVar(&a.workers, "workers", 0, "Goroutines per kernel launch (0 = one per CPU)")
	rootCmd.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(
		infoCmd(a),
		codebookCmd(a),
		quantizeCmd(a),
		dequantizeCmd(a),
		benchCmd(a),
		compareCmd(a),
	)
	return rootCmd
}

func versionHandler(cmd *cobra.Command) {
	fmt.Fprintf(cmd.OutOrStdout(), "lowbit version %s\n", lowbit.Version())
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
