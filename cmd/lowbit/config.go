package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config represents the lowbit configuration file
// ($XDG_CONFIG_HOME/lowbit/config.yaml). Pointer fields distinguish "not
// set" from zero values; command line flags always win.
type Config struct {
	Workers *int `yaml:"workers"`

	// Quantization defaults
	Blocksize *int   `yaml:"blocksize"`
	DataType  string `yaml:"data_type"`
	DType     string `yaml:"dtype"`

	// Bench and compare
	Suite       string   `yaml:"suite"`
	Report      string   `yaml:"report"`
	Tolerance   *float64 `yaml:"tolerance"`
	PerfRegress *float64 `yaml:"perf_regress"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lowbit", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	} else if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyQuantizeConfig fills quantize options the user did not pass on the
// command line.
func applyQuantizeConfig(cmd *cobra.Command, cfg Config, blocksize *int, dataType, dtype *string) {
	if cfg.Blocksize != nil && !cmd.Flags().Changed("blocksize") {
		*blocksize = *cfg.Blocksize
	}
	if cfg.DataType != "" && !cmd.Flags().Changed("type") {
		*dataType = cfg.DataType
	}
	if cfg.DType != "" && !cmd.Flags().Changed("dtype") {
		*dtype = cfg.DType
	}
}

func applyBenchConfig(cmd *cobra.Command, cfg Config, suite, report *string) {
	if cfg.Suite != "" && !cmd.Flags().Changed("suite") {
		*suite = cfg.Suite
	}
	if cfg.Report != "" && !cmd.Flags().Changed("report") {
		*report = cfg.Report
	}
}

func applyCompareConfig(cmd *cobra.Command, cfg Config, tol, perfRegress *float64) {
	if cfg.Tolerance != nil && !cmd.Flags().Changed("tol") {
		*tol = *cfg.Tolerance
	}
	if cfg.PerfRegress != nil && !cmd.Flags().Changed("perf-regress") {
		*perfRegress = *cfg.PerfRegress
	}
}
