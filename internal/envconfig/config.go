// Package envconfig reads lowbit runtime settings from the environment.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of surrounding whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level for the runtime.
// LOWBIT_DEBUG=1 enables debug logging, negative integers go below debug.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LOWBIT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// BoolWithDefault returns a getter for a boolean variable with a default.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Uint returns a getter for an unsigned variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// Workers caps the number of goroutines a launch fans out to. 0 means one per CPU.
	Workers = Uint("LOWBIT_WORKERS", 0)
	// PoolReuse controls whether freed device buffers are recycled by the memory pool.
	PoolReuse = BoolWithDefault("LOWBIT_POOL_REUSE")
)

// EnvVar describes one recognised variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every recognised variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LOWBIT_DEBUG":      {"LOWBIT_DEBUG", LogLevel(), "Show additional debug information (e.g. LOWBIT_DEBUG=1)"},
		"LOWBIT_WORKERS":    {"LOWBIT_WORKERS", Workers(), "Maximum goroutines per kernel launch (0 = one per CPU)"},
		"LOWBIT_POOL_REUSE": {"LOWBIT_POOL_REUSE", PoolReuse(true), "Recycle freed device buffers"},
	}
}
