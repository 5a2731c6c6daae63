package detour

import (
	"io"
	"os"
	"strconv"

	"github.com/pboyd/detour/internal/logging"
	"github.com/rs/zerolog"
)

// DebugEnv is the environment variable read by ConfigFromEnv.
const DebugEnv = "DETOUR_DEBUG"

// Config controls an Engine.
type Config struct {
	// Debug turns on diagnostic logging. Every install and uninstall is
	// logged along with the bytes it read and wrote, and failures are
	// logged with their cause.
	Debug bool

	// LogOutput is where diagnostics go. Defaults to os.Stderr.
	LogOutput io.Writer

	// LogPretty writes human-readable logs instead of JSON.
	LogPretty bool
}

// DefaultConfig returns a Config with diagnostics off.
func DefaultConfig() Config {
	return Config{
		LogOutput: os.Stderr,
	}
}

// ConfigFromEnv returns DefaultConfig with Debug set from the DETOUR_DEBUG
// environment variable. Values that strconv.ParseBool rejects are ignored.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if debug, err := strconv.ParseBool(os.Getenv(DebugEnv)); err == nil {
		cfg.Debug = debug
		cfg.LogPretty = debug
	}
	return cfg
}

func (c Config) logger() zerolog.Logger {
	lc := logging.Config{
		Level:  "disabled",
		Pretty: c.LogPretty,
		Output: c.LogOutput,
	}
	if c.Debug {
		lc.Level = "debug"
	}
	return logging.NewWithComponent(lc, "detour")
}
