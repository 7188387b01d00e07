// Package logging sets up the zerolog logger shared by the offline worker.
//
// Entries carry a "component" field naming the emitting package and, inside a
// worker, a "worker_id". Request-level decisions (class, strategy, cache status)
// log at debug; generation lifecycle at info; served fallbacks and failed
// background writes at warn; failed purges and unusable stores at error.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service is stamped on every entry written by a logger from Setup.
const Service = "offline-worker"

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written. Unknown values mean info.
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// FromEnv builds a configuration from the LOG_LEVEL and LOG_PRETTY values.
func FromEnv(level string, pretty bool) Config {
	cfg := DefaultConfig()
	if level != "" {
		cfg.Level = LogLevel(strings.ToLower(level))
	}
	cfg.Pretty = pretty
	return cfg
}

// Setup installs the global logger and level and returns the logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	log.Logger = zerolog.New(out).With().
		Timestamp().
		Str("service", Service).
		Logger()
	return log.Logger
}

// parseLevel maps a configured level onto zerolog. "warning" is accepted,
// and anything unknown or below debug falls back to info.
func parseLevel(level LogLevel) zerolog.Level {
	raw := strings.ToLower(strings.TrimSpace(string(level)))
	if raw == "warning" {
		raw = "warn"
	}
	parsed, err := zerolog.ParseLevel(raw)
	if err != nil || raw == "" || parsed < zerolog.DebugLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForWorker returns a component logger that also names the worker instance.
func ForWorker(component, workerID string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("worker_id", workerID).
		Logger()
}
