// Package corelog provides the structured logger shared by every
// subsystem of the management core.
package corelog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide zerolog instance. Components obtain a
// scoped child via WithComponent rather than writing to this directly.
var Logger zerolog.Logger

// Level mirrors the handful of levels operators are expected to set.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Call once at process startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the owning subsystem.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithOperationID tags a logger with the operation it is narrating.
func WithOperationID(operationID string) zerolog.Logger {
	return Logger.With().Str("operation_id", operationID).Logger()
}

// WithDepotID tags a logger with the depot under processing.
func WithDepotID(depotID uint32) zerolog.Logger {
	return Logger.With().Uint32("depot_id", depotID).Logger()
}

// WithService tags a logger with a cache service/scope name.
func WithService(service string) zerolog.Logger {
	return Logger.With().Str("service", service).Logger()
}

func init() {
	// Sane default so packages that log before Init (tests, early
	// CLI parsing errors) don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel})
}
