package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. It is a no-op until Init
// runs; cmd/pve-flasharray wires Init via cobra.OnInitialize before
// any subcommand executes.
var Logger = zerolog.Nop()

// Level selects the minimum severity emitted.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config selects level, format, and destination.
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stderr. Stdout is reserved for the values the
	// host platform parses out of a subcommand (a device path, a volume
	// name), so log lines must never land there.
	Output io.Writer
}

// Init configures the root logger. Safe to call again (e.g. from a
// test) to redirect output.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerologLevel())

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the emitting
// component ("arrayclient", "devresolver", ...), the one field every
// log line in this module carries.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// With returns a child logger carrying one extra string field, for
// call sites that want a scoped logger without a full builder chain.
func With(field, value string) zerolog.Logger {
	return Logger.With().Str(field, value).Logger()
}
