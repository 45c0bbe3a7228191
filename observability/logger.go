package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// InitLogger builds the process logger. Pretty selects the console writer
// for local runs; otherwise lines are JSON.
func InitLogger(app, level string, pretty bool) zerolog.Logger {
	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("app", app).
		Logger()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
