package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds the process logger, sets the global level and installs it as the
// global zerolog logger. format "json" writes structured lines, anything else
// writes to the console.
func New(level, format string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLogLevel(level))
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if strings.EqualFold(format, "json") {
		out = os.Stderr
	}

	logger := zerolog.New(out).
		With().
		Timestamp().
		Str("service", "tenant-client-manager").
		Logger()
	log.Logger = logger
	return logger
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
