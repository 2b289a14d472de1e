package proxy

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLogLevel converts a LOG_LEVEL string to a zerolog level.
// Valid levels: DEBUG, INFO, WARNING, ERROR, CRITICAL.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "CRITICAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetupLogging configures the global logger. Logs go to stderr as JSON,
// one object per line, with millisecond durations. Code running outside a
// request scope falls back to this logger through zerolog.Ctx.
func SetupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = true
	zerolog.SetGlobalLevel(ParseLogLevel(level))
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
}
