package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with JSON output to stdout.
// It sets the log level based on the provided string (e.g., "info", "debug", "error").
func InitLogger(logLevel string) {
	log.Logger = log.Output(os.Stdout).With().Timestamp().Logger()
	setLevel(logLevel)
	log.Info().Msgf("Logger initialized with level: %s", zerolog.GlobalLevel().String())
}

// InitLoggerWithFile behaves like InitLogger but additionally appends JSON
// log lines to the given file path. The returned closer owns the file handle.
func InitLoggerWithFile(logLevel, logFile string) (io.Closer, error) {
	if logFile == "" {
		InitLogger(logLevel)
		return nil, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logFile, err)
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(os.Stdout, f)).With().Timestamp().Logger()
	setLevel(logLevel)
	log.Info().Str("log_file", logFile).Msgf("Logger initialized with level: %s", zerolog.GlobalLevel().String())
	return f, nil
}

func setLevel(logLevel string) {
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // Default to info if invalid
	}
}
