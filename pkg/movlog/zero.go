package movlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Zero = NewZeroLogger("", "info", false)

// NewZeroLogger returns a logger writing to the given file, or stdout when
// filepath is empty. Output is JSON unless prettyLogging is set.
func NewZeroLogger(filepath string, logLevel string, prettyLogging bool) *zerolog.Logger {
	out, err := newWriter(filepath)
	if err != nil {
		out = os.Stdout
	}
	if prettyLogging {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).Level(parseLevel(logLevel)).With().Timestamp().Logger()

	return &logger
}

func ReloadLogger(filepath string, logLevel string, prettyLogging bool) {
	Zero = NewZeroLogger(filepath, logLevel, prettyLogging)
}

func UpdateZeroLogLevel(logLevel string) error {
	level := parseLevel(logLevel)
	zeroLogger := Zero.With().Logger().Level(level)
	Zero = &zeroLogger
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "disabled":
		return zerolog.Disabled
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func newWriter(filepath string) (io.Writer, error) {
	if filepath == "" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
