package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the level and an optional rotated file sink.
type LogConfig struct {
	Level      string
	File       string // empty: stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var logOutput io.Writer = os.Stdout

// ConfigureLogging installs the process-wide log level and sink.
// Call once at startup before creating component loggers.
func ConfigureLogging(cfg LogConfig) {
	zerolog.SetGlobalLevel(parseLogLevel(cfg.Level))

	if cfg.File == "" {
		logOutput = os.Stdout
		return
	}
	logOutput = zerolog.MultiLevelWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}

// NewLogger creates a structured JSON logger tagged with its component.
func NewLogger(component string) zerolog.Logger {
	return zerolog.New(logOutput).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return NewLogger(component).Level(level)
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	// RFC3339 with sub-second precision
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
