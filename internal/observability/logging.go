package observability

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	sinkOnce sync.Once
	sink     io.Writer = os.Stdout
)

// logSink returns stdout, teed into a rotating file when LEND_LOG_FILE is set.
// The file rotates at LEND_LOG_MAX_SIZE_MB (default 100) and keeps
// LEND_LOG_MAX_BACKUPS old files (default 5).
func logSink() io.Writer {
	sinkOnce.Do(func() {
		path := os.Getenv("LEND_LOG_FILE")
		if path == "" {
			return
		}
		sink = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    intFromEnv("LEND_LOG_MAX_SIZE_MB", 100),
			MaxBackups: intFromEnv("LEND_LOG_MAX_BACKUPS", 5),
			MaxAge:     28,
			Compress:   true,
		})
	})
	return sink
}

// NewLogger creates a structured JSON logger.
// Production default: info. Set via LEND_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	level := parseLogLevel(os.Getenv("LEND_LOG_LEVEL"))
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logSink()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
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
	default:
		return zerolog.InfoLevel
	}
}

func intFromEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func init() {
	// RFC3339 with sub-second precision
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
