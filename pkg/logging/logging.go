// Package logging configures the two loggers this module's packages use:
// zerolog's global logger (fallbackqueue, retry, degradation, aifallback,
// health) and a log/slog logger (breaker, which is grounded on source
// that already used slog). Both are configured from one LoggerConfig so
// a process wiring this module together gets consistent level and format
// across packages without homogenizing the logger choice itself.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is the minimum severity a configured logger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts the common case-insensitive level names; unrecognized
// input falls back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l LogLevel) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format selects the output encoding for the zerolog writer.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config configures both loggers for one process.
type Config struct {
	Level          LogLevel
	Format         Format
	ServiceName    string
	Environment    string
	ServiceVersion string
}

// DefaultConfig matches the defaults the demo entrypoint boots with.
func DefaultConfig() Config {
	return Config{
		Level:       LevelInfo,
		Format:      FormatJSON,
		ServiceName: "hsi-resilience-core",
		Environment: "development",
	}
}

// Configure sets zerolog's global logger (log.Logger) from cfg and
// returns an slog.Logger configured at the same level, for packages
// grounded on slog-based sources.
func Configure(cfg Config) *slog.Logger {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	var writer = os.Stderr
	var base zerolog.Logger
	if cfg.Format == FormatConsole {
		base = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"})
	} else {
		base = zerolog.New(writer)
	}
	log.Logger = base.With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.slog()}
	var handler slog.Handler
	if cfg.Format == FormatConsole {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(handler).With(
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)
	slog.SetDefault(logger)
	return logger
}
