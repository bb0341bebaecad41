// Package logging sets up the zerolog loggers used across the gateway.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "METERGW_LOG_LEVEL"
	EnvLogNoColor = "METERGW_LOG_NOCOLOR"
)

type Options struct {
	Output  io.Writer
	Console bool
	NoColor bool
}

// New builds the process logger tagged with app and installs it as the
// zerolog global logger.
func New(app string, opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor,
		}
	}
	logger := zerolog.New(out).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component derives a logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// SetLevel changes the global level. A level pinned through the environment
// wins over the requested one.
func SetLevel(level zerolog.Level) zerolog.Level {
	if pinned, ok := EnvLevel(); ok {
		level = pinned
	}
	zerolog.SetGlobalLevel(level)
	return level
}

// EnvLevel reports the level pinned via METERGW_LOG_LEVEL, if any.
func EnvLevel() (zerolog.Level, bool) {
	return ParseLevel(os.Getenv(EnvLogLevel))
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
