// Package logging configures the process-wide zerolog logger and hands out
// component and session scoped child loggers.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string
	Output     io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		TimeFormat: time.RFC3339,
	}
}

// Init replaces the global logger. Unknown levels fall back to info.
func Init(cfg Config) {
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stderr
	if cfg.Output != nil {
		output = cfg.Output
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.Kitchen,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Logger()
}

func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithSession tags a component logger with the identifiers of one recorded visit.
func WithSession(component, companyID, visitSessionID, transcriptionSessionID string) zerolog.Logger {
	ctx := log.With().Str("component", component)
	if companyID != "" {
		ctx = ctx.Str("companyId", companyID)
	}
	if visitSessionID != "" {
		ctx = ctx.Str("visitSessionId", visitSessionID)
	}
	if transcriptionSessionID != "" {
		ctx = ctx.Str("transcriptionSessionId", transcriptionSessionID)
	}
	return ctx.Logger()
}
