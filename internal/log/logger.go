// SPDX-License-Identifier: MIT

// Package log provides structured logging for the reliability core.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultService = "reliabilityd"

// Config captures options for configuring the global logger. Zero fields
// fall back to the LOG_LEVEL and LOG_SERVICE environment variables.
type Config struct {
	Level   string    // log level ("debug", "info", ...)
	Output  io.Writer // defaults to os.Stdout
	Service string    // service name attached to every entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger. The first call wins; later
// calls are no-ops so components can log before main finishes wiring.
func Configure(cfg Config) {
	once.Do(func() {
		zerolog.SetGlobalLevel(resolveLevel(cfg.Level))
		zerolog.TimeFieldFormat = time.RFC3339

		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		base = zerolog.New(out).With().
			Timestamp().
			Str("service", resolveService(cfg.Service)).
			Logger()
	})
}

func resolveLevel(level string) zerolog.Level {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

func resolveService(service string) string {
	if service == "" {
		service = os.Getenv("LOG_SERVICE")
	}
	if service == "" {
		service = defaultService
	}
	return service
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}
