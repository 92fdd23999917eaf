// Package log provides structured logging utilities for the dialer.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
	Version string    // optional build version attached to every log entry
}

var (
	mu   sync.Mutex
	base zerolog.Logger
	configured bool
)

// Configure initialises the global zerolog logger. The first call wins unless
// a later call supplies an explicit level or output (daemon re-configures
// after loading config).
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if configured && cfg.Level == "" && cfg.Output == nil {
		return
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	} else if env := os.Getenv("DIALER_LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}

	service := cfg.Service
	if service == "" {
		service = "dialerd"
	}

	ctx := zerolog.New(writer).With().
		Timestamp().
		Str("service", service)
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	base = ctx.Logger()
	configured = true
}

func logger() zerolog.Logger {
	mu.Lock()
	ok := configured
	mu.Unlock()
	if !ok {
		Configure(Config{})
	}
	mu.Lock()
	defer mu.Unlock()
	return base
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	return logger()
}

// L is shorthand for Base.
func L() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}
