// Package logger provides the structured logger used across the application.
// It is a thin facade over zerolog so components depend on a stable API
// rather than on the backend directly.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json or console
	Output     string `yaml:"output"`      // stdout, stderr, or file
	FilePrefix string `yaml:"file_prefix"` // used when Output is file
}

// Logger wraps a zerolog logger with field chaining.
type Logger struct {
	z zerolog.Logger
}

// New builds a logger from config.
func New(cfg LoggingConfig) (*Logger, error) {
	var out io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "contribtracker"
		}
		name := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102"))
		f, err := os.OpenFile(filepath.Clean(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	z := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{z: z}, nil
}

// NewDefault returns an info-level JSON logger tagged with a component name.
// Components use it when no logger is injected.
func NewDefault(component string) *Logger {
	z := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{z: z}
}

// WithField returns a logger carrying an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{z: l.z.With().Interface(key, value).Logger()}
}

// WithError returns a logger carrying an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{z: l.z.With().AnErr("error", err).Logger()}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{z: l.z.With().Str("component", name).Logger()}
}

func (l *Logger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.z.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.z.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.z.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.z.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.z.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.z.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.z.Error().Msgf(format, args...) }
