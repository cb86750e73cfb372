package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/picatz/dohrelay/internal/config"
)

// Logger wraps slog.Logger with a level that can change after a config
// reload.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New creates a new logger from configuration
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var (
		output io.Writer
		closer io.Closer
	)

	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		output, closer = f, f
	default:
		output = os.Stdout
	}

	logger := NewWithWriter(output, cfg)
	logger.closer = closer

	return logger, nil
}

// NewWithWriter creates a logger writing to w, ignoring cfg.Output.
func NewWithWriter(w io.Writer, cfg *config.LoggingConfig) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
	}
}

// NewDefault creates a logger with info level, text format and stdout.
func NewDefault() *Logger {
	return NewWithWriter(os.Stdout, &config.LoggingConfig{Level: "info", Format: "text"})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
		level:  new(slog.LevelVar),
	}
}

// SetLevel changes the minimum level of l and every logger derived from
// it with With.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
