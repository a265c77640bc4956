package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/shineum/smtp-notify-lite/internal/delivery"
)

// Logger wraps zerolog.Logger with application-specific methods
type Logger struct {
	zerolog.Logger
}

// New creates a Logger writing to stderr, leaving stdout to command output.
func New(level string, format string) *Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter creates a Logger writing to w. Unknown levels fall back to
// info; format "text" or "console" selects human-readable output.
func NewWithWriter(w io.Writer, level string, format string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if format == "text" || format == "console" {
		// Human-readable output for development
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}

	return &Logger{Logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
	}
}

// DeliveryResult logs the outcome of one delivery.
func (l *Logger) DeliveryResult(to string, r delivery.Result) {
	if !r.OK() {
		l.Error().
			Str("delivery_id", r.ID).
			Str("to", to).
			Str("reason", string(r.Reason)).
			Err(r.Err).
			Dur("duration", r.Duration).
			Msg("delivery failed")
		return
	}
	l.Info().
		Str("delivery_id", r.ID).
		Str("to", to).
		Bool("dry_run", r.DryRun).
		Dur("duration", r.Duration).
		Msg("delivery succeeded")
}
