package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"example.com/vigil/internal/config"
)

// LogFields carries structured context attached to a single log event.
type LogFields map[string]interface{}

// Logger wraps a zerolog.Logger and owns the optional log file.
type Logger struct {
	zl     zerolog.Logger
	output io.WriteCloser
}

// NewLogger creates a Logger from the logging configuration. File targets
// are opened in append mode; "stderr" and "stdout" use the process streams.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	var output io.WriteCloser
	switch {
	case cfg.Target == "stdout":
		output = os.Stdout
	case cfg.Target == "" || cfg.Target == "stderr":
		output = os.Stderr
	case config.IsFilePath(cfg.Target):
		file, err := os.OpenFile(cfg.Target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Target, err)
		}
		output = file
	default:
		return nil, fmt.Errorf("invalid log target: %s", cfg.Target)
	}

	zl := zerolog.New(output).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger()

	return &Logger{zl: zl, output: output}, nil
}

// NewTestLogger returns a logger writing to the given writer, for tests.
func NewTestLogger(w io.Writer) *Logger {
	return &Logger{zl: zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()}
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelInfo:
		return zerolog.InfoLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		for k, v := range f {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	l.emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.emit(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	l.emit(l.zl.Error(), msg, fields)
}

// Access emits the per-request access line. The admission-gate wait is only
// included once it exceeds a second; short waits are noise.
func (l *Logger) Access(method, target, peer, user, agent string, status int, gateWait, elapsed time.Duration) {
	ev := l.zl.Info().
		Str("method", method).
		Str("target", target).
		Str("peer", peer).
		Str("user", user).
		Str("agent", agent).
		Int("status", status).
		Dur("took", elapsed)
	if gateWait >= time.Second {
		ev = ev.Dur("waited_on_gate", gateWait)
	}
	ev.Msg("request")
}

// Close releases a file-backed log target. Standard streams are left open.
func (l *Logger) Close() error {
	if l.output == nil || l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	return l.output.Close()
}
