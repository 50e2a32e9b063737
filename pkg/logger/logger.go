package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level represents logging level
type Level = zerolog.Level

// Logger levels
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config holds logger configuration
type Config struct {
	Level      Level
	TimeFormat string
	Output     io.Writer
	// JSON disables the console writer.
	JSON bool
}

// Logger wraps zerolog.Logger
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new logger instance
func NewLogger(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{
			Level:      InfoLevel,
			TimeFormat: time.RFC3339,
			Output:     os.Stdout,
		}
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var output io.Writer = cfg.Output
	if !cfg.JSON {
		output = zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	logger := zerolog.New(output).
		Level(cfg.Level).
		With().
		Timestamp().
		Caller().
		Logger()

	return &Logger{zl: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// ParseLevel maps a level name to a Level, falling back to info.
func ParseLevel(name string) Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || lvl == zerolog.NoLevel {
		return InfoLevel
	}
	return lvl
}

// WithContext adds the request and session IDs carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	rid, _ := ctx.Value(RequestIDKey{}).(string)
	sid, _ := ctx.Value(SessionIDKey{}).(string)
	if rid == "" && sid == "" {
		return l
	}
	zc := l.zl.With()
	if rid != "" {
		zc = zc.Str("request_id", rid)
	}
	if sid != "" {
		zc = zc.Str("session_id", sid)
	}
	return &Logger{zl: zc.Logger()}
}

// WithFields adds fields to logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger()}
}

// Zerolog exposes the underlying logger for packages that take a zerolog.Logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.zl.Info().Fields(fields).Msg(msg)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.zl.Warn().Fields(fields).Msg(msg)
}

func (l *Logger) Error(err error, msg string, fields ...interface{}) {
	l.zl.Error().Err(err).Fields(fields).Msg(msg)
}

func (l *Logger) Fatal(err error, msg string, fields ...interface{}) {
	l.zl.Fatal().Err(err).Fields(fields).Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.zl.Debug().Fields(fields).Msg(msg)
}

// RequestIDKey is the context key the request ID middleware stores the ID under.
type RequestIDKey struct{}

// SessionIDKey is the context key for the intake session serving a request.
type SessionIDKey struct{}
