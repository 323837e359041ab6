// Package logger provides leveled structured logging backed by zerolog, with
// optional size-based file rotation.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the default logger.
type Options struct {
	Level  string
	Format string // "text" or "json"
	// File enables a rotated log file in addition to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var defaultLogger *zerolog.Logger

// Init initializes the default logger.
func Init(opts Options) {
	var out io.Writer = os.Stderr
	if strings.ToLower(opts.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err == nil {
			out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   true,
			})
		}
	}

	SetOutput(out, opts.Level)
}

// SetOutput points the default logger at w.
func SetOutput(w io.Writer, level string) {
	l := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
	defaultLogger = &l
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug logs a formatted message at debug level.
func Debug(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

// Info logs at info level.
func Info(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info().Msg(fmt.Sprintf(format, args...))
	}
}

// Warn logs at warn level.
func Warn(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Error logs at error level.
func Error(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error().Msg(fmt.Sprintf(format, args...))
	}
}

// Fatal logs the message and exits with status 1.
func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if defaultLogger != nil {
		defaultLogger.WithLevel(zerolog.FatalLevel).Msg(msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(1)
}
