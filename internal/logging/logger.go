// Package logging provides structured logging for the sync core.
package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry with the field-map convenience API used
// throughout the codebase.
type Logger struct {
	l *logrus.Logger
}

var (
	global *Logger
	once   sync.Once
)

// Init initializes the global logger. Safe to call more than once; the
// first call wins.
func Init(out io.Writer, level string) {
	once.Do(func() {
		global = newLogger(out, level)
	})
}

func newLogger(out io.Writer, level string) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &Logger{l: l}
}

// Get returns the global logger, initializing a default one if needed.
func Get() *Logger {
	if global == nil {
		Init(logrus.StandardLogger().Out, "info")
	}
	return global
}

// Fields is the context map attached to a log entry.
type Fields = map[string]interface{}

func (lg *Logger) entry(context ...Fields) *logrus.Entry {
	entry := logrus.NewEntry(lg.l)
	for _, c := range context {
		entry = entry.WithFields(logrus.Fields(c))
	}
	return entry
}

// Debug logs a debug message.
func (lg *Logger) Debug(message string, context ...Fields) {
	lg.entry(context...).Debug(message)
}

// Info logs an info message.
func (lg *Logger) Info(message string, context ...Fields) {
	lg.entry(context...).Info(message)
}

// Warn logs a warning message.
func (lg *Logger) Warn(message string, context ...Fields) {
	lg.entry(context...).Warn(message)
}

// Error logs an error message with its cause.
func (lg *Logger) Error(message string, err error, context ...Fields) {
	entry := lg.entry(context...)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// Convenience functions using the global logger.

func Debug(message string, context ...Fields) { Get().Debug(message, context...) }
func Info(message string, context ...Fields)  { Get().Info(message, context...) }
func Warn(message string, context ...Fields)  { Get().Warn(message, context...) }
func Error(message string, err error, context ...Fields) {
	Get().Error(message, err, context...)
}
