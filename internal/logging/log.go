// Package logging configures the process-wide logrus logger.
//
// Components take a logrus.FieldLogger so tests can pass their own; when none
// is given they fall back to Base().
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var baseLogger = newLogger(os.Stderr)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Base returns the base logger.
func Base() *logrus.Logger {
	return baseLogger
}

// Init sets level ("debug", "info", ...) and format ("text" or "json").
func Init(level, format string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	baseLogger.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		baseLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		baseLogger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// OrBase returns log, or the base logger when log is nil.
func OrBase(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return baseLogger
	}
	return log
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	return newLogger(io.Discard)
}
