// Package monitoring owns the shared logrus logger used across the model pipeline.
package monitoring

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Logger returns the package-level logger. Components that accept a nil
// *logrus.Logger fall back to this one.
func Logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the package logger. Passing nil installs a logger that
// discards everything, which is what tests usually want.
func SetLogger(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = logrus.New()
		l.SetOutput(io.Discard)
	}
	logger = l
}

// Or returns l when non-nil and the package logger otherwise.
func Or(l *logrus.Logger) *logrus.Logger {
	if l != nil {
		return l
	}
	return Logger()
}

// Configure applies a level name ("debug", "info", ...) and a format
// ("text" or "json") to the package logger.
func Configure(level, format string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	l := Logger()
	l.SetLevel(lvl)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return &FormatError{Format: format}
	}
	return nil
}

// FormatError reports an unknown log format name.
type FormatError struct {
	Format string
}

func (e *FormatError) Error() string {
	return "unknown log format " + `"` + e.Format + `"` + " (want text or json)"
}
