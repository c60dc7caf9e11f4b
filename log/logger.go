// Package log provides a category aware logger built on top of logrus.
package log

import (
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger and tags every entry with a category.
// Entries whose category doesn't match the category filter are dropped.
type Logger struct {
	*logrus.Logger

	mu             sync.Mutex
	lastLogCall    int64
	debugOverride  bool
	categoryFilter *regexp.Regexp
}

// NewNullLogger returns a logger that discards everything. Useful in tests.
func NewNullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(l, false, nil)
}

// New creates a new logger.
func New(logger *logrus.Logger, debugOverride bool, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		Logger:         logger,
		debugOverride:  debugOverride,
		categoryFilter: categoryFilter,
	}
}

func (l *Logger) Tracef(category string, msg string, args ...any) {
	l.Logf(logrus.TraceLevel, category, msg, args...)
}

func (l *Logger) Debugf(category string, msg string, args ...any) {
	l.Logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Errorf(category string, msg string, args ...any) {
	l.Logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) Infof(category string, msg string, args ...any) {
	l.Logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category string, msg string, args ...any) {
	l.Logf(logrus.WarnLevel, category, msg, args...)
}

// Logf logs a message at the given level under category.
func (l *Logger) Logf(level logrus.Level, category string, msg string, args ...any) {
	if l == nil || l.Logger == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// don't log if the current log level isn't in the required level.
	if l.GetLevel() < level && !l.debugOverride {
		return
	}
	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)
	elapsed := now - l.lastLogCall
	if now == elapsed {
		elapsed = 0
	}
	defer func() {
		l.lastLogCall = now
	}()

	entry := l.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  fmt.Sprintf("%d ms", elapsed),
	})
	if l.GetLevel() < level && l.debugOverride {
		entry.Printf(msg, args...)
		return
	}
	entry.Logf(level, msg, args...)
}

// SetLevel sets the logger level from a level string.
// Accepted values are the logrus level names.
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", level, err)
	}
	l.Logger.SetLevel(pl)
	return nil
}

// SetCategoryFilter compiles filter and only lets matching categories through.
// An empty filter removes the restriction.
func (l *Logger) SetCategoryFilter(filter string) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if filter == "" {
		l.categoryFilter = nil
		return nil
	}
	if l.categoryFilter, err = regexp.Compile(filter); err != nil {
		return fmt.Errorf("compiling category filter %q: %w", filter, err)
	}
	return nil
}

// DebugMode returns true if the logger level is set to Debug or higher.
func (l *Logger) DebugMode() bool {
	return l.GetLevel() >= logrus.DebugLevel
}
