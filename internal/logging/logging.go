// Package logging wires the structured logger shared by every package in
// this module.
//
// All packages accept a [Logger] via a WithLogger option. A nil Logger is
// valid, and disables logging, as the logiface builder chain is nil-safe.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the generic logiface logger type used throughout the module.
type Logger = logiface.Logger[logiface.Event]

var (
	defaultLogger struct {
		sync.RWMutex
		logger *Logger
		set    bool
	}
)

// New builds a JSON lines logger writing to w, at the given level.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(`time`),
			stumpy.WithLevelField(`lvl`),
		),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Default returns the logger used when no WithLogger option is provided.
// Until SetDefault is called, it writes warnings and above to stderr.
func Default() *Logger {
	defaultLogger.RLock()
	if defaultLogger.set {
		l := defaultLogger.logger
		defaultLogger.RUnlock()
		return l
	}
	defaultLogger.RUnlock()

	defaultLogger.Lock()
	defer defaultLogger.Unlock()
	if !defaultLogger.set {
		defaultLogger.logger = New(os.Stderr, logiface.LevelWarning)
		defaultLogger.set = true
	}
	return defaultLogger.logger
}

// SetDefault replaces the default logger. Passing nil disables default
// logging entirely.
func SetDefault(logger *Logger) {
	defaultLogger.Lock()
	defer defaultLogger.Unlock()
	defaultLogger.logger = logger
	defaultLogger.set = true
}

// Discard returns a logger that drops every event, but still evaluates the
// builder chain, which is useful in tests.
func Discard() *Logger {
	return New(io.Discard, logiface.LevelTrace)
}

// ParseLevel maps the syslog keywords used by logiface.Level.String, plus a
// few common aliases, back to a level.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case `disabled`, `off`, `none`:
		return logiface.LevelDisabled, nil
	case `emerg`, `emergency`:
		return logiface.LevelEmergency, nil
	case `alert`:
		return logiface.LevelAlert, nil
	case `crit`, `critical`:
		return logiface.LevelCritical, nil
	case `err`, `error`:
		return logiface.LevelError, nil
	case `warning`, `warn`:
		return logiface.LevelWarning, nil
	case `notice`:
		return logiface.LevelNotice, nil
	case `info`, `informational`, ``:
		return logiface.LevelInformational, nil
	case `debug`:
		return logiface.LevelDebug, nil
	case `trace`:
		return logiface.LevelTrace, nil
	}
	return logiface.LevelDisabled, fmt.Errorf(`logging: unknown level %q`, s)
}

// Limited gates repeated diagnostics per category, e.g. "dropped send on
// connection 3", so a misbehaving peer cannot flood the log.
type Limited struct {
	limiter *catrate.Limiter
}

// NewLimited allows burst events per category within window.
func NewLimited(window time.Duration, burst int) *Limited {
	return &Limited{limiter: catrate.NewLimiter(map[time.Duration]int{window: burst})}
}

// Allow reports whether an event in category may be logged now.
// A nil receiver allows everything.
func (x *Limited) Allow(category any) bool {
	if x == nil {
		return true
	}
	_, ok := x.limiter.Allow(category)
	return ok
}
