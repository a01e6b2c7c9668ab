package looper

import (
	"sync"

	"github.com/joeycumines/go-osbridge/internal/logging"
)

// Package-level logger, shared by every Looper and Handler, as both are
// usually created deep inside other components.
var (
	globalLogger struct {
		sync.RWMutex
		logger *logging.Logger
		set    bool
	}
)

// SetLogger sets the logger used by this package. A nil logger disables
// logging. Until called, logging.Default is used.
func SetLogger(logger *logging.Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
	globalLogger.set = true
}

func getLogger() *logging.Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	if globalLogger.set {
		return globalLogger.logger
	}
	return logging.Default()
}
