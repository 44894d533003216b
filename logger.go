package kestrel

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the package's logger. Runtimes built afterwards use
// it unless their RuntimeConfig carries its own.
// It must be called before Logger() is used.
func SetLogger(l *zap.Logger) {
	logger = l
}
