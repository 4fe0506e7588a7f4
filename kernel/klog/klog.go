// Package klog provides the kernel's structured logger. A single
// process-wide zap logger is configured once at boot; kernel modules
// obtain named sub-loggers through L so every line carries the module
// that emitted it.
package klog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root *zap.SugaredLogger
)

func init() {
	root = zap.NewNop().Sugar()
}

// Options control how the boot logger is built.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string

	// JSON switches the encoder from console to JSON output.
	JSON bool
}

// Init builds the process-wide logger. It is called once during boot;
// calling it again replaces the previous logger (used by tests).
func Init(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return err
		}
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	if opts.JSON {
		cfg.Encoding = "json"
		cfg.EncoderConfig = zap.NewProductionEncoderConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	root = logger.Sugar()
	mu.Unlock()
	return nil
}

// Silence discards all log output. Used by tests that exercise noisy
// failure paths.
func Silence() {
	mu.Lock()
	root = zap.NewNop().Sugar()
	mu.Unlock()
}

// L returns a named sub-logger for the given kernel module.
func L(module string) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(module)
}
