package util

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/real-rm/chatgateway/internal/metrics"
)

// SafeGo launches a goroutine with panic recovery.
// If the goroutine panics, the panic is recovered, logged, and the panic metric is incremented.
// This prevents a single goroutine panic from crashing the entire process.
func SafeGo(logger *slog.Logger, component string, fn func()) {
	go func() {
		defer Recover(logger, component)
		fn()
	}()
}

// Recover is the deferred half of SafeGo, usable on goroutines the caller starts itself
func Recover(logger *slog.Logger, component string) {
	if r := recover(); r != nil {
		logger.Error("Panic recovered in goroutine",
			"component", component,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
		metrics.GoroutinePanics.WithLabelValues(component).Inc()
	}
}
