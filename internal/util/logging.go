package util

import (
	"fmt"
	"log/slog"
)

// LogError logs an error with component and operation context.
//
// Example:
//
//	LogError(logger, "router", "append message", err, "chat_id", chatID)
func LogError(logger *slog.Logger, component, operation string, err error, fields ...any) {
	allFields := []any{"error", err, "component", component}
	allFields = append(allFields, fields...)
	logger.Error(fmt.Sprintf("Failed to %s", operation), allFields...)
}
