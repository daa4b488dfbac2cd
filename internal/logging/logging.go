// Package logging builds the process logger: slog with a JSON or text
// handler on stdout, optionally teed into a rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/real-rm/chatgateway/internal/config"
)

// FileName is the log file written under LogConfig.Dir
const FileName = "chatgateway.log"

// redactedKeys are attribute keys whose values never reach the output
var redactedKeys = map[string]bool{
	"token":          true,
	"authorization":  true,
	"jwt_secret":     true,
	"api_key":        true,
	"password":       true,
	"telegram_token": true,
}

// Logger bundles the slog logger with the file it may write to
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// Close flushes and closes the log file, if any
func (l *Logger) Close() error {
	// No else needed: early return pattern (guard clause)
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New builds a logger from cfg writing to stdout
func New(cfg config.LogConfig) (*Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter builds a logger from cfg writing to out and, when cfg.Dir is
// set, to a size-rotated file in that directory
func NewWithWriter(cfg config.LogConfig, out io.Writer) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, err
	}

	var file *lumberjack.Logger
	writer := out
	// No else needed: optional operation (file output)
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, FileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writer = io.MultiWriter(out, file)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	return &Logger{
		Logger: slog.New(handler).With("service", "chatgateway"),
		file:   file,
	}, nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	// No else needed: only sensitive keys are rewritten
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "***")
	}
	return a
}
