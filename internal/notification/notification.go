// Package notification delivers operational alerts to administrators.
// Delivery is best-effort: failures are logged and counted, never returned
// to the request path.
package notification

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/real-rm/chatgateway/internal/metrics"
)

// Level is the severity of a notice
type Level string

const (
	LevelError Level = "error"
	LevelInfo  Level = "info"
)

// Alert describes one operational failure
type Alert struct {
	// Message is a short human readable summary
	Message string
	// Context names where the failure happened, e.g. "Message Handler"
	Context string
	// Err is the underlying error, if any
	Err error
	// Time defaults to the dispatch time
	Time time.Time
}

// Alerter is the alerting collaborator used by the gateway
type Alerter interface {
	NotifyError(ctx context.Context, alert Alert)
	NotifyInfo(ctx context.Context, message string)
}

// Sink delivers a notice to one channel
type Sink interface {
	Name() string
	Deliver(ctx context.Context, level Level, alert Alert) error
}

// Dispatcher fans alerts out to every sink, dropping alerts beyond the
// configured rate
type Dispatcher struct {
	sinks   []Sink
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. perMinute <= 0 disables flood control.
func NewDispatcher(logger *slog.Logger, perMinute int, sinks ...Sink) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	// No else needed: optional operation (flood control)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Dispatcher{
		sinks:   sinks,
		limiter: limiter,
		logger:  logger.With("component", "notification"),
		now:     time.Now,
	}
}

// NotifyError sends an error alert to every sink
func (d *Dispatcher) NotifyError(ctx context.Context, alert Alert) {
	d.dispatch(ctx, LevelError, alert)
}

// NotifyInfo sends an informational notice to every sink
func (d *Dispatcher) NotifyInfo(ctx context.Context, message string) {
	d.dispatch(ctx, LevelInfo, Alert{Message: message})
}

func (d *Dispatcher) dispatch(ctx context.Context, level Level, alert Alert) {
	// No else needed: early return pattern (guard clause)
	if !d.limiter.Allow() {
		metrics.AlertsDropped.WithLabelValues("flood").Inc()
		d.logger.Warn("Alert suppressed by flood control", "message", alert.Message, "context", alert.Context)
		return
	}
	// No else needed: optional operation (default timestamp)
	if alert.Time.IsZero() {
		alert.Time = d.now()
	}

	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, level, alert); err != nil {
			metrics.AlertsDropped.WithLabelValues("delivery").Inc()
			d.logger.Warn("Failed to deliver alert", "sink", sink.Name(), "error", err)
			continue
		}
		metrics.AlertsSent.WithLabelValues(sink.Name()).Inc()
	}
}

// LogSink writes alerts to the structured log
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "alert")}
}

// Name returns the sink name
func (s *LogSink) Name() string { return "log" }

// Deliver logs the alert
func (s *LogSink) Deliver(ctx context.Context, level Level, alert Alert) error {
	attrs := []any{"context", alert.Context, "time", alert.Time}
	if alert.Err != nil {
		attrs = append(attrs, "error", alert.Err)
	}
	if level == LevelError {
		s.logger.ErrorContext(ctx, alert.Message, attrs...)
	} else {
		s.logger.InfoContext(ctx, alert.Message, attrs...)
	}
	return nil
}

// Nop discards every alert
type Nop struct{}

func (Nop) NotifyError(context.Context, Alert)  {}
func (Nop) NotifyInfo(context.Context, string) {}
