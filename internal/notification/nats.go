package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// MsgPublisher is the part of *nats.Conn used by NATSSink
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes alerts as JSON on a subject so other services can
// consume them
type NATSSink struct {
	conn    MsgPublisher
	subject string
	service string
}

type natsAlert struct {
	Service string    `json:"service"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Context string    `json:"context,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// NewNATSSink creates a NATS sink
func NewNATSSink(conn MsgPublisher, subject, service string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, service: service}
}

// ConnectNATS dials the alert bus
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Name returns the sink name
func (s *NATSSink) Name() string { return "nats" }

// Deliver publishes the alert
func (s *NATSSink) Deliver(_ context.Context, level Level, alert Alert) error {
	payload := natsAlert{
		Service: s.service,
		Level:   level,
		Message: alert.Message,
		Context: alert.Context,
		Time:    alert.Time.UTC(),
	}
	if alert.Err != nil {
		payload.Error = alert.Err.Error()
	}

	data, err := json.Marshal(payload)
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = data
	msg.Header.Set("Alert-Level", string(level))

	// No else needed: early return pattern (guard clause)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}
