package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const defaultAlertSubject = "warden.alerts"

// NATSChannel publishes alerts as JSON messages for downstream consumers
// (SOAR pipelines, archival, dashboards).
type NATSChannel struct {
	conn    *nats.Conn
	subject string
}

// NewNATSChannel connects to the given NATS URL. subject defaults to
// warden.alerts when empty.
func NewNATSChannel(url, subject string) (*NATSChannel, error) {
	if subject == "" {
		subject = defaultAlertSubject
	}
	conn, err := nats.Connect(url, nats.Name("warden-alerts"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSChannel{conn: conn, subject: subject}, nil
}

// Name implements Channel.
func (c *NATSChannel) Name() string { return "nats" }

type natsAlert struct {
	DetectionID string  `json:"detection_id"`
	Severity    string  `json:"severity"`
	Score       float64 `json:"score"`
	Process     string  `json:"process"`
	Command     string  `json:"command"`
	Timestamp   int64   `json:"timestamp"`
}

// Send implements Channel.
func (c *NATSChannel) Send(ctx context.Context, a Alert) error {
	msg := natsAlert{
		DetectionID: a.Detection.ID,
		Severity:    a.Severity,
		Score:       a.Detection.MaliciousScore,
		Timestamp:   a.Detection.Timestamp.Unix(),
	}
	if a.Event != nil {
		msg.Process = a.Event.ProcessName
		msg.Command = truncateCommand(a.Event.CommandLine)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode nats alert: %w", err)
	}
	if err := c.conn.Publish(c.subject, payload); err != nil {
		return fmt.Errorf("publish nats alert: %w", err)
	}
	return nil
}

// Close drains the connection.
func (c *NATSChannel) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
