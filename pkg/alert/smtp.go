package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPConfig holds mail delivery settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SMTPChannel sends plain-text alert mail.
type SMTPChannel struct {
	cfg  SMTPConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPChannel builds the channel.
func NewSMTPChannel(cfg SMTPConfig) *SMTPChannel {
	return &SMTPChannel{cfg: cfg, send: smtp.SendMail}
}

// Name implements Channel.
func (c *SMTPChannel) Name() string { return "smtp" }

// Send implements Channel.
func (c *SMTPChannel) Send(ctx context.Context, a Alert) error {
	process, command := "unknown", ""
	if a.Event != nil {
		process = a.Event.ProcessName
		command = truncateCommand(a.Event.CommandLine)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&body, "Subject: [%s] Malicious process detected: %s\r\n", a.Severity, process)
	body.WriteString("\r\n")
	fmt.Fprintf(&body, "Detection ID: %s\n", a.Detection.ID)
	fmt.Fprintf(&body, "Score: %.3f\n", a.Detection.MaliciousScore)
	fmt.Fprintf(&body, "Severity: %s\n", a.Severity)
	fmt.Fprintf(&body, "Process: %s\n", process)
	fmt.Fprintf(&body, "Command: %s\n", command)
	if a.Detection.Narrative != "" {
		fmt.Fprintf(&body, "\n%s\n", a.Detection.Narrative)
	}

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	if err := c.send(addr, auth, c.cfg.From, c.cfg.To, []byte(body.String())); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}
	return nil
}
