package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

// NewSlackChannel builds the channel for one webhook URL.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Channel.
func (c *SlackChannel) Name() string { return "slack" }

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Send implements Channel.
func (c *SlackChannel) Send(ctx context.Context, a Alert) error {
	color := "#439FE0"
	switch a.Severity {
	case SeverityCritical:
		color = "danger"
	case SeverityHigh:
		color = "warning"
	}

	process, command := "unknown", ""
	if a.Event != nil {
		process = a.Event.ProcessName
		command = truncateCommand(a.Event.CommandLine)
	}

	payload := slackPayload{
		Text: fmt.Sprintf(":rotating_light: %s detection: %s", a.Severity, process),
		Attachments: []slackAttachment{{
			Color: color,
			Fields: []slackField{
				{Title: "Score", Value: fmt.Sprintf("%.3f", a.Detection.MaliciousScore), Short: true},
				{Title: "Severity", Value: a.Severity, Short: true},
				{Title: "Detection ID", Value: a.Detection.ID, Short: true},
				{Title: "Command", Value: command, Short: false},
			},
			Footer: "warden",
			Ts:     a.Detection.Timestamp.Unix(),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
