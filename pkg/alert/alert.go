// Package alert delivers high-confidence detections to analyst-facing
// channels. Channels are registered on a dispatcher; delivery failures are
// logged and never surface to the scoring path.
package alert

import (
	"context"

	"github.com/lucid-vigil/warden/pkg/model"
)

// Severity bands over the fused malicious score.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"

	criticalThreshold = 0.95
	highThreshold     = 0.85
)

// Alerts truncate the offending command line so channel payloads stay small.
const commandDisplayLimit = 500

// Alert is one outbound notification.
type Alert struct {
	Detection *model.Detection
	Event     *model.Event
	Severity  string
}

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// SeverityFor maps a malicious score to its band.
func SeverityFor(score float64) string {
	switch {
	case score >= criticalThreshold:
		return SeverityCritical
	case score >= highThreshold:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func truncateCommand(s string) string {
	if len(s) <= commandDisplayLimit {
		return s
	}
	return s[:commandDisplayLimit] + "..."
}
