package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BurstCorrelator watches recorded detections and raises an escalated alert
// when one host or user accumulates several malicious verdicts inside a time
// window. Single detections already alert on their own; this catches the
// slow drip that stays under the per-event alert threshold.
type BurstCorrelator struct {
	window    time.Duration
	threshold int
	recent    []correlatedDetection
	mu        sync.Mutex
	logger    zerolog.Logger
	bus       *Bus
}

type correlatedDetection struct {
	timestamp time.Time
	user      string
	score     float64
}

// NewBurstCorrelator subscribes a correlator to the bus. threshold is the
// number of malicious detections per user within window that triggers an
// escalation (3 when non-positive).
func NewBurstCorrelator(logger zerolog.Logger, bus *Bus, window time.Duration, threshold int) *BurstCorrelator {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	c := &BurstCorrelator{
		window:    window,
		threshold: threshold,
		logger:    logger.With().Str("component", "burst_correlator").Logger(),
		bus:       bus,
	}
	if bus != nil {
		bus.Subscribe(c)
	}
	return c
}

// GetEventTypes implements Handler.
func (c *BurstCorrelator) GetEventTypes() []EventType {
	return []EventType{EventDetectionRecorded}
}

// Handle implements Handler. Only malicious detections count toward a burst.
func (c *BurstCorrelator) Handle(ctx context.Context, event BusEvent) error {
	if event.Detection == nil || !event.Detection.IsMalicious {
		return nil
	}

	user := ""
	if event.Source != nil {
		user = event.Source.User
	}

	c.mu.Lock()
	now := time.Now()
	c.recent = append(c.recent, correlatedDetection{
		timestamp: now,
		user:      user,
		score:     event.Detection.MaliciousScore,
	})

	cutoff := now.Add(-c.window)
	kept := c.recent[:0]
	count := 0
	maxScore := 0.0
	for _, d := range c.recent {
		if d.timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, d)
		if d.user == user {
			count++
			if d.score > maxScore {
				maxScore = d.score
			}
		}
	}
	c.recent = kept
	triggered := count >= c.threshold
	if triggered {
		// Reset the user's streak so one burst raises one escalation.
		withoutUser := c.recent[:0]
		for _, d := range c.recent {
			if d.user != user {
				withoutUser = append(withoutUser, d)
			}
		}
		c.recent = withoutUser
	}
	c.mu.Unlock()

	if !triggered {
		return nil
	}

	c.logger.Warn().
		Str("user", user).
		Int("count", count).
		Dur("window", c.window).
		Msg("Malicious detection burst, escalating")

	return c.bus.Publish(ctx, BusEvent{
		Type:      EventDetectionAlert,
		Detection: event.Detection,
		Source:    event.Source,
		Data: map[string]interface{}{
			"correlation": "malicious_burst",
			"count":       count,
			"window_sec":  int(c.window.Seconds()),
			"max_score":   maxScore,
		},
	})
}
