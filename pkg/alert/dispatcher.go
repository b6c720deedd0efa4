package alert

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/metrics"
	"github.com/lucid-vigil/warden/pkg/model"
)

// Dispatcher holds the registered channels and fans each alert out to all of
// them. It subscribes to the event bus so delivery runs off the scoring path.
type Dispatcher struct {
	channels   map[string]Channel
	suppressor *events.AlertSuppressor
	enabled    bool
	logger     zerolog.Logger
	mu         sync.RWMutex
}

// NewDispatcher creates a dispatcher. suppressor may be nil to disable
// repeat-alert suppression.
func NewDispatcher(enabled bool, suppressor *events.AlertSuppressor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		channels:   make(map[string]Channel),
		suppressor: suppressor,
		enabled:    enabled,
		logger:     logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// Register adds a delivery channel.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.channels[ch.Name()] = ch
	d.logger.Info().Str("channel", ch.Name()).Msg("Alert channel registered")
}

// Notify delivers one detection to every registered channel and reports
// whether at least one delivery succeeded. It never panics and never returns
// an error; channel failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, det *model.Detection, ev *model.Event) bool {
	if !d.enabled {
		d.logger.Debug().Msg("Alerting disabled, skipping notification")
		return false
	}
	if det == nil {
		return false
	}

	if d.suppressor != nil && ev != nil && d.suppressor.ShouldSuppress(ev.ProcessName, ev.CommandLine) {
		metrics.AlertsDelivered.WithLabelValues(metrics.AlertSuppressed).Inc()
		d.logger.Debug().
			Str("process", ev.ProcessName).
			Msg("Repeat alert suppressed")
		return false
	}

	a := Alert{
		Detection: det,
		Event:     ev,
		Severity:  SeverityFor(det.MaliciousScore),
	}

	d.mu.RLock()
	channels := make([]Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		channels = append(channels, ch)
	}
	d.mu.RUnlock()

	if len(channels) == 0 {
		metrics.AlertsDelivered.WithLabelValues(metrics.AlertFailed).Inc()
		d.logger.Warn().Msg("No alert channels registered")
		return false
	}

	delivered := false
	for _, ch := range channels {
		if err := ch.Send(ctx, a); err != nil {
			d.logger.Error().
				Err(err).
				Str("channel", ch.Name()).
				Str("detection_id", det.ID).
				Msg("Alert delivery failed")
			continue
		}
		d.logger.Info().
			Str("channel", ch.Name()).
			Str("detection_id", det.ID).
			Str("severity", a.Severity).
			Msg("Alert delivered")
		delivered = true
	}

	outcome := metrics.AlertFailed
	if delivered {
		outcome = metrics.AlertDelivered
	}
	metrics.AlertsDelivered.WithLabelValues(outcome).Inc()
	return delivered
}

// GetEventTypes implements events.Handler.
func (d *Dispatcher) GetEventTypes() []events.EventType {
	return []events.EventType{events.EventDetectionAlert}
}

// Handle implements events.Handler, delivering bus-carried alerts.
func (d *Dispatcher) Handle(ctx context.Context, event events.BusEvent) error {
	d.Notify(ctx, event.Detection, event.Source)
	return nil
}
