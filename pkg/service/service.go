// Package service is the detection orchestrator: it takes a validated
// process event through persistence, feature extraction, provider scoring,
// fusion, explanation, and alerting, and answers the read-side queries the
// API exposes.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/warden/pkg/detect"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/explain"
	"github.com/lucid-vigil/warden/pkg/features"
	"github.com/lucid-vigil/warden/pkg/metrics"
	"github.com/lucid-vigil/warden/pkg/model"
	"github.com/lucid-vigil/warden/pkg/store"
)

// Options tune the orchestrator beyond the fusion policy.
type Options struct {
	// AlertThreshold is the score at or above which an alert event is
	// published. Default 0.9.
	AlertThreshold float64
	// RecentMaliciousCount bounds the summary list in Stats. Default 10.
	RecentMaliciousCount int
}

// DefaultOptions returns the stock orchestrator settings.
func DefaultOptions() Options {
	return Options{
		AlertThreshold:       0.9,
		RecentMaliciousCount: 10,
	}
}

// Service wires the scoring pipeline together. All dependencies are
// injected; the explainer and bus may be nil, which disables explanation and
// alerting respectively.
type Service struct {
	store     store.Store
	forest    *detect.Handle
	lstm      *detect.Handle
	policy    detect.FusionPolicy
	explainer *explain.Aggregator
	bus       *events.Bus
	opts      Options
	logger    zerolog.Logger
}

// New builds the orchestrator.
func New(st store.Store, forest, lstm *detect.Handle, policy detect.FusionPolicy, explainer *explain.Aggregator, bus *events.Bus, opts Options, logger zerolog.Logger) *Service {
	if opts.AlertThreshold <= 0 {
		opts.AlertThreshold = 0.9
	}
	if opts.RecentMaliciousCount <= 0 {
		opts.RecentMaliciousCount = 10
	}
	return &Service{
		store:     st,
		forest:    forest,
		lstm:      lstm,
		policy:    policy,
		explainer: explainer,
		bus:       bus,
		opts:      opts,
		logger:    logger.With().Str("component", "detection_service").Logger(),
	}
}

// Submit runs one event through the full pipeline and returns the recorded
// detection. The event is persisted before scoring so a downstream failure
// never loses telemetry; explanation and alerting failures never fail the
// call.
func (s *Service) Submit(ctx context.Context, ev *model.Event) (*model.Detection, error) {
	started := time.Now()
	defer func() {
		metrics.ScoringDuration.Observe(time.Since(started).Seconds())
	}()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := s.store.InsertEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}
	metrics.EventsIngested.Inc()

	f := features.Extract(*ev)
	forestScore := s.providerScore(s.forest, *ev)
	lstmScore := s.providerScore(s.lstm, *ev)

	score, malicious := s.policy.Fuse(forestScore, lstmScore, f)
	if forestScore == 0 && lstmScore == 0 {
		metrics.HeuristicFallbacks.Inc()
	}
	metrics.MaliciousScore.Observe(score)

	verdict := metrics.VerdictBenign
	if malicious {
		verdict = metrics.VerdictMalicious
	}
	metrics.Detections.WithLabelValues(verdict).Inc()

	now := time.Now().UTC()
	det := &model.Detection{
		ID:                uuid.NewString(),
		EventID:           ev.ID,
		Timestamp:         now,
		MaliciousScore:    score,
		RandomForestScore: forestScore,
		LSTMScore:         lstmScore,
		IsMalicious:       malicious,
		Features:          f,
		CreatedAt:         now,
	}

	if err := s.store.InsertDetection(ctx, det); err != nil {
		return nil, fmt.Errorf("persist detection: %w", err)
	}

	s.logger.Info().
		Str("detection_id", det.ID).
		Str("process", ev.ProcessName).
		Float64("score", score).
		Bool("malicious", malicious).
		Msg("Detection recorded")

	s.attachExplanations(ctx, ev, det)
	s.publish(ctx, det, ev)

	det.Event = ev
	return det, nil
}

// providerScore runs one provider. A missing model or a per-call
// failure both resolve to zero, which the fusion policy treats as absent.
func (s *Service) providerScore(h *detect.Handle, ev model.Event) float64 {
	if !h.Available() {
		return 0
	}
	pred, err := h.Predict(ev)
	if err != nil {
		metrics.ProviderFailures.WithLabelValues(h.Name()).Inc()
		s.logger.Warn().
			Err(err).
			Str("provider", h.Name()).
			Msg("Provider prediction failed, treating score as absent")
		return 0
	}
	return pred.Score
}

func (s *Service) attachExplanations(ctx context.Context, ev *model.Event, det *model.Detection) {
	if s.explainer == nil {
		return
	}

	res := s.explainer.ExplainAll(ctx, *ev, det.Features, det.MaliciousScore)
	if res.AttributionErr != "" {
		metrics.ExplainerFailures.WithLabelValues("attribution").Inc()
	}
	if res.SurrogateErr != "" {
		metrics.ExplainerFailures.WithLabelValues("surrogate").Inc()
	}
	if res.NarrativeErr != "" {
		metrics.ExplainerFailures.WithLabelValues("narrative").Inc()
	}

	det.Attribution = res.Attribution
	det.Surrogate = res.Surrogate
	det.Narrative = res.Narrative

	if err := s.store.UpdateDetectionExplanations(ctx, det.ID, res.Attribution, res.Surrogate, res.Narrative); err != nil {
		s.logger.Warn().
			Err(err).
			Str("detection_id", det.ID).
			Msg("Failed to persist explanations")
	}
}

func (s *Service) publish(ctx context.Context, det *model.Detection, ev *model.Event) {
	if s.bus == nil {
		return
	}

	if err := s.bus.Publish(ctx, events.BusEvent{
		Type:      events.EventDetectionRecorded,
		Detection: det,
		Source:    ev,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish detection event")
	}

	if det.MaliciousScore < s.opts.AlertThreshold {
		return
	}
	if err := s.bus.Publish(ctx, events.BusEvent{
		Type:      events.EventDetectionAlert,
		Detection: det,
		Source:    ev,
	}); err != nil {
		s.logger.Warn().Err(err).Str("detection_id", det.ID).Msg("Failed to publish alert event")
	}
}

// GetDetection returns one detection with its source event attached when
// available.
func (s *Service) GetDetection(ctx context.Context, id string) (*model.Detection, error) {
	det, err := s.store.GetDetection(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev, err := s.store.GetEvent(ctx, det.EventID); err == nil {
		det.Event = ev
	}
	return det, nil
}

// ListDetections returns a page of detections newest first.
func (s *Service) ListDetections(ctx context.Context, skip, limit int, maliciousOnly bool) ([]*model.Detection, error) {
	return s.store.ListDetections(ctx, skip, limit, maliciousOnly)
}

// SubmitFeedback records an analyst label on a detection. The label is
// validated before any store write, so a bad label never clears existing
// feedback.
func (s *Service) SubmitFeedback(ctx context.Context, detectionID string, label model.FeedbackLabel, notes string) (*model.Detection, error) {
	if err := label.Validate(); err != nil {
		return nil, err
	}

	fb := model.Feedback{
		DetectionID: detectionID,
		Label:       label,
		Notes:       notes,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.store.UpdateDetectionFeedback(ctx, detectionID, fb); err != nil {
		return nil, err
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.BusEvent{
			Type: events.EventFeedbackReceived,
			Data: map[string]interface{}{
				"detection_id": detectionID,
				"feedback":     string(label),
			},
		}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish feedback event")
		}
	}

	return s.store.GetDetection(ctx, detectionID)
}

// Stats aggregates the store into the dashboard view. Rates guard against
// empty denominators.
func (s *Service) Stats(ctx context.Context) (*model.Stats, error) {
	totalEvents, err := s.store.CountEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	totalDetections, err := s.store.CountDetections(ctx, store.DetectionFilter{})
	if err != nil {
		return nil, fmt.Errorf("count detections: %w", err)
	}
	maliciousCount, err := s.store.CountDetections(ctx, store.DetectionFilter{MaliciousOnly: true})
	if err != nil {
		return nil, fmt.Errorf("count malicious detections: %w", err)
	}
	falsePositives, err := s.store.CountDetections(ctx, store.DetectionFilter{
		Feedback:     model.FeedbackFalsePositive,
		FlaggedState: store.Flagged(true),
	})
	if err != nil {
		return nil, fmt.Errorf("count false positives: %w", err)
	}
	falseNegatives, err := s.store.CountDetections(ctx, store.DetectionFilter{
		Feedback:     model.FeedbackFalseNegative,
		FlaggedState: store.Flagged(false),
	})
	if err != nil {
		return nil, fmt.Errorf("count false negatives: %w", err)
	}

	stats := &model.Stats{
		TotalEvents:         totalEvents,
		TotalDetections:     totalDetections,
		MaliciousDetections: maliciousCount,
		FalsePositives:      falsePositives,
		FalseNegatives:      falseNegatives,
	}
	if totalEvents > 0 {
		stats.DetectionRate = float64(maliciousCount) / float64(totalEvents) * 100
	}
	if maliciousCount > 0 {
		stats.FalsePositiveRate = float64(falsePositives) / float64(maliciousCount) * 100
	}

	recent, err := s.store.RecentMalicious(ctx, s.opts.RecentMaliciousCount)
	if err != nil {
		return nil, fmt.Errorf("list recent malicious: %w", err)
	}
	for _, det := range recent {
		process := ""
		if ev, err := s.store.GetEvent(ctx, det.EventID); err == nil {
			process = ev.ProcessName
		}
		stats.RecentDetections = append(stats.RecentDetections, model.DetectionSummary{
			ID:          det.ID,
			Timestamp:   det.Timestamp,
			Score:       det.MaliciousScore,
			ProcessName: process,
		})
	}
	return stats, nil
}
