// Package detect holds the score providers and the fusion policy that turn a
// feature vector into one malicious score and verdict.
package detect

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/warden/pkg/model"
)

// ErrNotLoaded marks a provider whose artifact was never successfully loaded.
// It is distinct from a per-call prediction failure so that callers can tell
// "never available" apart from "transient failure".
var ErrNotLoaded = fmt.Errorf("model not loaded")

// Prediction is the result of one provider inference.
type Prediction struct {
	// Score is a probability-like value in [0, 1].
	Score float64
	// Features is the realized feature map the score was computed from.
	Features map[string]float64
	// Vector is the feature map re-ordered into the artifact's frozen
	// feature-name order.
	Vector []float64
}

// Detector is the common capability both score providers implement. A loaded
// detector is immutable and safe for concurrent read-only inference.
type Detector interface {
	Name() string
	Load(artifactPath string) error
	Loaded() bool
	Predict(ev model.Event) (Prediction, error)
}

// Handle is an availability-checked wrapper around a Detector. The
// orchestrator queries Available instead of catching load-time failures; a
// provider whose artifact is missing stays unavailable until (and unless)
// Reload succeeds.
type Handle struct {
	name     string
	detector Detector
	logger   zerolog.Logger
	mu       sync.RWMutex
	loaded   bool
}

// NewHandle wraps a detector and attempts the initial artifact load. A load
// failure is logged and leaves the handle unavailable; it never propagates,
// so the caller can keep scoring via the fusion fallback.
func NewHandle(detector Detector, artifactPath string, logger zerolog.Logger) *Handle {
	h := &Handle{
		name:     detector.Name(),
		detector: detector,
		logger:   logger.With().Str("provider", detector.Name()).Logger(),
	}

	if artifactPath == "" {
		h.logger.Warn().Msg("No artifact path configured, provider unavailable")
		return h
	}

	if err := detector.Load(artifactPath); err != nil {
		h.logger.Warn().Err(err).Str("path", artifactPath).Msg("Failed to load model artifact, provider unavailable")
		return h
	}

	h.loaded = true
	h.logger.Info().Str("path", artifactPath).Msg("Model artifact loaded")
	return h
}

// Name returns the wrapped provider's name.
func (h *Handle) Name() string {
	return h.name
}

// Available reports whether the provider has a usable model.
func (h *Handle) Available() bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loaded
}

// Predict runs one inference. ErrNotLoaded is returned when no model is
// available; any other error is a per-call prediction failure and does not
// disable the provider.
func (h *Handle) Predict(ev model.Event) (Prediction, error) {
	if h == nil {
		return Prediction{}, ErrNotLoaded
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.loaded {
		return Prediction{}, ErrNotLoaded
	}
	return h.detector.Predict(ev)
}

// Reload swaps in a fresh artifact. Used by the optional artifact watcher; a
// failed reload keeps the previously loaded model in place.
func (h *Handle) Reload(artifactPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.detector.Load(artifactPath); err != nil {
		h.logger.Error().Err(err).Str("path", artifactPath).Msg("Artifact reload failed, keeping previous model")
		return err
	}

	h.loaded = true
	h.logger.Info().Str("path", artifactPath).Msg("Model artifact reloaded")
	return nil
}
