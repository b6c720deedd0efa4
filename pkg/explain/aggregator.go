package explain

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/warden/pkg/features"
	"github.com/lucid-vigil/warden/pkg/model"
)

// Result carries all three explanation slots. Each slot independently holds
// either its value or an error string; sibling failures never cancel each
// other.
type Result struct {
	Attribution    *model.Attribution
	AttributionErr string
	Surrogate      *model.Surrogate
	SurrogateErr   string
	Narrative      string
	NarrativeErr   string
}

// Aggregator runs the explainers in a fixed order so the narrative can reuse
// the attribution's top features when those are available.
type Aggregator struct {
	forest      ForestModel
	attribution *AttributionExplainer
	surrogate   *SurrogateExplainer
	narrative   *NarrativeExplainer
	logger      zerolog.Logger
}

// NewAggregator wires the explainers over a shared forest model. narrativeCfg
// with an empty endpoint keeps narrative generation local.
func NewAggregator(forest ForestModel, narrativeCfg NarrativeConfig, seed int64, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		forest:      forest,
		attribution: NewAttributionExplainer(forest),
		surrogate:   NewSurrogateExplainer(forest, nil, seed),
		narrative:   NewNarrativeExplainer(narrativeCfg, logger),
		logger:      logger.With().Str("component", "explain_aggregator").Logger(),
	}
}

// ExplainAll produces the full explanation set for one scored event. Every
// failure is captured in its slot and logged; the call itself never fails.
func (a *Aggregator) ExplainAll(ctx context.Context, ev model.Event, f map[string]float64, score float64) Result {
	var res Result

	var vector []float64
	if a.forest != nil && a.forest.Loaded() {
		vector = features.Vector(f, a.forest.FeatureNames())
	}

	attribution, err := a.attribution.Explain(vector)
	if err != nil {
		res.AttributionErr = explainerError(err)
		a.logExplainerFailure("attribution", err)
	} else {
		res.Attribution = attribution
	}

	surrogate, err := a.surrogate.Explain(vector)
	if err != nil {
		res.SurrogateErr = explainerError(err)
		a.logExplainerFailure("surrogate", err)
	} else {
		res.Surrogate = surrogate
	}

	var topFeatures []string
	if res.Attribution != nil {
		topFeatures = res.Attribution.TopPositive
	}
	narrative, err := a.narrative.Explain(ctx, ev, score, topFeatures)
	res.Narrative = narrative
	if err != nil {
		res.NarrativeErr = explainerError(err)
		a.logExplainerFailure("narrative", err)
	}

	return res
}

func (a *Aggregator) logExplainerFailure(name string, err error) {
	evt := a.logger.Warn()
	if errors.Is(err, ErrUnavailable) {
		evt = a.logger.Debug()
	}
	evt.Err(err).Str("explainer", name).Msg("Explainer did not produce a result")
}

func explainerError(err error) string {
	if errors.Is(err, ErrUnavailable) {
		return "unavailable"
	}
	return err.Error()
}
