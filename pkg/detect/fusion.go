package detect

// FusionPolicy combines the two provider scores, or a feature heuristic when
// neither contributed, into one malicious score and verdict. The tiered
// fallback guarantees a usable score even with zero trained models present.
type FusionPolicy struct {
	// ForestWeight and LSTMWeight blend the two scores when both providers
	// produced a strictly positive score. Defaults 0.6 / 0.4.
	ForestWeight float64
	LSTMWeight   float64
	// DetectionThreshold decides the verdict; a score equal to the threshold
	// counts as malicious. Default 0.7.
	DetectionThreshold float64
}

// DefaultFusionPolicy returns the stock weighting and threshold.
func DefaultFusionPolicy() FusionPolicy {
	return FusionPolicy{
		ForestWeight:       0.6,
		LSTMWeight:         0.4,
		DetectionThreshold: 0.7,
	}
}

// Fuse resolves the final score. Provider scores of zero are treated as
// absent; features feed the heuristic fallback when both are absent.
func (p FusionPolicy) Fuse(forestScore, lstmScore float64, features map[string]float64) (float64, bool) {
	var score float64
	switch {
	case forestScore > 0 && lstmScore > 0:
		score = forestScore*p.ForestWeight + lstmScore*p.LSTMWeight
	case forestScore > 0:
		score = forestScore
	case lstmScore > 0:
		score = lstmScore
	default:
		score = HeuristicScore(features)
	}
	return score, score >= p.DetectionThreshold
}

// HeuristicScore is the hand-authored additive rule used when no trained
// model is available, capped at 1.0.
func HeuristicScore(features map[string]float64) float64 {
	score := 0.0

	if features["is_lolbin_process"] > 0 {
		score += 0.2
	}
	if features["is_powershell"] > 0 {
		score += 0.1
	}
	if features["parent_is_lolbin"] > 0 {
		score += 0.15
	}

	patternBoost := features["suspicious_pattern_count"] * 0.15
	if patternBoost > 0.4 {
		patternBoost = 0.4
	}
	score += patternBoost

	if features["has_encoded_command"] > 0 {
		score += 0.2
	}
	if features["has_network_activity"] > 0 {
		score += 0.15
	}
	if features["has_high_entropy"] > 0 {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score
}
