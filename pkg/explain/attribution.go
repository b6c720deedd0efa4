// Package explain turns a scored detection into three independent
// explanations: per-feature attribution against the tree ensemble, a local
// linear surrogate fit around the input, and an analyst-facing narrative.
package explain

import (
	"fmt"
	"math"
	"sort"

	"github.com/lucid-vigil/warden/pkg/detect"
	"github.com/lucid-vigil/warden/pkg/model"
)

// ErrUnavailable marks an explainer whose backing model is not loaded. It is
// reported in the aggregate result rather than aborting sibling explainers.
var ErrUnavailable = fmt.Errorf("explainer backend unavailable")

const topFeatureCount = 10

// ForestModel is the slice of the tabular ensemble the explainers read. A
// loaded detect.ForestDetector satisfies it.
type ForestModel interface {
	Loaded() bool
	FeatureNames() []string
	Trees() []detect.Tree
	BaseValue() float64
	PredictVector(vector []float64) (float64, error)
}

// AttributionExplainer assigns each feature a contribution relative to the
// ensemble baseline by walking the decision paths the input takes.
type AttributionExplainer struct {
	forest ForestModel
}

// NewAttributionExplainer builds the explainer over a forest model.
func NewAttributionExplainer(forest ForestModel) *AttributionExplainer {
	return &AttributionExplainer{forest: forest}
}

// Explain walks every tree with the input vector. Each split credits the
// change in malicious probability between the node and the taken child to the
// split feature; contributions are averaged across trees, so the per-input
// identity base + sum(contributions) = score holds for the ensemble.
func (e *AttributionExplainer) Explain(vector []float64) (*model.Attribution, error) {
	if e.forest == nil || !e.forest.Loaded() {
		return nil, ErrUnavailable
	}

	names := e.forest.FeatureNames()
	if len(vector) != len(names) {
		return nil, fmt.Errorf("vector length %d does not match %d model features", len(vector), len(names))
	}

	trees := e.forest.Trees()
	sums := make([]float64, len(names))
	for _, tree := range trees {
		idx := 0
		for !tree.Nodes[idx].IsLeaf() {
			node := tree.Nodes[idx]
			next := node.Right
			if vector[node.Feature] <= node.Threshold {
				next = node.Left
			}
			sums[node.Feature] += tree.Nodes[next].Value[1] - node.Value[1]
			idx = next
		}
	}

	values := make(map[string]float64, len(names))
	for i, name := range names {
		values[name] = sums[i] / float64(len(trees))
	}

	return &model.Attribution{
		Values:      values,
		TopPositive: topFeatures(values, true),
		TopNegative: topFeatures(values, false),
		BaseValue:   e.forest.BaseValue(),
	}, nil
}

// topFeatures ranks one sign's contributions by absolute magnitude and
// returns up to topFeatureCount feature names.
func topFeatures(values map[string]float64, positive bool) []string {
	type ranked struct {
		name  string
		value float64
	}

	var candidates []ranked
	for name, v := range values {
		if v == 0 {
			continue
		}
		if positive == (v > 0) {
			candidates = append(candidates, ranked{name, v})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := math.Abs(candidates[i].value), math.Abs(candidates[j].value)
		if ai != aj {
			return ai > aj
		}
		return candidates[i].name < candidates[j].name
	})

	if len(candidates) > topFeatureCount {
		candidates = candidates[:topFeatureCount]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}
