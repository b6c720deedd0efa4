package detect

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lucid-vigil/warden/pkg/features"
	"github.com/lucid-vigil/warden/pkg/model"
)

// TreeNode is one node of a serialized decision tree. Leaves have Left and
// Right set to -1; Value holds the class probabilities [benign, malicious].
type TreeNode struct {
	Feature   int        `json:"feature"`
	Threshold float64    `json:"threshold"`
	Left      int        `json:"left"`
	Right     int        `json:"right"`
	Value     [2]float64 `json:"value"`
}

// IsLeaf reports whether the node terminates a decision path.
func (n TreeNode) IsLeaf() bool {
	return n.Left < 0 && n.Right < 0
}

// Tree is one decision tree of the ensemble, nodes indexed from the root at 0.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// PositiveProb walks the tree for one input vector and returns the reached
// leaf's malicious-class probability.
func (t Tree) PositiveProb(vector []float64) float64 {
	idx := 0
	for !t.Nodes[idx].IsLeaf() {
		node := t.Nodes[idx]
		if vector[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
	return t.Nodes[idx].Value[1]
}

type forestArtifact struct {
	FeatureNames []string `json:"feature_names"`
	Trees        []Tree   `json:"trees"`
}

// ForestDetector scores events with a serialized tree ensemble. The score is
// the mean malicious-class probability across trees.
type ForestDetector struct {
	trees        []Tree
	featureNames []string
	loaded       bool
}

// NewForestDetector returns an unloaded tabular-ensemble provider.
func NewForestDetector() *ForestDetector {
	return &ForestDetector{}
}

// Name implements Detector.
func (d *ForestDetector) Name() string {
	return "random_forest"
}

// Load reads and validates a forest artifact. The artifact may carry its own
// frozen feature ordering; if it omits one, the extractor's current canonical
// order is frozen in at load time.
func (d *ForestDetector) Load(artifactPath string) error {
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("read forest artifact: %w", err)
	}

	var artifact forestArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return fmt.Errorf("decode forest artifact: %w", err)
	}
	if len(artifact.Trees) == 0 {
		return fmt.Errorf("forest artifact %s contains no trees", artifactPath)
	}

	names := artifact.FeatureNames
	if len(names) == 0 {
		names = features.Names()
	}

	for ti, tree := range artifact.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("forest artifact tree %d is empty", ti)
		}
		for ni, node := range tree.Nodes {
			if node.IsLeaf() {
				continue
			}
			if node.Feature < 0 || node.Feature >= len(names) {
				return fmt.Errorf("tree %d node %d references feature %d outside ordering of %d", ti, ni, node.Feature, len(names))
			}
			// Children must sit after their parent in the node array; a
			// back-reference would loop the walk in PositiveProb forever.
			if node.Left <= ni || node.Left >= len(tree.Nodes) || node.Right <= ni || node.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d children must follow it within the node array", ti, ni)
			}
		}
	}

	d.trees = artifact.Trees
	d.featureNames = names
	d.loaded = true
	return nil
}

// Loaded implements Detector.
func (d *ForestDetector) Loaded() bool {
	return d.loaded
}

// Predict implements Detector.
func (d *ForestDetector) Predict(ev model.Event) (Prediction, error) {
	if !d.loaded {
		return Prediction{}, ErrNotLoaded
	}

	f := features.Extract(ev)
	vector := features.Vector(f, d.featureNames)

	sum := 0.0
	for _, tree := range d.trees {
		sum += tree.PositiveProb(vector)
	}

	return Prediction{
		Score:    sum / float64(len(d.trees)),
		Features: f,
		Vector:   vector,
	}, nil
}

// FeatureNames returns the frozen ordering the artifact was trained against.
func (d *ForestDetector) FeatureNames() []string {
	out := make([]string, len(d.featureNames))
	copy(out, d.featureNames)
	return out
}

// Trees exposes the ensemble for the attribution explainer.
func (d *ForestDetector) Trees() []Tree {
	return d.trees
}

// BaseValue is the ensemble's expected malicious probability before seeing
// any input: the mean of the root node values.
func (d *ForestDetector) BaseValue() float64 {
	if len(d.trees) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, tree := range d.trees {
		sum += tree.Nodes[0].Value[1]
	}
	return sum / float64(len(d.trees))
}

// PredictVector scores an already-realized vector, used by the local
// surrogate explainer to probe the model around one input.
func (d *ForestDetector) PredictVector(vector []float64) (float64, error) {
	if !d.loaded {
		return 0, ErrNotLoaded
	}
	sum := 0.0
	for _, tree := range d.trees {
		sum += tree.PositiveProb(vector)
	}
	return sum / float64(len(d.trees)), nil
}
