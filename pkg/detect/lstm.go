package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/lucid-vigil/warden/pkg/features"
	"github.com/lucid-vigil/warden/pkg/model"
)

// lstmLayer holds one recurrent layer's gate weights in the usual i,f,g,o
// stacking: each weight matrix has 4*hidden rows.
type lstmLayer struct {
	WeightIH [][]float64 `json:"weight_ih"`
	WeightHH [][]float64 `json:"weight_hh"`
	BiasIH   []float64   `json:"bias_ih"`
	BiasHH   []float64   `json:"bias_hh"`
}

type lstmArtifact struct {
	InputSize    int         `json:"input_size"`
	HiddenSize   int         `json:"hidden_size"`
	NumLayers    int         `json:"num_layers"`
	FeatureNames []string    `json:"feature_names"`
	Layers       []lstmLayer `json:"layers"`
	FC1Weight [][]float64 `json:"fc1_weight"`
	FC1Bias   []float64   `json:"fc1_bias"`
	FC2Weight [][]float64 `json:"fc2_weight"`
	FC2Bias   []float64   `json:"fc2_bias"`
}

// LSTMDetector scores events with a recurrent encoder followed by a
// feed-forward head and a sigmoid. A single event is treated as a length-1
// sequence. Inference only reads the loaded weights, so concurrent calls are
// safe.
type LSTMDetector struct {
	artifact     lstmArtifact
	featureNames []string
	loaded       bool
}

// NewLSTMDetector returns an unloaded sequence-model provider.
func NewLSTMDetector() *LSTMDetector {
	return &LSTMDetector{}
}

// Name implements Detector.
func (d *LSTMDetector) Name() string {
	return "lstm"
}

// Load reads network weights, hyperparameters, and the frozen feature-name
// ordering from a JSON checkpoint.
func (d *LSTMDetector) Load(artifactPath string) error {
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("read lstm artifact: %w", err)
	}

	var artifact lstmArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return fmt.Errorf("decode lstm artifact: %w", err)
	}

	names := artifact.FeatureNames
	if len(names) == 0 {
		names = features.Names()
	}
	if artifact.InputSize == 0 {
		artifact.InputSize = len(names)
	}
	if artifact.HiddenSize == 0 {
		artifact.HiddenSize = 128
	}
	if artifact.NumLayers == 0 {
		artifact.NumLayers = len(artifact.Layers)
	}

	if len(artifact.Layers) != artifact.NumLayers {
		return fmt.Errorf("lstm artifact declares %d layers but carries %d", artifact.NumLayers, len(artifact.Layers))
	}
	if artifact.NumLayers == 0 {
		return fmt.Errorf("lstm artifact %s contains no layers", artifactPath)
	}

	for li, layer := range artifact.Layers {
		wantIn := artifact.InputSize
		if li > 0 {
			wantIn = artifact.HiddenSize
		}
		if len(layer.WeightIH) != 4*artifact.HiddenSize || len(layer.WeightHH) != 4*artifact.HiddenSize {
			return fmt.Errorf("lstm layer %d gate weights do not match hidden size %d", li, artifact.HiddenSize)
		}
		for _, row := range layer.WeightIH {
			if len(row) != wantIn {
				return fmt.Errorf("lstm layer %d input weights do not match input width %d", li, wantIn)
			}
		}
		if len(layer.BiasIH) != 4*artifact.HiddenSize || len(layer.BiasHH) != 4*artifact.HiddenSize {
			return fmt.Errorf("lstm layer %d biases do not match hidden size %d", li, artifact.HiddenSize)
		}
	}

	if len(artifact.FC1Weight) == 0 || len(artifact.FC2Weight) != 1 {
		return fmt.Errorf("lstm artifact head is malformed")
	}
	for r, row := range artifact.FC1Weight {
		if len(row) != artifact.HiddenSize {
			return fmt.Errorf("lstm fc1 row %d width does not match hidden size %d", r, artifact.HiddenSize)
		}
	}
	if len(artifact.FC1Bias) != len(artifact.FC1Weight) {
		return fmt.Errorf("lstm fc1 bias length %d does not match %d output rows", len(artifact.FC1Bias), len(artifact.FC1Weight))
	}
	if len(artifact.FC2Weight[0]) != len(artifact.FC1Weight) {
		return fmt.Errorf("lstm fc2 width %d does not match fc1 output %d", len(artifact.FC2Weight[0]), len(artifact.FC1Weight))
	}
	if len(artifact.FC2Bias) != 1 {
		return fmt.Errorf("lstm fc2 bias must carry exactly one element, got %d", len(artifact.FC2Bias))
	}

	d.artifact = artifact
	d.featureNames = names
	d.loaded = true
	return nil
}

// Loaded implements Detector.
func (d *LSTMDetector) Loaded() bool {
	return d.loaded
}

// Predict implements Detector.
func (d *LSTMDetector) Predict(ev model.Event) (Prediction, error) {
	if !d.loaded {
		return Prediction{}, ErrNotLoaded
	}

	f := features.Extract(ev)
	vector := features.Vector(f, d.featureNames)
	if len(vector) != d.artifact.InputSize {
		return Prediction{}, fmt.Errorf("feature vector width %d does not match model input %d", len(vector), d.artifact.InputSize)
	}

	score := d.forward(vector)
	return Prediction{Score: score, Features: f, Vector: vector}, nil
}

// forward runs one timestep through the stacked recurrent layers, then the
// feed-forward head and sigmoid. Hidden and cell state start at zero.
func (d *LSTMDetector) forward(input []float64) float64 {
	h := input
	hidden := d.artifact.HiddenSize

	for _, layer := range d.artifact.Layers {
		gates := make([]float64, 4*hidden)
		for r := range gates {
			sum := layer.BiasIH[r] + layer.BiasHH[r]
			row := layer.WeightIH[r]
			for c, v := range h {
				sum += row[c] * v
			}
			// Recurrent term is zero for the first (and only) timestep.
			gates[r] = sum
		}

		next := make([]float64, hidden)
		for j := 0; j < hidden; j++ {
			// Gate order is i, f, g, o. The cell state starts at zero on a
			// length-1 sequence, so the forget gate never contributes.
			i := sigmoid(gates[j])
			g := math.Tanh(gates[2*hidden+j])
			o := sigmoid(gates[3*hidden+j])
			next[j] = o * math.Tanh(i*g)
		}
		h = next
	}

	fc1 := make([]float64, len(d.artifact.FC1Weight))
	for r, row := range d.artifact.FC1Weight {
		sum := d.artifact.FC1Bias[r]
		for c, v := range h {
			sum += row[c] * v
		}
		if sum < 0 {
			sum = 0 // relu
		}
		fc1[r] = sum
	}

	out := d.artifact.FC2Bias[0]
	for c, v := range fc1 {
		out += d.artifact.FC2Weight[0][c] * v
	}
	return sigmoid(out)
}

// FeatureNames returns the frozen ordering the checkpoint was trained
// against.
func (d *LSTMDetector) FeatureNames() []string {
	out := make([]string, len(d.featureNames))
	copy(out, d.featureNames)
	return out
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
