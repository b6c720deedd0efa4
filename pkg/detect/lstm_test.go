package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/warden/pkg/model"
)

// writeLSTMArtifact builds a one-layer, hidden-size-1 checkpoint over two
// features. Gate biases open the input and output gates; the candidate gate
// sums the two features, so benign input collapses the hidden state to zero.
func writeLSTMArtifact(t *testing.T) string {
	t.Helper()

	artifact := map[string]interface{}{
		"input_size":    2,
		"hidden_size":   1,
		"num_layers":    1,
		"feature_names": []string{"is_lolbin_process", "has_encoded_command"},
		"layers": []map[string]interface{}{
			{
				// Rows stacked i, f, g, o.
				"weight_ih": [][]float64{{0, 0}, {0, 0}, {5, 5}, {0, 0}},
				"weight_hh": [][]float64{{0}, {0}, {0}, {0}},
				"bias_ih":   []float64{10, 0, 0, 10},
				"bias_hh":   []float64{0, 0, 0, 0},
			},
		},
		"fc1_weight": [][]float64{{2}},
		"fc1_bias":   []float64{0},
		"fc2_weight": [][]float64{{3}},
		"fc2_bias":   []float64{-1},
	}

	raw, err := json.Marshal(artifact)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "lstm.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestLSTMPredictBeforeLoad(t *testing.T) {
	d := NewLSTMDetector()
	_, err := d.Predict(model.Event{})
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestLSTMLoadValidation(t *testing.T) {
	d := NewLSTMDetector()
	assert.Error(t, d.Load(filepath.Join(t.TempDir(), "absent.json")))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"layers": []}`), 0o644))
	assert.Error(t, d.Load(path))
}

func TestLSTMLoadRejectsMalformedHead(t *testing.T) {
	base := map[string]interface{}{
		"input_size":    2,
		"hidden_size":   1,
		"num_layers":    1,
		"feature_names": []string{"is_lolbin_process", "has_encoded_command"},
		"layers": []map[string]interface{}{
			{
				"weight_ih": [][]float64{{0, 0}, {0, 0}, {5, 5}, {0, 0}},
				"weight_hh": [][]float64{{0}, {0}, {0}, {0}},
				"bias_ih":   []float64{10, 0, 0, 10},
				"bias_hh":   []float64{0, 0, 0, 0},
			},
		},
		"fc1_weight": [][]float64{{2}},
		"fc1_bias":   []float64{0},
		"fc2_weight": [][]float64{{3}},
		"fc2_bias":   []float64{-1},
	}

	cases := map[string]func(m map[string]interface{}){
		"missing fc1 bias":   func(m map[string]interface{}) { delete(m, "fc1_bias") },
		"missing fc2 bias":   func(m map[string]interface{}) { delete(m, "fc2_bias") },
		"fc1 row too wide":   func(m map[string]interface{}) { m["fc1_weight"] = [][]float64{{2, 2}} },
		"fc2 width mismatch": func(m map[string]interface{}) { m["fc2_weight"] = [][]float64{{3, 3}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			artifact := make(map[string]interface{}, len(base))
			for k, v := range base {
				artifact[k] = v
			}
			mutate(artifact)

			raw, err := json.Marshal(artifact)
			require.NoError(t, err)
			path := filepath.Join(t.TempDir(), "head.json")
			require.NoError(t, os.WriteFile(path, raw, 0o644))

			d := NewLSTMDetector()
			assert.Error(t, d.Load(path))
			assert.False(t, d.Loaded())
		})
	}
}

func TestLSTMForwardPass(t *testing.T) {
	d := NewLSTMDetector()
	require.NoError(t, d.Load(writeLSTMArtifact(t)))
	require.True(t, d.Loaded())

	// Benign input zeroes the candidate gate: the head sees zero and the
	// output is sigmoid(-1).
	pred, err := d.Predict(model.Event{ProcessName: "notepad.exe", CommandLine: "notepad"})
	require.NoError(t, err)
	assert.InDelta(t, 0.26894142, pred.Score, 1e-6)

	// LOLBin plus encoded-command input saturates the gates.
	pred, err = d.Predict(model.Event{
		ProcessName: "powershell.exe",
		CommandLine: "powershell -enc SGVsbG8=",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.97261, pred.Score, 1e-3)
	assert.Equal(t, []float64{1.0, 1.0}, pred.Vector)

	// Deterministic across calls.
	again, err := d.Predict(model.Event{
		ProcessName: "powershell.exe",
		CommandLine: "powershell -enc SGVsbG8=",
	})
	require.NoError(t, err)
	assert.Equal(t, pred.Score, again.Score)
}

func TestLSTMScoresStayInUnitInterval(t *testing.T) {
	d := NewLSTMDetector()
	require.NoError(t, d.Load(writeLSTMArtifact(t)))

	events := []model.Event{
		{},
		{ProcessName: "cmd.exe", CommandLine: "cmd /c dir"},
		{ProcessName: "powershell.exe", CommandLine: "powershell -enc aGVsbG8gd29ybGQ="},
	}
	for _, ev := range events {
		pred, err := d.Predict(ev)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pred.Score, 0.0)
		assert.LessOrEqual(t, pred.Score, 1.0)
	}
}
