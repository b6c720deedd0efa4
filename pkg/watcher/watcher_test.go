package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/warden/pkg/detect"
	"github.com/lucid-vigil/warden/pkg/features"
	"github.com/lucid-vigil/warden/pkg/model"
)

func wmicEvent() model.Event {
	return model.Event{
		ProcessName: "wmic.exe",
		CommandLine: "wmic process call create calc.exe",
		Timestamp:   time.Now().UTC(),
	}
}

func stumpArtifact(t *testing.T, leafScore float64) []byte {
	t.Helper()

	names := features.Names()
	idx := -1
	for i, name := range names {
		if name == "is_lolbin_process" {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)

	raw, err := json.Marshal(map[string]interface{}{
		"trees": []map[string]interface{}{
			{
				"nodes": []map[string]interface{}{
					{"feature": idx, "threshold": 0.5, "left": 1, "right": 2, "value": []float64{0.5, 0.5}},
					{"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": []float64{0.9, 0.1}},
					{"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": []float64{1 - leafScore, leafScore}},
				},
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forest.json")
	require.NoError(t, os.WriteFile(path, stumpArtifact(t, 0.6), 0o644))

	handle := detect.NewHandle(detect.NewForestDetector(), path, zerolog.Nop())
	require.True(t, handle.Available())

	w, err := New(map[string]*detect.Handle{path: handle}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watch loop a moment before mutating the file.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, stumpArtifact(t, 0.9), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pred, err := handle.Predict(wmicEvent())
		require.NoError(t, err)
		if pred.Score > 0.85 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("handle was not reloaded with the new artifact")
}

func TestWatcherSkipsUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forest.json")
	require.NoError(t, os.WriteFile(path, stumpArtifact(t, 0.6), 0o644))

	handle := detect.NewHandle(detect.NewForestDetector(), path, zerolog.Nop())
	w, err := New(map[string]*detect.Handle{path: handle}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)

	pred, err := handle.Predict(wmicEvent())
	require.NoError(t, err)
	require.InDelta(t, 0.6, pred.Score, 1e-9)
}
