package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/warden/pkg/detect"
	"github.com/lucid-vigil/warden/pkg/explain"
	"github.com/lucid-vigil/warden/pkg/features"
	"github.com/lucid-vigil/warden/pkg/model"
	"github.com/lucid-vigil/warden/pkg/store"
)

// emptyHandles returns provider handles with no artifacts, forcing the
// heuristic fallback.
func emptyHandles() (*detect.Handle, *detect.Handle) {
	forest := detect.NewHandle(detect.NewForestDetector(), "", zerolog.Nop())
	lstm := detect.NewHandle(detect.NewLSTMDetector(), "", zerolog.Nop())
	return forest, lstm
}

func newService(t *testing.T, forest, lstm *detect.Handle) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := New(st, forest, lstm, detect.DefaultFusionPolicy(), nil, nil, DefaultOptions(), zerolog.Nop())
	return svc, st
}

// writeForestArtifact writes a single stump over the canonical ordering that
// answers leafScore for any lolbin process, so fused scores are predictable.
func writeForestArtifact(t *testing.T, leafScore float64) string {
	t.Helper()

	names := features.Names()
	lolbinIdx := -1
	for i, name := range names {
		if name == "is_lolbin_process" {
			lolbinIdx = i
		}
	}
	require.GreaterOrEqual(t, lolbinIdx, 0)

	artifact := map[string]interface{}{
		"trees": []map[string]interface{}{
			{
				"nodes": []map[string]interface{}{
					{"feature": lolbinIdx, "threshold": 0.5, "left": 1, "right": 2, "value": []float64{0.5, 0.5}},
					{"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": []float64{1 - 0.1, 0.1}},
					{"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": []float64{1 - leafScore, leafScore}},
				},
			},
		},
	}
	raw, err := json.Marshal(artifact)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "forest.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func forestHandle(t *testing.T, leafScore float64) *detect.Handle {
	t.Helper()
	return detect.NewHandle(detect.NewForestDetector(), writeForestArtifact(t, leafScore), zerolog.Nop())
}

func encodedPowershellEvent() *model.Event {
	return &model.Event{
		ProcessName: "powershell.exe",
		CommandLine: "powershell -enc SGVsbG8=",
		ParentImage: `C:\Windows\System32\cmd.exe`,
		Timestamp:   time.Now().UTC(),
	}
}

func TestSubmitHeuristicFallback(t *testing.T) {
	forest, lstm := emptyHandles()
	svc, st := newService(t, forest, lstm)

	det, err := svc.Submit(context.Background(), encodedPowershellEvent())
	require.NoError(t, err)

	// lolbin 0.2 + powershell 0.1 + parent lolbin 0.15 + one pattern 0.15
	// + encoded 0.2 = 0.80; no network or high-entropy boost.
	assert.InDelta(t, 0.80, det.MaliciousScore, 1e-9)
	assert.Equal(t, 0.0, det.RandomForestScore)
	assert.Equal(t, 0.0, det.LSTMScore)
	assert.True(t, det.IsMalicious)
	assert.NotEmpty(t, det.ID)
	assert.NotEmpty(t, det.EventID)

	stored, err := st.GetDetection(context.Background(), det.ID)
	require.NoError(t, err)
	assert.InDelta(t, det.MaliciousScore, stored.MaliciousScore, 1e-9)

	_, err = st.GetEvent(context.Background(), det.EventID)
	require.NoError(t, err)
}

func TestSubmitBenignHeuristic(t *testing.T) {
	forest, lstm := emptyHandles()
	svc, _ := newService(t, forest, lstm)

	det, err := svc.Submit(context.Background(), &model.Event{
		ProcessName: "notepad.exe",
		CommandLine: `notepad.exe C:\Users\alice\notes.txt`,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, det.MaliciousScore)
	assert.False(t, det.IsMalicious)
}

func TestSubmitSingleProviderScore(t *testing.T) {
	forest := forestHandle(t, 0.8)
	_, lstm := emptyHandles()
	svc, _ := newService(t, forest, lstm)

	det, err := svc.Submit(context.Background(), encodedPowershellEvent())
	require.NoError(t, err)

	// One positive provider passes through unweighted.
	assert.InDelta(t, 0.8, det.MaliciousScore, 1e-9)
	assert.InDelta(t, 0.8, det.RandomForestScore, 1e-9)
	assert.Equal(t, 0.0, det.LSTMScore)
	assert.True(t, det.IsMalicious)
}

func TestSubmitWithExplanations(t *testing.T) {
	artifactPath := writeForestArtifact(t, 0.8)
	forest := detect.NewHandle(detect.NewForestDetector(), artifactPath, zerolog.Nop())
	_, lstm := emptyHandles()

	st := store.NewMemoryStore()
	explForest := detect.NewForestDetector()
	require.NoError(t, explForest.Load(artifactPath))

	agg := explain.NewAggregator(explForest, explain.NarrativeConfig{}, 1, zerolog.Nop())
	svc := New(st, forest, lstm, detect.DefaultFusionPolicy(), agg, nil, DefaultOptions(), zerolog.Nop())

	recorded, err := svc.Submit(context.Background(), encodedPowershellEvent())
	require.NoError(t, err)
	require.NotNil(t, recorded.Attribution)
	assert.NotEmpty(t, recorded.Narrative)

	stored, err := st.GetDetection(context.Background(), recorded.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Attribution)
	assert.Equal(t, recorded.Narrative, stored.Narrative)
}

func TestSubmitConcurrentWithExplanations(t *testing.T) {
	artifactPath := writeForestArtifact(t, 0.8)
	forest := detect.NewHandle(detect.NewForestDetector(), artifactPath, zerolog.Nop())
	_, lstm := emptyHandles()

	st := store.NewMemoryStore()
	explForest := detect.NewForestDetector()
	require.NoError(t, explForest.Load(artifactPath))

	agg := explain.NewAggregator(explForest, explain.NarrativeConfig{}, 1, zerolog.Nop())
	svc := New(st, forest, lstm, detect.DefaultFusionPolicy(), agg, nil, DefaultOptions(), zerolog.Nop())

	const goroutines = 4
	errs := make([]error, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < 5; k++ {
				det, err := svc.Submit(context.Background(), encodedPowershellEvent())
				if err != nil {
					errs[i] = err
					return
				}
				if det.Surrogate == nil {
					errs[i] = fmt.Errorf("detection %s missing surrogate", det.ID)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
	}

	all, err := st.ListDetections(context.Background(), 0, 100, false)
	require.NoError(t, err)
	assert.Len(t, all, goroutines*5)
}

func TestGetDetectionNotFound(t *testing.T) {
	forest, lstm := emptyHandles()
	svc, _ := newService(t, forest, lstm)

	_, err := svc.GetDetection(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListDetectionsMaliciousOnly(t *testing.T) {
	forest, lstm := emptyHandles()
	svc, _ := newService(t, forest, lstm)
	ctx := context.Background()

	_, err := svc.Submit(ctx, encodedPowershellEvent())
	require.NoError(t, err)
	_, err = svc.Submit(ctx, &model.Event{
		ProcessName: "notepad.exe",
		CommandLine: "notepad.exe readme.md",
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)

	all, err := svc.ListDetections(ctx, 0, 100, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	malicious, err := svc.ListDetections(ctx, 0, 100, true)
	require.NoError(t, err)
	require.Len(t, malicious, 1)
	assert.True(t, malicious[0].IsMalicious)
}

func TestSubmitFeedback(t *testing.T) {
	forest, lstm := emptyHandles()
	svc, _ := newService(t, forest, lstm)
	ctx := context.Background()

	det, err := svc.Submit(ctx, encodedPowershellEvent())
	require.NoError(t, err)

	updated, err := svc.SubmitFeedback(ctx, det.ID, model.FeedbackFalsePositive, "sanctioned red team test")
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackFalsePositive, updated.AnalystFeedback)
	assert.Equal(t, "sanctioned red team test", updated.AnalystNotes)
	require.NotNil(t, updated.FeedbackTimestamp)

	_, err = svc.SubmitFeedback(ctx, det.ID, model.FeedbackLabel("probably_fine"), "")
	assert.ErrorIs(t, err, model.ErrInvalidFeedback)

	// The rejected label did not clobber the stored feedback.
	got, err := svc.GetDetection(ctx, det.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackFalsePositive, got.AnalystFeedback)

	_, err = svc.SubmitFeedback(ctx, "missing", model.FeedbackTruePositive, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStats(t *testing.T) {
	forest, lstm := emptyHandles()
	svc, _ := newService(t, forest, lstm)
	ctx := context.Background()

	hot, err := svc.Submit(ctx, encodedPowershellEvent())
	require.NoError(t, err)
	require.True(t, hot.IsMalicious)

	cold, err := svc.Submit(ctx, &model.Event{
		ProcessName: "notepad.exe",
		CommandLine: "notepad.exe readme.md",
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.False(t, cold.IsMalicious)

	_, err = svc.SubmitFeedback(ctx, hot.ID, model.FeedbackFalsePositive, "")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, 2, stats.TotalDetections)
	assert.Equal(t, 1, stats.MaliciousDetections)
	assert.Equal(t, 1, stats.FalsePositives)
	assert.Equal(t, 0, stats.FalseNegatives)
	assert.InDelta(t, 50.0, stats.DetectionRate, 1e-9)
	assert.InDelta(t, 100.0, stats.FalsePositiveRate, 1e-9)
	require.Len(t, stats.RecentDetections, 1)
	assert.Equal(t, hot.ID, stats.RecentDetections[0].ID)
	assert.Equal(t, "powershell.exe", stats.RecentDetections[0].ProcessName)
}

func TestStatsEmptyStore(t *testing.T) {
	forest, lstm := emptyHandles()
	svc, _ := newService(t, forest, lstm)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEvents)
	assert.Equal(t, 0.0, stats.DetectionRate)
	assert.Equal(t, 0.0, stats.FalsePositiveRate)
	assert.Empty(t, stats.RecentDetections)
}
