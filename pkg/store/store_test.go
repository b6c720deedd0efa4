package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/warden/pkg/model"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlitePath := filepath.Join(t.TempDir(), "warden.db")
	sqliteStore, err := OpenSQLite(sqlitePath)
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func testEvent(process, command string, ts time.Time) *model.Event {
	return &model.Event{
		ID:          uuid.NewString(),
		ExternalID:  uuid.NewString(),
		Timestamp:   ts,
		ProcessName: process,
		CommandLine: command,
		ParentImage: `C:\Windows\explorer.exe`,
		RawData:     map[string]interface{}{"host": "ws-01"},
		CreatedAt:   ts,
	}
}

func testDetection(eventID string, score float64, malicious bool, ts time.Time) *model.Detection {
	return &model.Detection{
		ID:             uuid.NewString(),
		EventID:        eventID,
		Timestamp:      ts,
		MaliciousScore: score,
		IsMalicious:    malicious,
		Features:       map[string]float64{"command_length": 42},
		CreatedAt:      ts,
	}
}

func TestEventRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ev := testEvent("powershell.exe", "powershell -enc SGVsbG8=", time.Now().UTC())
			require.NoError(t, s.InsertEvent(ctx, ev))

			got, err := s.GetEvent(ctx, ev.ID)
			require.NoError(t, err)
			assert.Equal(t, ev.ProcessName, got.ProcessName)
			assert.Equal(t, ev.CommandLine, got.CommandLine)
			assert.Equal(t, ev.ExternalID, got.ExternalID)
			assert.Equal(t, "ws-01", got.RawData["host"])

			n, err := s.CountEvents(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestGetEventNotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetEvent(context.Background(), uuid.NewString())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDetectionRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			ev := testEvent("wmic.exe", "wmic process call create calc.exe", now)
			require.NoError(t, s.InsertEvent(ctx, ev))

			det := testDetection(ev.ID, 0.93, true, now)
			require.NoError(t, s.InsertDetection(ctx, det))

			got, err := s.GetDetection(ctx, det.ID)
			require.NoError(t, err)
			assert.Equal(t, det.EventID, got.EventID)
			assert.InDelta(t, 0.93, got.MaliciousScore, 1e-9)
			assert.True(t, got.IsMalicious)
			assert.InDelta(t, 42.0, got.Features["command_length"], 1e-9)
			assert.Nil(t, got.Attribution)
			assert.Nil(t, got.Surrogate)
			assert.Empty(t, got.Narrative)
		})
	}
}

func TestListDetectionsOrderAndPaging(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)

			var ids []string
			for i := 0; i < 5; i++ {
				ts := base.Add(time.Duration(i) * time.Minute)
				det := testDetection(uuid.NewString(), 0.1*float64(i), i%2 == 0, ts)
				require.NoError(t, s.InsertDetection(ctx, det))
				ids = append(ids, det.ID)
			}

			all, err := s.ListDetections(ctx, 0, 100, false)
			require.NoError(t, err)
			require.Len(t, all, 5)
			// Newest first.
			assert.Equal(t, ids[4], all[0].ID)
			assert.Equal(t, ids[0], all[4].ID)

			page, err := s.ListDetections(ctx, 1, 2, false)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, ids[3], page[0].ID)
			assert.Equal(t, ids[2], page[1].ID)

			malicious, err := s.ListDetections(ctx, 0, 100, true)
			require.NoError(t, err)
			require.Len(t, malicious, 3)
			for _, det := range malicious {
				assert.True(t, det.IsMalicious)
			}
		})
	}
}

func TestUpdateDetectionExplanations(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			det := testDetection(uuid.NewString(), 0.8, true, time.Now().UTC())
			require.NoError(t, s.InsertDetection(ctx, det))

			attribution := &model.Attribution{
				Values:    map[string]float64{"is_lolbin_process": 0.21},
				BaseValue: 0.4,
			}
			surrogate := &model.Surrogate{
				Weights:    map[string]float64{"is_lolbin_process": 0.3},
				Prediction: 0.78,
			}
			require.NoError(t, s.UpdateDetectionExplanations(ctx, det.ID, attribution, surrogate, "likely lolbin abuse"))

			got, err := s.GetDetection(ctx, det.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Attribution)
			assert.InDelta(t, 0.21, got.Attribution.Values["is_lolbin_process"], 1e-9)
			require.NotNil(t, got.Surrogate)
			assert.InDelta(t, 0.78, got.Surrogate.Prediction, 1e-9)
			assert.Equal(t, "likely lolbin abuse", got.Narrative)

			// Partial updates keep what was previously stored.
			require.NoError(t, s.UpdateDetectionExplanations(ctx, det.ID, nil, nil, ""))
			got, err = s.GetDetection(ctx, det.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Attribution)
			assert.Equal(t, "likely lolbin abuse", got.Narrative)

			err = s.UpdateDetectionExplanations(ctx, uuid.NewString(), attribution, nil, "")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateDetectionFeedback(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			det := testDetection(uuid.NewString(), 0.95, true, time.Now().UTC())
			require.NoError(t, s.InsertDetection(ctx, det))

			fb := model.Feedback{
				DetectionID: det.ID,
				Label:       model.FeedbackTruePositive,
				Notes:       "confirmed via EDR timeline",
				Timestamp:   time.Now().UTC().Truncate(time.Second),
			}
			require.NoError(t, s.UpdateDetectionFeedback(ctx, det.ID, fb))

			got, err := s.GetDetection(ctx, det.ID)
			require.NoError(t, err)
			assert.Equal(t, model.FeedbackTruePositive, got.AnalystFeedback)
			assert.Equal(t, "confirmed via EDR timeline", got.AnalystNotes)
			require.NotNil(t, got.FeedbackTimestamp)

			err = s.UpdateDetectionFeedback(ctx, uuid.NewString(), fb)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCountDetections(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			hot := testDetection(uuid.NewString(), 0.9, true, now)
			cold := testDetection(uuid.NewString(), 0.1, false, now)
			miss := testDetection(uuid.NewString(), 0.2, false, now)
			require.NoError(t, s.InsertDetection(ctx, hot))
			require.NoError(t, s.InsertDetection(ctx, cold))
			require.NoError(t, s.InsertDetection(ctx, miss))

			require.NoError(t, s.UpdateDetectionFeedback(ctx, hot.ID, model.Feedback{
				Label: model.FeedbackTruePositive, Timestamp: now,
			}))
			require.NoError(t, s.UpdateDetectionFeedback(ctx, miss.ID, model.Feedback{
				Label: model.FeedbackFalseNegative, Timestamp: now,
			}))

			total, err := s.CountDetections(ctx, DetectionFilter{})
			require.NoError(t, err)
			assert.Equal(t, 3, total)

			malicious, err := s.CountDetections(ctx, DetectionFilter{MaliciousOnly: true})
			require.NoError(t, err)
			assert.Equal(t, 1, malicious)

			tp, err := s.CountDetections(ctx, DetectionFilter{
				Feedback:     model.FeedbackTruePositive,
				FlaggedState: Flagged(true),
			})
			require.NoError(t, err)
			assert.Equal(t, 1, tp)

			fn, err := s.CountDetections(ctx, DetectionFilter{
				Feedback:     model.FeedbackFalseNegative,
				FlaggedState: Flagged(false),
			})
			require.NoError(t, err)
			assert.Equal(t, 1, fn)
		})
	}
}

func TestRecentMalicious(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)

			var maliciousIDs []string
			for i := 0; i < 4; i++ {
				ts := base.Add(time.Duration(i) * time.Minute)
				det := testDetection(uuid.NewString(), 0.9, true, ts)
				require.NoError(t, s.InsertDetection(ctx, det))
				maliciousIDs = append(maliciousIDs, det.ID)
			}
			require.NoError(t, s.InsertDetection(ctx, testDetection(uuid.NewString(), 0.1, false, base.Add(time.Hour))))

			recent, err := s.RecentMalicious(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, maliciousIDs[3], recent[0].ID)
			assert.Equal(t, maliciousIDs[2], recent[1].ID)
		})
	}
}
