// Package store persists events and detections. The core treats each call as
// atomic: create, commit, read back.
package store

import (
	"context"
	"fmt"

	"github.com/lucid-vigil/warden/pkg/model"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = fmt.Errorf("record not found")

// DetectionFilter narrows counting queries.
type DetectionFilter struct {
	MaliciousOnly bool
	// Feedback counts only detections carrying this analyst label.
	Feedback model.FeedbackLabel
	// FlaggedState is consulted when Feedback is set: true counts flagged
	// detections, false counts unflagged ones.
	FlaggedState *bool
}

// Store is the persistence collaborator consumed by the detection service.
type Store interface {
	InsertEvent(ctx context.Context, ev *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	InsertDetection(ctx context.Context, det *model.Detection) error
	GetDetection(ctx context.Context, id string) (*model.Detection, error)
	// ListDetections returns detections newest-first.
	ListDetections(ctx context.Context, skip, limit int, maliciousOnly bool) ([]*model.Detection, error)
	// UpdateDetectionExplanations merges explanation fields into an existing
	// detection; nil/empty fields are left untouched in storage only when the
	// caller passes them as nil.
	UpdateDetectionExplanations(ctx context.Context, id string, attribution *model.Attribution, surrogate *model.Surrogate, narrative string) error
	// UpdateDetectionFeedback writes the feedback label, notes, and timestamp
	// together.
	UpdateDetectionFeedback(ctx context.Context, id string, fb model.Feedback) error

	CountEvents(ctx context.Context) (int, error)
	CountDetections(ctx context.Context, filter DetectionFilter) (int, error)
	// RecentMalicious returns the newest n malicious detections.
	RecentMalicious(ctx context.Context, n int) ([]*model.Detection, error)

	Close() error
}

// Flagged is a convenience for DetectionFilter.FlaggedState.
func Flagged(v bool) *bool {
	return &v
}
