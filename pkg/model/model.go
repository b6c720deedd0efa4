// Package model holds the shared record types exchanged between the API,
// the detection service, and the store.
package model

import (
	"fmt"
	"time"
)

// Event is one observed process-creation record. Events are created once and
// never mutated; the raw command line and process name are stored exactly as
// received.
type Event struct {
	ID             string                 `json:"id"`
	ExternalID     string                 `json:"event_id"`
	Timestamp      time.Time              `json:"timestamp"`
	ProcessName    string                 `json:"process_name"`
	CommandLine    string                 `json:"command_line"`
	ParentImage    string                 `json:"parent_image,omitempty"`
	User           string                 `json:"user,omitempty"`
	IntegrityLevel string                 `json:"integrity_level,omitempty"`
	RawData        map[string]interface{} `json:"raw_event_data,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Detection is the scored outcome for one Event. It is created right after
// scoring, updated once when explanations complete, and updated again if
// analyst feedback arrives.
type Detection struct {
	ID                string             `json:"id"`
	EventID           string             `json:"event_id"`
	Timestamp         time.Time          `json:"timestamp"`
	MaliciousScore    float64            `json:"malicious_score"`
	RandomForestScore float64            `json:"random_forest_score"`
	LSTMScore         float64            `json:"lstm_score"`
	IsMalicious       bool               `json:"is_malicious"`
	Features          map[string]float64 `json:"features"`

	Attribution *Attribution `json:"shap_values,omitempty"`
	Surrogate   *Surrogate   `json:"lime_explanation,omitempty"`
	Narrative   string       `json:"narrative_explanation,omitempty"`

	AnalystFeedback   FeedbackLabel `json:"analyst_feedback,omitempty"`
	AnalystNotes      string        `json:"analyst_notes,omitempty"`
	FeedbackTimestamp *time.Time    `json:"feedback_timestamp,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Event     *Event    `json:"event,omitempty"`
}

// Attribution is a per-feature contribution explanation relative to a model
// baseline.
type Attribution struct {
	Values      map[string]float64 `json:"values"`
	TopPositive []string           `json:"top_positive"`
	TopNegative []string           `json:"top_negative"`
	BaseValue   float64            `json:"base_value"`
}

// Surrogate is a local interpretable approximation of the model around one
// input.
type Surrogate struct {
	Weights    map[string]float64 `json:"weights"`
	Prediction float64            `json:"prediction"`
}

// FeedbackLabel is the closed set of analyst ground-truth labels.
type FeedbackLabel string

const (
	FeedbackTruePositive  FeedbackLabel = "true_positive"
	FeedbackFalsePositive FeedbackLabel = "false_positive"
	FeedbackTrueNegative  FeedbackLabel = "true_negative"
	FeedbackFalseNegative FeedbackLabel = "false_negative"
)

// ErrInvalidFeedback is returned when a feedback label is outside the closed
// enumeration.
var ErrInvalidFeedback = fmt.Errorf("invalid feedback label")

// Validate rejects any label outside the closed enumeration before it can
// reach persistence.
func (f FeedbackLabel) Validate() error {
	switch f {
	case FeedbackTruePositive, FeedbackFalsePositive, FeedbackTrueNegative, FeedbackFalseNegative:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidFeedback, string(f))
}

// Feedback is an analyst-supplied ground-truth label for a Detection.
type Feedback struct {
	DetectionID string        `json:"detection_id"`
	Label       FeedbackLabel `json:"feedback"`
	Notes       string        `json:"notes,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// DetectionSummary is the compact shape used in statistics listings.
type DetectionSummary struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Score       float64   `json:"score"`
	ProcessName string    `json:"process"`
}

// Stats is the aggregate view over stored events, detections, and feedback.
type Stats struct {
	TotalEvents         int                `json:"total_events"`
	TotalDetections     int                `json:"total_detections"`
	MaliciousDetections int                `json:"malicious_detections"`
	FalsePositives      int                `json:"false_positives"`
	FalseNegatives      int                `json:"false_negatives"`
	DetectionRate       float64            `json:"detection_rate"`
	FalsePositiveRate   float64            `json:"false_positive_rate"`
	RecentDetections    []DetectionSummary `json:"recent_detections"`
}
