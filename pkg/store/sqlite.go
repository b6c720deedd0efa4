package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lucid-vigil/warden/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	external_id TEXT,
	timestamp TIMESTAMP,
	process_name TEXT,
	command_line TEXT,
	parent_image TEXT,
	user TEXT,
	integrity_level TEXT,
	raw_data TEXT,
	created_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_external ON events(external_id);

CREATE TABLE IF NOT EXISTS detections (
	id TEXT PRIMARY KEY,
	event_id TEXT,
	timestamp TIMESTAMP,
	malicious_score REAL,
	random_forest_score REAL,
	lstm_score REAL,
	is_malicious INTEGER,
	features TEXT,
	attribution TEXT,
	surrogate TEXT,
	narrative TEXT,
	analyst_feedback TEXT,
	analyst_notes TEXT,
	feedback_timestamp TIMESTAMP,
	created_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp);
CREATE INDEX IF NOT EXISTS idx_detections_malicious ON detections(is_malicious);
`

// SQLiteStore persists records in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids lock
	// contention errors under concurrent submissions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// InsertEvent implements Store.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	raw, err := marshalJSON(ev.RawData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, external_id, timestamp, process_name, command_line, parent_image, user, integrity_level, raw_data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExternalID, ev.Timestamp, ev.ProcessName, ev.CommandLine,
		ev.ParentImage, ev.User, ev.IntegrityLevel, raw, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent implements Store.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, external_id, timestamp, process_name, command_line, parent_image, user, integrity_level, raw_data, created_at
		 FROM events WHERE id = ?`, id)

	var ev model.Event
	var raw sql.NullString
	err := row.Scan(&ev.ID, &ev.ExternalID, &ev.Timestamp, &ev.ProcessName, &ev.CommandLine,
		&ev.ParentImage, &ev.User, &ev.IntegrityLevel, &raw, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &ev.RawData); err != nil {
			return nil, fmt.Errorf("decode event raw data: %w", err)
		}
	}
	return &ev, nil
}

// InsertDetection implements Store.
func (s *SQLiteStore) InsertDetection(ctx context.Context, det *model.Detection) error {
	featuresJSON, err := marshalJSON(det.Features)
	if err != nil {
		return err
	}
	attributionJSON, err := marshalJSON(det.Attribution)
	if err != nil {
		return err
	}
	surrogateJSON, err := marshalJSON(det.Surrogate)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detections (id, event_id, timestamp, malicious_score, random_forest_score, lstm_score, is_malicious,
		 features, attribution, surrogate, narrative, analyst_feedback, analyst_notes, feedback_timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		det.ID, det.EventID, det.Timestamp, det.MaliciousScore, det.RandomForestScore, det.LSTMScore, boolToInt(det.IsMalicious),
		featuresJSON, attributionJSON, surrogateJSON, det.Narrative,
		string(det.AnalystFeedback), det.AnalystNotes, det.FeedbackTimestamp, det.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// GetDetection implements Store.
func (s *SQLiteStore) GetDetection(ctx context.Context, id string) (*model.Detection, error) {
	row := s.db.QueryRowContext(ctx, detectionSelect+` WHERE id = ?`, id)
	det, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return det, err
}

// ListDetections implements Store.
func (s *SQLiteStore) ListDetections(ctx context.Context, skip, limit int, maliciousOnly bool) ([]*model.Detection, error) {
	query := detectionSelect
	args := []interface{}{}
	if maliciousOnly {
		query += ` WHERE is_malicious = 1`
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	var out []*model.Detection
	for rows.Next() {
		det, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	return out, rows.Err()
}

// UpdateDetectionExplanations implements Store.
func (s *SQLiteStore) UpdateDetectionExplanations(ctx context.Context, id string, attribution *model.Attribution, surrogate *model.Surrogate, narrative string) error {
	attributionJSON, err := marshalJSON(attribution)
	if err != nil {
		return err
	}
	surrogateJSON, err := marshalJSON(surrogate)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE detections SET
		 attribution = COALESCE(?, attribution),
		 surrogate = COALESCE(?, surrogate),
		 narrative = CASE WHEN ? != '' THEN ? ELSE narrative END
		 WHERE id = ?`,
		attributionJSON, surrogateJSON, narrative, narrative, id)
	if err != nil {
		return fmt.Errorf("update detection explanations: %w", err)
	}
	return requireRow(res)
}

// UpdateDetectionFeedback implements Store.
func (s *SQLiteStore) UpdateDetectionFeedback(ctx context.Context, id string, fb model.Feedback) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE detections SET analyst_feedback = ?, analyst_notes = ?, feedback_timestamp = ? WHERE id = ?`,
		string(fb.Label), fb.Notes, fb.Timestamp, id)
	if err != nil {
		return fmt.Errorf("update detection feedback: %w", err)
	}
	return requireRow(res)
}

// CountEvents implements Store.
func (s *SQLiteStore) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// CountDetections implements Store.
func (s *SQLiteStore) CountDetections(ctx context.Context, filter DetectionFilter) (int, error) {
	query := `SELECT COUNT(*) FROM detections WHERE 1=1`
	args := []interface{}{}
	if filter.MaliciousOnly {
		query += ` AND is_malicious = 1`
	}
	if filter.Feedback != "" {
		query += ` AND analyst_feedback = ?`
		args = append(args, string(filter.Feedback))
		if filter.FlaggedState != nil {
			query += ` AND is_malicious = ?`
			args = append(args, boolToInt(*filter.FlaggedState))
		}
	}

	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// RecentMalicious implements Store.
func (s *SQLiteStore) RecentMalicious(ctx context.Context, n int) ([]*model.Detection, error) {
	rows, err := s.db.QueryContext(ctx,
		detectionSelect+` WHERE is_malicious = 1 ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent malicious: %w", err)
	}
	defer rows.Close()

	var out []*model.Detection
	for rows.Next() {
		det, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const detectionSelect = `SELECT id, event_id, timestamp, malicious_score, random_forest_score, lstm_score, is_malicious,
 features, attribution, surrogate, narrative, analyst_feedback, analyst_notes, feedback_timestamp, created_at FROM detections`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDetection(row rowScanner) (*model.Detection, error) {
	var det model.Detection
	var isMalicious int
	var featuresJSON, attributionJSON, surrogateJSON, narrative, feedback, notes sql.NullString
	var feedbackTS sql.NullTime

	err := row.Scan(&det.ID, &det.EventID, &det.Timestamp, &det.MaliciousScore, &det.RandomForestScore, &det.LSTMScore,
		&isMalicious, &featuresJSON, &attributionJSON, &surrogateJSON, &narrative, &feedback, &notes, &feedbackTS, &det.CreatedAt)
	if err != nil {
		return nil, err
	}

	det.IsMalicious = isMalicious != 0
	det.Narrative = narrative.String
	det.AnalystFeedback = model.FeedbackLabel(feedback.String)
	det.AnalystNotes = notes.String
	if feedbackTS.Valid {
		ts := feedbackTS.Time
		det.FeedbackTimestamp = &ts
	}

	if featuresJSON.Valid && featuresJSON.String != "" {
		if err := json.Unmarshal([]byte(featuresJSON.String), &det.Features); err != nil {
			return nil, fmt.Errorf("decode detection features: %w", err)
		}
	}
	if attributionJSON.Valid && attributionJSON.String != "" {
		if err := json.Unmarshal([]byte(attributionJSON.String), &det.Attribution); err != nil {
			return nil, fmt.Errorf("decode detection attribution: %w", err)
		}
	}
	if surrogateJSON.Valid && surrogateJSON.String != "" {
		if err := json.Unmarshal([]byte(surrogateJSON.String), &det.Surrogate); err != nil {
			return nil, fmt.Errorf("decode detection surrogate: %w", err)
		}
	}
	return &det, nil
}

// marshalJSON encodes v, mapping nil values to SQL NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *model.Attribution:
		if val == nil {
			return nil, nil
		}
	case *model.Surrogate:
		if val == nil {
			return nil, nil
		}
	case map[string]interface{}:
		if val == nil {
			return nil, nil
		}
	case map[string]float64:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(raw), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
