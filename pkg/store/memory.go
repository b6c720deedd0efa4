package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lucid-vigil/warden/pkg/model"
)

// MemoryStore is an in-memory Store used in tests and ephemeral runs.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string]*model.Event
	detections map[string]*model.Detection
	order      []string // detection ids in insertion order
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string]*model.Event),
		detections: make(map[string]*model.Detection),
	}
}

// InsertEvent implements Store.
func (s *MemoryStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

// GetEvent implements Store.
func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// InsertDetection implements Store.
func (s *MemoryStore) InsertDetection(ctx context.Context, det *model.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *det
	s.detections[det.ID] = &cp
	s.order = append(s.order, det.ID)
	return nil
}

// GetDetection implements Store.
func (s *MemoryStore) GetDetection(ctx context.Context, id string) (*model.Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	det, ok := s.detections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *det
	return &cp, nil
}

// ListDetections implements Store.
func (s *MemoryStore) ListDetections(ctx context.Context, skip, limit int, maliciousOnly bool) ([]*model.Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sortedNewestFirst()

	out := make([]*model.Detection, 0, limit)
	seen := 0
	for _, det := range all {
		if maliciousOnly && !det.IsMalicious {
			continue
		}
		if seen < skip {
			seen++
			continue
		}
		cp := *det
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpdateDetectionExplanations implements Store.
func (s *MemoryStore) UpdateDetectionExplanations(ctx context.Context, id string, attribution *model.Attribution, surrogate *model.Surrogate, narrative string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	det, ok := s.detections[id]
	if !ok {
		return ErrNotFound
	}
	if attribution != nil {
		det.Attribution = attribution
	}
	if surrogate != nil {
		det.Surrogate = surrogate
	}
	if narrative != "" {
		det.Narrative = narrative
	}
	return nil
}

// UpdateDetectionFeedback implements Store.
func (s *MemoryStore) UpdateDetectionFeedback(ctx context.Context, id string, fb model.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	det, ok := s.detections[id]
	if !ok {
		return ErrNotFound
	}
	det.AnalystFeedback = fb.Label
	det.AnalystNotes = fb.Notes
	ts := fb.Timestamp
	det.FeedbackTimestamp = &ts
	return nil
}

// CountEvents implements Store.
func (s *MemoryStore) CountEvents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// CountDetections implements Store.
func (s *MemoryStore) CountDetections(ctx context.Context, filter DetectionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, det := range s.detections {
		if filter.MaliciousOnly && !det.IsMalicious {
			continue
		}
		if filter.Feedback != "" {
			if det.AnalystFeedback != filter.Feedback {
				continue
			}
			if filter.FlaggedState != nil && det.IsMalicious != *filter.FlaggedState {
				continue
			}
		}
		count++
	}
	return count, nil
}

// RecentMalicious implements Store.
func (s *MemoryStore) RecentMalicious(ctx context.Context, n int) ([]*model.Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Detection, 0, n)
	for _, det := range s.sortedNewestFirst() {
		if !det.IsMalicious {
			continue
		}
		cp := *det
		out = append(out, &cp)
		if len(out) >= n {
			break
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) sortedNewestFirst() []*model.Detection {
	all := make([]*model.Detection, 0, len(s.detections))
	for _, id := range s.order {
		all = append(all, s.detections[id])
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	return all
}
