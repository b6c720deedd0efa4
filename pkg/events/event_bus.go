// Package events carries detection lifecycle events between the scoring
// pipeline and its consumers so alert dispatch never blocks a scoring call.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/warden/pkg/model"
)

// EventType names a bus event class.
type EventType string

const (
	EventDetectionAlert    EventType = "detection_alert"
	EventDetectionRecorded EventType = "detection_recorded"
	EventFeedbackReceived  EventType = "feedback_received"
	EventModelReloaded     EventType = "model_reloaded"
)

// BusEvent is one message on the bus. Detection and Source are set for
// scoring events; Data carries anything else a publisher wants to attach.
type BusEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Detection *model.Detection       `json:"detection,omitempty"`
	Source    *model.Event           `json:"source,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler consumes bus events. GetEventTypes declares which classes the
// handler wants; Handle runs concurrently with other handlers of the same
// event.
type Handler interface {
	Handle(ctx context.Context, event BusEvent) error
	GetEventTypes() []EventType
}

// ErrBufferFull is returned when a publish would block; the event is dropped
// rather than stalling the scoring path.
var ErrBufferFull = fmt.Errorf("event bus buffer is full")

// Bus fans events out to subscribed handlers through a buffered channel.
type Bus struct {
	handlers map[EventType][]Handler
	buffer   chan BusEvent
	logger   zerolog.Logger
	mu       sync.RWMutex
	metrics  BusMetrics
	running  bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// BusMetrics is a snapshot of bus activity.
type BusMetrics struct {
	Published     int64            `json:"published"`
	Processed     int64            `json:"processed"`
	ByType        map[string]int64 `json:"by_type"`
	HandlerErrors int64            `json:"handler_errors"`
}

// NewBus creates a bus with the given buffer size (1000 when non-positive).
func NewBus(logger zerolog.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Bus{
		handlers: make(map[EventType][]Handler),
		buffer:   make(chan BusEvent, bufferSize),
		logger:   logger.With().Str("component", "event_bus").Logger(),
		stop:     make(chan struct{}),
		metrics:  BusMetrics{ByType: make(map[string]int64)},
	}
}

// Subscribe registers a handler for the event types it declares.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, eventType := range handler.GetEventTypes() {
		b.handlers[eventType] = append(b.handlers[eventType], handler)
		b.logger.Info().
			Str("event_type", string(eventType)).
			Msg("Handler subscribed to event type")
	}
}

// Publish enqueues an event without blocking. A full buffer drops the event
// and returns ErrBufferFull.
func (b *Bus) Publish(ctx context.Context, event BusEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.buffer <- event:
		b.mu.Lock()
		b.metrics.Published++
		b.metrics.ByType[string(event.Type)]++
		b.mu.Unlock()
		b.logger.Debug().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Event published to bus")
		return nil
	default:
		b.logger.Error().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Event bus buffer full, dropping event")
		return ErrBufferFull
	}
}

// Start begins draining the buffer. Safe to call once; a second call is a
// no-op.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.logger.Info().Msg("Event bus starting")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case event := <-b.buffer:
				b.dispatch(ctx, event)
			case <-ctx.Done():
				b.logger.Info().Msg("Event bus shutting down, context cancelled")
				return
			case <-b.stop:
				b.logger.Info().Msg("Event bus shutting down")
				return
			}
		}
	}()
}

// Stop drains the worker and waits for it to finish.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
	b.logger.Info().Msg("Event bus stopped")
}

func (b *Bus) dispatch(ctx context.Context, event BusEvent) {
	start := time.Now()

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug().
			Str("event_type", string(event.Type)).
			Msg("No handlers registered for event type")
		return
	}

	var wg sync.WaitGroup
	errorChan := make(chan error, len(handlers))
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errorChan <- err
				b.logger.Error().
					Err(err).
					Str("event_id", event.ID).
					Str("event_type", string(event.Type)).
					Msg("Handler error processing event")
			}
		}(handler)
	}
	wg.Wait()
	close(errorChan)

	errorCount := 0
	for range errorChan {
		errorCount++
	}

	b.mu.Lock()
	b.metrics.Processed++
	b.metrics.HandlerErrors += int64(errorCount)
	b.mu.Unlock()

	b.logger.Debug().
		Str("event_id", event.ID).
		Dur("processing_time", time.Since(start)).
		Int("handlers", len(handlers)).
		Int("errors", errorCount).
		Msg("Event processed by all handlers")
}

// GetMetrics returns a copy of the current counters.
func (b *Bus) GetMetrics() BusMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := BusMetrics{
		Published:     b.metrics.Published,
		Processed:     b.metrics.Processed,
		HandlerErrors: b.metrics.HandlerErrors,
		ByType:        make(map[string]int64, len(b.metrics.ByType)),
	}
	for k, v := range b.metrics.ByType {
		out.ByType[k] = v
	}
	return out
}
