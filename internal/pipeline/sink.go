package pipeline

import (
	"context"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/models"
)

// LogSink is the default status sink: every lifecycle event becomes one
// structured log line. Tests substitute their own sink to assert on events.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogSink{logger: logger.With().Str("component", "status_sink").Logger()}
}

// Emit implements the StatusSink contract used across the pipeline.
func (s *LogSink) Emit(_ context.Context, event models.StatusEvent) {
	evt := s.logger.Info()
	if event.EventType == models.StatusEventFailed || event.EventType == models.StatusEventDLQ {
		evt = s.logger.Warn()
	}
	evt.
		Str("message_id", event.MessageID).
		Str("event", event.EventType).
		Int("attempt", event.Attempt).
		Str("provider_id", event.ProviderID).
		Str("error", event.Error).
		Msg("message status")
}

// CollectSink gathers events in memory; it exists for tests and local
// debugging.
type CollectSink struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

// Emit implements the StatusSink contract.
func (s *CollectSink) Emit(_ context.Context, event models.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of the collected events.
func (s *CollectSink) Events() []models.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StatusEvent, len(s.events))
	copy(out, s.events)
	return out
}
