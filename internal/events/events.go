// Package events publishes processing lifecycle events to Kafka in batches.
package events

import "time"

type EventType string

const (
	EventStarted   EventType = "processing_started"
	EventCompleted EventType = "processing_completed"
	EventFailed    EventType = "processing_failed"
	EventSkipped   EventType = "processing_skipped"
	EventCacheHit  EventType = "cache_hit"
	EventCacheMiss EventType = "cache_miss"
)

// ProcessingEvent describes one step of a unit of work. Key is the
// idempotency key or cache fingerprint the step belongs to.
type ProcessingEvent struct {
	Type      EventType `json:"type"`
	Operation string    `json:"operation"`
	WorkID    string    `json:"work_id"`
	Key       string    `json:"key,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker accepts events without blocking.
type Tracker interface {
	Track(ev ProcessingEvent)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Track(ProcessingEvent) {}
