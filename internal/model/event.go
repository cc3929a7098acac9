package model

import "time"

// EventType classifies an event emitted by the delegation layer.
type EventType string

// Event type constants.
const (
	EventResourceLaunched EventType = "resource_launched"
	EventEngine           EventType = "engine_event"
	EventStepFailure      EventType = "step_failure"
	EventRunFailure       EventType = "run_failure"
	EventCorrelationLost  EventType = "correlation_lost"
)

// MetadataEntry is a labelled value attached to an event.
type MetadataEntry struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Event is a structured record delivered to the orchestrator's event sink.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	StepKey   string          `json:"step_key,omitempty"`
	Message   string          `json:"message"`
	Metadata  []MetadataEntry `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent builds an event for the given unit, stamped with the current time.
func NewEvent(typ EventType, u WorkUnit, message string, metadata ...MetadataEntry) Event {
	now := time.Now().UTC()
	return Event{
		ID:        NewIDAt(now),
		Type:      typ,
		RunID:     u.RunID,
		StepKey:   u.StepKey,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: now,
	}
}

// FailureEventType returns the failure event type matching the unit's granularity.
func FailureEventType(u WorkUnit) EventType {
	if u.Granularity() == GranularityStep {
		return EventStepFailure
	}
	return EventRunFailure
}

// Failure reports whether the event signals a failed run or step.
func (e Event) Failure() bool {
	return e.Type == EventStepFailure || e.Type == EventRunFailure
}
