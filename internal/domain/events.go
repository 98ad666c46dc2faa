package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AggregateTypePaper is the aggregate type stamped on published paper events.
const AggregateTypePaper = "paper"

// EventEnvelope is the message shape published to the event broker by the
// relay. Envelopes wrap persisted processing events; the relay guarantees
// at-least-once delivery, so consumers deduplicate on EventID.
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	EventVersion  int             `json:"event_version"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Service       string          `json:"service"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// ProcessingEventPayload is the envelope payload for processing events.
type ProcessingEventPayload struct {
	TaskID     uuid.UUID    `json:"task_id"`
	PaperID    uuid.UUID    `json:"paper_id"`
	Step       int          `json:"step"`
	TotalSteps int          `json:"total_steps"`
	Percentage int          `json:"percentage"`
	Message    string       `json:"message"`
	Details    EventDetails `json:"details,omitempty"`
}

// NewEventEnvelope wraps a persisted processing event for publication.
func NewEventEnvelope(ev *ProcessingEvent, service string) (*EventEnvelope, error) {
	payload, err := json.Marshal(ProcessingEventPayload{
		TaskID:     ev.TaskID,
		PaperID:    ev.PaperID,
		Step:       ev.Step,
		TotalSteps: ev.TotalSteps,
		Percentage: ev.Percentage,
		Message:    ev.Message,
		Details:    ev.Details,
	})
	if err != nil {
		return nil, err
	}

	return &EventEnvelope{
		EventID:       ev.ID.String(),
		EventVersion:  1,
		EventType:     ev.EventType,
		AggregateID:   ev.PaperID.String(),
		AggregateType: AggregateTypePaper,
		Service:       service,
		Payload:       payload,
		OccurredAt:    ev.CreatedAt,
	}, nil
}
