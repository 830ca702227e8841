package eventing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates alert lifecycle changes.
type EventType string

const (
	EventCreated      EventType = "created"
	EventAcknowledged EventType = "acknowledged"
	EventEscalated    EventType = "escalated"
	EventResolved     EventType = "resolved"
)

// ErrInvalidEvent marks a malformed alert event.
var ErrInvalidEvent = errors.New("eventing: invalid event")

// Valid returns true when the type is a known lifecycle change.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventAcknowledged, EventEscalated, EventResolved:
		return true
	default:
		return false
	}
}

// AlertEvent describes one alert lifecycle change. It is never mutated after creation.
type AlertEvent struct {
	ID              string          `json:"id"`
	Type            EventType       `json:"type"`
	AlertID         string          `json:"alert_id"`
	HospitalScopeID string          `json:"hospital_scope_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	EmittedAt       time.Time       `json:"emitted_at"`
}

// Meta provides event overrides.
type Meta struct {
	EventID   string
	EmittedAt time.Time
}

// NewAlertEvent builds an event, marshalling payload when it is not already raw JSON.
func NewAlertEvent(eventType EventType, alertID, scopeID string, payload any, meta Meta) (AlertEvent, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return AlertEvent{}, err
	}
	emittedAt := meta.EmittedAt
	if emittedAt.IsZero() {
		emittedAt = time.Now().UTC()
	}
	eventID := meta.EventID
	if eventID == "" {
		eventID = NewEventID()
	}
	evt := AlertEvent{
		ID:              eventID,
		Type:            eventType,
		AlertID:         alertID,
		HospitalScopeID: scopeID,
		Payload:         raw,
		EmittedAt:       emittedAt.UTC(),
	}
	if err := evt.Validate(); err != nil {
		return AlertEvent{}, err
	}
	return evt, nil
}

// Validate checks event invariants.
func (e AlertEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.AlertID == "" {
		return fmt.Errorf("%w: empty alert id", ErrInvalidEvent)
	}
	if e.HospitalScopeID == "" {
		return fmt.Errorf("%w: empty hospital scope id", ErrInvalidEvent)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not json", ErrInvalidEvent)
	}
	return nil
}

// DecodePayload unmarshals the payload into target.
func (e AlertEvent) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, target)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch value := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return value, nil
	case []byte:
		return json.RawMessage(value), nil
	default:
		return json.Marshal(value)
	}
}

// NewEventID returns a random UUIDv4 string.
func NewEventID() string { return uuid.NewString() }
