package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeBooked                   Type = "BOOKED"
	TypeModified                 Type = "MODIFIED"
	TypeCancelled                Type = "CANCELLED"
	TypeInvalidatedForReschedule Type = "INVALIDATED_FOR_RESCHEDULE"
	TypeRebooked                 Type = "REBOOKED"
	TypeEscalationRequired       Type = "ESCALATION_REQUIRED"
)

// Event is the outbound message consumed by the notification gateway.
// Delivery is at-least-once; consumers de-duplicate on ID.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          Type           `json:"type"`
	AppointmentID uuid.UUID      `json:"appointment_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func New(t Type, appointmentID uuid.UUID, payload map[string]any) Event {
	return Event{
		ID:            uuid.New(),
		Type:          t,
		AppointmentID: appointmentID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// Gateway delivers events to the downstream notification service.
// The engine treats it as fire-and-forget: a failed publish is logged by the
// caller and never fails the scheduling operation that produced the event.
type Gateway interface {
	Publish(ctx context.Context, ev Event) error
}

// NopGateway drops every event. Used when AMQP_URL is not configured.
type NopGateway struct{}

func (NopGateway) Publish(context.Context, Event) error { return nil }
