package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated      EventType = "ticket_created"
	EventParticipantAdded   EventType = "participant_added"
	EventParticipantRemoved EventType = "participant_removed"
	EventStaffAssigned      EventType = "staff_assigned"
	EventStaffUnassigned    EventType = "staff_unassigned"
	EventTicketClosed       EventType = "ticket_closed"
	EventTicketArchived     EventType = "ticket_archived"
)

// AllEventTypes lists every type the lifecycle manager emits.
var AllEventTypes = []EventType{
	EventTicketCreated,
	EventParticipantAdded,
	EventParticipantRemoved,
	EventStaffAssigned,
	EventStaffUnassigned,
	EventTicketClosed,
	EventTicketArchived,
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TicketID  string      `json:"ticket_id"`
	GuildID   int64       `json:"guild_id"`
	ChannelID int64       `json:"channel_id,omitempty"`
	ActorID   int64       `json:"actor_id"`
	TargetID  int64       `json:"target_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// New builds an event about ticket performed by actorID.
func New(eventType EventType, ticket *domain.Ticket, actorID, targetID int64, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TicketID:  ticket.ID,
		GuildID:   ticket.GuildID,
		ChannelID: ticket.ChannelID,
		ActorID:   actorID,
		TargetID:  targetID,
		Timestamp: domain.Now(),
		Payload:   payload,
	}
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	CreatorID int64 `json:"creator_id"`
}

// ParticipantChangedPayload describes a membership change. Participant and
// Staff hold the target's memberships after the change.
type ParticipantChangedPayload struct {
	Role        domain.ParticipantRole `json:"role"`
	Participant bool                   `json:"participant"`
	Staff       bool                   `json:"staff"`
}

// ParticipantChange builds the payload for a change of role applied to userID
// on the updated ticket.
func ParticipantChange(updated *domain.Ticket, userID int64, role domain.ParticipantRole) ParticipantChangedPayload {
	return ParticipantChangedPayload{
		Role:        role,
		Participant: updated.HasParticipant(userID),
		Staff:       updated.HasStaff(userID),
	}
}

// TicketClosedPayload payload.
type TicketClosedPayload struct {
	ClosedAt time.Time `json:"closed_at"`
}

// TicketArchivedPayload payload.
type TicketArchivedPayload struct {
	ArchivedAt time.Time `json:"archived_at"`
}
