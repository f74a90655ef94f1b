package dto

import (
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// Snowflake ids exceed the integer precision of JSON clients, so they travel
// as strings.

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	CreatorID int64 `json:"creator_id,string"`
}

// MemberRequest names the acting staff member and the user being changed.
type MemberRequest struct {
	ActorID int64 `json:"actor_id,string"`
	UserID  int64 `json:"user_id,string"`
}

// ActorRequest carries the acting staff member for state transitions.
type ActorRequest struct {
	ActorID int64 `json:"actor_id,string"`
}

// TicketResponse is the wire form of a ticket.
type TicketResponse struct {
	ID            string              `json:"id"`
	GuildID       int64               `json:"guild_id,string"`
	ChannelID     int64               `json:"channel_id,string"`
	CreatorID     int64               `json:"creator_id,string"`
	Status        domain.TicketStatus `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	ClosedAt      *time.Time          `json:"closed_at"`
	ArchivedAt    *time.Time          `json:"archived_at"`
	Participants  []string            `json:"participants"`
	AssignedStaff []string            `json:"assigned_staff"`
	TranscriptRef *string             `json:"transcript_ref"`
}

// TicketListResponse wraps a status listing.
type TicketListResponse struct {
	Data []TicketResponse `json:"data"`
}
