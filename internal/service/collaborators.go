package service

import (
	"context"
	"iter"
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// TicketStore is the persistence surface the lifecycle manager needs. The
// persistence facade satisfies it.
type TicketStore interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	FetchByID(ctx context.Context, id string) (*domain.Ticket, error)
	FetchOpenByCreator(ctx context.Context, guildID, creatorID int64) (*domain.Ticket, error)
	FetchByChannel(ctx context.Context, guildID, channelID int64) (*domain.Ticket, error)
	CompareAndSetStatus(ctx context.Context, id string, next domain.TicketStatus, at time.Time) (*domain.Ticket, error)
	SetChannel(ctx context.Context, id string, channelID int64) error
	SetTranscriptRef(ctx context.Context, id, ref string) error
	AddParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole) (*domain.Ticket, error)
	RemoveParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole) (*domain.Ticket, error)
	ListByStatus(ctx context.Context, guildID int64, status domain.TicketStatus) iter.Seq2[domain.Ticket, error]
	GuildsWithStatus(ctx context.Context, status domain.TicketStatus) ([]int64, error)
}

// ChannelProvisioner creates the private channel backing a new ticket and
// returns its id. ReleaseChannel removes a channel whose ticket was abandoned.
type ChannelProvisioner interface {
	ProvisionChannel(ctx context.Context, guildID int64, ticketID string, participants []int64) (int64, error)
	ReleaseChannel(ctx context.Context, channelID int64) error
}

// RoleLookup answers whether a user holds staff capability in a guild.
type RoleLookup interface {
	HasStaffRole(ctx context.Context, guildID, userID int64) (bool, error)
}

// TranscriptCapturer records a ticket's conversation and returns an opaque
// reference to the stored transcript.
type TranscriptCapturer interface {
	CaptureTranscript(ctx context.Context, ticket *domain.Ticket) (string, error)
}

// Confirmations issues and checks tokens approving destructive actions.
type Confirmations interface {
	Issue(action, ticketID string, actorID, targetID int64) (string, error)
	Verify(token, action, ticketID string, actorID, targetID int64) error
}

// GuildDirectory exposes per-guild settings.
type GuildDirectory interface {
	Get(guildID int64) config.GuildConfig
	IDs() []int64
}

// Notifier posts a line of text to a chat channel.
type Notifier interface {
	PostLog(ctx context.Context, channelID int64, message string) error
}
