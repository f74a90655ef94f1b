package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/events"
)

// AuditService records lifecycle events in the service log and, where a guild
// has a log channel configured, in that channel.
type AuditService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	guilds     GuildDirectory
	notifier   Notifier
}

// NewAuditService creates the service. notifier may be nil.
func NewAuditService(dispatcher events.Dispatcher, logger *zap.Logger, guilds GuildDirectory, notifier Notifier) *AuditService {
	return &AuditService{
		dispatcher: dispatcher,
		logger:     logger.Named("audit"),
		guilds:     guilds,
		notifier:   notifier,
	}
}

// RegisterHandlers subscribes to every lifecycle event.
func (a *AuditService) RegisterHandlers() {
	if a.dispatcher == nil {
		return
	}
	events.SubscribeAll(a.dispatcher, a.handle)
}

func (a *AuditService) handle(ctx context.Context, event events.Event) error {
	a.logger.Info(string(event.Type),
		zap.String("event_id", event.ID),
		zap.String("ticket_id", event.TicketID),
		zap.Int64("guild_id", event.GuildID),
		zap.Int64("actor_id", event.ActorID),
		zap.Int64("target_id", event.TargetID),
		zap.Any("payload", event.Payload),
	)
	return a.postToLogChannel(ctx, event)
}

func (a *AuditService) postToLogChannel(ctx context.Context, event events.Event) error {
	if a.notifier == nil || a.guilds == nil {
		return nil
	}
	channelID := a.guilds.Get(event.GuildID).LogChannel
	if channelID == 0 {
		return nil
	}
	if err := a.notifier.PostLog(ctx, channelID, FormatAuditLine(event)); err != nil {
		return fmt.Errorf("post audit line: %w", err)
	}
	return nil
}

// FormatAuditLine renders event as a single chat message.
func FormatAuditLine(event events.Event) string {
	switch event.Type {
	case events.EventTicketCreated:
		return fmt.Sprintf("Ticket %s opened by <@%d>", event.TicketID, event.ActorID)
	case events.EventParticipantAdded:
		return fmt.Sprintf("<@%d> added <@%d> to ticket %s", event.ActorID, event.TargetID, event.TicketID)
	case events.EventParticipantRemoved:
		return fmt.Sprintf("<@%d> removed <@%d> from ticket %s", event.ActorID, event.TargetID, event.TicketID)
	case events.EventStaffAssigned:
		return fmt.Sprintf("<@%d> assigned <@%d> to ticket %s", event.ActorID, event.TargetID, event.TicketID)
	case events.EventStaffUnassigned:
		return fmt.Sprintf("<@%d> unassigned <@%d> from ticket %s", event.ActorID, event.TargetID, event.TicketID)
	case events.EventTicketClosed:
		return fmt.Sprintf("Ticket %s closed by <@%d>", event.TicketID, event.ActorID)
	case events.EventTicketArchived:
		return fmt.Sprintf("Ticket %s archived by <@%d>", event.TicketID, event.ActorID)
	}
	return fmt.Sprintf("Ticket %s: %s", event.TicketID, event.Type)
}
