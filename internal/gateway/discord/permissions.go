package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/events"
)

// RegisterPermissionSync keeps ticket channel overwrites in step with
// participant and staff changes.
func (g *Gateway) RegisterPermissionSync(dispatcher events.Dispatcher) {
	for _, t := range []events.EventType{
		events.EventParticipantAdded,
		events.EventParticipantRemoved,
		events.EventStaffAssigned,
		events.EventStaffUnassigned,
	} {
		dispatcher.Subscribe(t, g.syncPermissions)
	}
}

func (g *Gateway) syncPermissions(ctx context.Context, event events.Event) error {
	if event.ChannelID == 0 || event.TargetID == 0 {
		return nil
	}
	change, ok := event.Payload.(events.ParticipantChangedPayload)
	if !ok {
		return nil
	}

	channelID, userID := id(event.ChannelID), id(event.TargetID)
	var err error
	switch allow := overwriteFor(change); allow {
	case 0:
		err = g.api.ChannelPermissionDelete(channelID, userID, discordgo.WithContext(ctx))
	default:
		err = g.api.ChannelPermissionSet(channelID, userID, discordgo.PermissionOverwriteTypeMember, allow, 0, discordgo.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("sync channel permissions: %w", err)
	}
	g.logger.Debug("channel permissions synced",
		zap.String("ticket_id", event.TicketID),
		zap.Int64("channel_id", event.ChannelID),
		zap.Int64("user_id", event.TargetID),
		zap.String("event_type", string(event.Type)),
	)
	return nil
}

// overwriteFor returns the allow mask a user should hold after change; zero
// means the overwrite is removed.
func overwriteFor(change events.ParticipantChangedPayload) int64 {
	switch {
	case change.Staff:
		return staffAllow
	case change.Participant:
		return memberAllow
	}
	return 0
}
