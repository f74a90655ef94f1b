package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/transcript"
)

// Discord caps message history requests at 100 per call.
const historyPageSize = 100

const (
	memberAllow = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionAttachFiles
	staffAllow = memberAllow | discordgo.PermissionManageMessages
)

// API is the subset of *discordgo.Session the gateway calls.
type API interface {
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error
	ChannelPermissionDelete(channelID, targetID string, options ...discordgo.RequestOption) error
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// TranscriptSaver persists captured transcripts.
type TranscriptSaver interface {
	Save(ctx context.Context, t *transcript.Transcript) (string, error)
}

// Gateway implements the chat platform collaborators on top of the Discord
// REST API: channel provisioning, staff role lookup, transcript capture and
// log channel posts.
type Gateway struct {
	api          API
	guilds       *config.Guilds
	transcripts  TranscriptSaver
	messageLimit int
	logger       *zap.Logger
	now          func() time.Time
}

// NewSession opens a bot session for REST calls.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return session, nil
}

// NewGateway wires the gateway. messageLimit bounds transcript capture.
func NewGateway(api API, guilds *config.Guilds, transcripts TranscriptSaver, messageLimit int, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if messageLimit <= 0 {
		messageLimit = 1000
	}
	return &Gateway{
		api:          api,
		guilds:       guilds,
		transcripts:  transcripts,
		messageLimit: messageLimit,
		logger:       logger.Named("discord"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ProvisionChannel creates a private text channel for the ticket under the
// guild's ticket category. Participants and staff roles can see it; everyone
// else is denied.
func (g *Gateway) ProvisionChannel(ctx context.Context, guildID int64, ticketID string, participants []int64) (int64, error) {
	settings := g.guilds.Get(guildID)
	data := discordgo.GuildChannelCreateData{
		Name:                 ChannelName(ticketID),
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                "Support ticket " + ticketID,
		PermissionOverwrites: channelOverwrites(guildID, settings, participants),
	}
	if settings.TicketCategory > 0 {
		data.ParentID = id(settings.TicketCategory)
	}

	channel, err := g.api.GuildChannelCreateComplex(id(guildID), data, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("create channel: %w", err)
	}
	channelID, err := strconv.ParseInt(channel.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("channel id %q: %w", channel.ID, err)
	}
	g.logger.Debug("ticket channel created",
		zap.String("ticket_id", ticketID),
		zap.Int64("guild_id", guildID),
		zap.Int64("channel_id", channelID),
	)
	return channelID, nil
}

// ReleaseChannel deletes a ticket channel that never got bound to its ticket.
// A channel that is already gone counts as released.
func (g *Gateway) ReleaseChannel(ctx context.Context, channelID int64) error {
	if _, err := g.api.ChannelDelete(id(channelID), discordgo.WithContext(ctx)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

// HasStaffRole reports whether userID is a configured staff user or holds one
// of the guild's staff roles. Users who left the guild are not staff.
func (g *Gateway) HasStaffRole(ctx context.Context, guildID, userID int64) (bool, error) {
	settings := g.guilds.Get(guildID)
	if slices.Contains(settings.StaffUsers, userID) {
		return true, nil
	}
	if len(settings.StaffRoles) == 0 {
		return false, nil
	}
	member, err := g.api.GuildMember(id(guildID), id(userID), discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("fetch member: %w", err)
	}
	for _, roleID := range member.Roles {
		parsed, err := strconv.ParseInt(roleID, 10, 64)
		if err != nil {
			continue
		}
		if g.guilds.IsStaffRole(guildID, parsed) {
			return true, nil
		}
	}
	return false, nil
}

// CaptureTranscript reads the ticket channel's history, oldest first, up to
// the configured limit and stores it. Tickets without a channel get an empty
// transcript.
func (g *Gateway) CaptureTranscript(ctx context.Context, ticket *domain.Ticket) (string, error) {
	doc := &transcript.Transcript{
		TicketID:   ticket.ID,
		GuildID:    ticket.GuildID,
		ChannelID:  ticket.ChannelID,
		CreatorID:  ticket.CreatorID,
		CapturedAt: g.now(),
		Messages:   []transcript.Message{},
	}
	if ticket.ChannelID > 0 {
		messages, truncated, err := g.history(ctx, id(ticket.ChannelID))
		if err != nil {
			return "", err
		}
		doc.Messages = messages
		doc.Truncated = truncated
	}

	ref, err := g.transcripts.Save(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("save transcript: %w", err)
	}
	g.logger.Info("transcript captured",
		zap.String("ticket_id", ticket.ID),
		zap.Int("messages", len(doc.Messages)),
		zap.Bool("truncated", doc.Truncated),
	)
	return ref, nil
}

func (g *Gateway) history(ctx context.Context, channelID string) ([]transcript.Message, bool, error) {
	var (
		collected []*discordgo.Message
		before    string
	)
	for len(collected) < g.messageLimit {
		batch := min(historyPageSize, g.messageLimit-len(collected))
		page, err := g.api.ChannelMessages(channelID, batch, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, false, fmt.Errorf("fetch messages: %w", err)
		}
		collected = append(collected, page...)
		if len(page) < batch {
			return convertMessages(collected), false, nil
		}
		before = page[len(page)-1].ID
	}

	// A full final page means older messages may remain.
	older, err := g.api.ChannelMessages(channelID, 1, before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, false, fmt.Errorf("fetch messages: %w", err)
	}
	return convertMessages(collected), len(older) > 0, nil
}

// PostLog sends message to channelID.
func (g *Gateway) PostLog(ctx context.Context, channelID int64, message string) error {
	if _, err := g.api.ChannelMessageSend(id(channelID), message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("post log: %w", err)
	}
	return nil
}

// ChannelName derives the channel name for a ticket.
func ChannelName(ticketID string) string {
	return strings.ToLower(ticketID)
}

func channelOverwrites(guildID int64, settings config.GuildConfig, participants []int64) []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{{
		// The @everyone role shares the guild's id.
		ID:   id(guildID),
		Type: discordgo.PermissionOverwriteTypeRole,
		Deny: discordgo.PermissionViewChannel,
	}}
	for _, roleID := range settings.StaffRoles {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    id(roleID),
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: staffAllow,
		})
	}
	for _, userID := range participants {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    id(userID),
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: memberAllow,
		})
	}
	return overwrites
}

// convertMessages turns newest-first API pages into a chronological transcript.
func convertMessages(in []*discordgo.Message) []transcript.Message {
	out := make([]transcript.Message, 0, len(in))
	for i := len(in) - 1; i >= 0; i-- {
		m := in[i]
		msg := transcript.Message{
			ID:        m.ID,
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC(),
		}
		if m.Author != nil {
			msg.AuthorID = m.Author.ID
			msg.Author = m.Author.Username
		}
		for _, a := range m.Attachments {
			msg.Attachments = append(msg.Attachments, transcript.Attachment{
				ID:          a.ID,
				URL:         a.URL,
				ProxyURL:    a.ProxyURL,
				Name:        a.Filename,
				ContentType: a.ContentType,
				Size:        a.Size,
			})
		}
		out = append(out, msg)
	}
	return out
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}
