package discord

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/transcript"
)

type permissionCall struct {
	channelID string
	targetID  string
	allow     int64
	deleted   bool
}

type fakeAPI struct {
	mu          sync.Mutex
	created     []discordgo.GuildChannelCreateData
	members     map[string]*discordgo.Member
	memberErr   error
	history     []*discordgo.Message // newest first
	sent        map[string][]string
	permissions []permissionCall
	deleted     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{members: map[string]*discordgo.Member{}, sent: map[string][]string{}}
}

func (f *fakeAPI) GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, data)
	return &discordgo.Channel{ID: "900" + strconv.Itoa(len(f.created)), GuildID: guildID, Name: data.Name}, nil
}

func (f *fakeAPI) GuildMember(_, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	m, ok := f.members[userID]
	if !ok {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	}
	return m, nil
}

func (f *fakeAPI) ChannelMessages(_ string, limit int, beforeID, _, _ string, _ ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	start := 0
	if beforeID != "" {
		for i, m := range f.history {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(f.history))
	return f.history[start:end], nil
}

func (f *fakeAPI) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[channelID] = append(f.sent[channelID], content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeAPI) ChannelPermissionSet(channelID, targetID string, _ discordgo.PermissionOverwriteType, allow, _ int64, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, permissionCall{channelID: channelID, targetID: targetID, allow: allow})
	return nil
}

func (f *fakeAPI) ChannelPermissionDelete(channelID, targetID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, permissionCall{channelID: channelID, targetID: targetID, deleted: true})
	return nil
}

func (f *fakeAPI) ChannelDelete(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slices.Contains(f.deleted, channelID) {
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	}
	f.deleted = append(f.deleted, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func testGuilds() *config.Guilds {
	return config.NewGuilds(map[int64]config.GuildConfig{
		7: {StaffRoles: []int64{500}, StaffUsers: []int64{9}, TicketCategory: 600, LogChannel: 800},
	})
}

func newTestGateway(t *testing.T, api API, limit int) (*Gateway, *transcript.Store) {
	t.Helper()
	store, err := transcript.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return NewGateway(api, testGuilds(), store, limit, nil), store
}

func TestProvisionChannel(t *testing.T) {
	api := newFakeAPI()
	gw, _ := newTestGateway(t, api, 0)

	channelID, err := gw.ProvisionChannel(context.Background(), 7, "TCK-ABCD1234", []int64{42})
	require.NoError(t, err)
	assert.Equal(t, int64(9001), channelID)

	require.Len(t, api.created, 1)
	data := api.created[0]
	assert.Equal(t, "tck-abcd1234", data.Name)
	assert.Equal(t, "600", data.ParentID)
	require.Len(t, data.PermissionOverwrites, 3)
	assert.Equal(t, "7", data.PermissionOverwrites[0].ID)
	assert.Equal(t, int64(discordgo.PermissionViewChannel), data.PermissionOverwrites[0].Deny)
	assert.Equal(t, "500", data.PermissionOverwrites[1].ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeRole, data.PermissionOverwrites[1].Type)
	assert.Equal(t, "42", data.PermissionOverwrites[2].ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeMember, data.PermissionOverwrites[2].Type)
	assert.NotZero(t, data.PermissionOverwrites[2].Allow&discordgo.PermissionViewChannel)
}

func TestReleaseChannel(t *testing.T) {
	api := newFakeAPI()
	gw, _ := newTestGateway(t, api, 0)

	require.NoError(t, gw.ReleaseChannel(context.Background(), 9001))
	require.NoError(t, gw.ReleaseChannel(context.Background(), 9001), "already deleted channel")
	assert.Equal(t, []string{"9001"}, api.deleted)
}

func TestHasStaffRole(t *testing.T) {
	api := newFakeAPI()
	api.members["10"] = &discordgo.Member{Roles: []string{"123", "500"}}
	api.members["11"] = &discordgo.Member{Roles: []string{"123"}}
	gw, _ := newTestGateway(t, api, 0)
	ctx := context.Background()

	for userID, want := range map[int64]bool{9: true, 10: true, 11: false, 12: false} {
		got, err := gw.HasStaffRole(ctx, 7, userID)
		require.NoError(t, err)
		assert.Equal(t, want, got, "user %d", userID)
	}

	ok, err := gw.HasStaffRole(ctx, 99, 10)
	require.NoError(t, err)
	assert.False(t, ok, "unconfigured guild has no staff roles")

	api.memberErr = errors.New("gateway down")
	_, err = gw.HasStaffRole(ctx, 7, 10)
	assert.Error(t, err)
}

func TestCaptureTranscriptOrdersAndBounds(t *testing.T) {
	api := newFakeAPI()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 250; i >= 1; i-- {
		api.history = append(api.history, &discordgo.Message{
			ID:        strconv.Itoa(i),
			Content:   "message " + strconv.Itoa(i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Author:    &discordgo.User{ID: "42", Username: "creator"},
		})
	}

	gw, store := newTestGateway(t, api, 150)
	ticket := &domain.Ticket{ID: "TCK-1", GuildID: 7, ChannelID: 700, CreatorID: 42}
	ref, err := gw.CaptureTranscript(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, "7/TCK-1.json.zst", ref)

	doc, err := store.Load(ref)
	require.NoError(t, err)
	require.Len(t, doc.Messages, 150)
	assert.True(t, doc.Truncated)
	assert.Equal(t, "101", doc.Messages[0].ID)
	assert.Equal(t, "250", doc.Messages[149].ID)
	assert.Equal(t, "creator", doc.Messages[0].Author)
}

func TestCaptureTranscriptShortHistory(t *testing.T) {
	api := newFakeAPI()
	api.history = []*discordgo.Message{
		{ID: "2", Content: "second", Attachments: []*discordgo.MessageAttachment{{ID: "a", Filename: "log.txt", Size: 12}}},
		{ID: "1", Content: "first"},
	}
	gw, store := newTestGateway(t, api, 0)

	ref, err := gw.CaptureTranscript(context.Background(), &domain.Ticket{ID: "TCK-2", GuildID: 7, ChannelID: 700})
	require.NoError(t, err)
	doc, err := store.Load(ref)
	require.NoError(t, err)
	assert.False(t, doc.Truncated)
	require.Len(t, doc.Messages, 2)
	assert.Equal(t, "first", doc.Messages[0].Content)
	require.Len(t, doc.Messages[1].Attachments, 1)
	assert.Equal(t, "log.txt", doc.Messages[1].Attachments[0].Name)

	ref, err = gw.CaptureTranscript(context.Background(), &domain.Ticket{ID: "TCK-3", GuildID: 7})
	require.NoError(t, err)
	doc, err = store.Load(ref)
	require.NoError(t, err)
	assert.Empty(t, doc.Messages)
}

func TestPostLog(t *testing.T) {
	api := newFakeAPI()
	gw, _ := newTestGateway(t, api, 0)
	require.NoError(t, gw.PostLog(context.Background(), 800, "hello"))
	assert.Equal(t, []string{"hello"}, api.sent["800"])
}

func TestPermissionSync(t *testing.T) {
	api := newFakeAPI()
	gw, _ := newTestGateway(t, api, 0)
	dispatcher := events.NewInMemoryDispatcher()
	gw.RegisterPermissionSync(dispatcher)
	ctx := context.Background()

	ticket := &domain.Ticket{ID: "TCK-1", GuildID: 7, ChannelID: 700, Participants: []int64{42, 77}, AssignedStaff: []int64{10}}
	publish := func(typ events.EventType, target int64, role domain.ParticipantRole) {
		require.NoError(t, dispatcher.Publish(ctx, events.New(typ, ticket, 9, target, events.ParticipantChange(ticket, target, role))))
	}

	publish(events.EventParticipantAdded, 77, domain.RoleParticipant)
	publish(events.EventStaffAssigned, 10, domain.RoleStaff)
	ticket.Participants = []int64{42}
	publish(events.EventParticipantRemoved, 77, domain.RoleParticipant)

	// Staff who is also a participant keeps member access after unassignment.
	ticket.Participants = []int64{42, 10}
	ticket.AssignedStaff = []int64{}
	publish(events.EventStaffUnassigned, 10, domain.RoleStaff)

	require.Len(t, api.permissions, 4)
	assert.Equal(t, permissionCall{channelID: "700", targetID: "77", allow: memberAllow}, api.permissions[0])
	assert.Equal(t, permissionCall{channelID: "700", targetID: "10", allow: staffAllow}, api.permissions[1])
	assert.Equal(t, permissionCall{channelID: "700", targetID: "77", deleted: true}, api.permissions[2])
	assert.Equal(t, permissionCall{channelID: "700", targetID: "10", allow: memberAllow}, api.permissions[3])

	// Tickets without a channel are ignored.
	ticket.ChannelID = 0
	publish(events.EventParticipantAdded, 77, domain.RoleParticipant)
	assert.Len(t, api.permissions, 4)
}
