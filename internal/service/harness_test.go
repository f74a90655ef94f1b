package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/auth"
	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/persistence"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const (
	testGuild   int64 = 7
	testCreator int64 = 42
	staffAlice  int64 = 9
	staffBob    int64 = 10
	outsider    int64 = 77
)

type fakeChannels struct {
	mu       sync.Mutex
	next     int64
	fail     bool
	groups   map[string][]int64
	released []int64
}

func (f *fakeChannels) ProvisionChannel(_ context.Context, _ int64, ticketID string, participants []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("missing permissions")
	}
	f.next++
	if f.groups == nil {
		f.groups = map[string][]int64{}
	}
	f.groups[ticketID] = participants
	return 5000 + f.next, nil
}

func (f *fakeChannels) ReleaseChannel(_ context.Context, channelID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, channelID)
	return nil
}

// bindingStore fails SetChannel on demand and delegates everything else.
type bindingStore struct {
	TicketStore
	fail atomic.Bool
}

func (b *bindingStore) SetChannel(ctx context.Context, id string, channelID int64) error {
	if b.fail.Load() {
		return apperrors.NewBackendError("set channel", errors.New("connection reset"), true)
	}
	return b.TicketStore.SetChannel(ctx, id, channelID)
}

type fakeTranscripts struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *fakeTranscripts) CaptureTranscript(_ context.Context, ticket *domain.Ticket) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return "", errors.New("channel history unavailable")
	}
	return fmt.Sprintf("%d/%s.json.zst", ticket.GuildID, ticket.ID), nil
}

type recordedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordedEvents) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordedEvents) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	svc         *TicketService
	store       *persistence.Facade
	binding     *bindingStore
	guilds      *config.Guilds
	channels    *fakeChannels
	transcripts *fakeTranscripts
	events      *recordedEvents
	dispatcher  events.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		Storage: config.StorageConfig{Backend: config.BackendSQLite, MaxConcurrent: 8, MaxQueue: 64, RetryAttempts: 3},
		SQLite:  config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "tickets.db")},
	}
	store, err := persistence.Open(context.Background(), cfg, observability.NewMetrics(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	guilds := config.NewGuilds(map[int64]config.GuildConfig{
		testGuild: {StaffUsers: []int64{staffAlice, staffBob}, LogChannel: 600},
	})
	h := &harness{
		store:       store,
		binding:     &bindingStore{TicketStore: store},
		guilds:      guilds,
		channels:    &fakeChannels{},
		transcripts: &fakeTranscripts{},
		events:      &recordedEvents{},
		dispatcher:  events.NewInMemoryDispatcher(),
	}
	events.SubscribeAll(h.dispatcher, h.events.handle)
	h.svc = NewTicketService(TicketDependencies{
		Store:         h.binding,
		Roles:         guilds,
		Channels:      h.channels,
		Transcripts:   h.transcripts,
		Confirmations: auth.NewConfirmationTokens("test-secret", time.Minute),
		Dispatcher:    h.dispatcher,
	})
	return h
}

func (h *harness) open(t *testing.T, creator int64) *domain.Ticket {
	t.Helper()
	ticket, err := h.svc.RequestCreate(context.Background(), testGuild, creator)
	require.NoError(t, err)
	return ticket
}
