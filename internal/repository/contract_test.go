package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

var errTicketIDTaken = &apperrors.DomainError{Kind: apperrors.KindConflict, Reason: apperrors.ReasonTicketIDTaken}

var ticketSeq struct {
	sync.Mutex
	n int
}

func newTicket(guildID, creatorID int64) *domain.Ticket {
	ticketSeq.Lock()
	ticketSeq.n++
	id := fmt.Sprintf("TCK-%08X", ticketSeq.n)
	ticketSeq.Unlock()
	return &domain.Ticket{
		ID:            id,
		GuildID:       guildID,
		CreatorID:     creatorID,
		Status:        domain.TicketStatusOpen,
		CreatedAt:     domain.Now(),
		Participants:  []int64{creatorID},
		AssignedStaff: []int64{},
	}
}

func TestCreateAndFetch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(ctx, ticket))

		got, err := repo.GetByID(ctx, ticket.ID)
		require.NoError(t, err)
		require.Equal(t, ticket.ID, got.ID)
		require.Equal(t, int64(7), got.GuildID)
		require.Equal(t, int64(42), got.CreatorID)
		require.Equal(t, domain.TicketStatusOpen, got.Status)
		require.True(t, ticket.CreatedAt.Equal(got.CreatedAt))
		require.Equal(t, time.UTC, got.CreatedAt.Location())
		require.Equal(t, []int64{42}, got.Participants)
		require.Empty(t, got.AssignedStaff)
		require.NotNil(t, got.AssignedStaff)
		require.Nil(t, got.ClosedAt)
		require.Nil(t, got.TranscriptRef)

		open, err := repo.GetOpenByCreator(ctx, 7, 42)
		require.NoError(t, err)
		require.Equal(t, ticket.ID, open.ID)

		_, err = repo.GetByID(ctx, "TCK-MISSING")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = repo.GetOpenByCreator(ctx, 7, 43)
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestCreateEnforcesOneOpenTicketPerCreator(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		first := newTicket(7, 42)
		require.NoError(t, repo.Create(ctx, first))

		err := repo.Create(ctx, newTicket(7, 42))
		require.ErrorIs(t, err, apperrors.ErrDuplicateTicket)

		// Other guilds are independent.
		require.NoError(t, repo.Create(ctx, newTicket(8, 42)))

		_, err = repo.UpdateStatus(ctx, first.ID, domain.TicketStatusClosed, domain.Now())
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, newTicket(7, 42)))
	})
}

func TestCreateRejectsTakenTicketID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		first := newTicket(7, 42)
		require.NoError(t, repo.Create(ctx, first))

		clash := newTicket(7, 43)
		clash.ID = first.ID
		err := repo.Create(ctx, clash)
		require.ErrorIs(t, err, errTicketIDTaken)

		_, err = repo.GetOpenByCreator(ctx, 7, 43)
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestUpdateStatusFollowsLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(ctx, ticket))

		_, err := repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusArchived, domain.Now())
		require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

		closedAt := domain.Now()
		closed, err := repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusClosed, closedAt)
		require.NoError(t, err)
		require.Equal(t, domain.TicketStatusClosed, closed.Status)
		require.NotNil(t, closed.ClosedAt)
		require.True(t, closedAt.Equal(*closed.ClosedAt))
		require.Equal(t, []int64{42}, closed.Participants)

		_, err = repo.GetOpenByCreator(ctx, 7, 42)
		require.ErrorIs(t, err, apperrors.ErrNotFound)

		_, err = repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusClosed, domain.Now())
		require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
		_, err = repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusOpen, domain.Now())
		require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

		archived, err := repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusArchived, domain.Now())
		require.NoError(t, err)
		require.Equal(t, domain.TicketStatusArchived, archived.Status)
		require.NotNil(t, archived.ArchivedAt)
		require.NotNil(t, archived.ClosedAt)

		_, err = repo.UpdateStatus(ctx, "TCK-MISSING", domain.TicketStatusClosed, domain.Now())
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestSetChannelAndTranscriptAreWriteOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(ctx, ticket))

		require.NoError(t, repo.SetChannel(ctx, ticket.ID, 9001))
		err := repo.SetChannel(ctx, ticket.ID, 9002)
		require.ErrorIs(t, err, apperrors.ErrConflict)
		require.Equal(t, apperrors.ReasonAlreadySet, apperrors.ReasonOf(err))

		byChannel, err := repo.GetByChannel(ctx, 7, 9001)
		require.NoError(t, err)
		require.Equal(t, ticket.ID, byChannel.ID)
		_, err = repo.GetByChannel(ctx, 7, 9002)
		require.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = repo.GetByChannel(ctx, 8, 9001)
		require.ErrorIs(t, err, apperrors.ErrNotFound)

		err = repo.SetTranscriptRef(ctx, ticket.ID, "7/TCK.json.zst")
		require.ErrorIs(t, err, apperrors.ErrInvalidState)

		_, err = repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusClosed, domain.Now())
		require.NoError(t, err)
		require.NoError(t, repo.SetTranscriptRef(ctx, ticket.ID, "7/TCK.json.zst"))
		err = repo.SetTranscriptRef(ctx, ticket.ID, "other")
		require.ErrorIs(t, err, apperrors.ErrConflict)
		require.Equal(t, apperrors.ReasonAlreadySet, apperrors.ReasonOf(err))

		got, err := repo.GetByID(ctx, ticket.ID)
		require.NoError(t, err)
		require.Equal(t, int64(9001), got.ChannelID)
		require.NotNil(t, got.TranscriptRef)
		require.Equal(t, "7/TCK.json.zst", *got.TranscriptRef)

		require.ErrorIs(t, repo.SetChannel(ctx, "TCK-MISSING", 1), apperrors.ErrNotFound)
		require.ErrorIs(t, repo.SetTranscriptRef(ctx, "TCK-MISSING", "x"), apperrors.ErrNotFound)
	})
}

func TestTranscriptRefRejectedAfterArchive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(ctx, ticket))
		_, err := repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusClosed, domain.Now())
		require.NoError(t, err)
		_, err = repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusArchived, domain.Now())
		require.NoError(t, err)

		err = repo.SetTranscriptRef(ctx, ticket.ID, "7/late.json.zst")
		require.ErrorIs(t, err, apperrors.ErrInvalidState)

		got, err := repo.GetByID(ctx, ticket.ID)
		require.NoError(t, err)
		require.Nil(t, got.TranscriptRef)
	})
}

func TestParticipantMutations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(ctx, ticket))

		got, err := repo.AddParticipant(ctx, ticket.ID, 43, domain.RoleParticipant, domain.Now())
		require.NoError(t, err)
		require.Equal(t, []int64{42, 43}, got.Participants)

		_, err = repo.AddParticipant(ctx, ticket.ID, 43, domain.RoleParticipant, domain.Now())
		require.ErrorIs(t, err, apperrors.ErrAlreadyPresent)

		// Staff membership is tracked separately from participation.
		got, err = repo.AddParticipant(ctx, ticket.ID, 42, domain.RoleStaff, domain.Now())
		require.NoError(t, err)
		require.Equal(t, []int64{42}, got.AssignedStaff)
		require.Equal(t, []int64{42, 43}, got.Participants)

		got, err = repo.RemoveParticipant(ctx, ticket.ID, 43, domain.RoleParticipant)
		require.NoError(t, err)
		require.Equal(t, []int64{42}, got.Participants)

		_, err = repo.RemoveParticipant(ctx, ticket.ID, 43, domain.RoleParticipant)
		require.ErrorIs(t, err, apperrors.ErrNotPresent)

		got, err = repo.RemoveParticipant(ctx, ticket.ID, 42, domain.RoleStaff)
		require.NoError(t, err)
		require.Empty(t, got.AssignedStaff)

		_, err = repo.AddParticipant(ctx, ticket.ID, 44, domain.RoleCreator, domain.Now())
		require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

		_, err = repo.AddParticipant(ctx, "TCK-MISSING", 44, domain.RoleParticipant, domain.Now())
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestParticipantMutationsRequireOpenTicket(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(ctx, ticket))
		_, err := repo.AddParticipant(ctx, ticket.ID, 43, domain.RoleParticipant, domain.Now())
		require.NoError(t, err)
		_, err = repo.UpdateStatus(ctx, ticket.ID, domain.TicketStatusClosed, domain.Now())
		require.NoError(t, err)

		_, err = repo.AddParticipant(ctx, ticket.ID, 44, domain.RoleParticipant, domain.Now())
		require.ErrorIs(t, err, apperrors.ErrInvalidState)
		_, err = repo.RemoveParticipant(ctx, ticket.ID, 43, domain.RoleParticipant)
		require.ErrorIs(t, err, apperrors.ErrInvalidState)

		got, err := repo.GetByID(ctx, ticket.ID)
		require.NoError(t, err)
		require.Equal(t, []int64{42, 43}, got.Participants)
	})
}

func TestListPageWalksInCreationOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		base := domain.Now().Add(-time.Hour)
		var want []string
		for i := 0; i < 5; i++ {
			ticket := newTicket(7, int64(100+i))
			ticket.CreatedAt = base.Add(time.Duration(i) * time.Second)
			if i == 3 {
				// Same instant as its predecessor; ticket_id breaks the tie.
				ticket.CreatedAt = base.Add(2 * time.Second)
			}
			require.NoError(t, repo.Create(ctx, ticket))
			want = append(want, ticket.ID)
		}
		require.NoError(t, repo.Create(ctx, newTicket(8, 100)))
		closed := newTicket(7, 200)
		require.NoError(t, repo.Create(ctx, closed))
		_, err := repo.UpdateStatus(ctx, closed.ID, domain.TicketStatusClosed, domain.Now())
		require.NoError(t, err)

		var got []string
		var cursor repository.PageCursor
		for {
			page, err := repo.ListPage(ctx, 7, domain.TicketStatusOpen, cursor, 2)
			require.NoError(t, err)
			for _, tk := range page {
				require.Equal(t, domain.TicketStatusOpen, tk.Status)
				require.Len(t, tk.Participants, 1)
				got = append(got, tk.ID)
			}
			if len(page) < 2 {
				break
			}
			cursor = repository.CursorAfter(&page[len(page)-1])
		}
		require.Equal(t, want, got)

		page, err := repo.ListPage(ctx, 7, domain.TicketStatusClosed, repository.PageCursor{}, 0)
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, closed.ID, page[0].ID)

		page, err = repo.ListPage(ctx, 9, domain.TicketStatusOpen, repository.PageCursor{}, 10)
		require.NoError(t, err)
		require.Empty(t, page)

		_, err = repo.ListPage(ctx, 7, domain.TicketStatus("pending"), repository.PageCursor{}, 10)
		require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	})
}

func TestGuildsWithStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ctx := context.Background()
		require.NoError(t, repo.Create(ctx, newTicket(9, 41)))
		require.NoError(t, repo.Create(ctx, newTicket(7, 41)))
		require.NoError(t, repo.Create(ctx, newTicket(9, 42)))
		closed := newTicket(8, 42)
		require.NoError(t, repo.Create(ctx, closed))
		_, err := repo.UpdateStatus(ctx, closed.ID, domain.TicketStatusClosed, domain.Now())
		require.NoError(t, err)

		open, err := repo.GuildsWithStatus(ctx, domain.TicketStatusOpen)
		require.NoError(t, err)
		require.Equal(t, []int64{7, 9}, open)

		closedGuilds, err := repo.GuildsWithStatus(ctx, domain.TicketStatusClosed)
		require.NoError(t, err)
		require.Equal(t, []int64{8}, closedGuilds)

		archived, err := repo.GuildsWithStatus(ctx, domain.TicketStatusArchived)
		require.NoError(t, err)
		require.Empty(t, archived)
	})
}

func TestConcurrentCreateHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		const n = 8
		results := runConcurrently(n, func(int) error {
			return repo.Create(context.Background(), newTicket(7, 42))
		})
		requireOneWinner(t, results, apperrors.ErrDuplicateTicket)
	})
}

func TestConcurrentCloseHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(context.Background(), ticket))
		results := runConcurrently(6, func(int) error {
			_, err := repo.UpdateStatus(context.Background(), ticket.ID, domain.TicketStatusClosed, domain.Now())
			return err
		})
		requireOneWinner(t, results, apperrors.ErrInvalidTransition)
	})
}

func TestConcurrentAddParticipantHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(context.Background(), ticket))
		results := runConcurrently(6, func(int) error {
			_, err := repo.AddParticipant(context.Background(), ticket.ID, 43, domain.RoleParticipant, domain.Now())
			return err
		})
		requireOneWinner(t, results, apperrors.ErrAlreadyPresent)

		got, err := repo.GetByID(context.Background(), ticket.ID)
		require.NoError(t, err)
		require.Equal(t, []int64{42, 43}, got.Participants)
	})
}

func TestConcurrentParticipantsAreNotLost(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		ticket := newTicket(7, 42)
		require.NoError(t, repo.Create(context.Background(), ticket))
		results := runConcurrently(6, func(i int) error {
			_, err := repo.AddParticipant(context.Background(), ticket.ID, int64(100+i), domain.RoleParticipant, domain.Now())
			return err
		})
		for _, err := range results {
			require.NoError(t, err)
		}
		got, err := repo.GetByID(context.Background(), ticket.ID)
		require.NoError(t, err)
		require.ElementsMatch(t, []int64{42, 100, 101, 102, 103, 104, 105}, got.Participants)
	})
}

func TestPing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.TicketRepository) {
		require.NoError(t, repo.Ping(context.Background()))
	})
}

func runConcurrently(n int, fn func(i int) error) []error {
	results := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
	return results
}

func requireOneWinner(t *testing.T, results []error, loser error) {
	t.Helper()
	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, loser)
	}
	require.Equal(t, 1, wins)
}
