package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

type stubRepository struct {
	repository.TicketRepository
	getByID  func(ctx context.Context, id string) (*domain.Ticket, error)
	listPage func(ctx context.Context, after repository.PageCursor, limit int) ([]domain.Ticket, error)
}

func (s *stubRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	return s.getByID(ctx, id)
}

func (s *stubRepository) ListPage(ctx context.Context, _ int64, _ domain.TicketStatus, after repository.PageCursor, limit int) ([]domain.Ticket, error) {
	return s.listPage(ctx, after, limit)
}

func (s *stubRepository) Ping(context.Context) error { return nil }

func newTestFacade(repo repository.TicketRepository, opts Options) (*Facade, *[]time.Duration) {
	f := NewFacade(repo, "stub", opts, observability.NewMetrics(), zap.NewNop())
	var sleeps []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return f, &sleeps
}

func transientErr() error {
	return apperrors.NewBackendError("get ticket", errors.New("connection reset"), true)
}

func TestFacadeRetriesTransientFailures(t *testing.T) {
	var calls int
	repo := &stubRepository{getByID: func(context.Context, string) (*domain.Ticket, error) {
		calls++
		if calls < 3 {
			return nil, transientErr()
		}
		return &domain.Ticket{ID: "TCK-1"}, nil
	}}
	f, sleeps := newTestFacade(repo, DefaultOptions())

	ticket, err := f.FetchByID(context.Background(), "TCK-1")
	require.NoError(t, err)
	require.Equal(t, "TCK-1", ticket.ID)
	require.Equal(t, 3, calls)
	require.Len(t, *sleeps, 2)
	require.LessOrEqual(t, (*sleeps)[0], 100*time.Millisecond)
	require.GreaterOrEqual(t, (*sleeps)[0], 50*time.Millisecond)
	require.LessOrEqual(t, (*sleeps)[1], 200*time.Millisecond)
	require.GreaterOrEqual(t, (*sleeps)[1], 100*time.Millisecond)

	ops := f.metrics.Snapshot().Operations
	require.Len(t, ops, 1)
	require.Equal(t, int64(2), ops[0].Retries)
}

func TestFacadeGivesUpAfterConfiguredAttempts(t *testing.T) {
	var calls int
	repo := &stubRepository{getByID: func(context.Context, string) (*domain.Ticket, error) {
		calls++
		return nil, transientErr()
	}}
	f, _ := newTestFacade(repo, DefaultOptions())

	_, err := f.FetchByID(context.Background(), "TCK-1")
	require.ErrorIs(t, err, apperrors.ErrBackend)
	require.Equal(t, 3, calls)
}

func TestFacadeDoesNotRetryDomainFailures(t *testing.T) {
	var calls int
	repo := &stubRepository{getByID: func(context.Context, string) (*domain.Ticket, error) {
		calls++
		return nil, apperrors.NewNotFound("ticket", nil)
	}}
	f, sleeps := newTestFacade(repo, DefaultOptions())

	_, err := f.FetchByID(context.Background(), "TCK-1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
	require.Equal(t, 1, calls)
	require.Empty(t, *sleeps)
}

func TestFacadeWrapsForeignErrors(t *testing.T) {
	repo := &stubRepository{getByID: func(context.Context, string) (*domain.Ticket, error) {
		return nil, errors.New("boom")
	}}
	f, _ := newTestFacade(repo, DefaultOptions())

	_, err := f.FetchByID(context.Background(), "TCK-1")
	require.ErrorIs(t, err, apperrors.ErrBackend)
	require.False(t, apperrors.IsTransient(err))
}

func TestFacadeCancelledDuringBackoffReportsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := &stubRepository{getByID: func(context.Context, string) (*domain.Ticket, error) {
		cancel()
		return nil, transientErr()
	}}
	f, _ := newTestFacade(repo, DefaultOptions())

	_, err := f.FetchByID(ctx, "TCK-1")
	require.ErrorIs(t, err, apperrors.ErrTimeout)
}

func TestFacadeAppliesOperationTimeout(t *testing.T) {
	repo := &stubRepository{getByID: func(ctx context.Context, _ string) (*domain.Ticket, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	opts := DefaultOptions()
	opts.OperationTimeout = 20 * time.Millisecond
	f, _ := newTestFacade(repo, opts)

	_, err := f.FetchByID(context.Background(), "TCK-1")
	require.ErrorIs(t, err, apperrors.ErrTimeout)
}

func TestFacadeRejectsBeyondQueueCeiling(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{}, 4)
	repo := &stubRepository{getByID: func(context.Context, string) (*domain.Ticket, error) {
		entered <- struct{}{}
		<-block
		return &domain.Ticket{}, nil
	}}
	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	opts.MaxQueue = 1
	f, _ := newTestFacade(repo, opts)

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.FetchByID(context.Background(), "TCK-1"); err == nil {
				succeeded.Add(1)
			}
		}()
	}

	<-entered
	require.Eventually(t, func() bool {
		inFlight, queued := f.Stats()
		return inFlight == 1 && queued == 1
	}, time.Second, time.Millisecond)

	_, err := f.FetchByID(context.Background(), "TCK-1")
	require.ErrorIs(t, err, apperrors.ErrOverloaded)

	close(block)
	wg.Wait()
	require.Equal(t, int32(2), succeeded.Load())
}

func TestFacadeQueuedCallerHonoursDeadline(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	repo := &stubRepository{getByID: func(context.Context, string) (*domain.Ticket, error) {
		close(entered)
		<-block
		return &domain.Ticket{}, nil
	}}
	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	f, _ := newTestFacade(repo, opts)

	go func() { _, _ = f.FetchByID(context.Background(), "TCK-1") }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.FetchByID(ctx, "TCK-2")
	require.ErrorIs(t, err, apperrors.ErrTimeout)
	close(block)
}

func TestListByStatusPagesLazilyAndRestarts(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	all := make([]domain.Ticket, 5)
	for i := range all {
		all[i] = domain.Ticket{ID: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second)}
	}
	var pages int
	repo := &stubRepository{listPage: func(_ context.Context, after repository.PageCursor, limit int) ([]domain.Ticket, error) {
		pages++
		start := 0
		if !after.IsZero() {
			for i, tk := range all {
				if tk.ID == after.TicketID {
					start = i + 1
				}
			}
		}
		end := min(start+limit, len(all))
		return all[start:end], nil
	}}
	opts := DefaultOptions()
	opts.PageSize = 2
	f, _ := newTestFacade(repo, opts)

	seq := f.ListByStatus(context.Background(), 7, domain.TicketStatusOpen)
	require.Zero(t, pages)

	var ids []string
	for tk, err := range seq {
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	require.Equal(t, 3, pages)

	var first string
	for tk := range seq {
		first = tk.ID
		break
	}
	require.Equal(t, "a", first)
	require.Equal(t, 4, pages)
}

func TestListByStatusYieldsError(t *testing.T) {
	repo := &stubRepository{listPage: func(context.Context, repository.PageCursor, int) ([]domain.Ticket, error) {
		return nil, apperrors.NewBackendError("list tickets", errors.New("disk"), false)
	}}
	f, _ := newTestFacade(repo, DefaultOptions())

	var errs int
	for _, err := range f.ListByStatus(context.Background(), 7, domain.TicketStatusClosed) {
		require.ErrorIs(t, err, apperrors.ErrBackend)
		errs++
	}
	require.Equal(t, 1, errs)
}

func TestOpenSQLiteAppliesSchema(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{Backend: config.BackendSQLite, MaxConcurrent: 4, MaxQueue: 8, RetryAttempts: 3},
		SQLite:  config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "db", "tickets.db")},
	}
	f, err := Open(context.Background(), cfg, observability.NewMetrics(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(f.Close)

	require.Equal(t, config.BackendSQLite, f.Backend())
	require.NoError(t, f.Ping(context.Background()))

	now := domain.Now()
	require.NoError(t, f.Create(context.Background(), &domain.Ticket{
		ID: "TCK-0001", GuildID: 7, CreatorID: 42, Status: domain.TicketStatusOpen,
		CreatedAt: now, Participants: []int64{42},
	}))
	got, err := f.FetchOpenByCreator(context.Background(), 7, 42)
	require.NoError(t, err)
	require.Equal(t, "TCK-0001", got.ID)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.StorageConfig{
		MaxConcurrent: 3, MaxQueue: 0, RetryAttempts: 5, RetryBaseMS: 50, RetryFactor: 3, RetryMaxMS: 400, OperationTimeoutSeconds: 2,
	})
	require.Equal(t, 3, opts.MaxConcurrent)
	require.Equal(t, 0, opts.MaxQueue)
	require.Equal(t, 5, opts.RetryAttempts)
	require.Equal(t, 50*time.Millisecond, opts.RetryBase)
	require.Equal(t, 400*time.Millisecond, opts.RetryMax)
	require.Equal(t, 2*time.Second, opts.OperationTimeout)
	require.Equal(t, 400*time.Millisecond, nextDelay(300*time.Millisecond, 3, opts.RetryMax))
}
