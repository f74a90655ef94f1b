package persistence

import (
	"context"
	"errors"
	"iter"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// Options shapes the facade's retry, pooling and deadline behavior.
type Options struct {
	MaxConcurrent    int
	MaxQueue         int
	RetryAttempts    int
	RetryBase        time.Duration
	RetryFactor      float64
	RetryMax         time.Duration
	OperationTimeout time.Duration
	PageSize         int
}

// DefaultOptions matches the documented storage defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 10,
		MaxQueue:      100,
		RetryAttempts: 3,
		RetryBase:     100 * time.Millisecond,
		RetryFactor:   2,
		RetryMax:      2 * time.Second,
		PageSize:      repository.DefaultPageSize,
	}
}

// OptionsFromConfig converts storage settings into facade options.
func OptionsFromConfig(cfg config.StorageConfig) Options {
	opts := DefaultOptions()
	if cfg.MaxConcurrent > 0 {
		opts.MaxConcurrent = cfg.MaxConcurrent
	}
	if cfg.MaxQueue >= 0 {
		opts.MaxQueue = cfg.MaxQueue
	}
	if cfg.RetryAttempts > 0 {
		opts.RetryAttempts = cfg.RetryAttempts
	}
	if cfg.RetryBaseMS > 0 {
		opts.RetryBase = time.Duration(cfg.RetryBaseMS) * time.Millisecond
	}
	if cfg.RetryFactor >= 1 {
		opts.RetryFactor = cfg.RetryFactor
	}
	if cfg.RetryMaxMS > 0 {
		opts.RetryMax = time.Duration(cfg.RetryMaxMS) * time.Millisecond
	}
	opts.OperationTimeout = cfg.OperationTimeout()
	return opts
}

// Facade owns the single storage adapter chosen at startup and applies the
// uniform retry, concurrency and deadline policy to every call.
type Facade struct {
	repo    repository.TicketRepository
	backend string
	opts    Options
	limiter *limiter
	metrics *observability.Metrics
	logger  *zap.Logger
	closer  func()
	sleep   func(context.Context, time.Duration) error
}

// NewFacade wraps repo. backend names the adapter in logs and metrics.
func NewFacade(repo repository.TicketRepository, backend string, opts Options, metrics *observability.Metrics, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryFactor < 1 {
		opts.RetryFactor = 1
	}
	if opts.PageSize <= 0 {
		opts.PageSize = repository.DefaultPageSize
	}
	return &Facade{
		repo:    repo,
		backend: backend,
		opts:    opts,
		limiter: newLimiter(opts.MaxConcurrent, opts.MaxQueue),
		metrics: metrics,
		logger:  logger.Named("persistence"),
		sleep:   sleepContext,
	}
}

// Backend reports the selected adapter kind.
func (f *Facade) Backend() string {
	return f.backend
}

// Create persists a new ticket atomically.
func (f *Facade) Create(ctx context.Context, ticket *domain.Ticket) error {
	return f.do(ctx, "create", func(ctx context.Context) error {
		return f.repo.Create(ctx, ticket)
	})
}

// FetchByID loads a ticket or fails with NotFound.
func (f *Facade) FetchByID(ctx context.Context, id string) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := f.do(ctx, "fetch_by_id", func(ctx context.Context) (err error) {
		ticket, err = f.repo.GetByID(ctx, id)
		return err
	})
	return ticket, err
}

// FetchOpenByCreator returns the creator's open ticket in guildID.
func (f *Facade) FetchOpenByCreator(ctx context.Context, guildID, creatorID int64) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := f.do(ctx, "fetch_open_by_creator", func(ctx context.Context) (err error) {
		ticket, err = f.repo.GetOpenByCreator(ctx, guildID, creatorID)
		return err
	})
	return ticket, err
}

// FetchByChannel resolves the ticket bound to a channel.
func (f *Facade) FetchByChannel(ctx context.Context, guildID, channelID int64) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := f.do(ctx, "fetch_by_channel", func(ctx context.Context) (err error) {
		ticket, err = f.repo.GetByChannel(ctx, guildID, channelID)
		return err
	})
	return ticket, err
}

// CompareAndSetStatus moves a ticket to next if it currently sits in next's
// predecessor state.
func (f *Facade) CompareAndSetStatus(ctx context.Context, id string, next domain.TicketStatus, at time.Time) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := f.do(ctx, "update_status", func(ctx context.Context) (err error) {
		ticket, err = f.repo.UpdateStatus(ctx, id, next, at)
		return err
	})
	return ticket, err
}

func (f *Facade) SetChannel(ctx context.Context, id string, channelID int64) error {
	return f.do(ctx, "set_channel", func(ctx context.Context) error {
		return f.repo.SetChannel(ctx, id, channelID)
	})
}

func (f *Facade) SetTranscriptRef(ctx context.Context, id, ref string) error {
	return f.do(ctx, "set_transcript_ref", func(ctx context.Context) error {
		return f.repo.SetTranscriptRef(ctx, id, ref)
	})
}

// AddParticipant adds userID to the set selected by role.
func (f *Facade) AddParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	at := domain.Now()
	err := f.do(ctx, "add_participant", func(ctx context.Context) (err error) {
		ticket, err = f.repo.AddParticipant(ctx, id, userID, role, at)
		return err
	})
	return ticket, err
}

// RemoveParticipant removes userID from the set selected by role.
func (f *Facade) RemoveParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole) (*domain.Ticket, error) {
	var ticket *domain.Ticket
	err := f.do(ctx, "remove_participant", func(ctx context.Context) (err error) {
		ticket, err = f.repo.RemoveParticipant(ctx, id, userID, role)
		return err
	})
	return ticket, err
}

// ListPage returns one page of tickets after cursor.
func (f *Facade) ListPage(ctx context.Context, guildID int64, status domain.TicketStatus, after repository.PageCursor, limit int) ([]domain.Ticket, error) {
	var page []domain.Ticket
	err := f.do(ctx, "list_page", func(ctx context.Context) (err error) {
		page, err = f.repo.ListPage(ctx, guildID, status, after, limit)
		return err
	})
	return page, err
}

// GuildsWithStatus lists the guilds holding tickets in status.
func (f *Facade) GuildsWithStatus(ctx context.Context, status domain.TicketStatus) ([]int64, error) {
	var guilds []int64
	err := f.do(ctx, "guilds_with_status", func(ctx context.Context) (err error) {
		guilds, err = f.repo.GuildsWithStatus(ctx, status)
		return err
	})
	return guilds, err
}

// ListByStatus yields every ticket of guildID in status, ordered by creation.
// Pages are fetched on demand; ranging again restarts from the beginning.
// Iteration stops after the first error is yielded.
func (f *Facade) ListByStatus(ctx context.Context, guildID int64, status domain.TicketStatus) iter.Seq2[domain.Ticket, error] {
	return func(yield func(domain.Ticket, error) bool) {
		var cursor repository.PageCursor
		for {
			page, err := f.ListPage(ctx, guildID, status, cursor, f.opts.PageSize)
			if err != nil {
				yield(domain.Ticket{}, err)
				return
			}
			for i := range page {
				if !yield(page[i], nil) {
					return
				}
			}
			if len(page) < f.opts.PageSize {
				return
			}
			cursor = repository.CursorAfter(&page[len(page)-1])
		}
	}
}

// Ping checks backend reachability without retries.
func (f *Facade) Ping(ctx context.Context) error {
	release, err := f.limiter.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()
	return f.repo.Ping(ctx)
}

// Stats reports limiter occupancy.
func (f *Facade) Stats() (inFlight, queued int) {
	return f.limiter.inFlight(), f.limiter.queued()
}

// Close releases the backend connection.
func (f *Facade) Close() {
	if f.closer != nil {
		f.closer()
	}
}

func (f *Facade) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	release, err := f.limiter.acquire(ctx)
	if err != nil {
		f.metrics.RecordRejected(f.backend, string(apperrors.KindOf(err)))
		f.metrics.RecordOperation(f.backend, op, string(apperrors.KindOf(err)), 0, time.Since(start))
		return err
	}
	defer release()

	retries := 0
	delay := f.opts.RetryBase
	for attempt := 1; ; attempt++ {
		err = f.call(ctx, fn)
		if err == nil || !apperrors.IsTransient(err) || attempt >= f.opts.RetryAttempts {
			break
		}
		wait := jitter(delay)
		f.logger.Debug("retrying transient storage failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := f.sleep(ctx, wait); sleepErr != nil {
			err = apperrors.NewTimeout(sleepErr)
			break
		}
		retries++
		delay = nextDelay(delay, f.opts.RetryFactor, f.opts.RetryMax)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.KindOf(err))
		if apperrors.KindOf(err) == apperrors.KindBackend {
			f.logger.Warn("storage operation failed",
				zap.String("op", op),
				zap.String("backend", f.backend),
				zap.Int("retries", retries),
				zap.Error(err),
			)
		}
	}
	f.metrics.RecordOperation(f.backend, op, outcome, retries, time.Since(start))
	return err
}

// call runs one attempt under the per-operation deadline and guarantees the
// result belongs to the error taxonomy.
func (f *Facade) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := f.withTimeout(ctx)
	defer cancel()
	err := fn(callCtx)
	if err == nil {
		return nil
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if ctxErr := apperrors.FromContext(err); ctxErr != nil {
		return ctxErr
	}
	return apperrors.NewBackendError("storage", err, false)
}

func (f *Facade) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.opts.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, f.opts.OperationTimeout)
}

func nextDelay(current time.Duration, factor float64, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

// jitter spreads retries over [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
