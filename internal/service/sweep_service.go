package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned   int
	Recovered int
	Skipped   int
	Failed    int
}

// SweepService re-requests transcripts for closed tickets that never got one,
// typically because the process stopped between closing and capture.
type SweepService struct {
	store       TicketStore
	transcripts TranscriptCapturer
	guilds      GuildDirectory
	grace       time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewSweepService constructs the sweeper. Tickets closed less than grace ago
// are left alone so an in-flight Close can finish.
func NewSweepService(store TicketStore, transcripts TranscriptCapturer, guilds GuildDirectory, grace time.Duration, logger *zap.Logger) *SweepService {
	return &SweepService{
		store:       store,
		transcripts: transcripts,
		guilds:      guilds,
		grace:       grace,
		logger:      logger.Named("sweep"),
		now:         time.Now,
	}
}

// Run sweeps once over every guild that is configured or still holds closed
// tickets, so guilds dropped from the settings file are recovered too.
func (s *SweepService) Run(ctx context.Context) (SweepResult, error) {
	var total SweepResult
	if s.transcripts == nil {
		return total, nil
	}
	var errs []error
	guildIDs, err := s.guildIDs(ctx)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindTimeout {
			return total, err
		}
		errs = append(errs, err)
	}
	for _, guildID := range guildIDs {
		res, err := s.SweepGuild(ctx, guildID)
		total.Scanned += res.Scanned
		total.Recovered += res.Recovered
		total.Skipped += res.Skipped
		total.Failed += res.Failed
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindTimeout {
				return total, err
			}
			errs = append(errs, err)
		}
	}
	s.logger.Info("sweep finished",
		zap.Int("scanned", total.Scanned),
		zap.Int("recovered", total.Recovered),
		zap.Int("skipped", total.Skipped),
		zap.Int("failed", total.Failed),
	)
	return total, errors.Join(errs...)
}

// guildIDs merges configured guilds with those the store holds closed tickets
// for. On a store error the configured guilds are still returned.
func (s *SweepService) guildIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if s.guilds != nil {
		ids = append(ids, s.guilds.IDs()...)
	}
	stored, err := s.store.GuildsWithStatus(ctx, domain.TicketStatusClosed)
	ids = append(ids, stored...)
	slices.Sort(ids)
	return slices.Compact(ids), err
}

// SweepGuild recovers missing transcripts for one guild.
func (s *SweepService) SweepGuild(ctx context.Context, guildID int64) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.grace)
	for ticket, err := range s.store.ListByStatus(ctx, guildID, domain.TicketStatusClosed) {
		if err != nil {
			return res, err
		}
		res.Scanned++
		if ticket.TranscriptRef != nil || ticket.ClosedAt == nil || ticket.ClosedAt.After(cutoff) {
			continue
		}
		if ticket.ChannelID == 0 {
			res.Skipped++
			continue
		}

		ref, err := s.transcripts.CaptureTranscript(ctx, &ticket)
		if err != nil {
			res.Failed++
			s.logger.Warn("transcript recapture failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		if err := s.store.SetTranscriptRef(ctx, ticket.ID, ref); err != nil {
			if apperrors.ReasonOf(err) == apperrors.ReasonAlreadySet {
				res.Skipped++
				continue
			}
			res.Failed++
			s.logger.Warn("storing recaptured transcript failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		res.Recovered++
		s.logger.Info("transcript recovered", zap.String("ticket_id", ticket.ID), zap.String("ref", ref))
	}
	return res, nil
}
