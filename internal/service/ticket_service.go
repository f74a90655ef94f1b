package service

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// ActionRemoveCreator is the confirmation action for removing a ticket's creator.
const ActionRemoveCreator = "remove_creator"

const (
	maxTicketIDAttempts = 5
	compensationTimeout = 10 * time.Second
)

// TicketService coordinates ticket workflows. It holds no per-ticket state;
// every ticket rule is enforced by the store's atomic operations.
type TicketService struct {
	store         TicketStore
	roles         RoleLookup
	channels      ChannelProvisioner
	transcripts   TranscriptCapturer
	confirmations Confirmations
	dispatcher    events.Dispatcher
	logger        *zap.Logger
	newTicketID   func() string
}

// TicketDependencies bundles collaborators for the ticket service. Channels
// and Transcripts are optional.
type TicketDependencies struct {
	Store         TicketStore
	Roles         RoleLookup
	Channels      ChannelProvisioner
	Transcripts   TranscriptCapturer
	Confirmations Confirmations
	Dispatcher    events.Dispatcher
	Logger        *zap.Logger
	NewTicketID   func() string
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := deps.NewTicketID
	if newID == nil {
		newID = generateTicketID
	}
	return &TicketService{
		store:         deps.Store,
		roles:         deps.Roles,
		channels:      deps.Channels,
		transcripts:   deps.Transcripts,
		confirmations: deps.Confirmations,
		dispatcher:    deps.Dispatcher,
		logger:        logger.Named("tickets"),
		newTicketID:   newID,
	}
}

// RequestCreate opens a ticket for creatorID in guildID and provisions its
// channel. The store's atomic create decides races between concurrent
// requests; the pre-check only avoids needless writes.
func (s *TicketService) RequestCreate(ctx context.Context, guildID, creatorID int64) (*domain.Ticket, error) {
	if guildID <= 0 || creatorID <= 0 {
		return nil, apperrors.NewValidationError("guild_id and creator_id must be positive", nil)
	}

	existing, err := s.store.FetchOpenByCreator(ctx, guildID, creatorID)
	switch {
	case err == nil:
		return nil, apperrors.NewConflict(apperrors.ReasonOpenTicketExists, "creator already has an open ticket", map[string]any{
			"ticket_id": existing.ID,
		})
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}

	ticket, err := s.insertTicket(ctx, guildID, creatorID)
	if err != nil {
		return nil, err
	}

	if s.channels != nil {
		channelID, err := s.channels.ProvisionChannel(ctx, guildID, ticket.ID, ticket.Participants)
		if err != nil {
			s.abandonTicket(ctx, ticket, creatorID)
			return nil, apperrors.Tag(apperrors.NewBackendError("provision channel", err, false), apperrors.ReasonProvisioningFailed)
		}
		if err := s.store.SetChannel(ctx, ticket.ID, channelID); err != nil {
			s.releaseChannel(ctx, ticket.ID, channelID)
			s.abandonTicket(ctx, ticket, creatorID)
			return nil, err
		}
		ticket.ChannelID = channelID
	}

	s.publishEvent(ctx, events.New(events.EventTicketCreated, ticket, creatorID, 0, events.TicketCreatedPayload{
		CreatorID: creatorID,
	}))
	s.logger.Info("ticket created",
		zap.String("ticket_id", ticket.ID),
		zap.Int64("guild_id", guildID),
		zap.Int64("creator_id", creatorID),
		zap.Int64("channel_id", ticket.ChannelID),
	)
	return ticket, nil
}

func (s *TicketService) insertTicket(ctx context.Context, guildID, creatorID int64) (*domain.Ticket, error) {
	var lastErr error
	for attempt := 0; attempt < maxTicketIDAttempts; attempt++ {
		ticket := &domain.Ticket{
			ID:            s.newTicketID(),
			GuildID:       guildID,
			CreatorID:     creatorID,
			Status:        domain.TicketStatusOpen,
			CreatedAt:     domain.Now(),
			Participants:  []int64{creatorID},
			AssignedStaff: []int64{},
		}
		err := s.store.Create(ctx, ticket)
		if err == nil {
			return ticket, nil
		}
		if apperrors.ReasonOf(err) != apperrors.ReasonTicketIDTaken {
			return nil, err
		}
		s.logger.Debug("ticket id collision, regenerating", zap.String("ticket_id", ticket.ID))
		lastErr = err
	}
	return nil, lastErr
}

// abandonTicket closes a ticket whose channel could not be provisioned or
// bound so the creator may request a new one. It runs even if ctx was
// cancelled.
func (s *TicketService) abandonTicket(ctx context.Context, ticket *domain.Ticket, actorID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	closed, err := s.store.CompareAndSetStatus(ctx, ticket.ID, domain.TicketStatusClosed, domain.Now())
	if err != nil {
		s.logger.Error("failed to close unprovisioned ticket", zap.String("ticket_id", ticket.ID), zap.Error(err))
		return
	}
	s.logger.Warn("closed ticket after channel provisioning failed", zap.String("ticket_id", ticket.ID))
	s.publishEvent(ctx, events.New(events.EventTicketClosed, closed, actorID, 0, events.TicketClosedPayload{
		ClosedAt: *closed.ClosedAt,
	}))
}

// releaseChannel removes a provisioned channel that could not be bound to its
// ticket. Failures are only logged; the channel is then left for staff.
func (s *TicketService) releaseChannel(ctx context.Context, ticketID string, channelID int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := s.channels.ReleaseChannel(ctx, channelID); err != nil {
		s.logger.Error("orphaned ticket channel",
			zap.String("ticket_id", ticketID),
			zap.Int64("channel_id", channelID),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("released channel of unbound ticket", zap.String("ticket_id", ticketID), zap.Int64("channel_id", channelID))
}

// AddUser adds target to the ticket's participants.
func (s *TicketService) AddUser(ctx context.Context, ticketID string, actorID, targetID int64) (*domain.Ticket, error) {
	ticket, err := s.openTicketForStaff(ctx, ticketID, actorID)
	if err != nil {
		return nil, err
	}
	if ticket.HasParticipant(targetID) {
		return nil, apperrors.NewAlreadyPresent("user already on ticket", map[string]any{
			"ticket_id": ticketID,
			"user_id":   targetID,
		})
	}

	updated, err := s.store.AddParticipant(ctx, ticketID, targetID, domain.RoleParticipant)
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.New(events.EventParticipantAdded, updated, actorID, targetID, events.ParticipantChange(updated, targetID, domain.RoleParticipant)))
	return updated, nil
}

// RemoveUser removes target from the participants. Removing the creator needs
// a confirmation token; without a valid one the call fails with
// ConfirmationRequired carrying a fresh token.
func (s *TicketService) RemoveUser(ctx context.Context, ticketID string, actorID, targetID int64, confirmation string) (*domain.Ticket, error) {
	ticket, err := s.openTicketForStaff(ctx, ticketID, actorID)
	if err != nil {
		return nil, err
	}
	if !ticket.HasParticipant(targetID) {
		return nil, apperrors.NewNotPresent("user not on ticket", map[string]any{
			"ticket_id": ticketID,
			"user_id":   targetID,
		})
	}

	if targetID == ticket.CreatorID {
		if err := s.confirm(ticketID, actorID, targetID, confirmation); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.RemoveParticipant(ctx, ticketID, targetID, domain.RoleParticipant)
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.New(events.EventParticipantRemoved, updated, actorID, targetID, events.ParticipantChange(updated, targetID, domain.RoleParticipant)))
	return updated, nil
}

func (s *TicketService) confirm(ticketID string, actorID, targetID int64, token string) error {
	if s.confirmations == nil {
		return apperrors.NewInternalError(errors.New("confirmation issuer not configured"))
	}
	rejected := false
	if token != "" {
		if err := s.confirmations.Verify(token, ActionRemoveCreator, ticketID, actorID, targetID); err == nil {
			return nil
		}
		rejected = true
	}
	fresh, err := s.confirmations.Issue(ActionRemoveCreator, ticketID, actorID, targetID)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	confirmErr := apperrors.NewConfirmationRequired("removing the ticket creator requires confirmation", fresh)
	if rejected {
		return apperrors.Tag(confirmErr, apperrors.ReasonConfirmationRejected)
	}
	return confirmErr
}

// AssignStaff adds a staff member to the ticket's assigned staff.
func (s *TicketService) AssignStaff(ctx context.Context, ticketID string, actorID, targetID int64) (*domain.Ticket, error) {
	ticket, err := s.openTicketForStaff(ctx, ticketID, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.requireStaff(ctx, ticket.GuildID, targetID); err != nil {
		return nil, err
	}
	if ticket.HasStaff(targetID) {
		return nil, apperrors.NewAlreadyPresent("staff already assigned", map[string]any{
			"ticket_id": ticketID,
			"user_id":   targetID,
		})
	}

	updated, err := s.store.AddParticipant(ctx, ticketID, targetID, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.New(events.EventStaffAssigned, updated, actorID, targetID, events.ParticipantChange(updated, targetID, domain.RoleStaff)))
	return updated, nil
}

// UnassignStaff removes a staff member from the ticket's assigned staff.
func (s *TicketService) UnassignStaff(ctx context.Context, ticketID string, actorID, targetID int64) (*domain.Ticket, error) {
	ticket, err := s.openTicketForStaff(ctx, ticketID, actorID)
	if err != nil {
		return nil, err
	}
	if !ticket.HasStaff(targetID) {
		return nil, apperrors.NewNotPresent("staff not assigned", map[string]any{
			"ticket_id": ticketID,
			"user_id":   targetID,
		})
	}

	updated, err := s.store.RemoveParticipant(ctx, ticketID, targetID, domain.RoleStaff)
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.New(events.EventStaffUnassigned, updated, actorID, targetID, events.ParticipantChange(updated, targetID, domain.RoleStaff)))
	return updated, nil
}

// Close moves an open ticket to Closed, then captures its transcript. The
// two writes are separate: when capture fails the closed ticket is returned
// together with a BackendError tagged transcript_capture_failed, and the
// transcript sweep retries later.
func (s *TicketService) Close(ctx context.Context, ticketID string, actorID int64) (*domain.Ticket, error) {
	ticket, err := s.ticketForStaff(ctx, ticketID, actorID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != domain.TicketStatusOpen {
		return nil, notInState(ticket, domain.TicketStatusOpen)
	}

	closed, err := s.store.CompareAndSetStatus(ctx, ticketID, domain.TicketStatusClosed, domain.Now())
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.New(events.EventTicketClosed, closed, actorID, 0, events.TicketClosedPayload{
		ClosedAt: *closed.ClosedAt,
	}))

	if err := s.attachTranscript(ctx, closed); err != nil {
		s.logger.Warn("transcript capture failed; left for sweep",
			zap.String("ticket_id", ticketID),
			zap.Error(err),
		)
		return closed, err
	}
	return closed, nil
}

// attachTranscript captures and stores the transcript of a closed ticket,
// updating ticket in place.
func (s *TicketService) attachTranscript(ctx context.Context, ticket *domain.Ticket) error {
	if s.transcripts == nil || ticket.TranscriptRef != nil {
		return nil
	}
	ref, err := s.transcripts.CaptureTranscript(ctx, ticket)
	if err != nil {
		return apperrors.Tag(apperrors.NewBackendError("capture transcript", err, false), apperrors.ReasonTranscriptFailed)
	}
	if err := s.store.SetTranscriptRef(ctx, ticket.ID, ref); err != nil {
		if apperrors.ReasonOf(err) == apperrors.ReasonAlreadySet {
			// A sweep stored one first.
			return nil
		}
		return apperrors.Tag(err, apperrors.ReasonTranscriptFailed)
	}
	ticket.TranscriptRef = &ref
	return nil
}

// Archive moves a closed ticket to its terminal state.
func (s *TicketService) Archive(ctx context.Context, ticketID string, actorID int64) (*domain.Ticket, error) {
	ticket, err := s.ticketForStaff(ctx, ticketID, actorID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != domain.TicketStatusClosed {
		return nil, notInState(ticket, domain.TicketStatusClosed)
	}

	archived, err := s.store.CompareAndSetStatus(ctx, ticketID, domain.TicketStatusArchived, domain.Now())
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.New(events.EventTicketArchived, archived, actorID, 0, events.TicketArchivedPayload{
		ArchivedAt: *archived.ArchivedAt,
	}))
	return archived, nil
}

// Get loads a ticket by id.
func (s *TicketService) Get(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return s.store.FetchByID(ctx, ticketID)
}

// GetByChannel resolves the ticket bound to a channel.
func (s *TicketService) GetByChannel(ctx context.Context, guildID, channelID int64) (*domain.Ticket, error) {
	return s.store.FetchByChannel(ctx, guildID, channelID)
}

// List walks every ticket of a guild in status.
func (s *TicketService) List(ctx context.Context, guildID int64, status domain.TicketStatus) iter.Seq2[domain.Ticket, error] {
	return s.store.ListByStatus(ctx, guildID, status)
}

func (s *TicketService) ticketForStaff(ctx context.Context, ticketID string, actorID int64) (*domain.Ticket, error) {
	ticket, err := s.store.FetchByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := s.requireStaff(ctx, ticket.GuildID, actorID); err != nil {
		return nil, err
	}
	return ticket, nil
}

func (s *TicketService) openTicketForStaff(ctx context.Context, ticketID string, actorID int64) (*domain.Ticket, error) {
	ticket, err := s.ticketForStaff(ctx, ticketID, actorID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != domain.TicketStatusOpen {
		return nil, notInState(ticket, domain.TicketStatusOpen)
	}
	return ticket, nil
}

func (s *TicketService) requireStaff(ctx context.Context, guildID, userID int64) error {
	if s.roles == nil {
		return apperrors.NewUnauthorized("no role source configured")
	}
	ok, err := s.roles.HasStaffRole(ctx, guildID, userID)
	if err != nil {
		var domainErr *apperrors.DomainError
		if errors.As(err, &domainErr) {
			return err
		}
		return apperrors.Tag(apperrors.NewBackendError("role lookup", err, false), apperrors.ReasonRoleLookupFailed)
	}
	if !ok {
		return apperrors.New(apperrors.KindUnauthorized, "user lacks staff role", map[string]any{
			"guild_id": guildID,
			"user_id":  userID,
		})
	}
	return nil
}

func notInState(ticket *domain.Ticket, want domain.TicketStatus) error {
	return apperrors.NewInvalidState("ticket is "+string(ticket.Status), map[string]any{
		"ticket_id": ticket.ID,
		"status":    ticket.Status,
		"required":  want,
	})
}

func generateTicketID() string {
	return "TCK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err),
		)
	}
}
