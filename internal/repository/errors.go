package repository

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// normalizeCommon handles the failures every backend shares. The boolean is
// false when a backend-specific classifier still has to look at err.
func normalizeCommon(op string, err error) (error, bool) {
	if err == nil {
		return nil, true
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err, true
	}
	if ctxErr := apperrors.FromContext(err); ctxErr != nil {
		return ctxErr, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return apperrors.NewBackendError(op, err, true), true
	}
	return nil, false
}

func errTicketNotFound(id string) error {
	return apperrors.NewNotFound("ticket", ticketDetails(id))
}

func errNoOpenTicket(guildID, creatorID int64) error {
	return apperrors.NewNotFound("open ticket", map[string]any{"guild_id": guildID, "creator_id": creatorID})
}

func errNoChannelTicket(guildID, channelID int64) error {
	return apperrors.NewNotFound("ticket for channel", map[string]any{"guild_id": guildID, "channel_id": channelID})
}

func errTicketIDTaken(id string) error {
	return apperrors.NewConflict(apperrors.ReasonTicketIDTaken, fmt.Sprintf("ticket id %s already exists", id), ticketDetails(id))
}

func errOpenTicketExists(guildID, creatorID int64) error {
	return apperrors.NewConflict(apperrors.ReasonOpenTicketExists, "creator already has an open ticket", map[string]any{
		"guild_id":   guildID,
		"creator_id": creatorID,
	})
}

func errFieldAlreadySet(id, field string) error {
	return apperrors.NewConflict(apperrors.ReasonAlreadySet, fmt.Sprintf("%s already set", field), map[string]any{
		"ticket_id": id,
		"field":     field,
	})
}

func errInvalidTransition(id string, current, next domain.TicketStatus) error {
	return apperrors.NewInvalidTransition(
		fmt.Sprintf("ticket cannot move from %s to %s", current, next),
		map[string]any{"ticket_id": id, "status": current, "requested": next},
	)
}

func errNotOpen(id string, current domain.TicketStatus) error {
	return apperrors.NewInvalidState(
		fmt.Sprintf("ticket is %s", current),
		map[string]any{"ticket_id": id, "status": current},
	)
}

func errNotClosed(id string, current domain.TicketStatus) error {
	return apperrors.NewInvalidState(
		fmt.Sprintf("ticket is %s, transcripts attach only to closed tickets", current),
		map[string]any{"ticket_id": id, "status": current},
	)
}

func errAlreadyPresent(id string, userID int64, role domain.ParticipantRole) error {
	return apperrors.NewAlreadyPresent("user already on ticket", map[string]any{
		"ticket_id": id,
		"user_id":   userID,
		"set":       role.Membership(),
	})
}

func errNotPresent(id string, userID int64, role domain.ParticipantRole) error {
	return apperrors.NewNotPresent("user not on ticket", map[string]any{
		"ticket_id": id,
		"user_id":   userID,
		"set":       role.Membership(),
	})
}

// explainSetOnce names why a set-once write touched no row of an existing
// ticket.
func explainSetOnce(id, field string, status domain.TicketStatus, channelSet, transcriptSet bool) error {
	switch field {
	case "channel_id":
		if channelSet {
			return errFieldAlreadySet(id, field)
		}
	case "transcript_ref":
		if transcriptSet {
			return errFieldAlreadySet(id, field)
		}
		if status != domain.TicketStatusClosed {
			return errNotClosed(id, status)
		}
	}
	return errFieldAlreadySet(id, field)
}

func checkMutableRole(role domain.ParticipantRole) error {
	if role != domain.RoleParticipant && role != domain.RoleStaff {
		return apperrors.NewValidationError("role must be participant or staff", map[string]any{"role": role})
	}
	return nil
}

func checkStatus(status domain.TicketStatus) error {
	if !status.Valid() {
		return apperrors.NewValidationError("unknown ticket status", map[string]any{"status": status})
	}
	return nil
}

// ensureSets replaces nil sets so tickets compare equal across backends.
func ensureSets(t *domain.Ticket) {
	if t.Participants == nil {
		t.Participants = []int64{}
	}
	if t.AssignedStaff == nil {
		t.AssignedStaff = []int64{}
	}
}
