package repository

import (
	"context"
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// DefaultPageSize bounds a single ListPage call when the caller passes zero.
const DefaultPageSize = 100

// PageCursor marks the last ticket returned by ListPage. Pages are ordered by
// (created_at, ticket_id); the zero cursor starts from the beginning.
type PageCursor struct {
	CreatedAt time.Time
	TicketID  string
}

// IsZero reports whether c points at the start of a listing.
func (c PageCursor) IsZero() bool {
	return c.TicketID == "" && c.CreatedAt.IsZero()
}

// CursorAfter returns the cursor positioned after t.
func CursorAfter(t *domain.Ticket) PageCursor {
	return PageCursor{CreatedAt: t.CreatedAt, TicketID: t.ID}
}

// TicketRepository is the storage adapter contract. Every implementation
// enforces the ticket rules atomically and returns only
// errorutil.DomainError values.
type TicketRepository interface {
	// Create inserts ticket with its participant and staff sets. It fails with
	// Conflict if the ticket id is taken or the creator already has an open
	// ticket in the guild.
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	GetOpenByCreator(ctx context.Context, guildID, creatorID int64) (*domain.Ticket, error)
	GetByChannel(ctx context.Context, guildID, channelID int64) (*domain.Ticket, error)
	// UpdateStatus moves the ticket to next with a compare-and-set on the legal
	// predecessor status, stamping at into closed_at or archived_at.
	UpdateStatus(ctx context.Context, id string, next domain.TicketStatus, at time.Time) (*domain.Ticket, error)
	// SetChannel and SetTranscriptRef write their field once; a second write
	// fails with Conflict. A transcript attaches only to a closed ticket.
	SetChannel(ctx context.Context, id string, channelID int64) error
	SetTranscriptRef(ctx context.Context, id string, ref string) error
	// AddParticipant and RemoveParticipant mutate the set selected by role
	// while the ticket is open.
	AddParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole, at time.Time) (*domain.Ticket, error)
	RemoveParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole) (*domain.Ticket, error)
	ListPage(ctx context.Context, guildID int64, status domain.TicketStatus, after PageCursor, limit int) ([]domain.Ticket, error)
	// GuildsWithStatus returns, in ascending order, every guild holding at
	// least one ticket in status.
	GuildsWithStatus(ctx context.Context, status domain.TicketStatus) ([]int64, error)
	Ping(ctx context.Context) error
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

func ticketDetails(id string) map[string]any {
	return map[string]any{"ticket_id": id}
}

type memberRow struct {
	userID int64
	role   domain.ParticipantRole
}

// initialMembers expands the sets of a new ticket into membership rows. The
// creator keeps the creator role; duplicates within a set are dropped.
func initialMembers(t *domain.Ticket) []memberRow {
	rows := make([]memberRow, 0, len(t.Participants)+len(t.AssignedStaff))
	seen := map[domain.Membership]map[int64]bool{
		domain.MembershipMember: {},
		domain.MembershipStaff:  {},
	}
	add := func(userID int64, role domain.ParticipantRole) {
		set := seen[role.Membership()]
		if set[userID] {
			return
		}
		set[userID] = true
		rows = append(rows, memberRow{userID: userID, role: role})
	}
	for _, id := range t.Participants {
		if id == t.CreatorID {
			add(id, domain.RoleCreator)
			continue
		}
		add(id, domain.RoleParticipant)
	}
	for _, id := range t.AssignedStaff {
		add(id, domain.RoleStaff)
	}
	return rows
}

func appendMember(t *domain.Ticket, userID int64, membership domain.Membership) {
	if t == nil {
		return
	}
	if membership == domain.MembershipStaff {
		t.AssignedStaff = append(t.AssignedStaff, userID)
		return
	}
	t.Participants = append(t.Participants, userID)
}

func normalizeTimes(t *domain.Ticket) {
	t.CreatedAt = t.CreatedAt.UTC()
	if t.ClosedAt != nil {
		v := t.ClosedAt.UTC()
		t.ClosedAt = &v
	}
	if t.ArchivedAt != nil {
		v := t.ArchivedAt.UTC()
		t.ArchivedAt = &v
	}
}
