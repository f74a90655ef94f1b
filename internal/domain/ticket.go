package domain

import (
	"slices"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusClosed   TicketStatus = "closed"
	TicketStatusArchived TicketStatus = "archived"
)

// ParticipantRole tags a membership row on relational backends.
type ParticipantRole string

const (
	RoleCreator     ParticipantRole = "creator"
	RoleStaff       ParticipantRole = "staff"
	RoleParticipant ParticipantRole = "participant"
)

// Membership groups roles into the two sets a ticket exposes: participants
// (creator, participant) and assigned staff.
type Membership string

const (
	MembershipMember Membership = "member"
	MembershipStaff  Membership = "staff"
)

// Membership returns the set a role belongs to.
func (r ParticipantRole) Membership() Membership {
	if r == RoleStaff {
		return MembershipStaff
	}
	return MembershipMember
}

// Valid reports whether r is a known role.
func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleCreator, RoleStaff, RoleParticipant:
		return true
	}
	return false
}

// Ticket is the aggregate for a support session.
type Ticket struct {
	ID            string
	GuildID       int64
	ChannelID     int64
	CreatorID     int64
	Status        TicketStatus
	CreatedAt     time.Time
	ClosedAt      *time.Time
	ArchivedAt    *time.Time
	AssignedStaff []int64
	Participants  []int64
	TranscriptRef *string
}

// HasParticipant reports whether userID is in the participant set.
func (t *Ticket) HasParticipant(userID int64) bool {
	return slices.Contains(t.Participants, userID)
}

// HasStaff reports whether userID is in the assigned staff set.
func (t *Ticket) HasStaff(userID int64) bool {
	return slices.Contains(t.AssignedStaff, userID)
}

// Members returns the set addressed by membership.
func (t *Ticket) Members(m Membership) []int64 {
	if m == MembershipStaff {
		return t.AssignedStaff
	}
	return t.Participants
}

// Clone returns a deep copy.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.AssignedStaff = slices.Clone(t.AssignedStaff)
	c.Participants = slices.Clone(t.Participants)
	if t.ClosedAt != nil {
		v := *t.ClosedAt
		c.ClosedAt = &v
	}
	if t.ArchivedAt != nil {
		v := *t.ArchivedAt
		c.ArchivedAt = &v
	}
	if t.TranscriptRef != nil {
		v := *t.TranscriptRef
		c.TranscriptRef = &v
	}
	return &c
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusClosed, TicketStatusArchived:
		return true
	}
	return false
}

// Predecessor returns the only status allowed to move into s. Open has none.
func (s TicketStatus) Predecessor() (TicketStatus, bool) {
	switch s {
	case TicketStatusClosed:
		return TicketStatusOpen, true
	case TicketStatusArchived:
		return TicketStatusClosed, true
	}
	return "", false
}

// CanTransitionTo reports whether s may move to next. Transitions never skip
// or reverse a state.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	prev, ok := next.Predecessor()
	return ok && prev == s
}

// Now returns the timestamp precision every backend can store losslessly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
