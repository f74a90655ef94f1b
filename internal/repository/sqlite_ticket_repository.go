package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const sqliteTicketColumns = `ticket_id, guild_id, channel_id, creator_id, status, created_at, closed_at, archived_at, transcript_ref`

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqliteTicketRepository struct {
	db *sql.DB
}

// NewSQLiteTicketRepository returns the embedded SQLite storage adapter. The
// database must be opened with _txlock=immediate so every write transaction
// takes the reserved lock up front.
func NewSQLiteTicketRepository(db *sql.DB) TicketRepository {
	return &sqliteTicketRepository{db: db}
}

func (r *sqliteTicketRepository) Create(ctx context.Context, ticket *domain.Ticket) (err error) {
	defer func() { err = r.normalize("create ticket", err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO tickets (ticket_id, guild_id, channel_id, creator_id, status, created_at, closed_at, archived_at, transcript_ref)
        VALUES (?,?,?,?,?,?,?,?,?)`,
		ticket.ID,
		ticket.GuildID,
		ticket.ChannelID,
		ticket.CreatorID,
		string(ticket.Status),
		toMicros(ticket.CreatedAt),
		toNullMicros(ticket.ClosedAt),
		toNullMicros(ticket.ArchivedAt),
		toNullString(ticket.TranscriptRef),
	); err != nil {
		return r.creationConflict(ticket, err)
	}

	for _, member := range initialMembers(ticket) {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO ticket_participants (ticket_id, user_id, role, membership, added_at)
            VALUES (?,?,?,?,?)`,
			ticket.ID, member.userID, string(member.role), string(member.role.Membership()), toMicros(ticket.CreatedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteTicketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := r.fetchSingle(ctx, r.db, `SELECT `+sqliteTicketColumns+` FROM tickets WHERE ticket_id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errTicketNotFound(id)
	}
	return ticket, r.normalize("get ticket", err)
}

func (r *sqliteTicketRepository) GetOpenByCreator(ctx context.Context, guildID, creatorID int64) (*domain.Ticket, error) {
	ticket, err := r.fetchSingle(ctx, r.db,
		`SELECT `+sqliteTicketColumns+` FROM tickets WHERE guild_id=? AND creator_id=? AND status='open'`,
		guildID, creatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoOpenTicket(guildID, creatorID)
	}
	return ticket, r.normalize("get open ticket", err)
}

func (r *sqliteTicketRepository) GetByChannel(ctx context.Context, guildID, channelID int64) (*domain.Ticket, error) {
	ticket, err := r.fetchSingle(ctx, r.db,
		`SELECT `+sqliteTicketColumns+` FROM tickets WHERE guild_id=? AND channel_id=? ORDER BY created_at DESC LIMIT 1`,
		guildID, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoChannelTicket(guildID, channelID)
	}
	return ticket, r.normalize("get ticket by channel", err)
}

func (r *sqliteTicketRepository) UpdateStatus(ctx context.Context, id string, next domain.TicketStatus, at time.Time) (result *domain.Ticket, err error) {
	defer func() { err = r.normalize("update status", err) }()

	prev, ok := next.Predecessor()
	if !ok {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, errInvalidTransition(id, current.Status, next)
	}

	column := "closed_at"
	if next == domain.TicketStatusArchived {
		column = "archived_at"
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tickets SET status=?, %s=? WHERE ticket_id=? AND status=?`, column),
		string(next), toMicros(at), id, string(prev))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE ticket_id=?`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errTicketNotFound(id)
			}
			return nil, err
		}
		return nil, errInvalidTransition(id, domain.TicketStatus(current), next)
	}

	ticket, err := r.fetchSingle(ctx, tx, `SELECT `+sqliteTicketColumns+` FROM tickets WHERE ticket_id=?`, id)
	if err != nil {
		return nil, err
	}
	return ticket, tx.Commit()
}

func (r *sqliteTicketRepository) SetChannel(ctx context.Context, id string, channelID int64) error {
	return r.setOnce(ctx, id, "channel_id",
		`UPDATE tickets SET channel_id=? WHERE ticket_id=? AND channel_id=0`, channelID)
}

func (r *sqliteTicketRepository) SetTranscriptRef(ctx context.Context, id string, ref string) error {
	return r.setOnce(ctx, id, "transcript_ref",
		`UPDATE tickets SET transcript_ref=? WHERE ticket_id=? AND transcript_ref IS NULL AND status='closed'`, ref)
}

func (r *sqliteTicketRepository) setOnce(ctx context.Context, id, field, query string, value any) (err error) {
	defer func() { err = r.normalize("set "+field, err) }()

	res, err := r.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var (
		status        domain.TicketStatus
		channelSet    bool
		transcriptSet bool
	)
	err = r.db.QueryRowContext(ctx,
		`SELECT status, channel_id <> 0, transcript_ref IS NOT NULL FROM tickets WHERE ticket_id=?`, id,
	).Scan(&status, &channelSet, &transcriptSet)
	if errors.Is(err, sql.ErrNoRows) {
		return errTicketNotFound(id)
	}
	if err != nil {
		return err
	}
	return explainSetOnce(id, field, status, channelSet, transcriptSet)
}

func (r *sqliteTicketRepository) AddParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole, at time.Time) (*domain.Ticket, error) {
	if err := checkMutableRole(role); err != nil {
		return nil, err
	}
	return r.mutate(ctx, "add participant", id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO ticket_participants (ticket_id, user_id, role, membership, added_at)
            VALUES (?,?,?,?,?)
            ON CONFLICT (ticket_id, user_id, membership) DO NOTHING`,
			id, userID, string(role), string(role.Membership()), toMicros(at))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errAlreadyPresent(id, userID, role)
		}
		return nil
	})
}

func (r *sqliteTicketRepository) RemoveParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole) (*domain.Ticket, error) {
	if err := checkMutableRole(role); err != nil {
		return nil, err
	}
	return r.mutate(ctx, "remove participant", id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM ticket_participants WHERE ticket_id=? AND user_id=? AND membership=?`,
			id, userID, string(role.Membership()))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errNotPresent(id, userID, role)
		}
		return nil
	})
}

// mutate runs fn inside an immediate transaction after checking the ticket is
// open. The reserved lock taken at BEGIN serializes it against every other
// writer, including status changes.
func (r *sqliteTicketRepository) mutate(ctx context.Context, op, id string, fn func(tx *sql.Tx) error) (result *domain.Ticket, err error) {
	defer func() { err = r.normalize(op, err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE ticket_id=?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errTicketNotFound(id)
		}
		return nil, err
	}
	if domain.TicketStatus(status) != domain.TicketStatusOpen {
		return nil, errNotOpen(id, domain.TicketStatus(status))
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	ticket, err := r.fetchSingle(ctx, tx, `SELECT `+sqliteTicketColumns+` FROM tickets WHERE ticket_id=?`, id)
	if err != nil {
		return nil, err
	}
	return ticket, tx.Commit()
}

func (r *sqliteTicketRepository) ListPage(ctx context.Context, guildID int64, status domain.TicketStatus, after PageCursor, limit int) ([]domain.Ticket, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = r.db.QueryContext(ctx, `
            SELECT `+sqliteTicketColumns+` FROM tickets
            WHERE guild_id=? AND status=?
            ORDER BY created_at, ticket_id LIMIT ?`,
			guildID, string(status), pageLimit(limit))
	} else {
		cursor := toMicros(after.CreatedAt)
		rows, err = r.db.QueryContext(ctx, `
            SELECT `+sqliteTicketColumns+` FROM tickets
            WHERE guild_id=? AND status=? AND (created_at > ? OR (created_at = ? AND ticket_id > ?))
            ORDER BY created_at, ticket_id LIMIT ?`,
			guildID, string(status), cursor, cursor, after.TicketID, pageLimit(limit))
	}
	if err != nil {
		return nil, r.normalize("list tickets", err)
	}
	tickets, err := scanSQLiteTickets(rows)
	if err != nil {
		return nil, r.normalize("list tickets", err)
	}
	if err := r.loadMembers(ctx, r.db, tickets); err != nil {
		return nil, r.normalize("list tickets", err)
	}
	return tickets, nil
}

func (r *sqliteTicketRepository) GuildsWithStatus(ctx context.Context, status domain.TicketStatus) (guilds []int64, err error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	defer func() { err = r.normalize("list guilds", err) }()

	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT guild_id FROM tickets WHERE status=? ORDER BY guild_id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	guilds = []int64{}
	for rows.Next() {
		var guildID int64
		if err := rows.Scan(&guildID); err != nil {
			return nil, err
		}
		guilds = append(guilds, guildID)
	}
	return guilds, rows.Err()
}

func (r *sqliteTicketRepository) Ping(ctx context.Context) error {
	return r.normalize("ping", r.db.PingContext(ctx))
}

func (r *sqliteTicketRepository) fetchSingle(ctx context.Context, q sqlQueryer, query string, args ...any) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := scanSQLiteTicket(q.QueryRowContext(ctx, query, args...), &ticket); err != nil {
		return nil, err
	}
	list := []domain.Ticket{ticket}
	if err := r.loadMembers(ctx, q, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *sqliteTicketRepository) loadMembers(ctx context.Context, q sqlQueryer, tickets []domain.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	args := make([]any, len(tickets))
	index := make(map[string]*domain.Ticket, len(tickets))
	for i := range tickets {
		ensureSets(&tickets[i])
		args[i] = tickets[i].ID
		index[tickets[i].ID] = &tickets[i]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := q.QueryContext(ctx,
		`SELECT ticket_id, user_id, membership FROM ticket_participants WHERE ticket_id IN (`+placeholders+`) ORDER BY id`,
		args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ticketID   string
			userID     int64
			membership string
		)
		if err := rows.Scan(&ticketID, &userID, &membership); err != nil {
			return err
		}
		appendMember(index[ticketID], userID, domain.Membership(membership))
	}
	return rows.Err()
}

func (r *sqliteTicketRepository) creationConflict(ticket *domain.Ticket, err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey:
		return errTicketIDTaken(ticket.ID)
	case sqlite3.ErrConstraintUnique:
		if strings.Contains(sqliteErr.Error(), "tickets.ticket_id") {
			return errTicketIDTaken(ticket.ID)
		}
		if strings.Contains(sqliteErr.Error(), "tickets.creator_id") {
			return errOpenTicketExists(ticket.GuildID, ticket.CreatorID)
		}
	}
	return err
}

func (r *sqliteTicketRepository) normalize(op string, err error) error {
	if normalized, ok := normalizeCommon(op, err); ok {
		return normalized
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return apperrors.NewBackendError(op, err, true)
		case sqlite3.ErrConstraint:
			if strings.Contains(sqliteErr.Error(), "ticket_participants.") {
				return apperrors.NewAlreadyPresent("user already on ticket", nil)
			}
		}
	}
	return apperrors.NewBackendError(op, err, false)
}

func scanSQLiteTicket(row interface{ Scan(...any) error }, ticket *domain.Ticket) error {
	var (
		status     string
		createdAt  int64
		closedAt   sql.NullInt64
		archivedAt sql.NullInt64
		transcript sql.NullString
	)
	if err := row.Scan(
		&ticket.ID,
		&ticket.GuildID,
		&ticket.ChannelID,
		&ticket.CreatorID,
		&status,
		&createdAt,
		&closedAt,
		&archivedAt,
		&transcript,
	); err != nil {
		return err
	}
	ticket.Status = domain.TicketStatus(status)
	ticket.CreatedAt = fromMicros(createdAt)
	ticket.ClosedAt = fromNullMicros(closedAt)
	ticket.ArchivedAt = fromNullMicros(archivedAt)
	if transcript.Valid {
		ref := transcript.String
		ticket.TranscriptRef = &ref
	}
	return nil
}

func scanSQLiteTickets(rows *sql.Rows) ([]domain.Ticket, error) {
	defer rows.Close()
	var result []domain.Ticket
	for rows.Next() {
		var ticket domain.Ticket
		if err := scanSQLiteTicket(rows, &ticket); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func toNullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
