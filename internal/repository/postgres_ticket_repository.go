package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const (
	pgTicketsPK         = "tickets_pkey"
	pgOneOpenPerCreator = "tickets_one_open_per_creator"
	pgParticipantUnique = "ticket_participants_unique"
)

const pgTicketColumns = `ticket_id, guild_id, channel_id, creator_id, status, created_at, closed_at, archived_at, transcript_ref`

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type postgresTicketRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTicketRepository returns the PostgreSQL storage adapter.
func NewPostgresTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &postgresTicketRepository{pool: pool}
}

func (r *postgresTicketRepository) Create(ctx context.Context, ticket *domain.Ticket) (err error) {
	defer func() { err = r.normalize("create ticket", err) }()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	const insertTicket = `
        INSERT INTO tickets (ticket_id, guild_id, channel_id, creator_id, status, created_at, closed_at, archived_at, transcript_ref)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := tx.Exec(ctx, insertTicket,
		ticket.ID,
		ticket.GuildID,
		ticket.ChannelID,
		ticket.CreatorID,
		ticket.Status,
		ticket.CreatedAt,
		ticket.ClosedAt,
		ticket.ArchivedAt,
		ticket.TranscriptRef,
	); err != nil {
		return r.creationConflict(ticket, err)
	}

	for _, member := range initialMembers(ticket) {
		if _, err := tx.Exec(ctx, `
            INSERT INTO ticket_participants (ticket_id, user_id, role, membership, added_at)
            VALUES ($1,$2,$3,$4,$5)`,
			ticket.ID, member.userID, member.role, member.role.Membership(), ticket.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *postgresTicketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := r.fetchSingle(ctx, r.pool, `SELECT `+pgTicketColumns+` FROM tickets WHERE ticket_id=$1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errTicketNotFound(id)
	}
	return ticket, r.normalize("get ticket", err)
}

func (r *postgresTicketRepository) GetOpenByCreator(ctx context.Context, guildID, creatorID int64) (*domain.Ticket, error) {
	ticket, err := r.fetchSingle(ctx, r.pool,
		`SELECT `+pgTicketColumns+` FROM tickets WHERE guild_id=$1 AND creator_id=$2 AND status='open'`,
		guildID, creatorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNoOpenTicket(guildID, creatorID)
	}
	return ticket, r.normalize("get open ticket", err)
}

func (r *postgresTicketRepository) GetByChannel(ctx context.Context, guildID, channelID int64) (*domain.Ticket, error) {
	ticket, err := r.fetchSingle(ctx, r.pool,
		`SELECT `+pgTicketColumns+` FROM tickets WHERE guild_id=$1 AND channel_id=$2 ORDER BY created_at DESC LIMIT 1`,
		guildID, channelID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNoChannelTicket(guildID, channelID)
	}
	return ticket, r.normalize("get ticket by channel", err)
}

func (r *postgresTicketRepository) UpdateStatus(ctx context.Context, id string, next domain.TicketStatus, at time.Time) (result *domain.Ticket, err error) {
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

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	query := fmt.Sprintf(`UPDATE tickets SET status=$1, %s=$2 WHERE ticket_id=$3 AND status=$4`, column)
	cmd, err := tx.Exec(ctx, query, next, at, id, prev)
	if err != nil {
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		var current domain.TicketStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id=$1`, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, errTicketNotFound(id)
			}
			return nil, err
		}
		return nil, errInvalidTransition(id, current, next)
	}

	ticket, err := r.fetchSingle(ctx, tx, `SELECT `+pgTicketColumns+` FROM tickets WHERE ticket_id=$1`, id)
	if err != nil {
		return nil, err
	}
	return ticket, tx.Commit(ctx)
}

func (r *postgresTicketRepository) SetChannel(ctx context.Context, id string, channelID int64) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE tickets SET channel_id=$1 WHERE ticket_id=$2 AND channel_id=0`, channelID, id)
	if err != nil {
		return r.normalize("set channel", err)
	}
	if cmd.RowsAffected() == 0 {
		return r.explainSetOnce(ctx, id, "channel_id")
	}
	return nil
}

func (r *postgresTicketRepository) SetTranscriptRef(ctx context.Context, id string, ref string) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE tickets SET transcript_ref=$1 WHERE ticket_id=$2 AND transcript_ref IS NULL AND status='closed'`, ref, id)
	if err != nil {
		return r.normalize("set transcript", err)
	}
	if cmd.RowsAffected() == 0 {
		return r.explainSetOnce(ctx, id, "transcript_ref")
	}
	return nil
}

func (r *postgresTicketRepository) AddParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole, at time.Time) (*domain.Ticket, error) {
	if err := checkMutableRole(role); err != nil {
		return nil, err
	}
	return r.mutate(ctx, "add participant", id, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `
            INSERT INTO ticket_participants (ticket_id, user_id, role, membership, added_at)
            VALUES ($1,$2,$3,$4,$5)
            ON CONFLICT (ticket_id, user_id, membership) DO NOTHING`,
			id, userID, role, role.Membership(), at)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return errAlreadyPresent(id, userID, role)
		}
		return nil
	})
}

func (r *postgresTicketRepository) RemoveParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole) (*domain.Ticket, error) {
	if err := checkMutableRole(role); err != nil {
		return nil, err
	}
	return r.mutate(ctx, "remove participant", id, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx,
			`DELETE FROM ticket_participants WHERE ticket_id=$1 AND user_id=$2 AND membership=$3`,
			id, userID, role.Membership())
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return errNotPresent(id, userID, role)
		}
		return nil
	})
}

// mutate locks the ticket row, requires it to be open, applies fn and returns
// the updated ticket.
func (r *postgresTicketRepository) mutate(ctx context.Context, op, id string, fn func(tx pgx.Tx) error) (result *domain.Ticket, err error) {
	defer func() { err = r.normalize(op, err) }()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var status domain.TicketStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id=$1 FOR UPDATE`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errTicketNotFound(id)
		}
		return nil, err
	}
	if status != domain.TicketStatusOpen {
		return nil, errNotOpen(id, status)
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	ticket, err := r.fetchSingle(ctx, tx, `SELECT `+pgTicketColumns+` FROM tickets WHERE ticket_id=$1`, id)
	if err != nil {
		return nil, err
	}
	return ticket, tx.Commit(ctx)
}

func (r *postgresTicketRepository) ListPage(ctx context.Context, guildID int64, status domain.TicketStatus, after PageCursor, limit int) ([]domain.Ticket, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	var (
		rows pgx.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = r.pool.Query(ctx, `
            SELECT `+pgTicketColumns+` FROM tickets
            WHERE guild_id=$1 AND status=$2
            ORDER BY created_at, ticket_id LIMIT $3`,
			guildID, status, pageLimit(limit))
	} else {
		rows, err = r.pool.Query(ctx, `
            SELECT `+pgTicketColumns+` FROM tickets
            WHERE guild_id=$1 AND status=$2 AND (created_at, ticket_id) > ($3, $4)
            ORDER BY created_at, ticket_id LIMIT $5`,
			guildID, status, after.CreatedAt, after.TicketID, pageLimit(limit))
	}
	if err != nil {
		return nil, r.normalize("list tickets", err)
	}
	tickets, err := scanPgTickets(rows)
	if err != nil {
		return nil, r.normalize("list tickets", err)
	}
	if err := r.loadMembers(ctx, r.pool, tickets); err != nil {
		return nil, r.normalize("list tickets", err)
	}
	return tickets, nil
}

func (r *postgresTicketRepository) GuildsWithStatus(ctx context.Context, status domain.TicketStatus) ([]int64, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT guild_id FROM tickets WHERE status=$1 ORDER BY guild_id`, status)
	if err != nil {
		return nil, r.normalize("list guilds", err)
	}
	guilds, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, r.normalize("list guilds", err)
	}
	return guilds, nil
}

func (r *postgresTicketRepository) Ping(ctx context.Context) error {
	return r.normalize("ping", r.pool.Ping(ctx))
}

func (r *postgresTicketRepository) fetchSingle(ctx context.Context, q pgQueryer, query string, args ...any) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := scanPgTicket(q.QueryRow(ctx, query, args...), &ticket); err != nil {
		return nil, err
	}
	list := []domain.Ticket{ticket}
	if err := r.loadMembers(ctx, q, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *postgresTicketRepository) loadMembers(ctx context.Context, q pgQueryer, tickets []domain.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	ids := make([]string, len(tickets))
	index := make(map[string]*domain.Ticket, len(tickets))
	for i := range tickets {
		ensureSets(&tickets[i])
		ids[i] = tickets[i].ID
		index[tickets[i].ID] = &tickets[i]
	}
	rows, err := q.Query(ctx, `
        SELECT ticket_id, user_id, membership FROM ticket_participants
        WHERE ticket_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ticketID   string
			userID     int64
			membership domain.Membership
		)
		if err := rows.Scan(&ticketID, &userID, &membership); err != nil {
			return err
		}
		appendMember(index[ticketID], userID, membership)
	}
	return rows.Err()
}

func (r *postgresTicketRepository) explainSetOnce(ctx context.Context, id, field string) error {
	var (
		status        domain.TicketStatus
		channelSet    bool
		transcriptSet bool
	)
	err := r.pool.QueryRow(ctx,
		`SELECT status, channel_id <> 0, transcript_ref IS NOT NULL FROM tickets WHERE ticket_id=$1`, id,
	).Scan(&status, &channelSet, &transcriptSet)
	if errors.Is(err, pgx.ErrNoRows) {
		return errTicketNotFound(id)
	}
	if err != nil {
		return r.normalize("set "+field, err)
	}
	return explainSetOnce(id, field, status, channelSet, transcriptSet)
}

func (r *postgresTicketRepository) creationConflict(ticket *domain.Ticket, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case pgTicketsPK:
			return errTicketIDTaken(ticket.ID)
		case pgOneOpenPerCreator:
			return errOpenTicketExists(ticket.GuildID, ticket.CreatorID)
		}
	}
	return err
}

func (r *postgresTicketRepository) normalize(op string, err error) error {
	if normalized, ok := normalizeCommon(op, err); ok {
		return normalized
	}
	if pgconn.Timeout(err) {
		return apperrors.NewTimeout(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.ConstraintName == pgParticipantUnique:
			return apperrors.NewAlreadyPresent("user already on ticket", nil)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08",
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "57P01",
			pgErr.Code == "53300":
			return apperrors.NewBackendError(op, err, true)
		}
		return apperrors.NewBackendError(op, err, false)
	}
	return apperrors.NewBackendError(op, err, pgconn.SafeToRetry(err))
}

func scanPgTicket(row pgx.Row, ticket *domain.Ticket) error {
	if err := row.Scan(
		&ticket.ID,
		&ticket.GuildID,
		&ticket.ChannelID,
		&ticket.CreatorID,
		&ticket.Status,
		&ticket.CreatedAt,
		&ticket.ClosedAt,
		&ticket.ArchivedAt,
		&ticket.TranscriptRef,
	); err != nil {
		return err
	}
	normalizeTimes(ticket)
	return nil
}

func scanPgTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	defer rows.Close()
	var result []domain.Ticket
	for rows.Next() {
		var ticket domain.Ticket
		if err := scanPgTicket(rows, &ticket); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}
