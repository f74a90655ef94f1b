package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// maxWatchAttempts bounds optimistic retries when a watched key changes
// between read and EXEC.
const maxWatchAttempts = 32

// ticketDocument is the stored shape of a ticket.
type ticketDocument struct {
	ID            string     `cbor:"id"`
	GuildID       int64      `cbor:"guild_id"`
	ChannelID     int64      `cbor:"channel_id"`
	CreatorID     int64      `cbor:"creator_id"`
	Status        string     `cbor:"status"`
	CreatedAt     time.Time  `cbor:"created_at"`
	ClosedAt      *time.Time `cbor:"closed_at,omitempty"`
	ArchivedAt    *time.Time `cbor:"archived_at,omitempty"`
	AssignedStaff []int64    `cbor:"assigned_staff"`
	Participants  []int64    `cbor:"participants"`
	TranscriptRef *string    `cbor:"transcript_ref,omitempty"`
}

type redisTicketRepository struct {
	client redis.UniversalClient
	prefix string
	enc    cbor.EncMode
}

// NewRedisTicketRepository returns the document-store adapter. Each ticket is
// one CBOR document; secondary keys index open tickets, channels and status.
func NewRedisTicketRepository(client redis.UniversalClient, keyPrefix string) (TicketRepository, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return &redisTicketRepository{client: client, prefix: keyPrefix, enc: enc}, nil
}

func (r *redisTicketRepository) ticketKey(id string) string {
	return r.prefix + "ticket:" + id
}

func (r *redisTicketRepository) openKey(guildID, creatorID int64) string {
	return fmt.Sprintf("%sopen:%d:%d", r.prefix, guildID, creatorID)
}

func (r *redisTicketRepository) channelKey(guildID, channelID int64) string {
	return fmt.Sprintf("%schannel:%d:%d", r.prefix, guildID, channelID)
}

func (r *redisTicketRepository) statusKey(guildID int64, status domain.TicketStatus) string {
	return fmt.Sprintf("%sstatus:%d:%s", r.prefix, guildID, status)
}

// statusMember sorts lexicographically in (created_at, ticket_id) order.
func statusMember(createdAt time.Time, id string) string {
	return fmt.Sprintf("%020d:%s", toMicros(createdAt), id)
}

func (r *redisTicketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	doc := documentFrom(ticket)
	payload, err := r.enc.Marshal(doc)
	if err != nil {
		return apperrors.NewBackendError("encode ticket", err, false)
	}
	ticketKey := r.ticketKey(ticket.ID)
	openKey := r.openKey(ticket.GuildID, ticket.CreatorID)

	return r.watch(ctx, "create ticket", func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, ticketKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return errTicketIDTaken(ticket.ID)
		}
		if ticket.Status == domain.TicketStatusOpen {
			n, err := tx.Exists(ctx, openKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return errOpenTicketExists(ticket.GuildID, ticket.CreatorID)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, ticketKey, payload, 0)
			pipe.ZAdd(ctx, r.statusKey(ticket.GuildID, ticket.Status), redis.Z{Member: statusMember(ticket.CreatedAt, ticket.ID)})
			if ticket.Status == domain.TicketStatusOpen {
				pipe.Set(ctx, openKey, ticket.ID, 0)
			}
			if ticket.ChannelID != 0 {
				pipe.Set(ctx, r.channelKey(ticket.GuildID, ticket.ChannelID), ticket.ID, 0)
			}
			return nil
		})
		return err
	}, ticketKey, openKey)
}

func (r *redisTicketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := r.load(ctx, r.client, id)
	return ticket, r.normalize("get ticket", err)
}

func (r *redisTicketRepository) GetOpenByCreator(ctx context.Context, guildID, creatorID int64) (*domain.Ticket, error) {
	id, err := r.client.Get(ctx, r.openKey(guildID, creatorID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errNoOpenTicket(guildID, creatorID)
	}
	if err != nil {
		return nil, r.normalize("get open ticket", err)
	}
	ticket, err := r.load(ctx, r.client, id)
	if err != nil || ticket.Status != domain.TicketStatusOpen {
		if err == nil || apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, errNoOpenTicket(guildID, creatorID)
		}
		return nil, r.normalize("get open ticket", err)
	}
	return ticket, nil
}

func (r *redisTicketRepository) GetByChannel(ctx context.Context, guildID, channelID int64) (*domain.Ticket, error) {
	id, err := r.client.Get(ctx, r.channelKey(guildID, channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errNoChannelTicket(guildID, channelID)
	}
	if err != nil {
		return nil, r.normalize("get ticket by channel", err)
	}
	ticket, err := r.load(ctx, r.client, id)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, errNoChannelTicket(guildID, channelID)
		}
		return nil, r.normalize("get ticket by channel", err)
	}
	return ticket, nil
}

func (r *redisTicketRepository) UpdateStatus(ctx context.Context, id string, next domain.TicketStatus, at time.Time) (*domain.Ticket, error) {
	var result *domain.Ticket
	err := r.update(ctx, "update status", id, func(t *domain.Ticket) ([]func(redis.Pipeliner), error) {
		if !t.Status.CanTransitionTo(next) {
			return nil, errInvalidTransition(id, t.Status, next)
		}
		prev := t.Status
		stamp := at.UTC()
		switch next {
		case domain.TicketStatusClosed:
			t.ClosedAt = &stamp
		case domain.TicketStatusArchived:
			t.ArchivedAt = &stamp
		}
		t.Status = next
		result = t
		member := statusMember(t.CreatedAt, t.ID)
		return []func(redis.Pipeliner){func(pipe redis.Pipeliner) {
			pipe.ZRem(ctx, r.statusKey(t.GuildID, prev), member)
			pipe.ZAdd(ctx, r.statusKey(t.GuildID, next), redis.Z{Member: member})
			if prev == domain.TicketStatusOpen {
				pipe.Del(ctx, r.openKey(t.GuildID, t.CreatorID))
			}
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *redisTicketRepository) SetChannel(ctx context.Context, id string, channelID int64) error {
	return r.update(ctx, "set channel_id", id, func(t *domain.Ticket) ([]func(redis.Pipeliner), error) {
		if t.ChannelID != 0 {
			return nil, errFieldAlreadySet(id, "channel_id")
		}
		t.ChannelID = channelID
		return []func(redis.Pipeliner){func(pipe redis.Pipeliner) {
			pipe.Set(ctx, r.channelKey(t.GuildID, channelID), t.ID, 0)
		}}, nil
	})
}

func (r *redisTicketRepository) SetTranscriptRef(ctx context.Context, id string, ref string) error {
	return r.update(ctx, "set transcript_ref", id, func(t *domain.Ticket) ([]func(redis.Pipeliner), error) {
		if t.TranscriptRef != nil {
			return nil, errFieldAlreadySet(id, "transcript_ref")
		}
		if t.Status != domain.TicketStatusClosed {
			return nil, errNotClosed(id, t.Status)
		}
		t.TranscriptRef = &ref
		return nil, nil
	})
}

func (r *redisTicketRepository) AddParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole, _ time.Time) (*domain.Ticket, error) {
	if err := checkMutableRole(role); err != nil {
		return nil, err
	}
	var result *domain.Ticket
	err := r.update(ctx, "add participant", id, func(t *domain.Ticket) ([]func(redis.Pipeliner), error) {
		if t.Status != domain.TicketStatusOpen {
			return nil, errNotOpen(id, t.Status)
		}
		if slices.Contains(t.Members(role.Membership()), userID) {
			return nil, errAlreadyPresent(id, userID, role)
		}
		appendMember(t, userID, role.Membership())
		result = t
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *redisTicketRepository) RemoveParticipant(ctx context.Context, id string, userID int64, role domain.ParticipantRole) (*domain.Ticket, error) {
	if err := checkMutableRole(role); err != nil {
		return nil, err
	}
	var result *domain.Ticket
	err := r.update(ctx, "remove participant", id, func(t *domain.Ticket) ([]func(redis.Pipeliner), error) {
		if t.Status != domain.TicketStatusOpen {
			return nil, errNotOpen(id, t.Status)
		}
		set := t.Members(role.Membership())
		idx := slices.Index(set, userID)
		if idx < 0 {
			return nil, errNotPresent(id, userID, role)
		}
		set = slices.Delete(slices.Clone(set), idx, idx+1)
		if role.Membership() == domain.MembershipStaff {
			t.AssignedStaff = set
		} else {
			t.Participants = set
		}
		result = t
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *redisTicketRepository) ListPage(ctx context.Context, guildID int64, status domain.TicketStatus, after PageCursor, limit int) ([]domain.Ticket, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	limit = pageLimit(limit)
	lower := "-"
	if !after.IsZero() {
		lower = "(" + statusMember(after.CreatedAt, after.TicketID)
	}

	// Index members whose document has since changed status are skipped, so
	// keep reading from the last member seen until the page is full or the
	// index is exhausted. A short page then always means the end.
	tickets := make([]domain.Ticket, 0, limit)
	for len(tickets) < limit {
		want := limit - len(tickets)
		members, err := r.client.ZRangeByLex(ctx, r.statusKey(guildID, status), &redis.ZRangeBy{
			Min:   lower,
			Max:   "+",
			Count: int64(want),
		}).Result()
		if err != nil {
			return nil, r.normalize("list tickets", err)
		}
		if len(members) == 0 {
			break
		}
		page, err := r.loadMembers(ctx, members, status)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, page...)
		if len(members) < want {
			break
		}
		lower = "(" + members[len(members)-1]
	}
	return tickets, nil
}

// loadMembers fetches the documents behind status index members, dropping
// those no longer in status.
func (r *redisTicketRepository) loadMembers(ctx context.Context, members []string, status domain.TicketStatus) ([]domain.Ticket, error) {
	keys := make([]string, len(members))
	for i, member := range members {
		_, id, _ := strings.Cut(member, ":")
		keys[i] = r.ticketKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, r.normalize("list tickets", err)
	}
	tickets := make([]domain.Ticket, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		ticket, err := decodeTicket([]byte(raw))
		if err != nil {
			return nil, r.normalize("list tickets", err)
		}
		if ticket.Status != status {
			continue
		}
		tickets = append(tickets, *ticket)
	}
	return tickets, nil
}

// GuildsWithStatus scans the status index keys. Redis drops a sorted set
// with its last member, so every key found holds at least one ticket.
func (r *redisTicketRepository) GuildsWithStatus(ctx context.Context, status domain.TicketStatus) ([]int64, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	pattern := r.prefix + "status:*:" + string(status)
	guilds := []int64{}
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), r.prefix+"status:")
		raw, _, _ := strings.Cut(rest, ":")
		guildID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if !slices.Contains(guilds, guildID) {
			guilds = append(guilds, guildID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, r.normalize("list guilds", err)
	}
	slices.Sort(guilds)
	return guilds, nil
}

func (r *redisTicketRepository) Ping(ctx context.Context) error {
	return r.normalize("ping", r.client.Ping(ctx).Err())
}

// update runs a read-modify-write of one ticket document under WATCH. The
// mutator edits the decoded ticket and may queue extra index writes.
func (r *redisTicketRepository) update(ctx context.Context, op, id string, mutate func(t *domain.Ticket) ([]func(redis.Pipeliner), error)) error {
	key := r.ticketKey(id)
	return r.watch(ctx, op, func(tx *redis.Tx) error {
		ticket, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		extra, err := mutate(ticket)
		if err != nil {
			return err
		}
		payload, err := r.enc.Marshal(documentFrom(ticket))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			for _, fn := range extra {
				fn(pipe)
			}
			return nil
		})
		return err
	}, key)
}

func (r *redisTicketRepository) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := r.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return r.normalize(op, err)
	}
	return apperrors.NewBackendError(op, redis.TxFailedErr, true)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *redisTicketRepository) load(ctx context.Context, c redisGetter, id string) (*domain.Ticket, error) {
	raw, err := c.Get(ctx, r.ticketKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errTicketNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeTicket(raw)
}

func (r *redisTicketRepository) normalize(op string, err error) error {
	if normalized, ok := normalizeCommon(op, err); ok {
		return normalized
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "READONLY", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN", "BUSY"} {
		if strings.HasPrefix(msg, prefix) {
			return apperrors.NewBackendError(op, err, true)
		}
	}
	return apperrors.NewBackendError(op, err, false)
}

func documentFrom(t *domain.Ticket) ticketDocument {
	return ticketDocument{
		ID:            t.ID,
		GuildID:       t.GuildID,
		ChannelID:     t.ChannelID,
		CreatorID:     t.CreatorID,
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt.UTC(),
		ClosedAt:      t.ClosedAt,
		ArchivedAt:    t.ArchivedAt,
		AssignedStaff: t.AssignedStaff,
		Participants:  t.Participants,
		TranscriptRef: t.TranscriptRef,
	}
}

func decodeTicket(raw []byte) (*domain.Ticket, error) {
	var doc ticketDocument
	if err := cbor.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	ticket := &domain.Ticket{
		ID:            doc.ID,
		GuildID:       doc.GuildID,
		ChannelID:     doc.ChannelID,
		CreatorID:     doc.CreatorID,
		Status:        domain.TicketStatus(doc.Status),
		CreatedAt:     doc.CreatedAt,
		ClosedAt:      doc.ClosedAt,
		ArchivedAt:    doc.ArchivedAt,
		AssignedStaff: doc.AssignedStaff,
		Participants:  doc.Participants,
		TranscriptRef: doc.TranscriptRef,
	}
	normalizeTimes(ticket)
	ensureSets(ticket)
	return ticket, nil
}
