package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-lifecycle/internal/api/dto"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// ConfirmationHeader carries the token approving a creator removal.
const ConfirmationHeader = "X-Confirmation-Token"

// TicketsHandler exposes the lifecycle manager to the chat gateway.
type TicketsHandler struct {
	service *service.TicketService
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService) *TicketsHandler {
	return &TicketsHandler{service: ticketService}
}

// CreateTicket POST /v1/guilds/:guildID/tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	guildID, err := snowflakeParam(c, "guildID")
	if err != nil {
		return err
	}
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.CreatorID <= 0 {
		return apperrors.NewValidationError("creator_id required", nil)
	}

	ticket, err := h.service.RequestCreate(c.UserContext(), guildID, req.CreatorID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// ListTickets GET /v1/guilds/:guildID/tickets?status=open&limit=.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	guildID, err := snowflakeParam(c, "guildID")
	if err != nil {
		return err
	}
	status := domain.TicketStatus(c.Query("status", string(domain.TicketStatusOpen)))
	if !status.Valid() {
		return apperrors.NewValidationError("unknown status", map[string]any{"status": status})
	}
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return apperrors.NewValidationError("limit must not be negative", nil)
	}

	items := make([]dto.TicketResponse, 0)
	for ticket, err := range h.service.List(c.UserContext(), guildID, status) {
		if err != nil {
			return err
		}
		items = append(items, ticketResponse(&ticket))
		if limit > 0 && len(items) == limit {
			break
		}
	}
	return c.JSON(dto.TicketListResponse{Data: items})
}

// GetTicket GET /v1/tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// GetChannelTicket GET /v1/guilds/:guildID/channels/:channelID/ticket.
func (h *TicketsHandler) GetChannelTicket(c *fiber.Ctx) error {
	guildID, err := snowflakeParam(c, "guildID")
	if err != nil {
		return err
	}
	channelID, err := snowflakeParam(c, "channelID")
	if err != nil {
		return err
	}
	ticket, err := h.service.GetByChannel(c.UserContext(), guildID, channelID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// AddParticipant POST /v1/tickets/:id/participants.
func (h *TicketsHandler) AddParticipant(c *fiber.Ctx) error {
	req, err := parseMemberRequest(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.AddUser(c.UserContext(), c.Params("id"), req.ActorID, req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// RemoveParticipant DELETE /v1/tickets/:id/participants/:userID?actor_id=.
func (h *TicketsHandler) RemoveParticipant(c *fiber.Ctx) error {
	actorID, userID, err := actorAndTarget(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.RemoveUser(c.UserContext(), c.Params("id"), actorID, userID, c.Get(ConfirmationHeader))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// AssignStaff POST /v1/tickets/:id/staff.
func (h *TicketsHandler) AssignStaff(c *fiber.Ctx) error {
	req, err := parseMemberRequest(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.AssignStaff(c.UserContext(), c.Params("id"), req.ActorID, req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// UnassignStaff DELETE /v1/tickets/:id/staff/:userID?actor_id=.
func (h *TicketsHandler) UnassignStaff(c *fiber.Ctx) error {
	actorID, userID, err := actorAndTarget(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.UnassignStaff(c.UserContext(), c.Params("id"), actorID, userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// CloseTicket POST /v1/tickets/:id/close. A ticket that closed but whose
// transcript could not be captured is still a success; the gap is reported
// under warnings.
func (h *TicketsHandler) CloseTicket(c *fiber.Ctx) error {
	actorID, err := parseActorRequest(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.Close(c.UserContext(), c.Params("id"), actorID)
	if err != nil {
		if ticket == nil {
			return err
		}
		return c.JSON(fiber.Map{
			"data":     ticketResponse(ticket),
			"warnings": []string{apperrors.ReasonOf(err)},
		})
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

// ArchiveTicket POST /v1/tickets/:id/archive.
func (h *TicketsHandler) ArchiveTicket(c *fiber.Ctx) error {
	actorID, err := parseActorRequest(c)
	if err != nil {
		return err
	}
	ticket, err := h.service.Archive(c.UserContext(), c.Params("id"), actorID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": ticketResponse(ticket)})
}

func parseMemberRequest(c *fiber.Ctx) (dto.MemberRequest, error) {
	var req dto.MemberRequest
	if err := c.BodyParser(&req); err != nil {
		return req, apperrors.NewValidationError("invalid payload", nil)
	}
	if req.ActorID <= 0 || req.UserID <= 0 {
		return req, apperrors.NewValidationError("actor_id and user_id required", nil)
	}
	return req, nil
}

func parseActorRequest(c *fiber.Ctx) (int64, error) {
	var req dto.ActorRequest
	if err := c.BodyParser(&req); err != nil {
		return 0, apperrors.NewValidationError("invalid payload", nil)
	}
	if req.ActorID <= 0 {
		return 0, apperrors.NewValidationError("actor_id required", nil)
	}
	return req.ActorID, nil
}

func actorAndTarget(c *fiber.Ctx) (int64, int64, error) {
	userID, err := snowflakeParam(c, "userID")
	if err != nil {
		return 0, 0, err
	}
	actorID, err := strconv.ParseInt(c.Query("actor_id"), 10, 64)
	if err != nil || actorID <= 0 {
		return 0, 0, apperrors.NewValidationError("actor_id query parameter required", nil)
	}
	return actorID, userID, nil
}

func snowflakeParam(c *fiber.Ctx, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, apperrors.NewValidationError("invalid "+name, map[string]any{name: c.Params(name)})
	}
	return v, nil
}

func ticketResponse(ticket *domain.Ticket) dto.TicketResponse {
	return dto.TicketResponse{
		ID:            ticket.ID,
		GuildID:       ticket.GuildID,
		ChannelID:     ticket.ChannelID,
		CreatorID:     ticket.CreatorID,
		Status:        ticket.Status,
		CreatedAt:     ticket.CreatedAt,
		ClosedAt:      ticket.ClosedAt,
		ArchivedAt:    ticket.ArchivedAt,
		Participants:  idStrings(ticket.Participants),
		AssignedStaff: idStrings(ticket.AssignedStaff),
		TranscriptRef: ticket.TranscriptRef,
	}
}

func idStrings(ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out
}
