package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-lifecycle/internal/api/http/handlers"
	"github.com/spec-kit/ticket-lifecycle/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Health.Metrics)

	v1 := app.Group("/v1", cfg.AuthMiddleware.Handle)
	read := auth.RequireScope(auth.ScopeRead)
	write := auth.RequireScope(auth.ScopeWrite)

	v1.Get("/guilds/:guildID/tickets", read, cfg.Tickets.ListTickets)
	v1.Post("/guilds/:guildID/tickets", write, cfg.Tickets.CreateTicket)
	v1.Get("/guilds/:guildID/channels/:channelID/ticket", read, cfg.Tickets.GetChannelTicket)

	tickets := v1.Group("/tickets/:id")
	tickets.Get("", read, cfg.Tickets.GetTicket)
	tickets.Post("/participants", write, cfg.Tickets.AddParticipant)
	tickets.Delete("/participants/:userID", write, cfg.Tickets.RemoveParticipant)
	tickets.Post("/staff", write, cfg.Tickets.AssignStaff)
	tickets.Delete("/staff/:userID", write, cfg.Tickets.UnassignStaff)
	tickets.Post("/close", write, cfg.Tickets.CloseTicket)
	tickets.Post("/archive", write, cfg.Tickets.ArchiveTicket)
}
