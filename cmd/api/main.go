package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-lifecycle/internal/api/http"
	"github.com/spec-kit/ticket-lifecycle/internal/api/http/handlers"
	"github.com/spec-kit/ticket-lifecycle/internal/auth"
	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/events"
	"github.com/spec-kit/ticket-lifecycle/internal/gateway/discord"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/persistence"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	"github.com/spec-kit/ticket-lifecycle/internal/transcript"
	"github.com/spec-kit/ticket-lifecycle/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	guilds, err := config.LoadGuilds(cfg.GuildConfigPath)
	if err != nil {
		logger.Fatal("failed to load guild config", zap.Error(err))
	}

	if _, err := worker.StartGuildConfigWatcher(ctx, cfg.GuildConfigPath, guilds, logger); err != nil {
		logger.Warn("guild config changes need a restart", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	store, err := persistence.Open(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer store.Close()

	dispatcher := events.NewInMemoryDispatcher()
	deps := service.TicketDependencies{
		Store:         store,
		Roles:         guilds,
		Confirmations: auth.NewConfirmationTokens(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.ConfirmationTTLSeconds)*time.Second),
		Dispatcher:    dispatcher,
		Logger:        logger,
	}
	var notifier service.Notifier

	if cfg.Discord.Token != "" {
		gw, closeGateway, err := newDiscordGateway(cfg, guilds, logger)
		if err != nil {
			logger.Fatal("failed to start discord gateway", zap.Error(err))
		}
		defer closeGateway()
		deps.Roles = gw
		deps.Channels = gw
		deps.Transcripts = gw
		notifier = gw
		gw.RegisterPermissionSync(dispatcher)
	} else {
		logger.Warn("DISCORD_TOKEN not set; channels are not provisioned and staff comes from the guild file")
	}

	ticketService := service.NewTicketService(deps)
	worker.StartAuditWorker(service.NewAuditService(dispatcher, logger, guilds, notifier))
	sweeper := service.NewSweepService(store, deps.Transcripts, guilds, cfg.Sweep.Grace(), logger)
	sweepDone := worker.StartSweepWorker(ctx, sweeper, cfg.Sweep.Interval(), logger)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, store, metrics),
		Tickets:        handlers.NewTicketsHandler(ticketService),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("backend", store.Backend()))

	waitForShutdown(logger)

	cancel()
	<-sweepDone
	_ = app.ShutdownWithTimeout(10 * time.Second)
}

func newDiscordGateway(cfg *config.Config, guilds *config.Guilds, logger *zap.Logger) (*discord.Gateway, func(), error) {
	session, err := discord.NewSession(cfg.Discord.Token)
	if err != nil {
		return nil, nil, err
	}
	store, err := transcript.NewStore(cfg.Transcript.Dir)
	if err != nil {
		return nil, nil, err
	}
	gw := discord.NewGateway(session, guilds, store, cfg.Transcript.MessageLimit, logger)
	return gw, store.Close, nil
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
