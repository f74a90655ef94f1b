package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/persistence"
)

var (
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "ticketctl",
	Short:         "Maintenance commands for the ticket lifecycle service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for storage diagnostics")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// environment is what most subcommands need: configuration, a logger and the
// storage facade for the configured backend.
type environment struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *persistence.Facade
}

func loadEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(config.LoggerConfig{Level: logLevel})
	if err != nil {
		return nil, err
	}
	store, err := persistence.Open(ctx, cfg, observability.NewMetrics(), logger)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, logger: logger, store: store}, nil
}

func (e *environment) Close() {
	e.store.Close()
	_ = e.logger.Sync()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTicketLine(t *domain.Ticket) {
	fmt.Printf("%-14s %-9s creator=%d channel=%d created=%s participants=%d staff=%d\n",
		t.ID, t.Status, t.CreatorID, t.ChannelID, t.CreatedAt.Format("2006-01-02 15:04"),
		len(t.Participants), len(t.AssignedStaff))
}
