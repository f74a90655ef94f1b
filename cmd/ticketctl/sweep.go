package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/gateway/discord"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	"github.com/spec-kit/ticket-lifecycle/internal/transcript"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Capture transcripts for closed tickets that are missing one",
	Long: `Run one transcript sweep over every configured guild and every guild
that still holds closed tickets. Closed tickets without a transcript whose
close is older than the grace period get their transcript captured again.
Needs DISCORD_TOKEN.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := loadEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if env.cfg.Discord.Token == "" {
			return errors.New("DISCORD_TOKEN is required to capture transcripts")
		}
		guilds, err := config.LoadGuilds(env.cfg.GuildConfigPath)
		if err != nil {
			return err
		}
		session, err := discord.NewSession(env.cfg.Discord.Token)
		if err != nil {
			return err
		}
		store, err := transcript.NewStore(env.cfg.Transcript.Dir)
		if err != nil {
			return err
		}
		defer store.Close()

		gw := discord.NewGateway(session, guilds, store, env.cfg.Transcript.MessageLimit, env.logger)
		grace := env.cfg.Sweep.Grace()
		if cmd.Flags().Changed("grace") {
			grace, _ = cmd.Flags().GetDuration("grace")
		}
		res, err := service.NewSweepService(env.store, gw, guilds, grace, env.logger).Run(cmd.Context())

		if jsonOutput {
			if jerr := printJSON(res); jerr != nil {
				return jerr
			}
		} else {
			fmt.Printf("scanned=%d recovered=%d skipped=%d failed=%d\n", res.Scanned, res.Recovered, res.Skipped, res.Failed)
		}
		return err
	},
}

func init() {
	sweepCmd.Flags().Duration("grace", 0, "Override SWEEP_GRACE_SECONDS")
	rootCmd.AddCommand(sweepCmd)
}
