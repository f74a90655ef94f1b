package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spec-kit/ticket-lifecycle/internal/auth"
	"github.com/spec-kit/ticket-lifecycle/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token <client-id>",
	Short: "Mint a service token for an HTTP client",
	Long: `Mint a bearer token for the /v1 API signed with AUTH_JWT_SECRET.

Examples:
  ticketctl token discord-gateway           # read and write
  ticketctl token dashboard --read-only`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		readOnly, _ := cmd.Flags().GetBool("read-only")
		scopes := []string{auth.ScopeWrite}
		if readOnly {
			scopes = []string{auth.ScopeRead}
		}

		tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
		token, expires, err := tokens.GenerateToken(args[0], scopes)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"token": token, "expires_at": expires, "scopes": scopes})
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Bool("read-only", false, "Grant tickets:read only")
	rootCmd.AddCommand(tokenCmd)
}
