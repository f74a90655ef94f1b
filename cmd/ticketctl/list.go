package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

var listCmd = &cobra.Command{
	Use:   "list <guild-id>",
	Short: "List tickets of a guild by status",
	Long: `List every ticket of a guild in one status, oldest first.

Examples:
  ticketctl list 1234567890                  # open tickets
  ticketctl list 1234567890 --status closed  # closed tickets
  ticketctl list 1234567890 --limit 20 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guildID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || guildID <= 0 {
			return fmt.Errorf("invalid guild id %q", args[0])
		}
		statusFlag, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		status := domain.TicketStatus(statusFlag)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", statusFlag)
		}

		env, err := loadEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		tickets := make([]domain.Ticket, 0)
		for ticket, err := range env.store.ListByStatus(cmd.Context(), guildID, status) {
			if err != nil {
				return err
			}
			tickets = append(tickets, ticket)
			if limit > 0 && len(tickets) == limit {
				break
			}
		}

		if jsonOutput {
			return printJSON(tickets)
		}
		if len(tickets) == 0 {
			fmt.Printf("No %s tickets in guild %d\n", status, guildID)
			return nil
		}
		for i := range tickets {
			printTicketLine(&tickets[i])
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("status", string(domain.TicketStatusOpen), "Ticket status (open, closed, archived)")
	listCmd.Flags().Int("limit", 0, "Stop after this many tickets (0 = all)")
	rootCmd.AddCommand(listCmd)
}
