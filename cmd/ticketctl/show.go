package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spec-kit/ticket-lifecycle/internal/transcript"
)

var showCmd = &cobra.Command{
	Use:   "show <ticket-id>",
	Short: "Show one ticket, optionally with its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withTranscript, _ := cmd.Flags().GetBool("transcript")

		env, err := loadEnvironment(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		ticket, err := env.store.FetchByID(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		var doc *transcript.Transcript
		if withTranscript && ticket.TranscriptRef != nil {
			store, err := transcript.NewStore(env.cfg.Transcript.Dir)
			if err != nil {
				return err
			}
			defer store.Close()
			if doc, err = store.Load(*ticket.TranscriptRef); err != nil {
				return err
			}
		}

		if jsonOutput {
			return printJSON(map[string]any{"ticket": ticket, "transcript": doc})
		}

		printTicketLine(ticket)
		fmt.Printf("  participants: %v\n", ticket.Participants)
		fmt.Printf("  staff:        %v\n", ticket.AssignedStaff)
		if ticket.ClosedAt != nil {
			fmt.Printf("  closed:       %s\n", ticket.ClosedAt.Format("2006-01-02 15:04:05"))
		}
		if ticket.ArchivedAt != nil {
			fmt.Printf("  archived:     %s\n", ticket.ArchivedAt.Format("2006-01-02 15:04:05"))
		}
		if ticket.TranscriptRef != nil {
			fmt.Printf("  transcript:   %s\n", *ticket.TranscriptRef)
		}
		if doc != nil {
			fmt.Println()
			for _, m := range doc.Messages {
				fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.AuthorID, m.Content)
			}
			if doc.Truncated {
				fmt.Println("(older messages were not captured)")
			}
		}
		return nil
	},
}

func init() {
	showCmd.Flags().Bool("transcript", false, "Print the stored transcript")
	rootCmd.AddCommand(showCmd)
}
