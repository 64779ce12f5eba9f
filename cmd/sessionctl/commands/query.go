package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scoutx/session-engine/internal/model"
)

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Print one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.manager.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var market, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions by market or status (default: open)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if market != "" && status != "" {
				return fmt.Errorf("--market and --status are mutually exclusive")
			}

			var (
				sessions []model.Session
				err      error
			)
			if market != "" {
				sessions, err = c.manager.GetSessionsByMarket(cmd.Context(), market)
			} else {
				if status == "" {
					status = string(model.StatusOpen)
				}
				sessions, err = c.manager.GetSessionsByStatus(cmd.Context(), model.Status(status))
			}
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []model.Session{}
			}
			return printJSON(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().StringVar(&market, "market", "", "only sessions for this market")
	cmd.Flags().StringVar(&status, "status", "", "open | closed | settled")
	return cmd
}

func (c *cli) clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			if err := c.manager.ClearAllSessions(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all sessions cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting every session")
	return cmd
}
