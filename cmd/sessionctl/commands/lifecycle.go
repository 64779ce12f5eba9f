package commands

import (
	"github.com/spf13/cobra"
)

func (c *cli) openCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "open <market-id> <deposit>",
		Short: "Open a session with a deposit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.manager.OpenSession(cmd.Context(), args[0], args[1], owner)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner address")
	return cmd
}

func (c *cli) tradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trade <session-id> <amount>",
		Short: "Place an off-chain trade",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.manager.PlaceTrade(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
}

func (c *cli) closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session and print its settlement record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := c.manager.CloseSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}
}

func (c *cli) settleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <session-id>",
		Short: "Mark a closed session as settled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.manager.MarkAsSettled(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
}
