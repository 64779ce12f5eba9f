package commands

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/scoutx/session-engine/internal/logging"
	"github.com/scoutx/session-engine/internal/session"
	"github.com/scoutx/session-engine/internal/store"
)

type cli struct {
	file       string
	passphrase string
	owner      string
	verbose    bool

	manager *session.Manager
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "sessionctl",
		Short:        "Operate the off-chain session ledger from a local store",
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.passphrase == "" {
				c.passphrase = os.Getenv("SCOUTX_STORE_PASSPHRASE")
			}
			var opts []store.FileOption
			if c.passphrase != "" {
				opts = append(opts, store.WithPassphrase(c.passphrase))
			}
			fs, err := store.OpenFileStore(c.file, opts...)
			if err != nil {
				return err
			}

			level := "warn"
			if c.verbose {
				level = "debug"
			}
			logger := logging.New(cmd.ErrOrStderr(), level, "sessionctl", "cli")

			mopts := []session.Option{session.WithLogger(logger)}
			if c.owner != "" {
				mopts = append(mopts, session.WithDefaultOwner(c.owner))
			}
			c.manager = session.NewManager(fs, mopts...)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&c.file, "file", "f", "sessions.json", "session store file")
	root.PersistentFlags().StringVarP(&c.passphrase, "passphrase", "p", "", "encrypt the store (or SCOUTX_STORE_PASSPHRASE)")
	root.PersistentFlags().StringVar(&c.owner, "default-owner", "", "owner recorded when open gets none")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log ledger operations to stderr")

	root.AddCommand(
		c.openCmd(),
		c.tradeCmd(),
		c.closeCmd(),
		c.settleCmd(),
		c.getCmd(),
		c.listCmd(),
		c.clearCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
