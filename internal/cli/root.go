// Package cli implements the trade-engine command line: the serve daemon plus
// offline commands that validate plans and inspect the trade store.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X trade-lifecycle-engine/internal/cli.Version=..."
var Version = "dev"

type rootOptions struct {
	configPath string
}

// NewRootCommand builds the trade-engine command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "trade-engine",
		Short: "Lifecycle engine for leveraged perpetual-futures trade plans",
		Long: `trade-engine executes trade plans on a perpetual-futures exchange.

A plan names an entry with rebuy levels, a stop-loss and a cascade of take-profit
levels. Once started, the engine places the orders, follows fills, and moves the
stop-loss toward profit as each take-profit fills.

Examples:
  trade-engine validate plans/doge_short.json
  trade-engine import plans/doge_short.json
  trade-engine serve --config config.yaml
  trade-engine trades list --status OPEN,ERROR`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default $CONFIG_PATH or config.yaml)")

	root.AddCommand(
		newServeCommand(opts),
		newValidateCommand(opts),
		newImportCommand(opts),
		newTradesCommand(opts),
		newEventsCommand(opts),
		newHashPasswordCommand(),
		newKeysCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trade-engine %s\n", Version)
		},
	}
}
