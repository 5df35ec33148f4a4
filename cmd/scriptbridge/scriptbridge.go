package main

import (
	"context"

	"github.com/spf13/cobra"
)

// App is what every subcommand shares.
type App struct {
	Context context.Context
}

// NewCommand builds the root command and its subcommands.
func NewCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scriptbridge",
		Short:         "Embedded scripting host with an RPC front",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand(app))

	remote := &remoteOptions{}
	remote.register(cmd)
	cmd.AddCommand(
		newRunCommand(app, remote),
		newAddCommand(app, remote),
		newRemoveCommand(app, remote),
		newReloadCommand(app, remote),
		newCallCommand(app, remote),
	)

	return cmd
}
