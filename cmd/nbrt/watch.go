package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bhandras/nbruntime/sdk"
)

func newWatchCmd(flags *rootFlags) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the runtime and print operations until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, stop, err := flags.load()
			if err != nil {
				return err
			}
			defer stop()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), verbose)
			client, err := sdk.New(ctx, sdk.Options{Config: cfg, Listener: p})
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print payloads and state changes")
	return cmd
}
