package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bhandras/nbruntime/internal/config"
	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/pkg/logger"
	"github.com/bhandras/nbruntime/sdk"
)

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run notebooks in the in-process kernel",
	}
	cmd.AddCommand(newWorkerRunCmd(flags))
	return cmd
}

func newWorkerRunCmd(flags *rootFlags) *cobra.Command {
	var (
		watch   bool
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute every cell of a notebook script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, stop, err := flags.load()
			if err != nil {
				return err
			}
			defer stop()

			cfg.Mode = config.ModeWorker
			cfg.Worker.Notebook = args[0]
			cfg.Worker.Watch = cfg.Worker.Watch || watch

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
			return runNotebook(ctx, client, p, cfg.Worker.Watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "rerun the notebook whenever FILE changes")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print cell status transitions")
	return cmd
}

// runNotebook runs all cells once the kernel is ready. With watch set, every
// later kernel-ready, which follows a reload, runs them again.
func runNotebook(ctx context.Context, client *sdk.Client, p *printer, watch bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ready:
		}

		err := client.Requests().SendInstantiate(ctx, wire.InstantiateRequest{AutoRun: true})
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.completed:
		}
		if !watch {
			return nil
		}
		logger.Infof("worker: waiting for changes")
	}
}
