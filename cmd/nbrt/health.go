package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bhandras/nbruntime/internal/runtime"
)

func newHealthCmd(flags *rootFlags) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Wait for the runtime to answer its health check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, stop, err := flags.load()
			if err != nil {
				return err
			}
			defer stop()

			m, err := newManager(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			target := m.HealthURL().String()
			if once {
				if !m.IsHealthy(cmd.Context()) {
					return fmt.Errorf("unhealthy: %s", target)
				}
			} else if err := m.Init(cmd.Context(), runtime.InitOptions{}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "healthy: %s\n", m.HTTPURL())
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "probe once instead of retrying with backoff")
	return cmd
}
