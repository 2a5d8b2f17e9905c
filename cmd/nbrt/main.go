package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bhandras/nbruntime/internal/config"
	"github.com/bhandras/nbruntime/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	cfgPath     string
	metricsAddr string
	debug       bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "nbrt",
		Short:         "Notebook runtime client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.cfgPath, "config", "", "config file path (default ~/.nbrt/config.yaml)")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug output")

	root.AddCommand(newURLsCmd(flags))
	root.AddCommand(newHealthCmd(flags))
	root.AddCommand(newWatchCmd(flags))
	root.AddCommand(newWorkerCmd(flags))

	return root
}

// load reads the config file and environment, applies the persistent flags
// and sets the log level. The returned function stops the metrics server.
func (f *rootFlags) load() (*config.Config, func(), error) {
	cfg, err := config.Load(f.cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if f.debug {
		cfg.Debug = true
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	logger.SetLevel(cfg.LogLevel())

	stop := func() {}
	if cfg.MetricsAddr != "" {
		stop = serveMetrics(cfg.MetricsAddr)
	}
	return cfg, stop, nil
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics: %v", err)
		}
	}()
	logger.Infof("metrics: serving on %s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
