package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/bhandras/nbruntime/internal/config"
	"github.com/bhandras/nbruntime/internal/runtime"
	"github.com/bhandras/nbruntime/pkg/logger"
)

func newURLsCmd(flags *rootFlags) *cobra.Command {
	var (
		showQR    bool
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "urls",
		Short: "Print every endpoint derived from the runtime URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, stop, err := flags.load()
			if err != nil {
				return err
			}
			defer stop()

			m, err := newManager(cfg, runtime.WithSessionID(runtime.SessionID(sessionID)))
			if err != nil {
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()
			if err := printURLs(out, m); err != nil {
				return err
			}
			if showQR {
				printQRCode(out, m.HTTPURL().String())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showQR, "qr", false, "also print the HTTP URL as a QR code")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to embed (default: a fresh one)")
	return cmd
}

// newManager builds a server-mode manager from cfg.
func newManager(cfg *config.Config, opts ...runtime.Option) (*runtime.Manager, error) {
	if cfg.Runtime.URL == "" {
		return nil, errors.New("no runtime URL configured (set runtime.url or NBRT_URL)")
	}
	opts = append([]runtime.Option{
		runtime.WithPageURL(cfg.PageURL),
		runtime.WithPolicy(cfg.Policy()),
	}, opts...)
	return runtime.NewManager(cfg.Runtime, opts...)
}

func printURLs(w io.Writer, m *runtime.Manager) error {
	id := m.SessionID()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"session", string(id)},
		{"http", m.HTTPURL().String()},
		{"health", m.HealthURL().String()},
		{"ws", m.WsURL(id)},
		{"ws_sync", m.WsSyncURL(id)},
		{"terminal", m.TerminalWsURL()},
		{"lsp", m.LSPURL("copilot")},
		{"ai", m.AIURL(runtime.AICompletion).String()},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1])
	}
	return tw.Flush()
}

func printQRCode(w io.Writer, data string) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		logger.Warnf("failed to generate QR code: %v", err)
		return
	}
	fmt.Fprintln(w, qr.ToSmallString(false))
}
