// meshlinkd bridges a Meshtastic radio to a local HTTP API: it owns the
// device link, persists the node roster and message history, and streams
// live events over WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/gateway"
)

func main() {
	cfg := config.Default()

	root := &cobra.Command{
		Use:          "meshlinkd",
		Short:        "Meshtastic link daemon",
		Long:         "meshlinkd maintains the connection to a Meshtastic radio,\npersists mesh traffic, and exposes both over a local HTTP API.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := buildLogger(cfg.Debug)
			if err != nil {
				return fmt.Errorf("meshlinkd: logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			gw, err := gateway.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return gw.Start(ctx)
		},
	}

	fl := root.Flags()
	fl.StringVar(&cfg.Transport, "transport", cfg.Transport, `device transport: "tcp" or "sim"`)
	fl.StringVar(&cfg.DeviceAddr, "device", cfg.DeviceAddr, "radio host:port for the tcp transport")
	fl.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fl.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fl.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "single connection attempt timeout")
	fl.DurationVar(&cfg.ConfigTimeout, "config-timeout", cfg.ConfigTimeout, "configure handshake timeout")
	fl.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "correlated request timeout")
	fl.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "keep-alive interval (0 disables)")
	fl.BoolVar(&cfg.AutoReconnect, "auto-reconnect", cfg.AutoReconnect, "reconnect automatically after link loss")
	fl.IntVar(&cfg.MaxReconnectAttempts, "max-reconnect-attempts", cfg.MaxReconnectAttempts, "reconnect attempts before giving up (0 = forever)")
	fl.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "first reconnect delay")
	fl.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "reconnect delay ceiling")
	fl.BoolVar(&cfg.Debug, "debug", cfg.Debug, "debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
