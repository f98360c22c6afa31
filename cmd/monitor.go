package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"relaygate/pkg/config"
	"relaygate/pkg/ui/monitor"

	"github.com/spf13/cobra"
)

const defaultStatusPort = 18790

var (
	monitorURL      string
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a running gateway",
	Long:  "Polls the gateway status endpoint and shows channel state, bus counters and recent changes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := strings.TrimSpace(monitorURL)
		if target == "" {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			target = statusBaseURL(cfg.Gateway)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return monitor.Run(ctx, monitor.HTTPFetcher(nil, target), target, monitorInterval)
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorURL, "url", "", "gateway status base URL (defaults to the configured gateway address)")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", monitor.DefaultInterval, "poll interval")
}

// statusBaseURL turns the gateway bind address into something dialable.
func statusBaseURL(cfg config.GatewayConfig) string {
	host := strings.TrimSpace(cfg.Host)
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultStatusPort
	}

	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}
