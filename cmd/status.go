package cmd

import (
	"fmt"
	"io"
	"strings"

	"relaygate/pkg/channel"
	"relaygate/pkg/channel/whatsapp"
	"relaygate/pkg/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	Long:  "Prints the resolved config file, the reply provider and which channels are enabled and configured.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := config.LoadConfigWithPath()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		printStatus(cmd.OutOrStdout(), cfg, path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type channelCheck struct {
	name    string
	enabled bool
	ok      bool
	detail  string
}

func printStatus(w io.Writer, cfg *config.Config, path string) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	mark := func(ok bool) {
		if ok {
			green.Fprint(w, "✓ ")
			return
		}
		red.Fprint(w, "✗ ")
	}

	mark(path != "")
	if path == "" {
		fmt.Fprintln(w, "Config:   not found, using defaults")
	} else {
		fmt.Fprintf(w, "Config:   %s\n", path)
	}

	model := strings.TrimSpace(cfg.Agents.Defaults.Model)
	if model == "" {
		model = "-"
	}
	mark(true)
	fmt.Fprintf(w, "Provider: %s (model %s)\n", providerName(cfg), model)

	fmt.Fprintln(w, "Channels:")
	for _, check := range channelChecks(cfg.Channels) {
		fmt.Fprint(w, "  ")
		if !check.enabled {
			gray.Fprintf(w, "- %-9s disabled\n", check.name)
			continue
		}
		mark(check.ok)
		fmt.Fprintf(w, "%-9s %s\n", check.name, check.detail)
	}
}

func channelChecks(channels config.ChannelsConfig) []channelCheck {
	checks := make([]channelCheck, 0, 3)
	for _, name := range []string{"telegram", "discord", "whatsapp"} {
		cfg, _ := channels.ByName(name)
		check := channelCheck{name: name, enabled: cfg.Enabled}

		if name == "whatsapp" {
			check.ok = true
			check.detail = "bridge " + channel.ExtraString(cfg.Extra, "bridge_url", whatsapp.DefaultBridgeURL)
		} else if strings.TrimSpace(cfg.Token) != "" {
			check.ok = true
			check.detail = "token set"
		} else {
			check.detail = "token missing"
		}

		if len(cfg.AllowFrom) > 0 {
			check.detail += fmt.Sprintf(", %d allowed senders", len(cfg.AllowFrom))
		}
		checks = append(checks, check)
	}
	return checks
}

func providerName(cfg *config.Config) string {
	if name := strings.TrimSpace(cfg.Agents.Defaults.Provider); name != "" {
		return name
	}
	return "echo"
}
