package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relaygate",
	Short: "Chat platform gateway",
	Long: `RelayGate connects chat platforms such as Telegram, Discord and WhatsApp
to a single message bus and routes replies back to the chat they came from.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
