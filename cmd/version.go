package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X relaygate/cmd.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "relaygate %s\n", strings.TrimSpace(version))
	if c := strings.TrimSpace(commit); c != "" && c != "none" {
		_, _ = fmt.Fprintf(w, "commit: %s\n", c)
	}
	if d := strings.TrimSpace(date); d != "" && d != "unknown" {
		_, _ = fmt.Fprintf(w, "date: %s\n", d)
	}
}
