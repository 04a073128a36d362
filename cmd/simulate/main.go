package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run delegate-world simulations headless",
		Long: `simulate runs the delegation simulation without a server.

It writes the run document as JSON, optionally archives the timeline as
zstd-compressed JSONL, and can validate or summarise existing documents.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log engine debug output to stderr")

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newSummaryCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
