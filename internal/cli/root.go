package cli

import (
	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:          "recall",
	Short:        "Tiered conversation memory for AI agents",
	Long:         "Recall stores every conversation turn and packs the most relevant memory into a token budget, summarizing old sessions in the background.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "recall server URL (default $RECALL_URL or http://127.0.0.1:37778)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(resurfaceCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(statsCmd)
}
