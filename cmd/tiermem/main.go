package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "tiermem",
	Short: "Tiered memory service for research sessions",
	Long: `tiermem keeps research-session state across access-frequency tiers:
active sessions live in a fast TTL store, finished ones age through
hot, warm, and cold storage, and stale records are trashed and purged.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tiermem version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tiermem version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(contentCmd)
	rootCmd.AddCommand(scrubCmd)
	rootCmd.AddCommand(migrationsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
