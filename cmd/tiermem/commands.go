package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/tiermem/internal/config"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tiermem system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(serverURL + "/health")
		running := false
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				running = true
				printStatus("Server", "running on port %d", cfg.Server.Port)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		printStatus("Redis", "%s", cfg.Redis.Addr)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		printStatus("Tier thresholds", "hot %dd, warm %dd, cold %dd, trash %dd",
			cfg.Tiers.HotDays, cfg.Tiers.WarmDays, cfg.Tiers.ColdDays, cfg.Tiers.TrashDays)
		printStatus("Aging interval", "%s", cfg.Scheduler.Interval())

		if running {
			api, err := newAPIClient()
			if err == nil {
				if resp, err := api.get(cmd.Context(), "/stats"); err == nil {
					var stats struct {
						ActiveCount int            `json:"active_count"`
						TierCounts  map[string]int `json:"tier_counts"`
					}
					if decodeJSON(resp, &stats) == nil {
						printStatus("Active sessions", "%d", stats.ActiveCount)
						for _, tier := range []string{"hot", "warm", "cold", "trash"} {
							printStatus(tier, "%d", stats.TierCounts[tier])
						}
					}
				}
			}
		}
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tier occupancy and migration activity as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}

		var stats any
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage research sessions",
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a session from whichever tier holds it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0])
		if err != nil {
			return err
		}

		var result struct {
			Tier    string          `json:"tier"`
			Session json.RawMessage `json:"session"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Tier", "%s", result.Tier)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Session)
	},
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Archive an active session into durable memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var body any
		if status != "" {
			body = map[string]string{"status": status}
		}
		resp, err := client.post(cmd.Context(), "/sessions/"+args[0]+"/complete", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Session %s archived to %s", args[0], result["tier"])
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a session's tier migration trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0]+"/history")
		if err != nil {
			return err
		}

		var migrations []struct {
			FromTier      string `json:"from_tier"`
			ToTier        string `json:"to_tier"`
			Reason        string `json:"reason"`
			MigrationTime string `json:"migration_time"`
		}
		if err := decodeJSON(resp, &migrations); err != nil {
			return err
		}

		if len(migrations) == 0 {
			fmt.Println("No migrations recorded.")
			return nil
		}

		for _, m := range migrations {
			fmt.Printf("%s  %s → %s  %s\n",
				m.MigrationTime,
				colorize(ansiCyan, m.FromTier),
				colorize(ansiCyan, m.ToTier),
				m.Reason,
			)
		}
		return nil
	},
}

func init() {
	sessionCompleteCmd.Flags().String("status", "", "final status (completed, failed, or paused)")
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionCompleteCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
}

// --- content ---

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Inspect the URL content cache",
}

var contentGetCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Print cached content for a URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/content?url="+url.QueryEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result["content"])
		return nil
	},
}

var contentPutCmd = &cobra.Command{
	Use:   "put <url>",
	Short: "Cache content for a URL from a file or --text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/content", map[string]string{
			"url":     args[0],
			"content": text,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cached content for %s", args[0])
		return nil
	},
}

var contentInfoCmd = &cobra.Command{
	Use:   "info <url>",
	Short: "Show the durable fetch audit for a URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/content/info?url="+url.QueryEscape(args[0]))
		if err != nil {
			return err
		}

		var info any
		if err := decodeJSON(resp, &info); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

func init() {
	contentPutCmd.Flags().String("text", "", "content to cache")
	contentPutCmd.Flags().String("file", "", "file whose contents to cache")
	contentCmd.AddCommand(contentGetCmd)
	contentCmd.AddCommand(contentPutCmd)
	contentCmd.AddCommand(contentInfoCmd)
}

// --- scrub ---

var scrubCmd = &cobra.Command{
	Use:   "scrub",
	Short: "Run one maintenance cycle now (aging, purge, reconcile)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Running maintenance cycle...")
		resp, err := client.post(cmd.Context(), "/admin/scrub", nil)
		if err != nil {
			return err
		}

		var stats struct {
			Aged       map[string]int `json:"aged"`
			Purged     int            `json:"purged"`
			Reconciled int            `json:"reconciled"`
			Repaired   int            `json:"repaired"`
			Skipped    int            `json:"skipped"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		for _, tier := range []string{"hot", "warm", "cold"} {
			if n := stats.Aged[tier]; n > 0 {
				printStatus("Aged from "+tier, "%d", n)
			}
		}
		printStatus("Purged", "%d", stats.Purged)
		printStatus("Reconciled", "%d", stats.Reconciled)
		printStatus("Repaired", "%d", stats.Repaired)
		if stats.Skipped > 0 {
			printWarning("%d records skipped, will retry next cycle", stats.Skipped)
		}
		printSuccess("Maintenance cycle complete")
		return nil
	},
}

// --- migrations ---

var migrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "List recent tier migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/migrations?limit=%d", limit))
		if err != nil {
			return err
		}

		var migrations []struct {
			SessionID     string `json:"session_id"`
			FromTier      string `json:"from_tier"`
			ToTier        string `json:"to_tier"`
			Reason        string `json:"reason"`
			MigrationTime string `json:"migration_time"`
		}
		if err := decodeJSON(resp, &migrations); err != nil {
			return err
		}

		if len(migrations) == 0 {
			fmt.Println("No migrations recorded.")
			return nil
		}

		for _, m := range migrations {
			id := m.SessionID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Printf("%s  %s  %s → %s  %s\n",
				colorize(ansiCyan, id),
				m.MigrationTime,
				m.FromTier,
				m.ToTier,
				m.Reason,
			)
		}
		return nil
	},
}

func init() {
	migrationsCmd.Flags().Int("limit", 20, "maximum number of migrations to list")
}
