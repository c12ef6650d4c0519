// pagesmithctl inspects the resource-governance state of a running or
// previously run pagesmith process: tracked-operation snapshots and the
// file-backed cache tier.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagesmith/pagesmith/config"
	"github.com/pagesmith/pagesmith/log"
)

var version = "1.0.0"

var snapshotFlag string

var rootCmd = &cobra.Command{
	Use:   "pagesmithctl",
	Short: "Inspect pagesmith resource-governance state",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Initialize()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the operation-tracker snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := snapshotFlag
		if path == "" {
			path = config.Load().Tracker.SnapshotPath
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read snapshot %s: %w", path, err)
		}

		var snap struct {
			SavedAt   time.Time `json:"saved_at"`
			Aggregate struct {
				TotalOperations     int64            `json:"total_operations"`
				Succeeded           int64            `json:"succeeded"`
				Failed              int64            `json:"failed"`
				TotalAPICalls       int64            `json:"total_api_calls"`
				AvgDurationMS       float64          `json:"avg_duration_ms"`
				AvgCPUPercent       float64          `json:"avg_cpu_percent"`
				ThresholdViolations map[string]int64 `json:"threshold_violations"`
			} `json:"aggregate"`
			Operations []json.RawMessage `json:"operations"`
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("failed to parse snapshot %s: %w", path, err)
		}

		agg := snap.Aggregate
		fmt.Printf("Snapshot:    %s (saved %s)\n", path, snap.SavedAt.Format(time.RFC3339))
		fmt.Printf("Operations:  %d total, %d succeeded, %d failed, %d retained\n",
			agg.TotalOperations, agg.Succeeded, agg.Failed, len(snap.Operations))
		fmt.Printf("API calls:   %d\n", agg.TotalAPICalls)
		fmt.Printf("Averages:    %.1fms/op, %.1f%% cpu\n", agg.AvgDurationMS, agg.AvgCPUPercent)
		if len(agg.ThresholdViolations) > 0 {
			fmt.Println("Threshold violations:")
			for name, count := range agg.ThresholdViolations {
				fmt.Printf("  %-16s %d\n", name, count)
			}
		}
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the file-backed cache tier",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all file-tier cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load().Cache
		if cfg.Dir == "" {
			return fmt.Errorf("no cache directory configured")
		}

		matches, err := filepath.Glob(filepath.Join(cfg.Dir, cfg.FilePrefix+"*"))
		if err != nil {
			return fmt.Errorf("failed to list cache entries: %w", err)
		}
		removed := 0
		for _, path := range matches {
			if err := os.Remove(path); err != nil {
				log.WarningLog.Printf("failed to remove %s: %v", path, err)
				continue
			}
			removed++
		}
		fmt.Printf("Removed %d cache entries from %s\n", removed, cfg.Dir)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pagesmithctl version %s\n", version)
	},
}

func init() {
	statsCmd.Flags().StringVar(&snapshotFlag, "snapshot", "", "Path to the tracker snapshot file")

	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(statsCmd, cacheCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
