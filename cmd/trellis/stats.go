package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/trellis/internal/types"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store contents and database health counters",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		log := newLogger()
		defer func() { _ = log.Close() }()

		store, err := openStore(ctx, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		stats, err := store.GetStatistics(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		dbStats, err := store.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		tombstones, err := store.ListTombstones(ctx, time.Time{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"contents":   stats,
				"database":   dbStats,
				"metrics":    store.Metrics(),
				"tombstones": len(tombstones),
			})
			return
		}

		fmt.Printf("Tasks:        %d\n", stats.TotalTasks)
		fmt.Printf("Knowledge:    %d\n", stats.TotalKnowledge)
		fmt.Printf("Dependencies: %d\n", stats.DependencyEdges)
		fmt.Printf("Tombstones:   %d\n", len(tombstones))

		if len(stats.TasksByStatus) > 0 {
			fmt.Println("\nBy status:")
			statuses := make([]types.Status, 0, len(stats.TasksByStatus))
			for status := range stats.TasksByStatus {
				statuses = append(statuses, status)
			}
			sort.Slice(statuses, func(a, b int) bool { return statuses[a] < statuses[b] })
			for _, status := range statuses {
				fmt.Printf("  %-12s %d\n", status, stats.TasksByStatus[status])
			}
		}

		fmt.Printf("\nDatabase: %d pages of %d bytes, %d on freelist, %d WAL pages\n",
			dbStats.PageCount, dbStats.PageSize, dbStats.FreelistCount, dbStats.WALPages)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
