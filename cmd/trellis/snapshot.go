package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/trellis/internal/export"
	"github.com/untoldecay/trellis/internal/index"
)

var exportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Write a verifiable snapshot of the store to a directory",
	Long: `Export the full store as a snapshot directory.

The snapshot holds tasks, knowledge entries, and dependency edges as
JSONL files plus a manifest with per-file checksums. The WAL is
checkpointed first so the snapshot reflects every committed write.`,
	Args: cobra.ExactArgs(1),
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

		manifest, err := export.NewExporter(store, log).Export(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(manifest)
			return
		}
		fmt.Printf("Exported %d tasks, %d knowledge entries, %d dependencies to %s\n",
			manifest.Counts.Tasks, manifest.Counts.Knowledge, manifest.Counts.Dependencies, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Restore the store from a snapshot directory",
	Long: `Import a snapshot, replacing the current store contents.

The manifest version and file checksums are verified before anything is
touched; a tampered or truncated snapshot is rejected without changing
the store. The replacement itself runs in a single transaction.`,
	Args: cobra.ExactArgs(1),
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

		indexes := index.NewCoordinator(log)
		manifest, err := export.NewImporter(store, indexes, log).Import(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(manifest)
			return
		}
		fmt.Printf("Imported %d tasks, %d knowledge entries, %d dependencies from %s\n",
			manifest.Counts.Tasks, manifest.Counts.Knowledge, manifest.Counts.Dependencies, args[0])
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
