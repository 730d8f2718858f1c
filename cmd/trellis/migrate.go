package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/trellis/internal/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Open the database and apply any pending schema migrations.

Opening the store always migrates to the latest schema; this command
exists to run that step explicitly (e.g. during deployment) and report
the resulting schema version.`,
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

		version, err := sqlite.SchemaVersion(ctx, store.UnderlyingDB())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading schema version: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"database":       store.Path(),
				"schema_version": version,
			})
			return
		}
		fmt.Printf("Database %s is at schema version %d\n", store.Path(), version)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
