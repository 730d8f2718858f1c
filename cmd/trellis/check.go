package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify database integrity and relationship consistency",
	Long: `Run the SQLite integrity check and scan for broken relationships:
orphaned children, dependency edges pointing at missing tasks, and
dependency records out of sync with their task documents.

Without --repair the scan only reports what it finds. With --repair the
fixable issues are corrected in place.`,
	Run: func(cmd *cobra.Command, args []string) {
		repair, _ := cmd.Flags().GetBool("repair")

		ctx := cmd.Context()
		log := newLogger()
		defer func() { _ = log.Close() }()

		store, err := openStore(ctx, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		if err := store.VerifyIntegrity(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Integrity check failed: %v\n", err)
			os.Exit(1)
		}

		report, err := store.RepairRelationships(ctx, !repair)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"integrity": "ok",
				"repaired":  repair,
				"report":    report,
			})
		} else {
			fmt.Println("Integrity: ok")
			if len(report.Issues) == 0 {
				fmt.Println("Relationships: ok")
			} else {
				for _, issue := range report.Issues {
					fmt.Printf("  - %s\n", issue)
				}
				if repair {
					fmt.Printf("Fixed %d of %d issues\n", report.Fixed, len(report.Issues))
				} else {
					fmt.Printf("Found %d issues (run with --repair to fix)\n", len(report.Issues))
				}
			}
		}

		if len(report.Issues) > 0 && !repair {
			os.Exit(1)
		}
	},
}

func init() {
	checkCmd.Flags().Bool("repair", false, "Fix the issues found instead of only reporting them")
	rootCmd.AddCommand(checkCmd)
}
