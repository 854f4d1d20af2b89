package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/octoreflex/octoreflex/internal/config"
	"github.com/octoreflex/octoreflex/internal/storage"
)

// newLedgerCmd reads the audit ledger directly from the BoltDB file. Bolt
// holds an exclusive file lock, so this works against a stopped agent or a
// copied database file.
func newLedgerCmd() *cobra.Command {
	var (
		dbPath string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show recent audit ledger entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := storage.Open(dbPath, 1)
			if err != nil {
				return fmt.Errorf("open ledger (is the agent running?): %w", err)
			}
			defer db.Close() //nolint:errcheck

			entries, err := db.Recent(limit)
			if err != nil {
				return err
			}
			return printLedger(cmd.OutOrStdout(), entries, asJSON)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", config.Defaults().Storage.DBPath, "ledger database path")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func printLedger(w io.Writer, entries []storage.LedgerEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPID\tFROM\tTO\tREASON\tCOST\tBALANCE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%.1f\n",
			e.Time.Format(time.RFC3339), e.PID, e.From, e.To, e.Reason, e.Cost, e.BudgetRemaining)
	}
	return tw.Flush()
}
