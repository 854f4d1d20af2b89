package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/octoreflex/octoreflex/internal/validate"
)

// newValidateCmd runs the acceptance scenarios against an in-process
// pipeline. Exit code 0 means all targets met, 1 otherwise.
func newValidateCmd() *cobra.Command {
	var (
		iterations int
		csvPath    string
		seed       int64
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the acceptance scenarios and report pass/fail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := buildLogger("error", "console")
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			report, err := validate.Run(validate.Options{
				Iterations: iterations,
				CSVPath:    csvPath,
				Seed:       seed,
				Logger:     log,
			})
			if err != nil {
				return err
			}
			for _, res := range report.Results {
				status := "PASS"
				if !res.Passed {
					status = "FAIL"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-4s %-24s %s\n", status, res.Name, res.Details)
			}
			os.Exit(report.ExitCode())
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 10000, "iterations for latency and FPR scenarios")
	cmd.Flags().StringVar(&csvPath, "csv", "latency.csv", "latency CSV output path (empty disables)")
	cmd.Flags().Int64Var(&seed, "seed", 1, "trace generation seed")
	return cmd
}
