package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/custodian/pkg/cli"
	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/reporter"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <daily|monthly>",
	Short: "Run a retention cadence once",
	Long: `Run the daily or monthly retention cadence immediately, print its
report and exit. The exit code is 3 when the run finished with failed tasks.

Examples:
  # Archive and purge due records now
  custodian cleanup daily

  # Monthly audit log purge with a JSON report
  custodian cleanup monthly --output json`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(compliance.RunDaily), string(compliance.RunMonthly)},
	RunE:      runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	kind := compliance.RunKind(args[0])
	if !kind.Valid() {
		return cli.NewConfigError("kind", fmt.Sprintf("unknown cadence %q (daily, monthly)", args[0]))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	report, err := a.reporter.RunManualCleanup(ctx, kind)
	if err != nil {
		return cli.NewCommandError("cleanup", err)
	}
	if err := write(cmd.OutOrStdout(), reportView{report}); err != nil {
		return err
	}
	if failed := report.FailedTasks(); failed > 0 {
		return &cli.PartialFailureError{Run: string(kind) + " run " + report.RunID, Failed: failed}
	}
	return nil
}

// reportView renders a run report as text, rows or JSON.
type reportView struct {
	*reporter.Report
}

func (v reportView) String() string {
	return reporter.FormatReport(v.Report)
}

func (v reportView) Header() []string {
	return []string{"entity_class", "task", "count", "error"}
}

func (v reportView) Rows() [][]string {
	rows := make([][]string, 0, len(v.Tasks))
	for _, t := range v.Tasks {
		rows = append(rows, []string{string(t.EntityClass), t.Task, fmt.Sprint(t.Count), t.Error})
	}
	return rows
}

func (v reportView) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Report)
}
