package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/custodian/pkg/cli"
	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/reporter"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show retention statistics",
	Long: `Show live record counts per class and tier, the last and next run of
each cadence and subject request statistics.

Examples:
  custodian stats
  custodian stats --output csv > retention.csv`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
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

	stats, err := a.reporter.GetRetentionStats(ctx)
	if err != nil {
		return cli.NewCommandError("stats", err)
	}
	return write(cmd.OutOrStdout(), statsView{stats})
}

// statsView renders the per-class counts as a table.
type statsView struct {
	*reporter.Stats
}

func (v statsView) Header() []string {
	return []string{"entity_class", "active", "archived", "total", "horizon_days", "terminal_action"}
}

func (v statsView) Rows() [][]string {
	rules := make(map[compliance.EntityClass]compliance.RetentionRule, len(v.Rules))
	for _, r := range v.Rules {
		rules[r.EntityClass] = r
	}
	return countRows(v.Classes, func(class compliance.EntityClass) []string {
		r := rules[class]
		return []string{fmt.Sprint(int(r.Horizon() / compliance.Day)), string(r.TerminalAction)}
	})
}

func (v statsView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Retention statistics at %s\n\n", v.GeneratedAt.Format(time.RFC3339))
	_ = (&cli.TextFormatter{}).FormatTo(&b, tableOnly{v})
	fmt.Fprintf(&b, "\nLast daily run:    %s\n", runTime(v.LastDaily))
	fmt.Fprintf(&b, "Last monthly run:  %s\n", runTime(v.LastMonthly))
	fmt.Fprintf(&b, "Next daily run:    %s\n", timeOrNone(v.NextDaily))
	fmt.Fprintf(&b, "Next monthly run:  %s\n", timeOrNone(v.NextMonthly))
	s := v.SubjectRequests
	fmt.Fprintf(&b, "\nSubject requests (last %d days): %d exports, %d deletion requests, %d completed, avg response %s\n",
		s.WindowDays, s.Exports, s.DeletionRequests, s.DeletionsCompleted, s.AvgResponseTime.Round(time.Second))
	return b.String()
}

func (v statsView) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Stats)
}

// tableOnly hides String so the text formatter renders rows.
type tableOnly struct {
	cli.Tabular
}

func countRows(counts map[compliance.EntityClass]compliance.ClassCounts, extra func(compliance.EntityClass) []string) [][]string {
	classes := make([]compliance.EntityClass, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	rows := make([][]string, 0, len(classes))
	for _, class := range classes {
		c := counts[class]
		row := []string{string(class), fmt.Sprint(c.Active), fmt.Sprint(c.Archived), fmt.Sprint(c.Total)}
		if extra != nil {
			row = append(row, extra(class)...)
		}
		rows = append(rows, row)
	}
	return rows
}

func runTime(r *compliance.RunRecord) string {
	if r == nil {
		return "never"
	}
	status := "ok"
	if r.FailedTasks > 0 {
		status = fmt.Sprintf("%d failed task(s)", r.FailedTasks)
	}
	return fmt.Sprintf("%s (%s)", r.FinishedAt.Format(time.RFC3339), status)
}

func timeOrNone(t *time.Time) string {
	if t == nil {
		return "not scheduled"
	}
	return t.Format(time.RFC3339)
}
