package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/custodian/pkg/cli"
	"mercator-hq/custodian/pkg/compliance"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Count every tracked class and store a compliance snapshot",
	Args:  cobra.NoArgs,
	RunE:  runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
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

	snap, err := a.reporter.GenerateSnapshot(ctx)
	if err != nil {
		return cli.NewCommandError("snapshot", err)
	}
	return write(cmd.OutOrStdout(), snapshotView{snap})
}

type snapshotView struct {
	*compliance.ComplianceSnapshot
}

func (v snapshotView) Header() []string {
	return []string{"entity_class", "active", "archived", "total"}
}

func (v snapshotView) Rows() [][]string {
	return countRows(v.Classes, nil)
}

func (v snapshotView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compliance snapshot at %s\n\n", v.GeneratedAt.Format(time.RFC3339))
	_ = (&cli.TextFormatter{}).FormatTo(&b, tableOnly{v})
	return b.String()
}

func (v snapshotView) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ComplianceSnapshot)
}
