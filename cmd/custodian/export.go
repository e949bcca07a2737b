package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/custodian/pkg/cli"
	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/subject"
)

var exportFlags struct {
	subject string
	format  string
	out     string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a subject's personal data",
	Long: `Export everything held about a subject, as the access request API
would, and write it to stdout or a file. The export is recorded in the
audit ledger like any other.

Examples:
  custodian export --subject cust_42
  custodian export --subject cust_42 --format flat --out cust_42.csv`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportFlags.subject, "subject", "s", "", "subject id (required)")
	exportCmd.Flags().StringVarP(&exportFlags.format, "format", "f", string(compliance.FormatStructured), "export format (structured, flat)")
	exportCmd.Flags().StringVar(&exportFlags.out, "out", "", "write to file instead of stdout")
	_ = exportCmd.MarkFlagRequired("subject")
}

func runExport(cmd *cobra.Command, args []string) error {
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

	result, err := a.workflow.Export(ctx, subject.ExportRequest{
		SubjectID: exportFlags.subject,
		Format:    compliance.ExportFormat(exportFlags.format),
	})
	if err != nil {
		return cli.NewCommandError("export", err)
	}

	if exportFlags.out == "" {
		_, err = cmd.OutOrStdout().Write(result.Body)
		return err
	}
	if err := os.WriteFile(exportFlags.out, result.Body, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "✓ Export written to %s (%d bytes)\n", exportFlags.out, len(result.Body))
	return nil
}
