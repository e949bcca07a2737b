/*
Package cli provides the output formatters, error types and signal handling
shared by the custodian commands.

Output Formatting:

Command results are printed as text, JSON or CSV. Tabular results implement
Tabular so every format can render them:

	formatter, err := cli.NewFormatter(cli.OutputFormat(outputFlag))
	if err != nil {
		return err
	}
	return formatter.FormatTo(cmd.OutOrStdout(), stats)

Exit Codes:

ExitCode maps command errors onto process exit codes; a retention run that
finished with failed tasks exits with ExitPartial so schedulers can alert
without treating the run as a crash.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
*/
package cli
