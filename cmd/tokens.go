package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-workspace/internal/manager"
)

func newTokensCmd() *cobra.Command {
	var (
		scope    manager.Scope
		selector string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Recalculate token counts for changed artifacts",
		Long: `tokens brings the token ledger of every subproject in scope up to date.
Artifacts whose size and modification time are unchanged keep their recorded
count; everything else is extracted and counted again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if scope.Subproject != "" && scope.Project == "" {
				return errors.New("--subproject requires --project")
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := app.Manager().RecalculateTokens(cmd.Context(), scope, selector)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, report)
			}
			rows := make([][]string, 0, len(report.Reports))
			for _, r := range report.Reports {
				rows = append(rows, []string{
					r.Project + "/" + r.Subproject,
					itoa(r.Recomputed),
					itoa(r.Reused),
					itoa(r.Pruned),
					itoa(r.TotalTokens),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Subproject", "Counted", "Reused", "Pruned", "Tokens"}, rows))
			fmt.Fprintf(out, "%s %d tokens across %d subprojects (%d counted, %d reused)\n",
				SuccessStyle.Render("total"), report.TotalTokens, report.Subprojects, report.Recomputed, report.Reused)
			printWarnings(out, report.Warnings)
			printFailures(out, report.Failures)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope.Project, "project", "", "limit to one project")
	cmd.Flags().StringVar(&scope.Subproject, "subproject", "", "limit to one subproject of --project")
	cmd.Flags().StringVar(&selector, "selector", "", "CSS selector whose text is counted in WARC captures")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
