package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func newTreeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print every project and subproject in the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tree, err := app.Manager().ListTree(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, tree)
			}
			fmt.Fprintln(out, TitleStyle.Render(tree.Root))
			if len(tree.Projects) == 0 {
				fmt.Fprintln(out, SubtitleStyle.Render("  (no projects)"))
			}
			for _, p := range tree.Projects {
				fmt.Fprintln(out, "  "+CmdStyle.Render(p.Project))
				for _, sub := range p.Subprojects {
					fmt.Fprintf(out, "    %s %s\n", sub.Name, SubtitleStyle.Render(fmt.Sprintf(
						"(%d pdfs, %d warcs, %d links)",
						len(sub.ByKind(workspace.KindPDFs)),
						len(sub.ByKind(workspace.KindWARCs)),
						sub.LinksCount,
					)))
				}
				printWarnings(out, p.Warnings)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tree as JSON")
	return cmd
}

func newDashboardCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Summarize artifacts, tokens and archives per project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			dash, err := app.Manager().Dashboard(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, dash)
			}
			fmt.Fprintln(out, TitleStyle.Render("Workspace ")+SubtitleStyle.Render(dash.Root))
			rows := make([][]string, 0, len(dash.Projects))
			for _, p := range dash.Projects {
				stale := itoa(p.StaleArtifacts)
				if p.StaleArtifacts > 0 {
					stale = WarningStyle.Render(stale)
				}
				rows = append(rows, []string{
					p.Project,
					itoa(len(p.Subprojects)),
					itoa(p.PDFs),
					itoa(p.WARCs),
					itoa(p.Links),
					humanBytes(p.Bytes),
					itoa(p.Tokens),
					stale,
					itoa(p.CentralArchives),
					humanBytes(p.CentralBytes),
					stamp(p.LastModified),
				})
			}
			fmt.Fprintln(out, renderTable([]string{
				"Project", "Subs", "PDFs", "WARCs", "Links", "Size", "Tokens", "Stale", "Archives", "Archived", "Modified",
			}, rows))
			printWarnings(out, dash.Warnings)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the dashboard as JSON")
	return cmd
}
