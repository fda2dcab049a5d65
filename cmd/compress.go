package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-workspace/internal/compress"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func newCompressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compress",
		Short: "Build subproject archives and collect them per project",
	}
	cmd.AddCommand(newCompressAllCmd(), newCompressSubprojectCmd(), newCollectCmd())
	return cmd
}

func newCompressAllCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Refresh every archive and collect every project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := app.Manager().CompressAll(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, report)
			}
			for _, p := range report.Projects {
				printCentral(out, p)
			}
			fmt.Fprintf(out, "%s %d rebuilt, %d copied, %d unchanged, %d removed, %d notified\n",
				SuccessStyle.Render("done"), report.Rebuilt, report.Copied, report.Unchanged, report.Removed, report.Notified)
			printFailures(out, report.Failures)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newCompressSubprojectCmd() *cobra.Command {
	var (
		kindNames []string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "subproject <project> <subproject>",
		Short: "Refresh the local archives of one subproject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(kindNames)
			if err != nil {
				return err
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := app.Manager().CompressSubproject(cmd.Context(), args[0], args[1], kinds)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, res)
			}
			printSubproject(out, res)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&kindNames, "kinds", nil, "artifact kinds to archive (pdfs, warcs)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newCollectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "collect <project>",
		Short: "Refresh a project's archives and copy them to its central folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := app.Manager().CollectCentral(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, res)
			}
			printCentral(out, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func parseKinds(names []string) ([]workspace.Kind, error) {
	if len(names) == 0 {
		return nil, nil
	}
	kinds := make([]workspace.Kind, 0, len(names))
	for _, name := range names {
		kind, err := workspace.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func printSubproject(out io.Writer, res compress.SubprojectResult) {
	rows := make([][]string, 0, len(res.Kinds))
	for _, k := range res.Kinds {
		file := k.File
		if file == "" {
			file = "-"
		}
		rows = append(rows, []string{string(k.Kind), file, k.Status, itoa(k.Entries), humanBytes(k.Size)})
	}
	fmt.Fprintln(out, TitleStyle.Render(res.Project+"/"+res.Subproject))
	fmt.Fprintln(out, renderTable([]string{"Kind", "Archive", "Status", "Entries", "Size"}, rows))
}

func printCentral(out io.Writer, res compress.CentralResult) {
	fmt.Fprintln(out, TitleStyle.Render(res.Project)+SubtitleStyle.Render(fmt.Sprintf(
		" %d copied, %d unchanged, %d removed", res.Copied, res.Unchanged, res.Removed)))
	rows := make([][]string, 0, len(res.Subprojects))
	for _, sub := range res.Subprojects {
		for _, k := range sub.Kinds {
			if k.File == "" {
				continue
			}
			rows = append(rows, []string{sub.Subproject, k.File, k.Status, itoa(k.Entries), humanBytes(k.Size)})
		}
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable([]string{"Subproject", "Archive", "Status", "Entries", "Size"}, rows))
	}
	for _, s := range res.Skipped {
		fmt.Fprintln(out, WarningStyle.Render("skipped ")+s)
	}
	printFailures(out, res.Failures)
}
