package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create, inspect and delete projects",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <project>",
			Short: "Create a project directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				if err := app.Manager().CreateProject(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("created project ")+CmdStyle.Render(args[0]))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <project>",
			Short: "Delete a project and its central archives",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				if err := app.Manager().DeleteProject(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("deleted project ")+CmdStyle.Render(args[0]))
				return nil
			},
		},
		newProjectShowCmd(),
	)
	return cmd
}

func newProjectShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <project>",
		Short: "List the subprojects and artifacts of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := app.Manager().Project(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, snap)
			}
			fmt.Fprintln(out, TitleStyle.Render(snap.Project))
			rows := make([][]string, 0, len(snap.Subprojects))
			for _, sub := range snap.Subprojects {
				rows = append(rows, []string{
					sub.Name,
					itoa(len(sub.ByKind(workspace.KindPDFs))),
					itoa(len(sub.ByKind(workspace.KindWARCs))),
					itoa(sub.LinksCount),
					humanBytes(sub.Bytes(workspace.KindPDFs, workspace.KindWARCs)),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Subproject", "PDFs", "WARCs", "Links", "Size"}, rows))
			printWarnings(out, snap.Warnings)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func newSubprojectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subproject",
		Aliases: []string{"sub"},
		Short:   "Create and delete subprojects",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <project> <subproject>",
			Short: "Create a subproject with its artifact folders",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				if err := app.Manager().CreateSubproject(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("created subproject ")+CmdStyle.Render(args[0]+"/"+args[1]))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <project> <subproject>",
			Short: "Delete a subproject and forget its central archives",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				if err := app.Manager().DeleteSubproject(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("deleted subproject ")+CmdStyle.Render(args[0]+"/"+args[1]))
				return nil
			},
		},
	)
	return cmd
}
