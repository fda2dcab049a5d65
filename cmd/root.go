// Package cmd defines the scrapews command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-workspace/internal/config"
	"github.com/JakeFAU/scrape-workspace/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp builds the application graph. Tests swap it for a factory with an
// isolated metrics registry.
var newApp = func(ctx context.Context, cfg config.Config) (*server.App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var rootOverride string

	cmd := &cobra.Command{
		Use:   "scrapews",
		Short: "Manage a scrape workspace of projects, artifacts, token counts and archives.",
		Long: `scrapews maintains a two-level workspace of projects and subprojects.
It scrapes links, PDFs and WARC captures into the tree, keeps a token ledger
per subproject up to date and bundles artifacts into compressed archives that
are collected centrally per project.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if rootOverride != "" {
				cfg.Workspace.Root = rootOverride
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(*server.App); ok && appInstance != nil {
				return appInstance.Close(context.Background())
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./scrapews.yaml)")
	cmd.PersistentFlags().StringVar(&rootOverride, "root", "", "workspace root, overrides workspace.root")

	cmd.AddCommand(
		newProjectCmd(),
		newSubprojectCmd(),
		newTreeCmd(),
		newDashboardCmd(),
		newTokensCmd(),
		newCompressCmd(),
		newScrapeCmd(),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	appInstance, ok := ctx.Value(appKey).(*server.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
