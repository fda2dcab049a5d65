package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-workspace/internal/harvest"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func newScrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fill a subproject with links, PDFs and WARC captures",
	}
	cmd.AddCommand(newScrapeLinksCmd(), newScrapeItemsCmd("pdfs"), newScrapeItemsCmd("warcs"))
	return cmd
}

func newScrapeLinksCmd() *cobra.Command {
	var (
		strategy  string
		selectors []string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "links <project> <subproject> <url>...",
		Short: "Scrape pages and append their links to links.csv",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if strategy == "" {
				strategy = app.Config().Scraper.Strategy
			}
			strat, err := workspace.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			if len(selectors) == 0 {
				selectors = app.Config().Scraper.Selectors
			}
			res, err := app.Harvester().ScrapeLinks(cmd.Context(), args[0], args[1], harvest.LinkRequest{
				URLs:      args[2:],
				Strategy:  strat,
				Selectors: selectors,
			})
			if err != nil {
				return err
			}
			return printHarvest(cmd.OutOrStdout(), res, asJSON)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "static, headless or auto (default from config)")
	cmd.Flags().StringSliceVar(&selectors, "selector", nil, "CSS selectors whose anchors are kept")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newScrapeItemsCmd(kind string) *cobra.Command {
	var (
		filter harvest.ItemFilter
		asJSON bool
	)
	short := "Download the PDFs listed in links.csv"
	if kind == "warcs" {
		short = "Capture the pages listed in links.csv as WARC files"
	}
	cmd := &cobra.Command{
		Use:   kind + " <project> <subproject>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var res harvest.Result
			if kind == "warcs" {
				res, err = app.Harvester().CaptureWARCs(cmd.Context(), args[0], args[1], filter)
			} else {
				res, err = app.Harvester().DownloadPDFs(cmd.Context(), args[0], args[1], filter)
			}
			if err != nil {
				return err
			}
			return printHarvest(cmd.OutOrStdout(), res, asJSON)
		},
	}
	cmd.Flags().StringVar(&filter.Contains, "contains", "", "only visit links containing this text")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "visit at most this many links")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printHarvest(out io.Writer, res harvest.Result, asJSON bool) error {
	if asJSON {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "%s %s/%s: %d attempted, %d saved, %d skipped, %s\n",
		SuccessStyle.Render(res.Kind), res.Project, res.Subproject,
		res.Attempted, res.Saved, res.Skipped, humanBytes(res.Bytes))
	printWarnings(out, res.Warnings)
	printFailures(out, res.Failures)
	return nil
}
