package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/server"
)

type scanFlags struct {
	url         string
	keyword     string
	inStockOnly bool
	maxPrice    float64
	fastMode    bool
	maxPages    int
}

func newScanCmd() *cobra.Command {
	var f scanFlags
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scrapes one URL for a keyword and prints the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.url == "" {
				return errors.New("--url is required")
			}
			if f.keyword == "" {
				return errors.New("--keyword is required")
			}
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				if cerr := app.Close(); cerr != nil {
					rt.logger.Warn("close application failed", zap.Error(cerr))
				}
			}()

			opts := crawler.ScrapeOptions{
				InStockOnly: f.inStockOnly,
				FastMode:    f.fastMode,
				MaxPages:    f.maxPages,
			}
			if cmd.Flags().Changed("max-price") {
				price := f.maxPrice
				opts.MaxPrice = &price
			}
			result, err := app.Scrape(cmd.Context(), f.url, f.keyword, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", crawler.UserMessage(err), err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "site or search URL to scrape")
	cmd.Flags().StringVar(&f.keyword, "keyword", "", "keyword to match")
	cmd.Flags().BoolVar(&f.inStockOnly, "in-stock-only", false, "drop items reported out of stock")
	cmd.Flags().Float64Var(&f.maxPrice, "max-price", 0, "drop priced items above this value")
	cmd.Flags().BoolVar(&f.fastMode, "fast", false, "skip the pre-request delay and pagination")
	cmd.Flags().IntVar(&f.maxPages, "max-pages", 0, "pages to follow (0 uses scrape.max_pages)")
	return cmd
}
