package scrape

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// ContentHash fingerprints the set of item URLs. Order and duplicates do not
// change the result. An empty set hashes a sentinel keyed by targetURL.
func ContentHash(h crawler.Hasher, items []crawler.ScrapedItem, targetURL string) (string, error) {
	seen := make(map[string]struct{}, len(items))
	urls := make([]string, 0, len(items))
	for _, it := range items {
		u := crawler.NormalizeOrRaw(it.URL)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	sort.Strings(urls)

	payload := "empty:" + crawler.NormalizeOrRaw(targetURL)
	if len(urls) > 0 {
		payload = strings.Join(urls, "|")
	}
	sum, err := h.Hash([]byte(payload))
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return sum, nil
}

// dedupe keeps the first item per normalized URL and rewrites URLs to their
// normalized form.
func dedupe(items []crawler.ScrapedItem) []crawler.ScrapedItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]crawler.ScrapedItem, 0, len(items))
	for _, it := range items {
		it.URL = crawler.NormalizeOrRaw(it.URL)
		if it.URL == "" {
			continue
		}
		if _, dup := seen[it.URL]; dup {
			continue
		}
		seen[it.URL] = struct{}{}
		out = append(out, it)
	}
	return out
}

// filter applies InStockOnly and MaxPrice. Items with unknown stock or price
// are kept.
func filter(items []crawler.ScrapedItem, opts crawler.ScrapeOptions) []crawler.ScrapedItem {
	if !opts.InStockOnly && opts.MaxPrice == nil {
		return items
	}
	out := make([]crawler.ScrapedItem, 0, len(items))
	for _, it := range items {
		if opts.InStockOnly && it.InStock != nil && !*it.InStock {
			continue
		}
		if opts.MaxPrice != nil && it.Price != nil && *it.Price > *opts.MaxPrice {
			continue
		}
		out = append(out, it)
	}
	return out
}
