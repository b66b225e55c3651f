// Package scrape composes adapters, discovery and fetching into one scrape of
// a target URL for a keyword.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/adapter"
	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/detect"
	"github.com/JakeFAU/listing-monitor/internal/discovery"
	"github.com/JakeFAU/listing-monitor/internal/metrics"
	"github.com/JakeFAU/listing-monitor/internal/registry"
)

// Defaults for Config.
const (
	DefaultPreRequestDelay = 500 * time.Millisecond
	DefaultMaxPages        = 3
)

// Resolver picks the adapter for a URL.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) registry.Resolution
}

// Discoverer finds listing pages for bare domains. Curated answers from the
// hand-maintained table only.
type Discoverer interface {
	Curated(targetURL string) (discovery.Result, bool)
	Discover(ctx context.Context, targetURL, cookies string) (discovery.Result, error)
}

// Config tunes the orchestrator.
type Config struct {
	PreRequestDelay time.Duration
	MaxPages        int
	SnapshotPrefix  string
}

// Orchestrator runs one scrape end to end.
type Orchestrator struct {
	resolver  Resolver
	discovery Discoverer
	fetcher   crawler.Fetcher
	hasher    crawler.Hasher
	blobs     crawler.BlobStore
	clock     crawler.Clock
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *zap.Logger
}

// New builds an Orchestrator. discovery and blobs may be nil.
func New(
	resolver Resolver,
	disc Discoverer,
	fetcher crawler.Fetcher,
	hasher crawler.Hasher,
	blobs crawler.BlobStore,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.PreRequestDelay < 0 {
		cfg.PreRequestDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		resolver:  resolver,
		discovery: disc,
		fetcher:   fetcher,
		hasher:    hasher,
		blobs:     blobs,
		clock:     clock,
		cfg:       cfg,
		sleep:     sleepContext,
		logger:    logger.Named("scrape"),
	}
}

// page is one fetched and parsed results page.
type page struct {
	url  string
	body string
	doc  *goquery.Document
}

// Scrape searches targetURL for keyword. Stage failures are collected in
// ScrapeResult.Errors; an error is returned only when no result could be
// produced at all.
func (o *Orchestrator) Scrape(ctx context.Context, targetURL, keyword string, opts crawler.ScrapeOptions) (crawler.ScrapeResult, error) {
	res := o.resolver.Resolve(ctx, targetURL)
	result := crawler.ScrapeResult{AdapterUsed: res.AdapterType}
	logger := o.logger.With(zap.String("url", targetURL), zap.String("adapter", res.AdapterType))

	if !opts.FastMode && o.cfg.PreRequestDelay > 0 {
		if err := o.sleep(ctx, o.cfg.PreRequestDelay); err != nil {
			return result, fmt.Errorf("scrape %s: %w", targetURL, err)
		}
	}

	apiItems, priced := o.searchAPI(ctx, res.Adapter, targetURL, keyword, opts, &result)
	items := apiItems
	var first *page
	if !priced {
		htmlItems, p, err := o.scrapeHTML(ctx, res, targetURL, keyword, opts, &result)
		switch {
		case err != nil && len(apiItems) == 0:
			metrics.ObserveScrape(res.AdapterType, "failed")
			return result, err
		case err != nil:
			result.Errors = append(result.Errors, "fetch: "+err.Error())
		case len(htmlItems) > 0 || len(apiItems) == 0:
			items = htmlItems
		}
		first = p
	}

	items = dedupe(items)
	hash, err := ContentHash(o.hasher, items, targetURL)
	if err != nil {
		return result, fmt.Errorf("scrape %s: %w", targetURL, err)
	}
	result.ContentHash = hash
	result.Items = filter(items, opts)
	result.ScrapedAt = o.clock.Now()

	if first != nil {
		o.snapshot(ctx, first, hash, &result)
	}
	for _, e := range result.Errors {
		logger.Warn("scrape stage failed", zap.String("error", e))
	}
	outcome := "ok"
	switch {
	case result.LoginRequired:
		outcome = "login_required"
	case len(result.Items) == 0:
		outcome = "empty"
	}
	metrics.ObserveScrape(res.AdapterType, outcome)
	logger.Debug("scrape finished",
		zap.Int("items", len(result.Items)),
		zap.String("content_hash", hash),
		zap.Bool("login_required", result.LoginRequired))
	return result, nil
}

// searchAPI tries the adapter's structured API. priced reports whether the
// HTML path can be skipped.
func (o *Orchestrator) searchAPI(
	ctx context.Context, a adapter.Adapter, targetURL, keyword string, opts crawler.ScrapeOptions, result *crawler.ScrapeResult,
) ([]crawler.ScrapedItem, bool) {
	api, ok := a.(adapter.APISearcher)
	if !ok {
		return nil, false
	}
	origin, err := crawler.Origin(targetURL)
	if err != nil {
		result.Errors = append(result.Errors, "api: "+err.Error())
		return nil, false
	}
	items, err := api.SearchAPI(ctx, origin, keyword, opts)
	if err != nil {
		if !errors.Is(err, adapter.ErrUnsupported) {
			result.Errors = append(result.Errors, "api: "+err.Error())
		}
		return nil, false
	}
	return items, adapter.HasPrice(items)
}

func (o *Orchestrator) scrapeHTML(
	ctx context.Context, res registry.Resolution, targetURL, keyword string, opts crawler.ScrapeOptions, result *crawler.ScrapeResult,
) ([]crawler.ScrapedItem, *page, error) {
	pageURL := o.pageURL(ctx, res, targetURL, keyword, opts, result)
	first, err := o.fetchPage(ctx, pageURL, opts.SessionToken)
	if err != nil {
		return nil, nil, err
	}
	if res.Adapter.SiteType() == crawler.SiteForum && detect.LoginWall(first.doc) {
		result.LoginRequired = true
		return nil, first, nil
	}

	items := o.extract(res.Adapter, first, keyword, opts)
	pager, ok := res.Adapter.(adapter.Paginator)
	if !ok || opts.FastMode {
		return items, first, nil
	}
	maxPages := o.cfg.MaxPages
	if opts.MaxPages > 0 {
		maxPages = opts.MaxPages
	}
	current := first
	for n := 2; n <= maxPages; n++ {
		next, ok := pager.NextPageURL(current.doc, current.url)
		if !ok {
			break
		}
		p, err := o.fetchPage(ctx, next, opts.SessionToken)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch page %d: %v", n, err))
			break
		}
		pageItems := o.extract(res.Adapter, p, keyword, opts)
		if len(pageItems) == 0 {
			break
		}
		items = append(items, pageItems...)
		current = p
	}
	return items, first, nil
}

// pageURL decides what to fetch. Only a bare domain is rewritten: to the
// configured search pattern, the adapter's search URL, a discovered template
// or listing page, in that order.
func (o *Orchestrator) pageURL(
	ctx context.Context, res registry.Resolution, targetURL, keyword string, opts crawler.ScrapeOptions, result *crawler.ScrapeResult,
) string {
	if !crawler.IsBareDomain(targetURL) {
		return targetURL
	}
	if res.SearchURLPattern != "" {
		return FillTemplate(res.SearchURLPattern, keyword)
	}
	origin, err := crawler.Origin(targetURL)
	if err != nil {
		return targetURL
	}
	if o.discovery != nil {
		// Curated overrides win over a typed adapter's generic search path.
		if curated, ok := o.discovery.Curated(targetURL); ok {
			if u := resultURL(curated, keyword); u != "" {
				return u
			}
		}
	}
	if res.AdapterType != adapter.TypeGeneric {
		return res.Adapter.SearchURL(origin, keyword)
	}
	if o.discovery == nil {
		return targetURL
	}
	found, err := o.discovery.Discover(ctx, targetURL, opts.SessionToken)
	if err != nil {
		result.Errors = append(result.Errors, "discovery: "+err.Error())
		return targetURL
	}
	if u := resultURL(found, keyword); u != "" {
		return u
	}
	return targetURL
}

func resultURL(found discovery.Result, keyword string) string {
	switch {
	case found.SearchURLTemplate != "":
		return FillTemplate(found.SearchURLTemplate, keyword)
	case len(found.ListingURLs) > 0:
		return found.ListingURLs[0]
	default:
		return ""
	}
}

func (o *Orchestrator) fetchPage(ctx context.Context, pageURL, cookies string) (*page, error) {
	body, err := o.fetcher.Fetch(ctx, pageURL, cookies)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return &page{url: pageURL, body: body, doc: doc}, nil
}

func (o *Orchestrator) extract(a adapter.Adapter, p *page, keyword string, opts crawler.ScrapeOptions) []crawler.ScrapedItem {
	items := a.Extract(p.doc, keyword, p.url, opts)
	host := crawler.Hostname(p.url)
	for i := range items {
		if items[i].Seller == "" {
			items[i].Seller = host
		}
	}
	return items
}

// snapshot archives the first page under <prefix>/<host>/<hash>.html.
func (o *Orchestrator) snapshot(ctx context.Context, p *page, hash string, result *crawler.ScrapeResult) {
	if o.blobs == nil || o.cfg.SnapshotPrefix == "" {
		return
	}
	key := path.Join(o.cfg.SnapshotPrefix, crawler.Hostname(p.url), hash+".html")
	if _, err := o.blobs.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewBufferString(p.body)); err != nil {
		result.Errors = append(result.Errors, "snapshot: "+err.Error())
	}
}

// FillTemplate substitutes the query-escaped keyword into a search template.
func FillTemplate(template, keyword string) string {
	return strings.ReplaceAll(template, discovery.KeywordPlaceholder, url.QueryEscape(keyword))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
