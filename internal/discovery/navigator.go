// Package discovery finds listing pages and a search template for sites with
// no curated configuration.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// Defaults for Config.
const (
	DefaultCandidateCap = 8
	DefaultResultCap    = 5
	DefaultFoundTTL     = 7 * 24 * time.Hour
	DefaultEmptyTTL     = 24 * time.Hour
	minDensity          = 2
)

// Config tunes discovery.
type Config struct {
	CandidateCap int
	ResultCap    int
	FoundTTL     time.Duration
	EmptyTTL     time.Duration
}

// Result is what discovery knows about a site.
type Result struct {
	ListingURLs       []string         `json:"listing_urls"`
	SearchURLTemplate string           `json:"search_url_template,omitempty"`
	SiteType          crawler.SiteType `json:"site_type"`
	Curated           bool             `json:"curated"`
}

// Navigator crawls a homepage to locate listing pages, caching results in a
// SiteMapStore.
type Navigator struct {
	fetcher  crawler.Fetcher
	store    crawler.SiteMapStore
	curated  map[string]Override
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	inflight singleflight.Group
}

// New builds a Navigator. curated may be nil for no overrides.
func New(fetcher crawler.Fetcher, store crawler.SiteMapStore, curated map[string]Override, cfg Config, logger *zap.Logger) *Navigator {
	if cfg.CandidateCap <= 0 {
		cfg.CandidateCap = DefaultCandidateCap
	}
	if cfg.ResultCap <= 0 {
		cfg.ResultCap = DefaultResultCap
	}
	if cfg.FoundTTL <= 0 {
		cfg.FoundTTL = DefaultFoundTTL
	}
	if cfg.EmptyTTL <= 0 {
		cfg.EmptyTTL = DefaultEmptyTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{
		fetcher: fetcher,
		store:   store,
		curated: curated,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.Named("discovery"),
	}
}

// Discover returns listing URLs and a search template for targetURL's site.
// A homepage that cannot be fetched yields an error and nothing is cached.
func (n *Navigator) Discover(ctx context.Context, targetURL, cookies string) (Result, error) {
	origin, err := crawler.Origin(targetURL)
	if err != nil {
		return Result{SiteType: crawler.SiteGeneric}, fmt.Errorf("discover %s: %w", targetURL, err)
	}
	domain := crawler.Hostname(origin)

	if res, ok := n.curatedFor(domain); ok {
		return res, nil
	}

	if entry, ok := n.cached(ctx, domain); ok {
		if err := n.store.RecordSiteMapHit(ctx, domain); err != nil {
			n.logger.Warn("record sitemap hit failed", zap.String("domain", domain), zap.Error(err))
		}
		return fromEntry(entry), nil
	}

	// Joined callers share one crawl; each waits on its own ctx.
	ch := n.inflight.DoChan(domain, func() (any, error) {
		return n.discover(context.WithoutCancel(ctx), origin, domain, cookies)
	})
	select {
	case <-ctx.Done():
		return Result{SiteType: crawler.SiteGeneric}, fmt.Errorf("discover %s: %w", domain, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Result{SiteType: crawler.SiteGeneric}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// Curated returns the hand-maintained result for targetURL's domain without
// any network access.
func (n *Navigator) Curated(targetURL string) (Result, bool) {
	return n.curatedFor(crawler.Hostname(targetURL))
}

func (n *Navigator) curatedFor(domain string) (Result, bool) {
	o, ok := n.curated[domain]
	if !ok || domain == "" {
		return Result{}, false
	}
	return Result{
		ListingURLs:       append([]string(nil), o.ListingURLs...),
		SearchURLTemplate: o.SearchURLTemplate,
		SiteType:          o.SiteType,
		Curated:           true,
	}, true
}

func (n *Navigator) discover(ctx context.Context, origin, domain, cookies string) (Result, error) {
	started := n.now()
	home := origin + "/"
	body, err := n.fetcher.Fetch(ctx, home, cookies)
	if err != nil {
		return Result{}, fmt.Errorf("discover %s: fetch homepage: %w", domain, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("discover %s: parse homepage: %w", domain, err)
	}

	siteType := classify(doc)
	result := Result{SiteType: siteType, SearchURLTemplate: searchTemplate(doc, home)}

	cands := candidates(doc, home, siteType)
	if len(cands) > n.cfg.CandidateCap {
		cands = cands[:n.cfg.CandidateCap]
	}
	var pages []scoredPage
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("discover %s: %w", domain, err)
		}
		d, err := n.measure(ctx, c.URL, cookies, siteType)
		if err != nil {
			n.logger.Debug("candidate fetch failed", zap.String("domain", domain), zap.String("url", c.URL), zap.Error(err))
			continue
		}
		if d >= minDensity {
			pages = append(pages, scoredPage{url: c.URL, density: d})
		}
	}
	result.ListingURLs = rankPages(pages, n.cfg.ResultCap)

	// Another discovery may have finished while this one was crawling.
	if entry, ok := n.cached(ctx, domain); ok && !entry.DiscoveredAt.Before(started) {
		n.logger.Debug("fresher sitemap found before write", zap.String("domain", domain))
		return fromEntry(entry), nil
	}

	ttl := n.cfg.EmptyTTL
	if len(result.ListingURLs) > 0 {
		ttl = n.cfg.FoundTTL
	}
	now := n.now()
	entry := crawler.SiteMapEntry{
		Domain:            domain,
		ListingURLs:       result.ListingURLs,
		SearchURLTemplate: result.SearchURLTemplate,
		SiteType:          siteType,
		DiscoveredAt:      now,
		ExpiresAt:         now.Add(ttl),
	}
	if err := n.store.PutSiteMap(ctx, entry); err != nil {
		n.logger.Warn("cache sitemap failed", zap.String("domain", domain), zap.Error(err))
	}
	n.logger.Info("site discovered",
		zap.String("domain", domain),
		zap.String("site_type", string(siteType)),
		zap.Int("listing_urls", len(result.ListingURLs)),
		zap.Bool("search_template", result.SearchURLTemplate != ""))
	return result, nil
}

func (n *Navigator) measure(ctx context.Context, pageURL, cookies string, siteType crawler.SiteType) (int, error) {
	body, err := n.fetcher.Fetch(ctx, pageURL, cookies)
	if err != nil {
		return 0, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("parse candidate: %w", err)
	}
	return density(doc, siteType), nil
}

// cached returns an unexpired entry for domain.
func (n *Navigator) cached(ctx context.Context, domain string) (crawler.SiteMapEntry, bool) {
	entry, ok, err := n.store.GetSiteMap(ctx, domain)
	if err != nil {
		n.logger.Warn("sitemap lookup failed", zap.String("domain", domain), zap.Error(err))
		return crawler.SiteMapEntry{}, false
	}
	if !ok || !n.now().Before(entry.ExpiresAt) {
		return crawler.SiteMapEntry{}, false
	}
	return entry, true
}

func fromEntry(e crawler.SiteMapEntry) Result {
	return Result{
		ListingURLs:       append([]string(nil), e.ListingURLs...),
		SearchURLTemplate: e.SearchURLTemplate,
		SiteType:          e.SiteType,
	}
}
