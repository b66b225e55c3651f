// Package batch scans every enabled target concurrently for one keyword.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// DefaultTimeout bounds each target's scrape.
const DefaultTimeout = 30 * time.Second

// ErrTimeout marks a target whose scrape outlived the per-target timeout.
var ErrTimeout = errors.New("scan timed out")

// Scraper runs one scrape of a target URL.
type Scraper interface {
	Scrape(ctx context.Context, targetURL, keyword string, opts crawler.ScrapeOptions) (crawler.ScrapeResult, error)
}

// SessionResolver supplies cookies for targets that need a login.
type SessionResolver interface {
	Resolve(ctx context.Context, target crawler.MonitoredTarget) (string, error)
}

// Config tunes the fan-out.
type Config struct {
	PerTargetTimeout time.Duration
	// Concurrency caps simultaneous scrapes; zero means one goroutine per target.
	Concurrency int
}

// TargetResult is the settled outcome for one target.
type TargetResult struct {
	TargetID string                `json:"target_id"`
	Domain   string                `json:"domain"`
	Result   *crawler.ScrapeResult `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
	TimedOut bool                  `json:"timed_out,omitempty"`
}

// Scanner fans a keyword out across all runnable targets.
type Scanner struct {
	targets  crawler.TargetStore
	scraper  Scraper
	sessions SessionResolver
	cfg      Config
	logger   *zap.Logger
}

// New builds a Scanner. sessions may be nil.
func New(targets crawler.TargetStore, scraper Scraper, sessions SessionResolver, cfg Config, logger *zap.Logger) *Scanner {
	if cfg.PerTargetTimeout <= 0 {
		cfg.PerTargetTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{targets: targets, scraper: scraper, sessions: sessions, cfg: cfg, logger: logger.Named("batch")}
}

// ScanAll scrapes every enabled, unpaused target for keyword (each target's own
// keyword when empty). Failures and timeouts are reported per target and never
// cancel siblings. Results are ordered by target ID.
func (s *Scanner) ScanAll(ctx context.Context, keyword string, opts crawler.ScrapeOptions) ([]TargetResult, error) {
	all, err := s.targets.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var targets []crawler.MonitoredTarget
	for _, t := range all {
		if t.Enabled && !t.Paused && t.Status != crawler.TargetExpired {
			targets = append(targets, t)
		}
	}

	results := make([]TargetResult, len(targets))
	g := new(errgroup.Group)
	if s.cfg.Concurrency > 0 {
		g.SetLimit(s.cfg.Concurrency)
	}
	for i, t := range targets {
		g.Go(func() error {
			results[i] = s.scanOne(ctx, t, keyword, opts)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].TargetID < results[j].TargetID })
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	s.logger.Info("batch scan finished",
		zap.String("keyword", keyword),
		zap.Int("targets", len(results)),
		zap.Int("failed", failed),
	)
	return results, nil
}

type scrapeOutcome struct {
	result crawler.ScrapeResult
	err    error
}

func (s *Scanner) scanOne(parent context.Context, t crawler.MonitoredTarget, keyword string, opts crawler.ScrapeOptions) TargetResult {
	out := TargetResult{TargetID: t.ID, Domain: t.Domain}
	logger := s.logger.With(zap.String("target_id", t.ID), zap.String("domain", t.Domain))
	if keyword == "" {
		keyword = t.Keyword
	}

	ctx, cancel := context.WithTimeout(parent, s.cfg.PerTargetTimeout)
	defer cancel()

	if s.sessions != nil {
		token, err := s.sessions.Resolve(ctx, t)
		if err != nil {
			logger.Warn("session resolve failed", zap.Error(err))
			out.Error = crawler.UserMessage(err)
			return out
		}
		opts.SessionToken = token
	}

	done := make(chan scrapeOutcome, 1)
	go func() {
		target := t.OriginURL
		if target == "" {
			target = t.Domain
		}
		r, err := s.scraper.Scrape(ctx, target, keyword, opts)
		done <- scrapeOutcome{result: r, err: err}
	}()

	select {
	case <-ctx.Done():
		logger.Warn("target scan timed out", zap.Duration("timeout", s.cfg.PerTargetTimeout))
		out.TimedOut = true
		out.Error = crawler.UserMessage(fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()))
	case o := <-done:
		if o.err != nil {
			logger.Warn("target scan failed", zap.Error(o.err))
			out.Error = crawler.UserMessage(o.err)
			return out
		}
		out.Result = &o.result
	}
	return out
}
