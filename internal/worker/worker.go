// Package worker runs the per-tick scrape state machine for monitored targets.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/delta"
	"github.com/JakeFAU/listing-monitor/internal/metrics"
)

// Outcome is the terminal state of one tick.
type Outcome string

// Tick outcomes.
const (
	OutcomePaused     Outcome = "paused"
	OutcomeExpired    Outcome = "expired"
	OutcomeNoChange   Outcome = "no_change"
	OutcomeUpdated    Outcome = "updated"
	OutcomeNewMatches Outcome = "new_matches"
	OutcomeFailed     Outcome = "failed"
)

// OutcomeLoginRequired marks a tick that hit a login wall. The stored content
// hash is left as it was.
const OutcomeLoginRequired Outcome = "login_required"

// Scraper runs one scrape of a target URL.
type Scraper interface {
	Scrape(ctx context.Context, targetURL, keyword string, opts crawler.ScrapeOptions) (crawler.ScrapeResult, error)
}

// SessionResolver supplies cookies for targets that need a login.
type SessionResolver interface {
	Resolve(ctx context.Context, target crawler.MonitoredTarget) (string, error)
	Invalidate(ctx context.Context, target crawler.MonitoredTarget) error
}

// Differ persists a scrape and reports what changed.
type Differ interface {
	Apply(ctx context.Context, targetID string, result crawler.ScrapeResult) (delta.Delta, error)
}

// Notifier announces newly found matches.
type Notifier interface {
	NotifyNewItems(ctx context.Context, target crawler.MonitoredTarget, items []crawler.PersistedMatch) ([]crawler.Notification, error)
}

// Scheduler receives failed jobs for retry and expired targets for removal.
type Scheduler interface {
	JobFailed(item crawler.QueueItem, err error) bool
	Unschedule(targetID string) bool
}

// Report describes what one tick did.
type Report struct {
	TargetID      string                   `json:"target_id"`
	Outcome       Outcome                  `json:"outcome"`
	Result        *crawler.ScrapeResult    `json:"result,omitempty"`
	NewItems      []crawler.PersistedMatch `json:"new_items,omitempty"`
	Updated       int                      `json:"updated"`
	Notifications []crawler.Notification   `json:"notifications,omitempty"`
	Retrying      bool                     `json:"retrying,omitempty"`
}

// Config holds scrape options applied to every tick.
type Config struct {
	Options crawler.ScrapeOptions
}

// Worker consumes queue items and drives each target through one tick.
type Worker struct {
	queue     crawler.Queue
	targets   crawler.TargetStore
	sessions  SessionResolver
	scraper   Scraper
	differ    Differ
	notifier  Notifier
	scheduler Scheduler
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. sessions, notifier and scheduler may be nil.
func New(
	queue crawler.Queue,
	targets crawler.TargetStore,
	sessions SessionResolver,
	scraper Scraper,
	differ Differ,
	notifier Notifier,
	scheduler Scheduler,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		targets:   targets,
		sessions:  sessions,
		scraper:   scraper,
		differ:    differ,
		notifier:  notifier,
		scheduler: scheduler,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("target_id", item.TargetID), zap.Int("attempt", item.Attempt))
		metrics.IncActiveWorkers()
		_, _ = w.Process(ctx, item)
		metrics.DecActiveWorkers()
	}
}

// Process runs one tick for item. Scrape failures are handed to the scheduler
// for retry; the returned error is informational.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) (Report, error) {
	report, err := w.process(ctx, item)
	metrics.ObserveJob(string(report.Outcome))
	return report, err
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) (Report, error) {
	report := Report{TargetID: item.TargetID, Outcome: OutcomeFailed}
	logger := w.logger.With(zap.String("target_id", item.TargetID))

	target, err := w.targets.GetTarget(ctx, item.TargetID)
	if err != nil {
		logger.Error("load target failed", zap.Error(err))
		if errors.Is(err, crawler.ErrNotFound) && w.scheduler != nil {
			w.scheduler.Unschedule(item.TargetID)
		}
		return report, fmt.Errorf("load target: %w", err)
	}
	logger = logger.With(zap.String("domain", target.Domain))

	now := w.clock.Now()
	switch {
	case target.Status == crawler.TargetExpired:
		report.Outcome = OutcomeExpired
		w.unschedule(target.ID)
		return report, nil
	case target.Expired(now):
		if err := w.targets.SetTargetStatus(ctx, target.ID, crawler.TargetExpired); err != nil {
			logger.Error("mark target expired failed", zap.Error(err))
			return report, fmt.Errorf("mark expired: %w", err)
		}
		w.unschedule(target.ID)
		logger.Info("target expired")
		report.Outcome = OutcomeExpired
		return report, nil
	case target.Paused || !target.Enabled:
		logger.Debug("target paused, skipping")
		report.Outcome = OutcomePaused
		return report, nil
	}

	opts := w.cfg.Options
	if w.sessions != nil {
		token, err := w.sessions.Resolve(ctx, target)
		if err != nil {
			logger.Error("session resolve failed", zap.Error(err))
			return report, fmt.Errorf("resolve session: %w", err)
		}
		opts.SessionToken = token
	}

	keyword := item.Keyword
	if keyword == "" {
		keyword = target.Keyword
	}
	result, err := w.scraper.Scrape(ctx, scrapeURL(target), keyword, opts)
	if err != nil {
		logger.Error("scrape failed", zap.Int("attempt", item.Attempt), zap.Error(err))
		if w.scheduler != nil {
			report.Retrying = w.scheduler.JobFailed(item, err)
		}
		return report, fmt.Errorf("scrape: %w", err)
	}
	report.Result = &result
	for _, e := range result.Errors {
		logger.Warn("scrape stage failed", zap.String("stage_error", e))
	}
	if result.LoginRequired && target.RequiresAuth && w.sessions != nil {
		if err := w.sessions.Invalidate(ctx, target); err != nil {
			logger.Warn("invalidate session failed", zap.Error(err))
		}
	}

	d, err := w.differ.Apply(ctx, target.ID, result)
	if err != nil {
		logger.Error("apply delta failed", zap.Error(err))
		return report, fmt.Errorf("apply delta: %w", err)
	}
	checkedHash := result.ContentHash
	if result.LoginRequired {
		checkedHash = target.LastContentHash
	}
	if err := w.targets.UpdateTargetChecked(ctx, target.ID, result.ScrapedAt, checkedHash); err != nil {
		logger.Error("update target checked failed", zap.Error(err))
		return report, fmt.Errorf("update target: %w", err)
	}
	report.NewItems = d.New
	report.Updated = len(d.Updated)

	switch {
	case len(d.New) > 0:
		report.Outcome = OutcomeNewMatches
		if w.notifier != nil {
			notes, err := w.notifier.NotifyNewItems(ctx, target, d.New)
			if err != nil {
				logger.Error("notify failed", zap.Error(err))
			}
			report.Notifications = notes
		}
	case result.LoginRequired:
		report.Outcome = OutcomeLoginRequired
	case result.ContentHash == target.LastContentHash:
		report.Outcome = OutcomeNoChange
	default:
		report.Outcome = OutcomeUpdated
	}
	logger.Info("tick finished",
		zap.String("outcome", string(report.Outcome)),
		zap.Int("new", len(d.New)),
		zap.Int("updated", len(d.Updated)),
		zap.String("content_hash", result.ContentHash),
	)
	return report, nil
}

func (w *Worker) unschedule(targetID string) {
	if w.scheduler != nil {
		w.scheduler.Unschedule(targetID)
	}
}

func scrapeURL(t crawler.MonitoredTarget) string {
	if t.OriginURL != "" {
		return t.OriginURL
	}
	return t.Domain
}
