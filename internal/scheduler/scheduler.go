// Package scheduler keeps one repeating scrape registration per monitored
// target and re-enqueues failed jobs with exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/fetch"
)

// Config tunes registration intervals and retry behavior.
type Config struct {
	DefaultInterval time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	MaxBackoff      time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 15 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Registration describes a scheduled target.
type Registration struct {
	TargetID string        `json:"target_id"`
	Keyword  string        `json:"keyword"`
	Interval time.Duration `json:"interval"`
}

type job struct {
	Registration
	cancel context.CancelFunc
	seq    uint64
}

// Scheduler owns repeating registrations. Each registration runs a ticker
// goroutine that enqueues immediately and then once per interval.
type Scheduler struct {
	queue  crawler.Queue
	cfg    Config
	retry  fetch.RetryPolicy
	logger *zap.Logger

	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	jobs    map[string]*job
	seq     uint64
	stopped bool
}

// New builds a Scheduler that feeds queue.
func New(queue crawler.Queue, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		queue: queue,
		cfg:   cfg,
		retry: fetch.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.MaxBackoff,
		},
		logger: logger.Named("scheduler"),
		base:   base,
		stop:   stop,
		jobs:   make(map[string]*job),
	}
}

// Schedule registers target, replacing any prior registration for the same ID.
func (s *Scheduler) Schedule(target crawler.MonitoredTarget) Registration {
	interval := target.Interval
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}
	reg := Registration{TargetID: target.ID, Keyword: target.Keyword, Interval: interval}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return reg
	}
	if prev, ok := s.jobs[target.ID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(s.base)
	s.seq++
	j := &job{Registration: reg, cancel: cancel, seq: s.seq}
	s.jobs[target.ID] = j

	s.wg.Add(1)
	go s.loop(ctx, j)
	s.logger.Info("target scheduled",
		zap.String("target_id", target.ID),
		zap.String("keyword", reg.Keyword),
		zap.Duration("interval", interval),
	)
	return reg
}

// Unschedule removes the registration for targetID. In-flight scrapes are not
// interrupted. It reports whether a registration existed.
func (s *Scheduler) Unschedule(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[targetID]
	if !ok {
		return false
	}
	j.cancel()
	delete(s.jobs, targetID)
	s.logger.Info("target unscheduled", zap.String("target_id", targetID))
	return true
}

// Registered returns the registration for targetID, if any.
func (s *Scheduler) Registered(targetID string) (Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[targetID]
	if !ok {
		return Registration{}, false
	}
	return j.Registration, true
}

// Sync makes the registrations match targets: runnable targets are scheduled
// (or rescheduled when their interval or keyword changed) and everything else
// is unscheduled.
func (s *Scheduler) Sync(targets []crawler.MonitoredTarget, now time.Time) {
	want := make(map[string]crawler.MonitoredTarget, len(targets))
	for _, t := range targets {
		if Runnable(t, now) {
			want[t.ID] = t
		}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.jobs {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Unschedule(id)
	}

	for _, t := range want {
		if reg, ok := s.Registered(t.ID); ok && reg.Keyword == t.Keyword && reg.Interval == s.intervalFor(t) {
			continue
		}
		s.Schedule(t)
	}
}

// Runnable reports whether t should hold a repeating registration.
func Runnable(t crawler.MonitoredTarget, now time.Time) bool {
	return t.Enabled && !t.Paused && t.Status != crawler.TargetExpired && !t.Expired(now)
}

// JobFailed re-enqueues item after a backoff when err is transient, attempts
// remain and the target is still registered. It reports whether a retry was
// scheduled.
func (s *Scheduler) JobFailed(item crawler.QueueItem, err error) bool {
	logger := s.logger.With(
		zap.String("target_id", item.TargetID),
		zap.Int("attempt", item.Attempt),
		zap.Error(err),
	)
	attempt := item.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if !fetch.Transient(err) || attempt >= s.retry.MaxAttempts {
		logger.Error("job failed permanently")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.jobs[item.TargetID]; !ok {
		logger.Info("job failed for unscheduled target, not retrying")
		return false
	}

	delay := s.retry.Backoff(attempt)
	next := item
	next.Attempt = attempt + 1
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.base.Done():
			return
		case <-timer.C:
		}
		if err := s.queue.Enqueue(s.base, next); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("retry enqueue failed", zap.String("target_id", next.TargetID), zap.Error(err))
		}
	}()
	logger.Warn("job failed, retry scheduled", zap.Duration("backoff", delay))
	return true
}

// Run blocks until ctx ends, then stops every registration.
func (s *Scheduler) Run(ctx context.Context) {
	<-ctx.Done()
	s.Stop()
}

// Stop cancels all registrations and pending retries and waits for their
// goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, j := range s.jobs {
		j.cancel()
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) intervalFor(t crawler.MonitoredTarget) time.Duration {
	if t.Interval > 0 {
		return t.Interval
	}
	return s.cfg.DefaultInterval
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		s.enqueue(ctx, j)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, j *job) {
	item := crawler.QueueItem{
		TargetID:  j.TargetID,
		Keyword:   j.Keyword,
		Attempt:   1,
		Submitted: time.Now().UnixNano(),
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("enqueue failed", zap.String("target_id", j.TargetID), zap.Error(err))
		}
		return
	}
	s.logger.Debug("job enqueued", zap.String("target_id", j.TargetID), zap.Uint64("registration", j.seq))
}
