package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/delta"
	"github.com/JakeFAU/listing-monitor/internal/fetch"
)

var now = time.Date(2026, 10, 3, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeTargets struct {
	mu       sync.Mutex
	targets  map[string]crawler.MonitoredTarget
	statuses map[string]crawler.TargetStatus
}

func newFakeTargets(ts ...crawler.MonitoredTarget) *fakeTargets {
	f := &fakeTargets{targets: map[string]crawler.MonitoredTarget{}, statuses: map[string]crawler.TargetStatus{}}
	for _, t := range ts {
		f.targets[t.ID] = t
	}
	return f
}

func (f *fakeTargets) ListTargets(context.Context) ([]crawler.MonitoredTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawler.MonitoredTarget, 0, len(f.targets))
	for _, t := range f.targets {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTargets) GetTarget(_ context.Context, id string) (crawler.MonitoredTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		return crawler.MonitoredTarget{}, crawler.ErrNotFound
	}
	return t, nil
}

func (f *fakeTargets) UpdateTargetChecked(_ context.Context, id string, at time.Time, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.targets[id]
	t.LastCheckedAt = &at
	t.LastContentHash = hash
	f.targets[id] = t
	return nil
}

func (f *fakeTargets) SetTargetStatus(_ context.Context, id string, status crawler.TargetStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	t := f.targets[id]
	t.Status = status
	f.targets[id] = t
	return nil
}

type fakeMatches struct {
	mu   sync.Mutex
	rows map[string][]crawler.PersistedMatch
}

func (f *fakeMatches) FindItemsByTarget(_ context.Context, id string) ([]crawler.PersistedMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.PersistedMatch(nil), f.rows[id]...), nil
}

func (f *fakeMatches) InsertMatches(_ context.Context, ms []crawler.PersistedMatch) ([]crawler.PersistedMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range ms {
		f.rows[m.TargetID] = append(f.rows[m.TargetID], m)
	}
	return ms, nil
}

func (f *fakeMatches) UpdateMatches(context.Context, []crawler.PersistedMatch) error { return nil }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("m-%d", s.n), nil
}

type fakeScraper struct {
	mu      sync.Mutex
	results []crawler.ScrapeResult
	err     error
	calls   []struct{ url, keyword, token string }
}

func (f *fakeScraper) Scrape(_ context.Context, targetURL, keyword string, opts crawler.ScrapeOptions) (crawler.ScrapeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct{ url, keyword, token string }{targetURL, keyword, opts.SessionToken})
	if f.err != nil {
		return crawler.ScrapeResult{}, f.err
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r, nil
}

type fakeSessions struct {
	token       string
	err         error
	invalidated int
}

func (f *fakeSessions) Resolve(_ context.Context, t crawler.MonitoredTarget) (string, error) {
	if !t.RequiresAuth {
		return "", nil
	}
	return f.token, f.err
}

func (f *fakeSessions) Invalidate(context.Context, crawler.MonitoredTarget) error {
	f.invalidated++
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	batches [][]crawler.PersistedMatch
}

func (f *fakeNotifier) NotifyNewItems(_ context.Context, t crawler.MonitoredTarget, items []crawler.PersistedMatch) ([]crawler.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, items)
	return []crawler.Notification{{ID: "n-1", TargetID: t.ID, Channel: crawler.ChannelEmail, Status: crawler.NotificationSent}}, nil
}

type fakeScheduler struct {
	mu          sync.Mutex
	failed      []crawler.QueueItem
	unscheduled []string
}

func (f *fakeScheduler) JobFailed(item crawler.QueueItem, _ error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, item)
	return true
}

func (f *fakeScheduler) Unschedule(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unscheduled = append(f.unscheduled, id)
	return true
}

type harness struct {
	targets   *fakeTargets
	matches   *fakeMatches
	scraper   *fakeScraper
	sessions  *fakeSessions
	notifier  *fakeNotifier
	scheduler *fakeScheduler
	worker    *Worker
}

func newHarness(queue crawler.Queue, target crawler.MonitoredTarget, results ...crawler.ScrapeResult) *harness {
	h := &harness{
		targets:   newFakeTargets(target),
		matches:   &fakeMatches{rows: map[string][]crawler.PersistedMatch{}},
		scraper:   &fakeScraper{results: results},
		sessions:  &fakeSessions{token: "sid=1"},
		notifier:  &fakeNotifier{},
		scheduler: &fakeScheduler{},
	}
	clock := fixedClock{now}
	differ := delta.New(h.matches, &seqIDs{}, clock, zap.NewNop())
	h.worker = New(queue, h.targets, h.sessions, h.scraper, differ, h.notifier, h.scheduler, clock, Config{}, zap.NewNop())
	return h
}

func activeTarget() crawler.MonitoredTarget {
	return crawler.MonitoredTarget{
		ID:        "t1",
		Domain:    "shop.example.com",
		OriginURL: "https://shop.example.com",
		Keyword:   "glock 19",
		Enabled:   true,
		Status:    crawler.TargetActive,
	}
}

func result(hash string, urls ...string) crawler.ScrapeResult {
	r := crawler.ScrapeResult{ContentHash: hash, ScrapedAt: now}
	for _, u := range urls {
		r.Items = append(r.Items, crawler.ScrapedItem{Title: u, URL: "https://shop.example.com" + u})
	}
	return r
}

func TestProcessNewMatchesThenNoChange(t *testing.T) {
	t.Parallel()

	h := newHarness(nil, activeTarget(),
		result("H1", "/p/1", "/p/2"),
		result("H1", "/p/1", "/p/2"),
		result("H2", "/p/1", "/p/2", "/p/3"),
	)
	ctx := context.Background()
	item := crawler.QueueItem{TargetID: "t1", Attempt: 1}

	first, err := h.worker.Process(ctx, item)
	require.NoError(t, err)
	require.Equal(t, OutcomeNewMatches, first.Outcome)
	require.Len(t, first.NewItems, 2)
	require.Len(t, first.Notifications, 1)

	second, err := h.worker.Process(ctx, item)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoChange, second.Outcome)
	require.Empty(t, second.NewItems)
	require.Equal(t, 2, second.Updated)

	third, err := h.worker.Process(ctx, item)
	require.NoError(t, err)
	require.Equal(t, OutcomeNewMatches, third.Outcome)
	require.Len(t, third.NewItems, 1)
	require.Equal(t, "https://shop.example.com/p/3", third.NewItems[0].URL)

	require.Len(t, h.notifier.batches, 2)
	require.Len(t, h.notifier.batches[1], 1)
	stored, _ := h.targets.GetTarget(ctx, "t1")
	require.Equal(t, "H2", stored.LastContentHash)
	require.Equal(t, now, *stored.LastCheckedAt)
	require.Equal(t, "glock 19", h.scraper.calls[0].keyword)
	require.Equal(t, "https://shop.example.com", h.scraper.calls[0].url)
}

func TestProcessUpdatedWhenHashChangesWithoutNewItems(t *testing.T) {
	t.Parallel()

	target := activeTarget()
	target.LastContentHash = "OLD"
	h := newHarness(nil, target, result("H1"))

	report, err := h.worker.Process(context.Background(), crawler.QueueItem{TargetID: "t1", Keyword: "p320"})
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, report.Outcome)
	require.Empty(t, h.notifier.batches)
	require.Equal(t, "p320", h.scraper.calls[0].keyword)
}

func TestProcessPausedSkipsScrape(t *testing.T) {
	t.Parallel()

	target := activeTarget()
	target.Paused = true
	h := newHarness(nil, target, result("H1"))

	report, err := h.worker.Process(context.Background(), crawler.QueueItem{TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, report.Outcome)
	require.Empty(t, h.scraper.calls)
}

func TestProcessExpiresTrialTarget(t *testing.T) {
	t.Parallel()

	target := activeTarget()
	past := now.Add(-time.Minute)
	target.ExpiresAt = &past
	h := newHarness(nil, target, result("H1"))

	report, err := h.worker.Process(context.Background(), crawler.QueueItem{TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeExpired, report.Outcome)
	require.Equal(t, crawler.TargetExpired, h.targets.statuses["t1"])
	require.Equal(t, []string{"t1"}, h.scheduler.unscheduled)
	require.Empty(t, h.scraper.calls)

	again, err := h.worker.Process(context.Background(), crawler.QueueItem{TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeExpired, again.Outcome)
}

func TestProcessScrapeFailureGoesToScheduler(t *testing.T) {
	t.Parallel()

	h := newHarness(nil, activeTarget())
	h.scraper.err = &fetch.Error{Kind: fetch.KindConnectionReset, URL: "https://shop.example.com"}

	item := crawler.QueueItem{TargetID: "t1", Attempt: 1}
	report, err := h.worker.Process(context.Background(), item)
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrUnreachable)
	require.Equal(t, OutcomeFailed, report.Outcome)
	require.True(t, report.Retrying)
	require.Equal(t, []crawler.QueueItem{item}, h.scheduler.failed)
	stored, _ := h.targets.GetTarget(context.Background(), "t1")
	require.Nil(t, stored.LastCheckedAt)
}

func TestProcessSessionHandling(t *testing.T) {
	t.Parallel()

	target := activeTarget()
	target.RequiresAuth = true
	login := result("H1")
	login.LoginRequired = true
	h := newHarness(nil, target, login)

	_, err := h.worker.Process(context.Background(), crawler.QueueItem{TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, "sid=1", h.scraper.calls[0].token)
	require.Equal(t, 1, h.sessions.invalidated)

	h.sessions.err = errors.New("login failed")
	report, err := h.worker.Process(context.Background(), crawler.QueueItem{TargetID: "t1"})
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, report.Outcome)
	require.Len(t, h.scraper.calls, 1)
	require.Empty(t, h.scheduler.failed)
}

func TestProcessLoginWallKeepsStoredHash(t *testing.T) {
	t.Parallel()

	target := activeTarget()
	target.LastContentHash = "H1"
	wall := result("empty:https://shop.example.com")
	wall.LoginRequired = true
	h := newHarness(nil, target, wall, result("H1"))
	ctx := context.Background()

	report, err := h.worker.Process(ctx, crawler.QueueItem{TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeLoginRequired, report.Outcome)
	stored, _ := h.targets.GetTarget(ctx, "t1")
	require.Equal(t, "H1", stored.LastContentHash)
	require.Equal(t, now, *stored.LastCheckedAt)

	report, err = h.worker.Process(ctx, crawler.QueueItem{TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoChange, report.Outcome)
}

func TestProcessMissingTargetUnschedules(t *testing.T) {
	t.Parallel()

	h := newHarness(nil, activeTarget())
	_, err := h.worker.Process(context.Background(), crawler.QueueItem{TargetID: "ghost"})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Equal(t, []string{"ghost"}, h.scheduler.unscheduled)
}

type chanQueue struct {
	ch chan crawler.QueueItem
}

func (q *chanQueue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *chanQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

func TestRunConsumesQueue(t *testing.T) {
	t.Parallel()

	q := &chanQueue{ch: make(chan crawler.QueueItem, 1)}
	h := newHarness(q, activeTarget(), result("H1", "/p/1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{TargetID: "t1", Attempt: 1}))
	require.Eventually(t, func() bool {
		h.notifier.mu.Lock()
		defer h.notifier.mu.Unlock()
		return len(h.notifier.batches) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

type closedQueue struct{}

func (closedQueue) Enqueue(context.Context, crawler.QueueItem) error { return crawler.ErrQueueClosed }

func (closedQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, crawler.ErrQueueClosed
}

func TestRunReturnsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(closedQueue{}, activeTarget())
	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on closed queue")
	}
}
