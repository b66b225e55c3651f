package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/batch"
	"github.com/JakeFAU/listing-monitor/internal/config"
	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/fetch"
	queueMemory "github.com/JakeFAU/listing-monitor/internal/queue/memory"
	"github.com/JakeFAU/listing-monitor/internal/scheduler"
	storageMemory "github.com/JakeFAU/listing-monitor/internal/storage/memory"
	"github.com/JakeFAU/listing-monitor/internal/worker"
)

func TestServer_ScanAll_ReturnsSettledResults(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{results: []batch.TargetResult{
		{TargetID: "a", Domain: "a.example", Result: &crawler.ScrapeResult{ContentHash: "h1"}},
		{TargetID: "b", Domain: "b.example", Error: "scrape failed — site unreachable"},
	}}
	env := newTestEnv(t, config.Config{Scrape: config.ScrapeConfig{MaxPages: 3}})
	env.deps.Scanner = scanner
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	body := []byte(`{"keyword":"sig p365","in_stock_only":true,"max_price":500}`)
	rec := serve(server, http.MethodPost, "/v1/scan", body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp scanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "sig p365", resp.Keyword)
	require.Len(t, resp.Results, 2)
	require.Equal(t, "scrape failed — site unreachable", resp.Results[1].Error)

	require.Equal(t, "sig p365", scanner.keyword)
	require.True(t, scanner.opts.InStockOnly)
	require.NotNil(t, scanner.opts.MaxPrice)
	require.InDelta(t, 500.0, *scanner.opts.MaxPrice, 0.001)
	require.Equal(t, 3, scanner.opts.MaxPages)
}

func TestServer_ScanAll_EmptyBodyUsesTargetKeywords(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{}
	env := newTestEnv(t, config.Config{})
	env.deps.Scanner = scanner
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/scan", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"results":[]}`, rec.Body.String())
	require.Empty(t, scanner.keyword)
}

func TestServer_ScanAll_RejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.deps.Scanner = &fakeScanner{}
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/scan", []byte(`{"keyword":`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")

	rec = serve(server, http.MethodPost, "/v1/scan", []byte(`{"max_price":-1}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "max_price")
}

func TestServer_ScanAll_ListError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.deps.Scanner = &fakeScanner{err: errors.New("db down")}
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/scan", []byte(`{"keyword":"x"}`), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ScanTarget_RunsTick(t *testing.T) {
	t.Parallel()

	ticks := &fakeTicks{report: worker.Report{TargetID: "t1", Outcome: worker.OutcomeNewMatches}}
	env := newTestEnv(t, config.Config{})
	env.deps.Ticks = ticks
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/targets/t1/scan", []byte(`{"keyword":"glock"}`), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"outcome":"new_matches"`)
	require.Equal(t, "t1", ticks.item.TargetID)
	require.Equal(t, "glock", ticks.item.Keyword)
	require.Equal(t, 1, ticks.item.Attempt)
	require.Equal(t, env.clock.now.UnixNano(), ticks.item.Submitted)
}

func TestServer_ScanTarget_NotFound(t *testing.T) {
	t.Parallel()

	ticks := &fakeTicks{err: fmt.Errorf("load target: %w", crawler.ErrNotFound)}
	env := newTestEnv(t, config.Config{})
	env.deps.Ticks = ticks
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/targets/missing/scan", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ScanTarget_UnreachableMessage(t *testing.T) {
	t.Parallel()

	ticks := &fakeTicks{
		report: worker.Report{TargetID: "t1", Outcome: worker.OutcomeFailed, Retrying: true},
		err:    fmt.Errorf("scrape: %w", &fetch.Error{Kind: fetch.KindTimeout, URL: "https://a.example"}),
	}
	env := newTestEnv(t, config.Config{})
	env.deps.Ticks = ticks
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/targets/t1/scan", nil, nil)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp struct {
		Error  string        `json:"error"`
		Report worker.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "scrape failed — site unreachable", resp.Error)
	require.True(t, resp.Report.Retrying)
}

func TestServer_ResumeTarget_SchedulesAndActivates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.putTarget(t, crawler.MonitoredTarget{
		ID: "t1", Domain: "a.example", Enabled: true, Paused: true,
		Status: crawler.TargetPaused, Keyword: "glock", Interval: time.Hour,
	})
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPut, "/v1/targets/t1/schedule", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"interval":"1h0m0s"`)
	reg, ok := env.sched.Registered("t1")
	require.True(t, ok)
	require.Equal(t, "glock", reg.Keyword)

	stored, err := env.store.GetTarget(context.Background(), "t1")
	require.NoError(t, err)
	require.False(t, stored.Paused)
	require.Equal(t, crawler.TargetActive, stored.Status)

	require.Eventually(t, func() bool { return env.queue.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServer_ResumeTarget_RejectsExpiredAndDisabled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	past := env.clock.now.Add(-time.Hour)
	env.putTarget(t, crawler.MonitoredTarget{ID: "old", Domain: "a.example", Enabled: true, ExpiresAt: &past})
	env.putTarget(t, crawler.MonitoredTarget{ID: "off", Domain: "b.example", Enabled: false})
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPut, "/v1/targets/old/schedule", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = serve(server, http.MethodPut, "/v1/targets/off/schedule", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = serve(server, http.MethodPut, "/v1/targets/nope/schedule", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, ok := env.sched.Registered("old")
	require.False(t, ok)
}

func TestServer_PauseTarget_Unschedules(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	target := crawler.MonitoredTarget{ID: "t1", Domain: "a.example", Enabled: true, Keyword: "glock"}
	env.putTarget(t, target)
	env.sched.Schedule(target)
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodDelete, "/v1/targets/t1/schedule", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"unscheduled":true`)
	_, ok := env.sched.Registered("t1")
	require.False(t, ok)
	stored, err := env.store.GetTarget(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, stored.Paused)
	require.Equal(t, crawler.TargetPaused, stored.Status)

	rec = serve(server, http.MethodDelete, "/v1/targets/nope/schedule", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})
	env.deps.Scanner = &fakeScanner{}
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/scan", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/scan", nil, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/scan?api_key=secret", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	server := NewServer(env.deps, env.cfg, zap.NewNop())
	rec := serve(server, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.deps.Targets = failingTargets{}
	server = NewServer(env.deps, env.cfg, zap.NewNop())
	rec = serve(server, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	server := NewServer(env.deps, env.cfg, zap.NewNop())
	_ = serve(server, http.MethodGet, "/healthz", nil, nil)

	rec := serve(server, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.deps.Ticks = panicTicks{}
	server := NewServer(env.deps, env.cfg, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/targets/t1/scan", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(requestIDKey{}).(string)
	}))
	handler.ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, rec.Header().Get("X-Request-ID"), seen)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NotNil(t, buf)
	require.NoError(t, h.CloseClient())
	require.NoError(t, conn.Close())
}

type testEnv struct {
	cfg   config.Config
	deps  Deps
	store *storageMemory.Store
	queue *queueMemory.Queue
	sched *scheduler.Scheduler
	clock *fakeClock
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	store := storageMemory.NewStore()
	q := queueMemory.NewQueue(16)
	sched := scheduler.New(q, scheduler.Config{}, zap.NewNop())
	t.Cleanup(func() {
		sched.Stop()
		q.Close()
	})
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return &testEnv{
		cfg:   cfg,
		store: store,
		queue: q,
		sched: sched,
		clock: clock,
		deps: Deps{
			Targets:   store,
			Scanner:   &fakeScanner{},
			Ticks:     &fakeTicks{},
			Scheduler: sched,
			Clock:     clock,
		},
	}
}

func (e *testEnv) putTarget(t *testing.T, target crawler.MonitoredTarget) {
	t.Helper()
	require.NoError(t, e.store.PutTarget(context.Background(), target))
}

func serve(s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeScanner struct {
	mu      sync.Mutex
	keyword string
	opts    crawler.ScrapeOptions
	results []batch.TargetResult
	err     error
}

func (f *fakeScanner) ScanAll(_ context.Context, keyword string, opts crawler.ScrapeOptions) ([]batch.TargetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyword = keyword
	f.opts = opts
	return f.results, f.err
}

type fakeTicks struct {
	mu     sync.Mutex
	item   crawler.QueueItem
	report worker.Report
	err    error
}

func (f *fakeTicks) Process(_ context.Context, item crawler.QueueItem) (worker.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.item = item
	return f.report, f.err
}

type panicTicks struct{}

func (panicTicks) Process(context.Context, crawler.QueueItem) (worker.Report, error) {
	panic("boom")
}

type failingTargets struct{}

func (failingTargets) ListTargets(context.Context) ([]crawler.MonitoredTarget, error) {
	return nil, errors.New("db down")
}

func (failingTargets) GetTarget(context.Context, string) (crawler.MonitoredTarget, error) {
	return crawler.MonitoredTarget{}, errors.New("db down")
}

func (failingTargets) UpdateTargetChecked(context.Context, string, time.Time, string) error {
	return errors.New("db down")
}

func (failingTargets) SetTargetStatus(context.Context, string, crawler.TargetStatus) error {
	return errors.New("db down")
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
